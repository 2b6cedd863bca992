/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package tls builds server TLS configurations from certificate files or
// generated self-signed certificates.
package tls

import (
	"crypto/tls"
	"io"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/log"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ServerConfig returns the configuration for cfg. The closer stops
// certificate reloading and must be called once the configuration is no
// longer used.
func ServerConfig(cfg config.TLS, hostname string, logger log.Logger) (*tls.Config, io.Closer, error) {
	c := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.SelfSigned {
		cert, err := SelfSigned(hostname)
		if err != nil {
			return nil, nil, err
		}
		logger.Msg("using self-signed certificate", "hostname", hostname)
		c.Certificates = []tls.Certificate{cert}
		return c, nopCloser{}, nil
	}

	loader, err := NewFileLoader(cfg.Certs, cfg.Keys, logger)
	if err != nil {
		return nil, nil, err
	}
	loader.ConfigureTLS(c)
	return c, loader, nil
}
