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

// Package proxy_protocol wraps listeners to accept the HAProxy PROXY
// protocol header from trusted load balancers.
package proxy_protocol

import (
	"fmt"
	"net"
	"strings"

	"github.com/c0va23/go-proxyprotocol"
	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/log"
)

type ProxyProtocol struct {
	trust []*net.IPNet
}

func New(cfg config.ProxyProtocol) (*ProxyProtocol, error) {
	p := &ProxyProtocol{}
	for _, trust := range cfg.Trust {
		if !strings.Contains(trust, "/") {
			if ip := net.ParseIP(trust); ip != nil && ip.To4() == nil {
				trust += "/128"
			} else {
				trust += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(trust)
		if err != nil {
			return nil, fmt.Errorf("proxy_protocol: %w", err)
		}
		p.trust = append(p.trust, ipNet)
	}
	return p, nil
}

// Trusted reports whether upstream may send the PROXY header. UNIX socket
// peers are always trusted.
func (p *ProxyProtocol) Trusted(upstream net.Addr) bool {
	switch addr := upstream.(type) {
	case *net.TCPAddr:
		if len(p.trust) == 0 {
			return true
		}
		for _, trusted := range p.trust {
			if trusted.Contains(addr.IP) {
				return true
			}
		}
	case *net.UnixAddr:
		return true
	}
	return false
}

func (p *ProxyProtocol) NewListener(inner net.Listener, logger log.Logger) net.Listener {
	sourceChecker := func(upstream net.Addr) (bool, error) {
		if p.Trusted(upstream) {
			return true, nil
		}
		logger.Printf("proxy_protocol: connection from untrusted source %s", upstream)
		return false, nil
	}

	return proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		})).
		WithSourceChecker(sourceChecker)
}
