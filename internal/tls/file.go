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

package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/foxcpp/mailflow/framework/hooks"
	"github.com/foxcpp/mailflow/framework/log"
)

// FileLoader serves certificates loaded from PEM files. Files are re-read
// on reload and once a minute.
type FileLoader struct {
	certPaths []string
	keyPaths  []string
	log       log.Logger

	certs     []tls.Certificate
	certsLock sync.RWMutex

	reloadTick *time.Ticker
	stopTick   chan struct{}
	stopOnce   sync.Once
}

func NewFileLoader(certPaths, keyPaths []string, logger log.Logger) (*FileLoader, error) {
	if len(certPaths) != len(keyPaths) {
		return nil, errors.New("tls: mismatch in certs and keys count")
	}
	for _, certPath := range certPaths {
		if !filepath.IsAbs(certPath) {
			return nil, fmt.Errorf("tls: only absolute paths allowed in certificate paths: %s", certPath)
		}
	}

	f := &FileLoader{
		certPaths: certPaths,
		keyPaths:  keyPaths,
		log:       logger,
		stopTick:  make(chan struct{}),
	}
	if err := f.loadCerts(); err != nil {
		return nil, err
	}

	hooks.AddHook(hooks.EventReload, f.reload)

	f.reloadTick = time.NewTicker(time.Minute)
	go f.reloadTicker()
	return f, nil
}

func (f *FileLoader) Close() error {
	f.stopOnce.Do(func() {
		f.reloadTick.Stop()
		close(f.stopTick)
	})
	return nil
}

func (f *FileLoader) reload() {
	select {
	case <-f.stopTick:
		return
	default:
	}
	f.log.Println("reloading certificates")
	if err := f.loadCerts(); err != nil {
		f.log.Error("reload failed", err)
	}
}

func (f *FileLoader) reloadTicker() {
	for {
		select {
		case <-f.reloadTick.C:
			f.log.Debugln("reloading certs")
			if err := f.loadCerts(); err != nil {
				f.log.Error("reload failed", err)
			}
		case <-f.stopTick:
			return
		}
	}
}

func (f *FileLoader) loadCerts() error {
	if len(f.certPaths) == 0 {
		return errors.New("tls: at least one certificate required")
	}

	certs := make([]tls.Certificate, 0, len(f.certPaths))
	for i := range f.certPaths {
		certPath := f.certPaths[i]
		keyPath := f.keyPaths[i]

		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("tls: failed to load %s and %s: %v", certPath, keyPath, err)
		}
		certs = append(certs, cert)
	}

	f.certsLock.Lock()
	defer f.certsLock.Unlock()
	f.certs = certs

	return nil
}

// GetCertificate picks the first loaded certificate suitable for the client.
func (f *FileLoader) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	// Loader function replaces only the whole slice.
	f.certsLock.RLock()
	certs := f.certs
	f.certsLock.RUnlock()

	for i := range certs {
		if hello.SupportsCertificate(&certs[i]) == nil {
			return &certs[i], nil
		}
	}
	return &certs[0], nil
}

func (f *FileLoader) ConfigureTLS(c *tls.Config) {
	c.GetCertificate = f.GetCertificate
}
