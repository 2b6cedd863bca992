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
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/hooks"
	"github.com/foxcpp/mailflow/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePair(t *testing.T, dir, name string, cert tls.Certificate) (string, string) {
	t.Helper()

	certPath := filepath.Join(dir, name+".crt")
	keyPath := filepath.Join(dir, name+".key")

	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func TestSelfSigned(t *testing.T) {
	cert, err := SelfSigned("mx.example.org", "192.0.2.1")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, []string{"mx.example.org"}, cert.Leaf.DNSNames)
	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.Equal(t, "192.0.2.1", cert.Leaf.IPAddresses[0].String())
	assert.NoError(t, cert.Leaf.VerifyHostname("mx.example.org"))
}

func TestFileLoader(t *testing.T) {
	dir := t.TempDir()
	first, err := SelfSigned("first.example.org")
	require.NoError(t, err)
	certPath, keyPath := writePair(t, dir, "mx", first)

	l, err := NewFileLoader([]string{certPath}, []string{keyPath}, testutils.Logger(t, "tls"))
	require.NoError(t, err)
	defer l.Close()

	c := &tls.Config{}
	l.ConfigureTLS(c)
	got, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], got.Certificate[0])

	second, err := SelfSigned("second.example.org")
	require.NoError(t, err)
	writePair(t, dir, "mx", second)
	hooks.RunHooks(hooks.EventReload)

	got, err = c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, second.Certificate[0], got.Certificate[0])
}

func TestFileLoader_Errors(t *testing.T) {
	logger := testutils.Logger(t, "tls")

	_, err := NewFileLoader([]string{"/a.crt"}, nil, logger)
	assert.Error(t, err)

	_, err = NewFileLoader([]string{"relative.crt"}, []string{"relative.key"}, logger)
	assert.Error(t, err)

	_, err = NewFileLoader(nil, nil, logger)
	assert.Error(t, err)

	missing := filepath.Join(t.TempDir(), "missing")
	_, err = NewFileLoader([]string{missing}, []string{missing}, logger)
	assert.Error(t, err)
}

func TestServerConfig(t *testing.T) {
	c, closer, err := ServerConfig(config.TLS{SelfSigned: true}, "mx.example.org", testutils.Logger(t, "tls"))
	require.NoError(t, err)
	defer closer.Close()
	require.Len(t, c.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
}
