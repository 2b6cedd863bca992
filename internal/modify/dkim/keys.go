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

package dkim

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/foxcpp/mailflow/framework/log"
)

func loadOrGenerateKey(l log.Logger, keyPath, newKeyAlgo string) (pkey crypto.Signer, newKey bool, err error) {
	pemBlob, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			pkey, err = generateAndWrite(l, keyPath, newKeyAlgo)
			return pkey, true, err
		}
		return nil, false, err
	}

	block, _ := pem.Decode(pemBlob)
	if block == nil {
		return nil, false, fmt.Errorf("%s: invalid PEM block", keyPath)
	}

	var key interface{}
	switch block.Type {
	case "PRIVATE KEY": // RFC 5208 aka PKCS #8
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY": // RFC 3447 aka PKCS #1
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY": // RFC 5915
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, false, fmt.Errorf("%s: not a private key or unsupported format", keyPath)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", keyPath, err)
	}

	switch key := key.(type) {
	case *rsa.PrivateKey:
		if err := key.Validate(); err != nil {
			return nil, false, err
		}
		key.Precompute()
		return key, false, nil
	case ed25519.PrivateKey:
		return key, false, nil
	case *ecdsa.PrivateKey:
		return nil, false, fmt.Errorf("%s: ECDSA keys are not supported", keyPath)
	default:
		return nil, false, fmt.Errorf("%s: unknown key type: %T", keyPath, key)
	}
}

func generateAndWrite(l log.Logger, keyPath, newKeyAlgo string) (crypto.Signer, error) {
	wrapErr := func(err error) error {
		return fmt.Errorf("generate %s: %w", keyPath, err)
	}

	l.Printf("generating a new %s keypair...", newKeyAlgo)

	var (
		pkey     crypto.Signer
		dkimName = newKeyAlgo
		err      error
	)
	switch newKeyAlgo {
	case "rsa4096":
		dkimName = "rsa"
		pkey, err = rsa.GenerateKey(rand.Reader, 4096)
	case "rsa2048":
		dkimName = "rsa"
		pkey, err = rsa.GenerateKey(rand.Reader, 2048)
	case "ed25519":
		_, pkey, err = ed25519.GenerateKey(rand.Reader)
	default:
		err = fmt.Errorf("unknown key algorithm: %s", newKeyAlgo)
	}
	if err != nil {
		return nil, wrapErr(err)
	}

	keyBlob, err := x509.MarshalPKCS8PrivateKey(pkey)
	if err != nil {
		return nil, wrapErr(err)
	}

	// Public keys are stored next to private ones, only the latter are
	// created with 0600.
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o777); err != nil {
		return nil, wrapErr(err)
	}
	if _, err := writeDNSRecord(keyPath, dkimName, pkey); err != nil {
		return nil, wrapErr(err)
	}

	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBlob,
	}); err != nil {
		return nil, wrapErr(err)
	}
	return pkey, nil
}

// dnsRecordPath returns the path of the file holding the TXT record for the
// key at keyPath.
func dnsRecordPath(keyPath string) string {
	if filepath.Ext(keyPath) == ".key" {
		return keyPath[:len(keyPath)-4] + ".dns"
	}
	return keyPath + ".dns"
}

// DNSRecord returns the TXT record value publishing the public part of pkey.
func DNSRecord(dkimAlgoName string, pkey crypto.Signer) (string, error) {
	var keyBlob []byte
	switch pubkey := pkey.Public().(type) {
	case *rsa.PublicKey:
		keyBlob = x509.MarshalPKCS1PublicKey(pubkey)
	case ed25519.PublicKey:
		keyBlob = pubkey
	default:
		return "", fmt.Errorf("unsupported public key type: %T", pubkey)
	}
	return fmt.Sprintf("v=DKIM1; k=%s; p=%s", dkimAlgoName, base64.StdEncoding.EncodeToString(keyBlob)), nil
}

func writeDNSRecord(keyPath, dkimAlgoName string, pkey crypto.Signer) (string, error) {
	keyRecord, err := DNSRecord(dkimAlgoName, pkey)
	if err != nil {
		return "", err
	}
	dnsPath := dnsRecordPath(keyPath)
	dnsF, err := os.Create(dnsPath)
	if err != nil {
		return "", err
	}
	defer dnsF.Close()
	if _, err := io.WriteString(dnsF, keyRecord); err != nil {
		return "", err
	}
	return dnsPath, nil
}
