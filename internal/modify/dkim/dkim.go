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

// Package dkim implements the DKIMSign action.
//
// Keys are loaded from key_path, relative to the state directory, or
// generated on first use. The TXT record to publish for a generated key is
// written next to it with the .dns extension.
package dkim

import (
	"context"
	"crypto"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/dns"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"golang.org/x/net/idna"
)

const Day = 86400 * time.Second

var (
	oversignDefault = []string{
		// Directly visible to the user.
		"Subject",
		"Sender",
		"To",
		"Cc",
		"From",
		"Date",

		// Affects body processing.
		"MIME-Version",
		"Content-Type",
		"Content-Transfer-Encoding",

		// Affects user interaction.
		"Reply-To",
		"In-Reply-To",
		"Message-Id",
		"References",

		"Autocrypt",
		"Openpgp",
	}
	signDefault = []string{
		// Not oversigned to prevent signature breakage by aliasing mailing
		// list managers.
		"List-Id",
		"List-Help",
		"List-Unsubscribe",
		"List-Post",
		"List-Owner",
		"List-Archive",

		// Can be prepended by intermediate relays.
		"Resent-To",
		"Resent-Sender",
		"Resent-Message-Id",
		"Resent-Date",
		"Resent-From",
		"Resent-Cc",
	}
)

type Signer struct {
	domains        []string
	selector       string
	signers        map[string]crypto.Signer
	oversignHeader []string
	signHeader     []string
	headerCanon    dkim.Canonicalization
	bodyCanon      dkim.Canonicalization
	sigExpiry      time.Duration

	log log.Logger
}

type signParams struct {
	Domains        []string      `mapstructure:"domains"`
	Selector       string        `mapstructure:"selector"`
	KeyPath        string        `mapstructure:"key_path"`
	OversignFields []string      `mapstructure:"oversign_fields"`
	SignFields     []string      `mapstructure:"sign_fields"`
	HeaderCanon    string        `mapstructure:"header_canon"`
	BodyCanon      string        `mapstructure:"body_canon"`
	SigExpiry      time.Duration `mapstructure:"sig_expiry"`
	NewKeyAlgo     string        `mapstructure:"newkey_algo"`
}

func checkCanon(name, value string) (dkim.Canonicalization, error) {
	switch c := dkim.Canonicalization(value); c {
	case dkim.CanonicalizationRelaxed, dkim.CanonicalizationSimple:
		return c, nil
	}
	return "", fmt.Errorf("%s: unknown canonicalization: %s", name, value)
}

// New creates the DKIMSign action. The inline argument form is
// "domain1,domain2,selector".
func New(s module.Spec) (module.Action, error) {
	params := signParams{
		KeyPath:        "dkim_keys/{domain}_{selector}.key",
		OversignFields: oversignDefault,
		SignFields:     signDefault,
		HeaderCanon:    string(dkim.CanonicalizationRelaxed),
		BodyCanon:      string(dkim.CanonicalizationRelaxed),
		SigExpiry:      5 * Day,
		NewKeyAlgo:     "rsa2048",
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if s.Arg != "" {
		args := strings.Split(s.Arg, ",")
		if len(args) < 2 {
			return nil, fmt.Errorf("%s: expected 'domain,selector': %s", s.Name, s.Arg)
		}
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
		params.Domains = append(params.Domains, args[:len(args)-1]...)
		params.Selector = args[len(args)-1]
	}
	if len(params.Domains) == 0 {
		return nil, fmt.Errorf("%s: at least one domain is needed", s.Name)
	}
	if params.Selector == "" {
		return nil, fmt.Errorf("%s: selector is not specified", s.Name)
	}
	switch params.NewKeyAlgo {
	case "rsa2048", "rsa4096", "ed25519":
	default:
		return nil, fmt.Errorf("%s: unknown newkey_algo: %s", s.Name, params.NewKeyAlgo)
	}

	m := &Signer{
		domains:        params.Domains,
		selector:       params.Selector,
		signers:        make(map[string]crypto.Signer, len(params.Domains)),
		oversignHeader: params.OversignFields,
		signHeader:     params.SignFields,
		sigExpiry:      params.SigExpiry,
		log:            s.Log,
	}
	var err error
	if m.headerCanon, err = checkCanon("header_canon", params.HeaderCanon); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	if m.bodyCanon, err = checkCanon("body_canon", params.BodyCanon); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}

	for _, domain := range m.domains {
		if _, err := idna.ToASCII(domain); err != nil {
			m.log.Printf("warning: unable to convert domain %s to A-labels form, mail will not be signed: %v", domain, err)
		}

		keyValues := strings.NewReplacer("{domain}", domain, "{selector}", m.selector)
		keyPath := keyValues.Replace(params.KeyPath)
		if !filepath.IsAbs(keyPath) {
			keyPath = filepath.Join(s.Globals.StateDir, keyPath)
		}

		signer, newKey, err := loadOrGenerateKey(m.log, keyPath, params.NewKeyAlgo)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
		if newKey {
			m.log.Printf("generated a new %s keypair, private key is in %s, TXT record with public key is in %s,\n"+
				"put its contents into TXT record for %s._domainkey.%s to make signing and verification work",
				params.NewKeyAlgo, keyPath, dnsRecordPath(keyPath), m.selector, domain)
		}

		normDomain, err := dns.ForLookup(domain)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to normalize domain %s: %w", s.Name, domain, err)
		}
		m.signers[normDomain] = signer
	}
	return m, nil
}

func (m *Signer) fieldsToSign(h *textproto.Header) []string {
	// Duplicated fields in the configuration make go-msgauth panic.
	seen := make(map[string]struct{})

	res := make([]string, 0, len(m.oversignHeader)+len(m.signHeader))
	for _, key := range m.oversignHeader {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		// Once per each field present.
		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		// And once more to "oversign" it.
		res = append(res, key)
	}
	for _, key := range m.signHeader {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
	}
	return res
}

// keyFor picks the signing domain and key for the envelope sender. The first
// domain is used for the null sender and postmaster.
func (m *Signer) keyFor(sender string) (string, crypto.Signer) {
	domain := address.Domain(sender)
	if domain == "" {
		domain = m.domains[0]
	}
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return domain, nil
	}
	return domain, m.signers[normDomain]
}

func (m *Signer) Service(ctx context.Context, msg *mail.Mail) (module.Outcome, error) {
	domain, keySigner := m.keyFor(msg.Sender)
	if keySigner == nil {
		m.log.DebugMsg("no key for domain", "msg_name", msg.Name, "domain", domain)
		return module.Continue, nil
	}

	// U-labels are not allowed in non-EAI messages.
	domain, err := idna.ToASCII(domain)
	if err != nil {
		return module.Continue, nil
	}
	selector, err := idna.ToASCII(m.selector)
	if err != nil {
		return module.Continue, nil
	}

	opts := dkim.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Identifier:             "@" + domain,
		Signer:                 keySigner,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: m.headerCanon,
		BodyCanonicalization:   m.bodyCanon,
		HeaderKeys:             m.fieldsToSign(&msg.Header),
	}
	if m.sigExpiry != 0 {
		opts.Expiration = time.Now().Add(m.sigExpiry)
	}
	signature, err := sign(&opts, msg)
	if err != nil {
		return module.Continue, fmt.Errorf("dkim: %w", err)
	}
	msg.Header.AddRaw([]byte(signature))

	m.log.DebugMsg("signed", "msg_name", msg.Name, "domain", domain)
	return module.Continue, nil
}

func sign(opts *dkim.SignOptions, msg *mail.Mail) (string, error) {
	signer, err := dkim.NewSigner(opts)
	if err != nil {
		return "", err
	}
	if err := textproto.WriteHeader(signer, msg.Header); err != nil {
		signer.Close()
		return "", err
	}
	r, err := msg.Body.Open()
	if err != nil {
		signer.Close()
		return "", err
	}
	defer r.Close()
	if _, err := io.Copy(signer, r); err != nil {
		signer.Close()
		return "", err
	}
	if err := signer.Close(); err != nil {
		return "", err
	}
	return signer.Signature(), nil
}

func init() {
	module.RegisterAction("DKIMSign", New)
}
