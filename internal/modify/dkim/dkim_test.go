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
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/testutils"
)

func newTestSigner(t *testing.T, dir string, params map[string]interface{}) *Signer {
	t.Helper()
	a, err := New(module.Spec{
		Name:    "DKIMSign",
		Arg:     "mailflow.test,default",
		Params:  params,
		Globals: &module.Globals{StateDir: dir},
		Log:     testutils.Logger(t, "DKIMSign"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return a.(*Signer)
}

func signTestMsg(t *testing.T, s *Signer, sender string) *mail.Mail {
	t.Helper()
	m := testutils.MailFromString(t, "From: <hello@mailflow.test>\n"+
		"Subject: heya\n"+
		"To: <heya@example.org>\n"+
		"\n"+
		"hello there\n", sender, "heya@example.org")

	out, err := s.Service(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if out != module.Continue {
		t.Fatal("unexpected outcome:", out)
	}
	return m
}

func verifyTestMsg(t *testing.T, dnsPath string, m *mail.Mail) {
	t.Helper()
	dnsRecord, err := os.ReadFile(dnsPath)
	if err != nil {
		t.Fatal(err)
	}

	var full bytes.Buffer
	if err := textproto.WriteHeader(&full, m.Header); err != nil {
		t.Fatal(err)
	}
	body, err := m.Body.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	if _, err := io.Copy(&full, body); err != nil {
		t.Fatal(err)
	}

	v, err := dkim.VerifyWithOptions(&full, &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if strings.TrimSuffix(domain, ".") != "default._domainkey.mailflow.test" {
				t.Fatal("unexpected lookup:", domain)
			}
			return []string{string(dnsRecord)}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 1 {
		t.Fatal("Expected exactly one verification")
	}
	if v[0].Err != nil {
		t.Fatal("Verification error:", v[0].Err)
	}
}

func TestGenerateSignVerify(t *testing.T) {
	// A freshly generated key can be used for signing and verification.
	test := func(keyAlgo string, headerCanon, bodyCanon dkim.Canonicalization, reload bool) {
		t.Helper()
		dir := t.TempDir()
		params := map[string]interface{}{
			"newkey_algo":  keyAlgo,
			"header_canon": string(headerCanon),
			"body_canon":   string(bodyCanon),
		}

		s := newTestSigner(t, dir, params)
		if reload {
			s = newTestSigner(t, dir, params)
		}

		m := signTestMsg(t, s, "hello@mailflow.test")
		verifyTestMsg(t, filepath.Join(dir, "dkim_keys", "mailflow.test_default.dns"), m)
	}

	for _, algo := range [2]string{"rsa2048", "ed25519"} {
		for _, hdrCanon := range [2]dkim.Canonicalization{dkim.CanonicalizationSimple, dkim.CanonicalizationRelaxed} {
			for _, bodyCanon := range [2]dkim.Canonicalization{dkim.CanonicalizationSimple, dkim.CanonicalizationRelaxed} {
				test(algo, hdrCanon, bodyCanon, false)
				test(algo, hdrCanon, bodyCanon, true)
			}
		}
	}
}

func TestSign_NullSender(t *testing.T) {
	dir := t.TempDir()
	s := newTestSigner(t, dir, map[string]interface{}{"newkey_algo": "ed25519"})
	m := signTestMsg(t, s, "")
	verifyTestMsg(t, filepath.Join(dir, "dkim_keys", "mailflow.test_default.dns"), m)
}

func TestSign_NoKey(t *testing.T) {
	s := newTestSigner(t, t.TempDir(), map[string]interface{}{"newkey_algo": "ed25519"})
	m := signTestMsg(t, s, "hello@example.org")
	if m.Header.Has("DKIM-Signature") {
		t.Fatal("mail from a domain without a key should not be signed")
	}
}

func TestNew_Errors(t *testing.T) {
	test := func(arg string, params map[string]interface{}) {
		t.Helper()
		_, err := New(module.Spec{
			Name:    "DKIMSign",
			Arg:     arg,
			Params:  params,
			Globals: &module.Globals{StateDir: t.TempDir()},
			Log:     testutils.Logger(t, "DKIMSign"),
		})
		if err == nil {
			t.Errorf("%s %v: expected error", arg, params)
		}
	}

	test("", nil)
	test("mailflow.test", nil)
	test("", map[string]interface{}{"domains": "mailflow.test"})
	test("mailflow.test,default", map[string]interface{}{"newkey_algo": "dsa"})
	test("mailflow.test,default", map[string]interface{}{"header_canon": "loose"})
}

func TestFieldsToSign(t *testing.T) {
	h := textproto.Header{}
	h.Add("A", "1")
	h.Add("c", "2")
	h.Add("C", "3")
	h.Add("a", "4")
	h.Add("b", "5")
	h.Add("unrelated", "6")

	s := Signer{
		oversignHeader: []string{"A", "B", "a"},
		signHeader:     []string{"C"},
	}
	fields := s.fieldsToSign(&h)
	sort.Strings(fields)
	expected := []string{"A", "A", "A", "B", "B", "C", "C"}

	if !reflect.DeepEqual(fields, expected) {
		t.Errorf("incorrect set of fields to sign\nwant: %v\ngot:  %v", expected, fields)
	}
}

func TestDNSRecordPath(t *testing.T) {
	if p := dnsRecordPath("/keys/a.key"); p != "/keys/a.dns" {
		t.Error("wrong path:", p)
	}
	if p := dnsRecordPath("/keys/a.pem"); !strings.HasSuffix(p, "a.pem.dns") {
		t.Error("wrong path:", p)
	}
}
