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
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/testutils"
)

const unsignedMailString = `From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game. Are you hungry yet?

Joe.
`

const dnsPublicKey = "v=DKIM1; p=MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQ" +
	"KBgQDwIRP/UC3SBsEmGqZ9ZJW3/DkMoGeLnQg1fWn7/zYt" +
	"IxN2SnFCjxOCKG9v3b4jYfcTNh5ijSsq631uBItLa7od+v" +
	"/RtdC2UzJ1lWT947qR+Rcac2gbto/NMqJ0fzfVjH4OuKhi" +
	"tdY9tf6mcwGjaNBcWToIMmPSPDdQPNUYckcQ2QIDAQAB"

var testZones = map[string]mockdns.Zone{
	"brisbane._domainkey.example.com.": {
		TXT: []string{dnsPublicKey},
	},
}

const verifiedMailString = `DKIM-Signature: v=1; a=rsa-sha256; s=brisbane; d=example.com;
      c=simple/simple; q=dns/txt; i=joe@football.example.com;
      h=Received : From : To : Subject : Date : Message-ID;
      bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
      b=AuUoFEfDxTDkHlLXSZEpZj79LICEps6eda7W3deTVFOk4yAUoqOB
      4nujc7YopdG5dWLSdNg6xNAZpOPr+kHxt1IrE+NahM6L/LbvaHut
      KVdkLLkpVaVVQPzeRDI009SO2Il5Lu7rDNH6mZckBdrIx0orEtZV
      4bmp/YzhwvcubU4=;
Received: from client1.football.example.com  [192.0.2.1]
      by submitserver.example.com with SUBMISSION;
      Fri, 11 Jul 2003 21:01:54 -0700 (PDT)
From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game. Are you hungry yet?

Joe.
`

func testVerifier(t *testing.T, zones map[string]mockdns.Zone, params map[string]interface{}) module.Action {
	t.Helper()
	a, err := New(module.Spec{
		Name:   "DKIMVerify",
		Params: params,
		Globals: &module.Globals{
			Hostname: "mx.example.org",
			Resolver: &mockdns.Resolver{Zones: zones},
		},
		Log: testutils.Logger(t, "DKIMVerify"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func testMail(t *testing.T, literal string) *mail.Mail {
	return testutils.MailFromString(t, literal, "joe@football.example.com", "suzie@shopping.example.net")
}

func verify(t *testing.T, a module.Action, m *mail.Mail) string {
	t.Helper()
	out, err := a.Service(context.Background(), m)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if out != module.Continue {
		t.Fatal("unexpected outcome:", out)
	}
	if !strings.HasPrefix(m.Header.Get("Authentication-Results"), "mx.example.org;") {
		t.Errorf("missing Authentication-Results: %q", m.Header.Get("Authentication-Results"))
	}
	return m.StringAttr(AttrResult)
}

func TestDkimVerify_NoSig(t *testing.T) {
	a := testVerifier(t, nil, nil) // No zones since this test requires no lookups.
	if res := verify(t, a, testMail(t, unsignedMailString)); res != "none" {
		t.Fatal("want none, got", res)
	}
}

func TestDkimVerify_InvalidSig(t *testing.T) {
	a := testVerifier(t, testZones, nil)
	m := testMail(t, verifiedMailString)
	// Mess up the signature.
	m.Header.Set("From", "nope")

	if res := verify(t, a, m); res != "fail" {
		t.Fatal("want fail, got", res)
	}
}

func TestDkimVerify_ValidSig(t *testing.T) {
	a := testVerifier(t, testZones, nil)
	m := testMail(t, verifiedMailString)
	if res := verify(t, a, m); res != "pass" {
		t.Fatal("want pass, got", res, m.Header.Get("Authentication-Results"))
	}
}

func TestDkimVerify_RequiredFields(t *testing.T) {
	// Require field that is not covered by the signature.
	a := testVerifier(t, testZones, map[string]interface{}{
		"required_fields": []string{"From", "X-Important"},
	})
	if res := verify(t, a, testMail(t, verifiedMailString)); res != "permerror" {
		t.Fatal("want permerror, got", res)
	}
}

func TestDkimVerify_BufferOpenFail(t *testing.T) {
	a := testVerifier(t, testZones, nil)
	m := testMail(t, verifiedMailString)
	m.Body = testutils.FailingBuffer{OpenError: errors.New("No!")}

	if _, err := a.Service(context.Background(), m); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := m.Attr(AttrResult); ok {
		t.Error("result should not be set on error")
	}
}

var tempFailZones = map[string]mockdns.Zone{
	"brisbane._domainkey.example.com.": {
		Err: &net.DNSError{
			Err:         "DNS server is not having a great time",
			IsTemporary: true,
			IsTimeout:   true,
		},
	},
}

func TestDkimVerify_FailClosed(t *testing.T) {
	a := testVerifier(t, tempFailZones, nil)
	if _, err := a.Service(context.Background(), testMail(t, verifiedMailString)); err == nil {
		t.Fatal("expected error")
	}
}

func TestDkimVerify_FailOpen(t *testing.T) {
	a := testVerifier(t, tempFailZones, map[string]interface{}{"fail_open": true})
	if res := verify(t, a, testMail(t, verifiedMailString)); res != "temperror" {
		t.Fatal("want temperror, got", res)
	}
}

func TestSummary(t *testing.T) {
	res := Summary([]authres.Result{
		&authres.DKIMResult{Value: authres.ResultFail},
		&authres.SPFResult{Value: authres.ResultPass},
		&authres.DKIMResult{Value: authres.ResultPass},
		&authres.DKIMResult{Value: authres.ResultPermError},
	})
	if res != authres.ResultPass {
		t.Fatal("want pass, got", res)
	}
	if res := Summary(nil); res != authres.ResultNone {
		t.Fatal("want none, got", res)
	}
}
