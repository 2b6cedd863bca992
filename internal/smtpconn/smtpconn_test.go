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

package smtpconn

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailflow/framework/exterrors"
	"github.com/foxcpp/mailflow/internal/testutils"
)

func testHeader() textproto.Header {
	hdr := textproto.Header{}
	hdr.Add("Subject", "hello")
	return hdr
}

func TestC_Deliver(t *testing.T) {
	be, addr := testutils.SMTPServer(t)

	c := New()
	c.TLSMode = TLSNone
	c.Log = testutils.Logger(t, "smtpconn")
	if err := c.Connect(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	if err := c.Mail(context.Background(), "from@example.org", 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Rcpt(context.Background(), "to@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := c.Data(context.Background(), testHeader(), strings.NewReader("body\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "from@example.org", []string{"to@example.com"}, []byte("Subject: hello\r\n\r\nbody\r\n"))
}

func TestC_RcptError(t *testing.T) {
	be, addr := testutils.SMTPServer(t)
	be.RcptErr = map[string]error{
		"full@example.com": &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 2, 2},
			Message:      "Mailbox full",
		},
	}

	c := New()
	c.TLSMode = TLSNone
	c.AddrInSMTPMsg = true
	c.Log = testutils.Logger(t, "smtpconn")
	if err := c.Connect(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Mail(context.Background(), "from@example.org", 0); err != nil {
		t.Fatal(err)
	}

	err := c.Rcpt(context.Background(), "full@example.com")
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatal("not an SMTPError:", err)
	}
	if smtpErr.Code != 452 || smtpErr.EnhancedCode != (exterrors.EnhancedCode{4, 2, 2}) {
		t.Fatal("552 not rewritten:", smtpErr.Code, smtpErr.EnhancedCode)
	}
	if !strings.HasPrefix(smtpErr.Message, "127.0.0.1 said: ") {
		t.Fatal("server address missing:", smtpErr.Message)
	}
	if len(c.Rcpts()) != 0 {
		t.Fatal("rejected recipient recorded")
	}
}

func TestC_StartTLS(t *testing.T) {
	clientCfg, be, addr := testutils.SMTPServerSTARTTLS(t)

	c := New()
	c.TLSConfig = clientCfg
	c.Log = testutils.Logger(t, "smtpconn")
	if err := c.Connect(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	if err := c.Mail(context.Background(), "from@example.org", 10); err != nil {
		t.Fatal(err)
	}
	if err := c.Rcpt(context.Background(), "to@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := c.Data(context.Background(), testHeader(), strings.NewReader("body\r\n")); err != nil {
		t.Fatal(err)
	}
	c.Close()

	msgs := be.Messages()
	if len(msgs) != 1 || !msgs[0].TLS {
		t.Fatal("message not delivered over TLS")
	}
}

func TestC_StartTLSMissing(t *testing.T) {
	_, addr := testutils.SMTPServer(t)

	c := New()
	c.Log = testutils.Logger(t, "smtpconn")
	err := c.Connect(context.Background(), addr)
	if exterrors.SMTPCode(err, 0, 0) != 451 {
		t.Fatal("expected 451 error, got", err)
	}
}

func TestParseTLSMode(t *testing.T) {
	for in, want := range map[string]TLSMode{"": TLSStartTLS, "none": TLSNone, "tls": TLSImplicit} {
		got, err := ParseTLSMode(in)
		if err != nil || got != want {
			t.Errorf("%q: want %v, got %v (%v)", in, want, got, err)
		}
	}
	if _, err := ParseTLSMode("maybe"); err == nil {
		t.Error("expected error")
	}
}
