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

package smtp

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/internal/auth"
	"github.com/foxcpp/mailflow/internal/router"
)

// recordSpool accepts everything and keeps the routed mail.
type recordSpool struct {
	lck   sync.Mutex
	mails []*mail.Mail
}

func (r *recordSpool) Route(_ context.Context, m *mail.Mail) (router.Result, error) {
	r.lck.Lock()
	defer r.lck.Unlock()
	r.mails = append(r.mails, m.Fork(m.Name, m.Rcpts))
	return router.Result{Name: m.Name, Fragments: []router.Fragment{
		{Mail: m, Disposition: router.Disposed},
	}}, nil
}

func (r *recordSpool) KeepAborted(router.Result) {}

func (r *recordSpool) last(t *testing.T) *mail.Mail {
	t.Helper()
	r.lck.Lock()
	defer r.lck.Unlock()
	if len(r.mails) == 0 {
		t.Fatal("no mail was routed")
	}
	return r.mails[len(r.mails)-1]
}

type staticAuth map[string]string

func (s staticAuth) AuthPlain(_ context.Context, username, password string) error {
	pass, ok := s[username]
	if !ok {
		return auth.ErrUnknownCredentials
	}
	if pass != password {
		return auth.ErrInvalidCredentials
	}
	return nil
}

func transaction(t *testing.T, cl *smtp.Client) {
	t.Helper()

	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("alice@example.org", nil); err != nil {
		t.Fatal(err)
	}
	w, err := cl.Data()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(testMsg)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestEndpoint_Auth(t *testing.T) {
	sp := &recordSpool{}
	endp := testEndpointOpts(t, config.SMTP{InsecureAuth: true}, Options{
		Spool: sp,
		Auth:  []auth.PlainAuth{staticAuth{"alice@example.org": "secret"}},
	})

	cl, err := smtp.Dial(endp.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()
	if err := cl.Hello("client.example.org"); err != nil {
		t.Fatal(err)
	}
	if ok, mechs := cl.Extension("AUTH"); !ok || !strings.Contains(mechs, "PLAIN") {
		t.Fatalf("AUTH PLAIN is not advertised: %v %q", ok, mechs)
	}

	err = cl.Auth(sasl.NewPlainClient("", "alice@example.org", "wrong"))
	if code := smtpCode(t, err); code != 535 {
		t.Fatalf("want 535, got %d", code)
	}

	if err := cl.Auth(sasl.NewPlainClient("", "alice@example.org", "secret")); err != nil {
		t.Fatal(err)
	}
	transaction(t, cl)

	m := sp.last(t)
	if user := m.StringAttr(mail.AttrAuthUser); user != "alice@example.org" {
		t.Errorf("wrong auth user attribute: %q", user)
	}
	if helo := m.StringAttr(mail.AttrHelo); helo != "client.example.org" {
		t.Errorf("wrong helo attribute: %q", helo)
	}
	if _, ok := m.Attr(mail.AttrTLS); ok {
		t.Error("TLS attribute set for a plaintext connection")
	}
	if received := m.Header.Get("Received"); !strings.Contains(received, "with ESMTPA") {
		t.Errorf("wrong protocol in Received: %s", received)
	}
}

func TestEndpoint_AuthNotConfigured(t *testing.T) {
	endp := testEndpointOpts(t, config.SMTP{InsecureAuth: true}, Options{Spool: &recordSpool{}})

	cl, err := smtp.Dial(endp.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()
	if err := cl.Hello("client.example.org"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := cl.Extension("AUTH"); ok {
		t.Fatal("AUTH is advertised without credentials")
	}
}

func TestEndpoint_StartTLS(t *testing.T) {
	sp := &recordSpool{}
	endp := testEndpointOpts(t, config.SMTP{
		TLS: &config.TLS{SelfSigned: true},
	}, Options{
		Spool: sp,
		Auth:  []auth.PlainAuth{staticAuth{"alice@example.org": "secret"}},
	})

	plain, err := smtp.Dial(endp.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	if err := plain.Hello("client.example.org"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := plain.Extension("AUTH"); ok {
		t.Fatal("AUTH is advertised before STARTTLS")
	}
	plain.Close()

	conn, err := net.Dial("tcp", endp.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	cl, err := smtp.NewClientStartTLS(conn, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()
	if err := cl.Hello("client.example.org"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := cl.Extension("AUTH"); !ok {
		t.Fatal("AUTH is not advertised after STARTTLS")
	}
	if err := cl.Auth(sasl.NewPlainClient("", "alice@example.org", "secret")); err != nil {
		t.Fatal(err)
	}
	transaction(t, cl)

	m := sp.last(t)
	if v, _ := m.Attr(mail.AttrTLS); v != true {
		t.Errorf("TLS attribute is not set: %v", v)
	}
	if received := m.Header.Get("Received"); !strings.Contains(received, "with ESMTPSA") {
		t.Errorf("wrong protocol in Received: %s", received)
	}
}

func TestEndpoint_ImplicitTLS(t *testing.T) {
	sp := &recordSpool{}
	endp := testEndpointOpts(t, config.SMTP{
		TLS: &config.TLS{SelfSigned: true, Implicit: true},
	}, Options{Spool: sp})

	cl, err := smtp.DialTLS(endp.Addrs()[0].String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()
	if err := cl.Hello("client.example.org"); err != nil {
		t.Fatal(err)
	}
	transaction(t, cl)

	if v, _ := sp.last(t).Attr(mail.AttrTLS); v != true {
		t.Errorf("TLS attribute is not set: %v", v)
	}
}

func TestEndpoint_ProxyProtocol(t *testing.T) {
	sp := &recordSpool{}
	endp := testEndpointOpts(t, config.SMTP{
		ProxyProtocol: &config.ProxyProtocol{Trust: []string{"127.0.0.0/8"}},
	}, Options{Spool: sp})

	conn, err := net.Dial("tcp", endp.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("PROXY TCP4 203.0.113.7 127.0.0.1 40000 25\r\n")); err != nil {
		t.Fatal(err)
	}
	cl := smtp.NewClient(conn)
	defer cl.Close()
	if err := cl.Hello("client.example.org"); err != nil {
		t.Fatal(err)
	}
	transaction(t, cl)

	m := sp.last(t)
	if ip := m.RemoteIP(); ip == nil || ip.String() != "203.0.113.7" {
		t.Errorf("proxied address is not used: %v", m.RemoteAddr)
	}
}

func TestEndpoint_Limits(t *testing.T) {
	endp := testEndpointOpts(t, config.SMTP{
		Limits: []config.Limit{{Scope: "source", Kind: "rate", Burst: 1, Period: "1h"}},
	}, Options{Spool: &recordSpool{}})
	endp.limits.Timeout = 10 * time.Millisecond

	if err := sendMail(t, endp, "sender@example.org", []string{"alice@example.org"}, testMsg); err != nil {
		t.Fatal(err)
	}
	err := sendMail(t, endp, "other@example.org", []string{"alice@example.org"}, testMsg)
	if code := smtpCode(t, err); code != 451 {
		t.Errorf("want 451, got %d", code)
	}
	if err := sendMail(t, endp, "sender@example.com", []string{"alice@example.org"}, testMsg); err != nil {
		t.Fatal(err)
	}
}
