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

package action

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/foxcpp/mailflow/framework/exterrors"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/smtpconn"
)

// RcptErrors is recorded in Mail.Err when the relay rejected some of the
// fragment recipients.
type RcptErrors struct {
	Errs map[string]error
}

func (re *RcptErrors) Error() string {
	rcpts := make([]string, 0, len(re.Errs))
	for rcpt := range re.Errs {
		rcpts = append(rcpts, rcpt)
	}
	sort.Strings(rcpts)

	parts := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		parts = append(parts, rcpt+": "+re.Errs[rcpt].Error())
	}
	return fmt.Sprintf("relay: %d recipients rejected: %s", len(rcpts), strings.Join(parts, "; "))
}

func (re *RcptErrors) Fields() map[string]interface{} {
	return map[string]interface{}{
		"rejected": len(re.Errs),
	}
}

// Relay delivers the fragment to a smarthost using SMTP.
//
// Recipients accepted by the smarthost are removed from the fragment. If
// some recipients were rejected, the rest of the fragment goes to
// FailureState with RcptErrors in Mail.Err. If nothing was delivered the
// action fails and the rule error policy applies.
type Relay struct {
	Host         string
	Hostname     string
	TLSMode      smtpconn.TLSMode
	TLSConfig    *tls.Config
	Timeout      time.Duration
	FailureState string

	Log log.Logger
}

func (r *Relay) States() []string {
	return []string{r.FailureState}
}

func (r *Relay) Service(ctx context.Context, m *mail.Mail) (module.Outcome, error) {
	conn := smtpconn.New()
	conn.Hostname = r.Hostname
	conn.TLSMode = r.TLSMode
	if r.TLSConfig != nil {
		conn.TLSConfig = r.TLSConfig
	}
	if r.Timeout != 0 {
		conn.CommandTimeout = r.Timeout
	}
	conn.AddrInSMTPMsg = true
	conn.Log = r.Log

	if err := conn.Connect(ctx, r.Host); err != nil {
		return module.Continue, err
	}
	defer conn.Close()

	if err := conn.Mail(ctx, m.Sender, m.Size()); err != nil {
		return module.Continue, err
	}

	rejected := make(map[string]error)
	var firstErr error
	for _, rcpt := range m.Rcpts {
		if err := conn.Rcpt(ctx, rcpt); err != nil {
			r.Log.Error("recipient rejected", err, "msg_name", m.Name, "rcpt", rcpt)
			rejected[rcpt] = err
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(conn.Rcpts()) == 0 {
		return module.Continue, firstErr
	}

	body, err := m.Body.Open()
	if err != nil {
		return module.Continue, exterrors.WithTemporary(fmt.Errorf("relay: %w", err), true)
	}
	defer body.Close()
	if err := conn.Data(ctx, m.Header, body); err != nil {
		return module.Continue, err
	}

	r.Log.DebugMsg("relayed", "msg_name", m.Name, "remote_server", conn.ServerName(), "rcpts", conn.Rcpts())

	if len(rejected) == 0 {
		m.Rcpts = nil
		return module.Ghost, nil
	}
	m.Rcpts = mail.Subtract(m.Rcpts, conn.Rcpts())
	m.Err = &RcptErrors{Errs: rejected}
	return module.Redirect(r.FailureState), nil
}

func newRelay(s module.Spec) (module.Action, error) {
	params := struct {
		Host         string        `mapstructure:"host"`
		TLS          string        `mapstructure:"tls"`
		TLSInsecure  bool          `mapstructure:"tls_insecure"`
		Hello        string        `mapstructure:"hello"`
		Timeout      time.Duration `mapstructure:"timeout"`
		FailureState string        `mapstructure:"failure_state"`
	}{Host: s.Arg, FailureState: mail.StateError}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.Host == "" {
		return nil, fmt.Errorf("%s: host required", s.Name)
	}
	if _, _, err := net.SplitHostPort(params.Host); err != nil {
		params.Host = net.JoinHostPort(params.Host, "25")
	}
	mode, err := smtpconn.ParseTLSMode(params.TLS)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	if err := checkState(s, params.FailureState); err != nil {
		return nil, err
	}
	if params.Hello == "" {
		params.Hello = s.Globals.Hostname
	}
	if params.Hello == "" {
		return nil, errors.New("relay: hello name required (set hostname)")
	}

	return &Relay{
		Host:     params.Host,
		Hostname: params.Hello,
		TLSMode:  mode,
		TLSConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: params.TLSInsecure,
		},
		Timeout:      params.Timeout,
		FailureState: params.FailureState,
		Log:          s.Log,
	}, nil
}

func init() {
	module.RegisterAction("Relay", newRelay)
}
