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
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/foxcpp/mailflow/framework/buffer"
	"github.com/foxcpp/mailflow/framework/exterrors"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/dsn"
	"github.com/google/uuid"
)

// ErrUndeliverable is reported in bounces for fragments without a recorded
// error.
var ErrUndeliverable = errors.New("message could not be delivered")

// Bounce sends a delivery status notification to the sender of the
// fragment. Mail with the null sender is never bounced.
type Bounce struct {
	Hostname    string
	From        string
	Notice      string
	Passthrough bool
	Submitter   module.Submitter

	Log log.Logger
}

func bounceStatus(err error) exterrors.EnhancedCode {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		code := smtpErr.EnhancedCode
		code[0] = 5
		return code
	}
	return exterrors.EnhancedCode{5, 0, 0}
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (b *Bounce) rcptInfo(m *mail.Mail) []dsn.RecipientInfo {
	var rcptErrs *RcptErrors
	errors.As(m.Err, &rcptErrs)

	info := make([]dsn.RecipientInfo, 0, len(m.Rcpts))
	for _, rcpt := range m.Rcpts {
		err := m.Err
		if rcptErrs != nil {
			if rcptErr, ok := rcptErrs.Errs[rcpt]; ok {
				err = rcptErr
			}
		}
		if err == nil {
			err = ErrUndeliverable
		}

		ri := dsn.RecipientInfo{
			FinalRecipient: rcpt,
			Action:         dsn.ActionFailed,
			Status:         bounceStatus(err),
			DiagnosticCode: err,
		}
		if remote, ok := exterrors.Fields(err)["remote_server"].(string); ok {
			ri.RemoteMTA = remote
		}
		info = append(info, ri)
	}
	return info
}

func (b *Bounce) Service(ctx context.Context, m *mail.Mail) (module.Outcome, error) {
	done := module.Ghost
	if b.Passthrough {
		done = module.Continue
	}

	if m.Sender == "" {
		b.Log.Msg("not sending a bounce for mail with the null sender", "msg_name", m.Name, "rcpts", m.Rcpts)
		return done, nil
	}

	var body bytes.Buffer
	hdr, err := dsn.Generate(dsn.Envelope{
		MsgID: "<" + uuid.NewString() + "@" + b.Hostname + ">",
		From:  b.From,
		To:    m.Sender,
	}, dsn.ReportingMTAInfo{
		ReportingMTA:    b.Hostname,
		ReceivedFromMTA: remoteHost(m.RemoteAddr),
		XSender:         m.Sender,
		XMailName:       m.Name,
		ArrivalDate:     m.Received,
		LastAttemptDate: time.Now(),
		Notice:          b.Notice,
	}, b.rcptInfo(m), m.Header, &body)
	if err != nil {
		return module.Continue, fmt.Errorf("bounce: %w", err)
	}

	dsnMail := mail.New("", []string{m.Sender}, hdr, buffer.MemoryBuffer{Slice: body.Bytes()})
	dsnMail.SetAttr("bounce_for", m.Name)
	if err := b.Submitter.Submit(ctx, dsnMail); err != nil {
		return module.Continue, fmt.Errorf("bounce: %w", err)
	}
	b.Log.Msg("bounce sent", "msg_name", m.Name, "dsn_name", dsnMail.Name, "rcpts", m.Rcpts, "to", m.Sender)
	return done, nil
}

func newBounce(s module.Spec) (module.Action, error) {
	if s.Arg != "" {
		return nil, fmt.Errorf("%s: inline argument not supported", s.Name)
	}
	params := struct {
		Notice      string `mapstructure:"notice"`
		Sender      string `mapstructure:"sender"`
		Passthrough bool   `mapstructure:"passthrough"`
	}{}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if s.Globals.Submitter == nil {
		return nil, fmt.Errorf("%s: mail submission is not available", s.Name)
	}
	if params.Sender == "" {
		params.Sender = "MAILER-DAEMON@" + s.Globals.Hostname
	}
	if !strings.Contains(params.Sender, "@") {
		return nil, fmt.Errorf("%s: invalid sender address: %s", s.Name, params.Sender)
	}

	return &Bounce{
		Hostname:    s.Globals.Hostname,
		From:        params.Sender,
		Notice:      params.Notice,
		Passthrough: params.Passthrough,
		Submitter:   s.Globals.Submitter,
		Log:         s.Log,
	}, nil
}

func init() {
	module.RegisterAction("Bounce", newBounce)
}
