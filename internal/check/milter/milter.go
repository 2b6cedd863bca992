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


// Package milter implements the Milter action that passes mail through an
// external filter speaking the sendmail milter protocol.
//
// Reject, temporary failure and reply code responses fail the action with
// an SMTP error, discard drops the mail. Header additions, envelope sender
// changes and recipient removals requested by the filter are applied to the
// mail. A quarantine request is recorded in the "milter.quarantine"
// attribute and redirects the mail to the quarantine_state if it is set.
package milter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-milter"
	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/exterrors"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// AttrQuarantine holds the reason given by the filter for quarantining the
// mail.
const AttrQuarantine = "milter.quarantine"

const defaultTimeout = 10 * time.Second

type Check struct {
	endpoint        string
	failOpen        bool
	quarantineState string
	hostname        string

	cl  *milter.Client
	log log.Logger
}

func New(s module.Spec) (module.Action, error) {
	var params struct {
		Endpoint        string        `mapstructure:"endpoint"`
		FailOpen        bool          `mapstructure:"fail_open"`
		QuarantineState string        `mapstructure:"quarantine_state"`
		Timeout         time.Duration `mapstructure:"timeout"`
	}
	params.Endpoint = s.Arg
	params.Timeout = defaultTimeout
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.Endpoint == "" {
		return nil, fmt.Errorf("%s: milter endpoint is not set", s.Name)
	}

	network, addr, err := splitEndpoint(params.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}

	return &Check{
		endpoint:        params.Endpoint,
		failOpen:        params.FailOpen,
		quarantineState: params.QuarantineState,
		hostname:        s.Globals.Hostname,
		cl: milter.NewClientWithOptions(network, addr, milter.ClientOptions{
			Dialer: &net.Dialer{
				Timeout: params.Timeout,
			},
			ReadTimeout:  params.Timeout,
			WriteTimeout: params.Timeout,
			ActionMask:   milter.OptAddHeader | milter.OptQuarantine | milter.OptRemoveRcpt | milter.OptChangeFrom,
			ProtocolMask: 0,
		}),
		log: s.Log,
	}, nil
}

// splitEndpoint accepts "tcp://host:port", "tcp:host:port", "unix:path" and
// "unix://path".
func splitEndpoint(endp string) (network, addr string, err error) {
	scheme, rest, ok := strings.Cut(endp, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed endpoint: %s", endp)
	}
	rest = strings.TrimPrefix(rest, "//")

	switch scheme {
	case "tcp":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return "", "", fmt.Errorf("malformed endpoint: %s: %w", endp, err)
		}
		return "tcp", rest, nil
	case "unix":
		if rest == "" {
			return "", "", fmt.Errorf("malformed endpoint: %s", endp)
		}
		return "unix", rest, nil
	default:
		return "", "", fmt.Errorf("scheme unsupported: %s", scheme)
	}
}

func (c *Check) Service(ctx context.Context, m *mail.Mail) (module.Outcome, error) {
	session, err := c.cl.Session()
	if err != nil {
		return c.ioError(m, err)
	}
	defer session.Close()

	s := &state{c: c, session: session, m: m}
	act, err := s.envelope()
	if err != nil {
		return c.ioError(m, err)
	}
	if act != nil {
		return s.handleAction(act)
	}

	modifyActs, act, err := s.content()
	if err != nil {
		return c.ioError(m, err)
	}
	outcome, err := s.handleAction(act)
	if err != nil {
		return outcome, err
	}
	return s.apply(modifyActs, outcome), nil
}

func (c *Check) ioError(m *mail.Mail, err error) (module.Outcome, error) {
	if c.failOpen {
		c.log.Error("I/O error, mail passed unchecked", err, "msg_name", m.Name, "milter", c.endpoint)
		return module.Continue, nil
	}
	return module.Continue, &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
		Message:      "I/O error during policy check",
		Err:          err,
		ActionName:   "Milter",
		Misc: map[string]interface{}{
			"milter": c.endpoint,
		},
	}
}

type state struct {
	c       *Check
	session *milter.ClientSession
	m       *mail.Mail
}

// envelope sends the connection, HELO and envelope information. It returns
// a non-nil action if the filter decided on the mail early.
func (s *state) envelope() (*milter.Action, error) {
	m := s.m

	helo := m.StringAttr(mail.AttrHelo)
	if helo == "" {
		helo = "localhost"
	}

	if !s.session.ProtocolOption(milter.OptNoConnect) {
		if err := s.session.Macros(milter.CodeConn,
			"daemon_name", "mailflow",
			"j", s.c.hostname,
		); err != nil {
			return nil, err
		}

		family, port, addr := connInfo(m.RemoteAddr)
		act, err := s.session.Conn(helo, family, port, addr)
		if err != nil {
			return nil, err
		}
		if act.Code != milter.ActContinue {
			return act, nil
		}
	}

	if !s.session.ProtocolOption(milter.OptNoHelo) {
		act, err := s.session.Helo(helo)
		if err != nil {
			return nil, err
		}
		if act.Code != milter.ActContinue {
			return act, nil
		}
	}

	if !s.session.ProtocolOption(milter.OptNoMailFrom) {
		fields := []string{"i", m.Name}
		if user := m.StringAttr(mail.AttrAuthUser); user != "" {
			fields = append(fields, "auth_authen", user)
		}
		if err := s.session.Macros(milter.CodeMail, fields...); err != nil {
			return nil, err
		}
		act, err := s.session.Mail(m.Sender, nil)
		if err != nil {
			return nil, err
		}
		if act.Code != milter.ActContinue {
			return act, nil
		}
	}

	if !s.session.ProtocolOption(milter.OptNoRcptTo) {
		for _, rcpt := range m.Rcpts {
			act, err := s.session.Rcpt(rcpt, nil)
			if err != nil {
				return nil, err
			}
			if act.Code != milter.ActContinue {
				return act, nil
			}
		}
	}
	return nil, nil
}

func (s *state) content() ([]milter.ModifyAction, *milter.Action, error) {
	act, err := s.session.Header(s.m.Header)
	if err != nil {
		return nil, nil, err
	}
	if act.Code != milter.ActContinue {
		return nil, act, nil
	}

	if s.m.Body == nil || s.session.ProtocolOption(milter.OptNoBody) {
		return s.session.End()
	}
	r, err := s.m.Body.Open()
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	return s.session.BodyReadFrom(r)
}

// connInfo converts the client address into the milter representation.
// Locally generated mail is reported as coming from the loopback address.
func connInfo(remoteAddr string) (milter.ProtoFamily, uint16, string) {
	host, portStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return milter.FamilyInet, 25, "127.0.0.1"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return milter.FamilyUnknown, 0, ""
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	if v4 := ip.To4(); v4 != nil {
		// Do not send IPv4-mapped IPv6 addresses.
		return milter.FamilyInet, uint16(port), v4.String()
	}
	return milter.FamilyInet6, uint16(port), ip.String()
}

func (s *state) reject(code int, enchCode exterrors.EnhancedCode, reason string) error {
	return &exterrors.SMTPError{
		Code:         code,
		EnhancedCode: enchCode,
		Message:      "Message rejected due to local policy",
		Reason:       reason,
		ActionName:   "Milter",
		Misc: map[string]interface{}{
			"milter": s.c.endpoint,
		},
	}
}

func (s *state) handleAction(act *milter.Action) (module.Outcome, error) {
	switch act.Code {
	case milter.ActAccept, milter.ActContinue:
		return module.Continue, nil
	case milter.ActReplyCode:
		enchCode := exterrors.EnhancedCode{5, 7, 1}
		if act.SMTPCode/100 == 4 {
			enchCode = exterrors.EnhancedCode{4, 7, 1}
		}
		return module.Continue, s.reject(act.SMTPCode, enchCode, "reply code action")
	case milter.ActDiscard:
		s.c.log.Msg("mail discarded by filter", "msg_name", s.m.Name, "milter", s.c.endpoint)
		return module.Ghost, nil
	case milter.ActTempFail:
		return module.Continue, s.reject(450, exterrors.EnhancedCode{4, 7, 1}, "tempfail action")
	case milter.ActReject:
		return module.Continue, s.reject(550, exterrors.EnhancedCode{5, 7, 1}, "reject action")
	default:
		s.c.log.Msg("unknown action code ignored", "code", act.Code, "milter", s.c.endpoint)
		return module.Continue, nil
	}
}

// apply applies the modifications requested by the filter to the mail.
func (s *state) apply(modifyActs []milter.ModifyAction, outcome module.Outcome) module.Outcome {
	m := s.m
	for _, act := range modifyActs {
		switch act.Code {
		case milter.ActDelRcpt:
			rcpt := strings.Trim(act.Rcpt, "<>")
			m.Rcpts = mail.Subtract(m.Rcpts, []string{rcpt})
		case milter.ActChangeFrom:
			from := strings.Trim(act.From, "<>")
			if from != "" {
				if _, _, err := address.Split(from); err != nil {
					s.c.log.Msg("malformed sender from filter ignored", "from", act.From, "milter", s.c.endpoint)
					continue
				}
			}
			m.Sender = from
		case milter.ActAddRcpt:
			s.c.log.Msg("adding recipients is not supported", "rcpt", act.Rcpt, "milter", s.c.endpoint)
		case milter.ActChangeHeader:
			s.c.log.Msg("header field changes are not supported", "field", act.HeaderName, "milter", s.c.endpoint)
		case milter.ActInsertHeader, milter.ActAddHeader:
			// Keep the folding used by the filter, it matters for
			// signatures.
			field := make([]byte, 0, len(act.HeaderName)+2+len(act.HeaderValue)+2)
			field = append(field, act.HeaderName...)
			field = append(field, ':', ' ')
			field = append(field, act.HeaderValue...)
			field = append(field, '\r', '\n')
			m.Header.AddRaw(field)
		case milter.ActQuarantine:
			m.SetAttr(AttrQuarantine, act.Reason)
			s.c.log.Msg("mail quarantined by filter", "msg_name", m.Name, "reason", act.Reason, "milter", s.c.endpoint)
			if s.c.quarantineState != "" && outcome.Kind == module.OutcomeContinue {
				m.Err = errors.New("milter: quarantined: " + act.Reason)
				outcome = module.Redirect(s.c.quarantineState)
			}
		}
	}
	return outcome
}

func init() {
	module.RegisterAction("Milter", New)
}
