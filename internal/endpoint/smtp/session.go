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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/buffer"
	"github.com/foxcpp/mailflow/framework/exterrors"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/internal/auth"
	"github.com/foxcpp/mailflow/internal/router"
	"github.com/foxcpp/mailflow/internal/spool"
)

func limitReader(r io.Reader, n int64, err error) *limitedReader {
	return &limitedReader{R: r, N: n, E: err, Enabled: true}
}

// limitedReader is io.LimitedReader returning a custom error that can be
// switched off once the header is read.
type limitedReader struct {
	R       io.Reader
	N       int64
	E       error
	Enabled bool
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if !l.Enabled {
		return l.R.Read(p)
	}
	if l.N <= 0 {
		return 0, l.E
	}
	if int64(len(p)) > l.N {
		p = p[0:l.N]
	}
	n, err = l.R.Read(p)
	l.N -= int64(n)
	return
}

type Session struct {
	endp       *Endpoint
	conn       *smtp.Conn
	remoteAddr string
	remoteIP   net.IP
	authUser   string

	// ctx is cancelled on Logout, it aborts routing of the message if the
	// client goes away.
	ctx    context.Context
	cancel context.CancelFunc

	// Mutex is used to prevent Logout from accessing inconsistent state when
	// it is called asynchronously to any SMTP command.
	msgLock     sync.Mutex
	started     bool
	limitsTaken bool
	mailFrom    string
	rcpts       []string

	log log.Logger
}

func (s *Session) Reset() {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.started {
		s.abort()
	}
}

func (s *Session) abort() {
	s.endp.metrics.aborted.WithLabelValues(s.endp.name).Inc()
	s.cleanSession()
}

func (s *Session) cleanSession() {
	if s.limitsTaken {
		s.endp.limits.ReleaseMsg(s.remoteIP, address.Domain(s.mailFrom))
		s.limitsTaken = false
	}
	s.started = false
	s.mailFrom = ""
	s.rcpts = nil
}

func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if from != "" && !address.Valid(from) {
		return s.endp.wrapErr("MAIL", &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 7},
			Message:      "Malformed sender address",
		})
	}

	if s.started {
		s.abort()
	}

	if err := s.endp.limits.TakeMsg(s.ctx, s.remoteIP, address.Domain(from)); err != nil {
		s.log.Error("limits exceeded", err, "src_ip", s.remoteAddr, "sender", from)
		return s.endp.wrapErr("MAIL", errTooManyMsgs)
	}
	s.limitsTaken = true
	s.started = true
	s.mailFrom = from
	s.endp.metrics.started.WithLabelValues(s.endp.name).Inc()
	s.log.DebugMsg("incoming message", "src_ip", s.remoteAddr, "sender", from)
	return nil
}

var errTooManyMsgs = &exterrors.SMTPError{
	Code:         451,
	EnhancedCode: exterrors.EnhancedCode{4, 4, 5},
	Message:      "Too many messages in progress, try again later",
}

var errInvalidCreds = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Invalid credentials",
}

var errUnknownMech = &smtp.SMTPError{
	Code:         504,
	EnhancedCode: smtp.EnhancedCode{5, 7, 4},
	Message:      "Unsupported authentication mechanism",
}

func (s *Session) AuthMechanisms() []string {
	if s.authUser != "" {
		return nil
	}
	return s.endp.saslAuth.SASLMechanisms()
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if s.authUser != "" {
		return nil, smtp.ErrAuthUnsupported
	}
	srv := s.endp.saslAuth.CreateSASL(s.ctx, mech, s.conn.Conn().RemoteAddr(), func(username string) error {
		s.authUser = username
		s.log.Msg("authenticated", "username", username, "src_ip", s.remoteAddr)
		return nil
	})
	return authServer{Server: srv}, nil
}

// authServer maps credential errors to the SMTP reply code.
type authServer struct {
	sasl.Server
}

func (a authServer) Next(response []byte) ([]byte, bool, error) {
	challenge, done, err := a.Server.Next(response)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		err = errInvalidCreds
	case errors.Is(err, auth.ErrUnsupportedMech):
		err = errUnknownMech
	}
	return challenge, done, err
}

func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if !s.started {
		return s.endp.wrapErr("RCPT", &exterrors.SMTPError{
			Code:         503,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "MAIL FROM is required first",
		})
	}
	if !address.Valid(to) {
		return s.endp.wrapErr("RCPT", &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Malformed recipient address",
		})
	}

	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *Session) Logout() error {
	// Cancel first, DATA may be holding the lock while routing.
	s.cancel()

	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.started {
		s.abort()
	}
	return nil
}

func (s *Session) prepareBody(r io.Reader) (textproto.Header, buffer.Buffer, error) {
	limitr := limitReader(r, maxHeaderBytes, &exterrors.SMTPError{
		Code:         552,
		EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
		Message:      "Message header size exceeds limit",
	})

	bufr := bufio.NewReader(limitr)
	header, err := textproto.ReadHeader(bufr)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("I/O error while parsing header: %w", err)
	}

	// The message size is checked by go-smtp.
	limitr.Enabled = false

	buf, err := buffer.Auto(bufr, s.endp.stateDir, memBufferLimit)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("I/O error while writing buffer: %w", err)
	}

	return header, buf, nil
}

// deliver reads the message and routes it. Body buffer is removed once
// routing is done.
func (s *Session) deliver(r io.Reader) (*mail.Mail, router.Result, error) {
	header, buf, err := s.prepareBody(r)
	if err != nil {
		return nil, router.Result{}, err
	}
	defer func() {
		if err := buf.Remove(); err != nil {
			s.log.Error("failed to remove buffered body", err)
		}
	}()

	if err := s.checkRoutingLoops(header); err != nil {
		return nil, router.Result{}, err
	}

	m := mail.New(s.mailFrom, s.rcpts, header, buf)
	m.RemoteAddr = s.remoteAddr
	m.State = s.endp.state
	if helo := s.conn.Hostname(); helo != "" {
		m.SetAttr(mail.AttrHelo, helo)
	}
	if s.authUser != "" {
		m.SetAttr(mail.AttrAuthUser, s.authUser)
	}
	if _, isTLS := s.conn.TLSConnectionState(); isTLS {
		m.SetAttr(mail.AttrTLS, true)
	}
	m.Header.Add("Received", s.received(m))

	s.log.Msg("incoming message",
		"msg_name", m.Name,
		"src_host", s.conn.Hostname(),
		"src_ip", s.remoteAddr,
		"sender", m.Sender,
		"rcpts", m.Rcpts,
	)

	res, err := s.endp.spool.Route(s.ctx, m)
	return m, res, err
}

var errRoutingAborted = &exterrors.SMTPError{
	Code:         451,
	EnhancedCode: exterrors.EnhancedCode{4, 4, 5},
	Message:      "Message processing was interrupted, try again later",
}

func (s *Session) Data(r io.Reader) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()
	defer s.cleanSession()

	m, res, err := s.deliver(r)
	if err != nil {
		s.log.Error("DATA error", err)
		s.endp.metrics.aborted.WithLabelValues(s.endp.name).Inc()
		return s.endp.wrapErr("DATA", err)
	}

	aborted := res.Count(router.Aborted)
	if aborted != 0 && aborted == len(res.Fragments) {
		s.log.Msg("routing aborted", "msg_name", m.Name)
		s.endp.metrics.aborted.WithLabelValues(s.endp.name).Inc()
		return s.endp.wrapErr("DATA", errRoutingAborted)
	}
	if aborted != 0 {
		// Other recipients were already handled, so the message is
		// accepted and the rest is kept for reprocessing.
		s.endp.spool.KeepAborted(res)
	}

	s.log.Msg("accepted", "msg_name", m.Name, "fragments", len(res.Fragments))
	s.endp.metrics.completed.WithLabelValues(s.endp.name).Inc()
	return nil
}

func (s *Session) LMTPData(r io.Reader, sc smtp.StatusCollector) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()
	defer s.cleanSession()

	m, res, err := s.deliver(r)
	if err != nil {
		s.log.Error("DATA error", err)
		s.endp.metrics.aborted.WithLabelValues(s.endp.name).Inc()
		return s.endp.wrapErr("DATA", err)
	}

	aborted := make(map[string]struct{})
	for _, rcpt := range res.Rcpts(router.Aborted) {
		key, _ := address.ForLookup(rcpt)
		aborted[key] = struct{}{}
	}

	seen := make(map[string]struct{}, len(s.rcpts))
	for _, rcpt := range s.rcpts {
		if _, ok := seen[rcpt]; ok {
			continue
		}
		seen[rcpt] = struct{}{}

		key, _ := address.ForLookup(rcpt)
		if _, ok := aborted[key]; ok {
			sc.SetStatus(rcpt, s.endp.wrapErr("DATA", errRoutingAborted))
			continue
		}
		sc.SetStatus(rcpt, nil)
	}

	s.log.Msg("accepted", "msg_name", m.Name, "fragments", len(res.Fragments), "aborted_rcpts", len(aborted))
	s.endp.metrics.completed.WithLabelValues(s.endp.name).Inc()
	return nil
}

func (s *Session) checkRoutingLoops(header textproto.Header) error {
	// RFC 5321 Section 6.3:
	// >Simple counting of the number of "Received:" header fields in a
	// >message has proven to be an effective, although rarely optimal,
	// >method of detecting loops in mail systems.
	receivedCount := 0
	for f := header.FieldsByKey("Received"); f.Next(); {
		receivedCount++
	}
	if receivedCount > s.endp.maxReceived {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 6},
			Message:      fmt.Sprintf("Too many Received header fields (%d), possible forwarding loop", receivedCount),
		}
	}

	return nil
}

// sanitizeForHeader removes characters that may break the header field
// structure.
func sanitizeForHeader(raw string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', '(', ')', ';':
			return -1
		}
		return r
	}, raw)
}

// proto returns the RFC 3848 protocol type for the Received field.
func (s *Session) proto() string {
	if s.endp.serv.LMTP {
		return "LMTP"
	}
	proto := "ESMTP"
	if _, isTLS := s.conn.TLSConnectionState(); isTLS {
		proto += "S"
	}
	if s.authUser != "" {
		proto += "A"
	}
	return proto
}

func (s *Session) received(m *mail.Mail) string {
	var b strings.Builder

	remoteIP := ""
	if host, _, err := net.SplitHostPort(s.remoteAddr); err == nil {
		remoteIP = host
	}
	if helo := s.conn.Hostname(); helo != "" {
		b.WriteString("from ")
		b.WriteString(sanitizeForHeader(helo))
		if remoteIP != "" {
			b.WriteString(" ([" + remoteIP + "])")
		}
		b.WriteString(" ")
	}

	b.WriteString("by ")
	b.WriteString(sanitizeForHeader(s.endp.hostname))
	b.WriteString(" (envelope-sender <" + sanitizeForHeader(m.Sender) + ">)")
	b.WriteString(" with " + s.proto())
	b.WriteString(" id " + m.Name)
	if len(m.Rcpts) == 1 {
		b.WriteString(" for <" + sanitizeForHeader(m.Rcpts[0]) + ">")
	}
	b.WriteString("; ")
	b.WriteString(m.Received.Format(time.RFC1123Z))
	return b.String()
}

func (endp *Endpoint) wrapErr(command string, err error) error {
	if err == nil {
		return nil
	}

	res := &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCodeNotSet,
		// Err on the side of caution if the error lacks SMTP annotations. If
		// we just pass the error text through, we might accidentally disclose
		// details of server configuration.
		Message: "Internal server error",
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.Code = 451
		res.EnhancedCode = smtp.EnhancedCode{4, 4, 5}
		res.Message = "High load, try again later"
	case errors.Is(err, spool.ErrClosed):
		res.Code = 421
		res.EnhancedCode = smtp.EnhancedCode{4, 3, 0}
		res.Message = "Server is shutting down, try again later"
	default:
		if exterrors.IsTemporary(err) {
			res.Code = 451
		}

		ctxInfo := exterrors.Fields(err)
		if ctxCode, ok := ctxInfo["smtp_code"].(int); ok {
			res.Code = ctxCode
		}
		if ctxEnchCode, ok := ctxInfo["smtp_enchcode"].(exterrors.EnhancedCode); ok {
			res.EnhancedCode = smtp.EnhancedCode(ctxEnchCode)
		}
		if ctxMsg, ok := ctxInfo["smtp_msg"].(string); ok {
			res.Message = ctxMsg
		}
	}

	endp.metrics.failedCmds.WithLabelValues(endp.name, command, strconv.Itoa(res.Code),
		fmt.Sprintf("%d.%d.%d",
			res.EnhancedCode[0],
			res.EnhancedCode[1],
			res.EnhancedCode[2])).Inc()

	return res
}
