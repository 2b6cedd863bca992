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

// Package smtpconn wraps the go-smtp client used by the Relay action.
//
// It adds:
// - Logging of certain errors (e.g. QUIT command errors)
// - Wrapping of returned errors using the exterrors package.
// - TLS modes (plain, STARTTLS, implicit TLS).
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailflow/framework/exterrors"
	"github.com/foxcpp/mailflow/framework/log"
)

type TLSMode string

const (
	TLSNone     TLSMode = "none"
	TLSStartTLS TLSMode = "starttls"
	TLSImplicit TLSMode = "tls"
)

func ParseTLSMode(s string) (TLSMode, error) {
	switch TLSMode(s) {
	case "", TLSStartTLS:
		return TLSStartTLS, nil
	case TLSNone, TLSImplicit:
		return TLSMode(s), nil
	}
	return "", fmt.Errorf("smtpconn: unknown TLS mode: %s", s)
}

// The C object represents one SMTP session and cannot be reused.
type C struct {
	// Timeout for most session commands (EHLO, MAIL, RCPT, DATA, STARTTLS).
	CommandTimeout time.Duration

	// Timeout for the final dot.
	SubmissionTimeout time.Duration

	// Hostname to send in the EHLO command.
	Hostname string

	TLSMode   TLSMode
	TLSConfig *tls.Config

	Log log.Logger

	// Include the remote server address in SMTP status messages in the form
	// "ADDRESS said: ..."
	AddrInSMTPMsg bool

	serverName string
	cl         *smtp.Client
	rcpts      []string
}

func New() *C {
	return &C{
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		TLSMode:           TLSStartTLS,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
		Hostname:          "localhost.localdomain",
	}
}

func (c *C) wrapClientErr(err error) error {
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	var opErr *net.OpError
	switch {
	case errors.As(err, new(*exterrors.SMTPError)):
		return err
	case errors.As(err, &smtpErr):
		msg := smtpErr.Message
		if c.AddrInSMTPMsg {
			msg = c.serverName + " said: " + smtpErr.Message
		}

		code, ench := smtpErr.Code, exterrors.EnhancedCode(smtpErr.EnhancedCode)
		if code == 552 {
			// RFC 5321 Section 4.5.3.1.10
			code = 452
			ench[0] = 4
		}

		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: ench,
			Message:      msg,
			Misc: map[string]interface{}{
				"remote_server": c.serverName,
			},
			Err: err,
		}
	case errors.As(err, &opErr):
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_addr": fmt.Sprint(opErr.Addr),
				"io_op":       opErr.Op,
			},
		}
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": c.serverName,
		})
	}
}

// TLSError is returned by Connect when STARTTLS fails.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

// Connect establishes the connection with the server at addr ("host:port")
// and executes EHLO and, depending on TLSMode, STARTTLS.
func (c *C) Connect(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	c.serverName = host

	tlsCfg := c.TLSConfig.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = host
	}

	dialer := net.Dialer{Timeout: c.CommandTimeout}
	var conn net.Conn
	if c.TLSMode == TLSImplicit {
		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: tlsCfg}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return c.wrapClientErr(err)
	}

	var cl *smtp.Client
	if c.TLSMode == TLSStartTLS {
		// NewClientStartTLS greets the server as "localhost", the real
		// hostname is sent in the EHLO following the handshake.
		cl, err = smtp.NewClientStartTLS(conn, tlsCfg)
		if err != nil {
			conn.Close()
			if isProtocolErr(err) {
				return c.wrapClientErr(err)
			}
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 10},
				Message:      "Relay does not support STARTTLS",
				Err:          err,
				Misc:         map[string]interface{}{"remote_server": host},
			}
		}
	} else {
		cl = smtp.NewClient(conn)
	}
	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout

	// With STARTTLS the handshake runs during this EHLO.
	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		if c.TLSMode == TLSStartTLS && !isProtocolErr(err) {
			return TLSError{err}
		}
		return c.wrapClientErr(err)
	}

	c.cl = cl
	return nil
}

// isProtocolErr reports whether err is an SMTP reply or a network failure
// rather than a local TLS or capability problem.
func isProtocolErr(err error) bool {
	var smtpErr *smtp.SMTPError
	var opErr *net.OpError
	return errors.As(err, &smtpErr) || errors.As(err, &opErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Mail sends the MAIL FROM command.
func (c *C) Mail(ctx context.Context, from string, size int) error {
	opts := &smtp.MailOptions{}
	if ok, _ := c.cl.Extension("SIZE"); ok && size > 0 {
		opts.Size = int64(size)
	}
	if err := c.cl.Mail(from, opts); err != nil {
		return c.wrapClientErr(err)
	}
	c.Log.DebugMsg("connected", "remote_server", c.serverName)
	return nil
}

// Rcpts returns the recipients accepted by the remote server.
func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

// Rcpt sends the RCPT TO command.
func (c *C) Rcpt(ctx context.Context, to string) error {
	if err := c.cl.Rcpt(to, nil); err != nil {
		return c.wrapClientErr(err)
	}
	c.rcpts = append(c.rcpts, to)
	return nil
}

// Data sends the message header and body.
//
// If Data fails, the connection may be in an unclean state (e.g. in the middle
// of the message data stream). It is not safe to continue using it.
func (c *C) Data(ctx context.Context, hdr textproto.Header, body io.Reader) error {
	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err)
	}
	if err := textproto.WriteHeader(wc, hdr); err != nil {
		return c.wrapClientErr(err)
	}
	if _, err := io.Copy(wc, body); err != nil {
		return c.wrapClientErr(err)
	}
	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err)
	}
	return nil
}

// Close sends the QUIT command, if it fails, it closes the connection
// directly.
func (c *C) Close() error {
	if c.cl == nil {
		return nil
	}
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err))
		err = c.cl.Close()
		c.cl = nil
		return err
	}
	c.cl = nil
	return nil
}
