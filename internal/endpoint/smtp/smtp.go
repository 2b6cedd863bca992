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

// Package smtp implements the SMTP and LMTP endpoint feeding accepted mail
// into the spool.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/internal/auth"
	"github.com/foxcpp/mailflow/internal/limits"
	"github.com/foxcpp/mailflow/internal/proxy_protocol"
	"github.com/foxcpp/mailflow/internal/router"
	mtls "github.com/foxcpp/mailflow/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/idna"
)

const (
	DefaultMaxMessageSize = 32 * 1024 * 1024
	DefaultMaxRecipients  = 1000
	DefaultMaxReceived    = 50

	maxHeaderBytes = 1024 * 1024
	memBufferLimit = 1024 * 1024
)

// Spool routes accepted mail. It is implemented by *spool.Spool.
type Spool interface {
	Route(ctx context.Context, m *mail.Mail) (router.Result, error)
	KeepAborted(res router.Result)
}

type Options struct {
	Hostname string

	// StateDir is used for bodies too big to be kept in memory.
	StateDir string

	Spool Spool

	// Auth checks AUTH credentials. AUTH is not offered if it is empty.
	Auth []auth.PlainAuth

	// Registerer is used to register endpoint metrics. Metrics are not
	// exported if it is nil.
	Registerer prometheus.Registerer

	Log log.Logger
}

type Endpoint struct {
	name        string
	hostname    string
	state       string
	stateDir    string
	maxReceived int
	spool       Spool

	serv      *smtp.Server
	addrs     []string
	listeners []net.Listener

	tlsConfig   *tls.Config
	tlsCloser   io.Closer
	implicitTLS bool
	proxy       *proxy_protocol.ProxyProtocol
	limits      *limits.Group
	saslAuth    auth.SASLAuth

	listenersWg sync.WaitGroup
	metrics     *metrics

	Log log.Logger
}

// New creates the endpoint. It does not start listening, see Listen.
func New(cfg config.SMTP, opts Options) (*Endpoint, error) {
	name := "smtp"
	if cfg.LMTP {
		name = "lmtp"
	}
	if opts.Spool == nil {
		return nil, fmt.Errorf("%s: spool is required", name)
	}
	if len(cfg.Listen) == 0 {
		return nil, fmt.Errorf("%s: at least one listen address is required", name)
	}

	endp := &Endpoint{
		name:        name,
		hostname:    opts.Hostname,
		state:       cfg.State,
		stateDir:    opts.StateDir,
		maxReceived: DefaultMaxReceived,
		spool:       opts.Spool,
		addrs:       cfg.Listen,
		metrics:     newMetrics(),
		Log:         opts.Log,
	}
	if endp.Log.Name == "" {
		endp.Log.Name = name
	}
	endp.saslAuth = auth.SASLAuth{
		Log:   endp.Log.Sublogger("auth"),
		Plain: opts.Auth,
	}
	if cfg.Domain != "" {
		endp.hostname = cfg.Domain
	}
	if endp.hostname == "" {
		return nil, fmt.Errorf("%s: hostname is not set", name)
	}
	if opts.Registerer != nil {
		if err := endp.metrics.register(opts.Registerer); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	endp.serv = smtp.NewServer(endp)
	endp.serv.ErrorLog = endp.Log
	endp.serv.LMTP = cfg.LMTP
	endp.serv.EnableSMTPUTF8 = true
	endp.serv.MaxRecipients = DefaultMaxRecipients
	if cfg.MaxRecipients > 0 {
		endp.serv.MaxRecipients = cfg.MaxRecipients
	}

	endp.serv.MaxMessageBytes = DefaultMaxMessageSize
	if cfg.MaxMessageSize != "" {
		size, err := config.ParseDataSize(cfg.MaxMessageSize)
		if err != nil {
			return nil, fmt.Errorf("%s: max_message_size: %w", name, err)
		}
		endp.serv.MaxMessageBytes = int64(size)
	}

	var err error
	endp.serv.ReadTimeout, err = parseTimeout(cfg.ReadTimeout, 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%s: read_timeout: %w", name, err)
	}
	endp.serv.WriteTimeout, err = parseTimeout(cfg.WriteTimeout, 1*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%s: write_timeout: %w", name, err)
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.3.
	endp.serv.Domain, err = idna.ToASCII(endp.hostname)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", name, err)
	}

	endp.limits, err = limits.New(cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if cfg.ProxyProtocol != nil {
		endp.proxy, err = proxy_protocol.New(*cfg.ProxyProtocol)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	endp.serv.AllowInsecureAuth = cfg.InsecureAuth
	if cfg.TLS != nil {
		endp.tlsConfig, endp.tlsCloser, err = mtls.ServerConfig(*cfg.TLS, endp.serv.Domain, endp.Log.Sublogger("tls"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		endp.implicitTLS = cfg.TLS.Implicit
		if !endp.implicitTLS {
			endp.serv.TLSConfig = endp.tlsConfig
		}
	}

	return endp, nil
}

func parseTimeout(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func (endp *Endpoint) Name() string {
	return endp.name
}

// splitAddr accepts "host:port", "tcp://host:port" and "unix:///path".
func splitAddr(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://"), nil
	case strings.HasPrefix(addr, "tcp://"):
		addr = strings.TrimPrefix(addr, "tcp://")
	case strings.Contains(addr, "://"):
		return "", "", fmt.Errorf("unsupported address scheme: %s", addr)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", err
	}
	return "tcp", addr, nil
}

// Listen binds all configured addresses and starts serving them.
func (endp *Endpoint) Listen() error {
	for _, addr := range endp.addrs {
		network, address, err := splitAddr(addr)
		if err != nil {
			endp.closeListeners()
			return fmt.Errorf("%s: invalid address: %w", endp.name, err)
		}

		l, err := net.Listen(network, address)
		if err != nil {
			endp.closeListeners()
			return fmt.Errorf("%s: %w", endp.name, err)
		}
		endp.Log.Printf("listening on %v", l.Addr())
		endp.serve(endp.wrapListener(l))
	}
	return nil
}

// wrapListener applies the PROXY protocol and implicit TLS, in that order.
func (endp *Endpoint) wrapListener(l net.Listener) net.Listener {
	if endp.proxy != nil {
		l = endp.proxy.NewListener(l, endp.Log)
	}
	if endp.implicitTLS {
		l = tls.NewListener(l, endp.tlsConfig)
	}
	return l
}

func (endp *Endpoint) serve(l net.Listener) {
	endp.listeners = append(endp.listeners, l)

	endp.listenersWg.Add(1)
	go func() {
		defer endp.listenersWg.Done()
		if err := endp.serv.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			endp.Log.Printf("failed to serve %s: %s", l.Addr(), err)
		}
	}()
}

func (endp *Endpoint) closeListeners() {
	for _, l := range endp.listeners {
		l.Close()
	}
	endp.listeners = nil
}

// Addrs returns addresses of bound listeners.
func (endp *Endpoint) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(endp.listeners))
	for _, l := range endp.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (endp *Endpoint) NewSession(c *smtp.Conn) (smtp.Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		endp:   endp,
		conn:   c,
		ctx:    ctx,
		cancel: cancel,
		log:    endp.Log,
	}
	if addr := c.Conn().RemoteAddr(); addr != nil {
		s.remoteAddr = addr.String()
		if tcpAddr, ok := addr.(*net.TCPAddr); ok {
			s.remoteIP = tcpAddr.IP
		}
	}
	return s, nil
}

// Close stops accepting connections and waits for serving goroutines to
// finish.
func (endp *Endpoint) Close() error {
	endp.serv.Close()
	endp.listenersWg.Wait()
	endp.limits.Close()
	if endp.tlsCloser != nil {
		endp.tlsCloser.Close()
	}
	return nil
}
