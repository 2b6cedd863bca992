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

// Package dns contains domain normalization helpers and the small stub
// resolver used by conditions and actions that look at DNS records.
package dns

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver describes the DNS lookups used by conditions and actions.
//
// It is implemented by StubResolver and net.Resolver. Methods behave the
// same way as net.Resolver ones.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// LookupAddr is a convenience wrapper for Resolver.LookupAddr.
//
// It returns the first name with trailing dot stripped.
func LookupAddr(ctx context.Context, r Resolver, ip net.IP) (string, error) {
	names, err := r.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimRight(names[0], "."), nil
}

// RCodeError is returned by Resolver when the RCODE in response is not
// NOERROR.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

func (err RCodeError) Error() string {
	if text, ok := dns.RcodeToString[err.Code]; ok {
		return "dns: rcode " + text + " when looking up " + err.Name
	}
	return "dns: non-success rcode: " + strconv.Itoa(err.Code) + " when looking up " + err.Name
}

// IsNotFound reports whether err indicates a non-existent domain or a
// missing record.
func IsNotFound(err error) bool {
	if dnsErr, ok := err.(*net.DNSError); ok {
		return dnsErr.IsNotFound
	}
	if rcodeErr, ok := err.(RCodeError); ok {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

func notFound(name string) error {
	return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

// StubResolver queries the configured servers in order using miekg/dns.
// NXDOMAIN is reported as *net.DNSError with IsNotFound set, the same way
// net.Resolver does.
type StubResolver struct {
	cl      *dns.Client
	servers []string
	port    string
}

// NewResolver creates a StubResolver using the server at addr ("host:port").
// If addr is empty, servers from /etc/resolv.conf are used.
func NewResolver(addr string) (*StubResolver, error) {
	if addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		return newResolver([]string{host}, port, 5*time.Second), nil
	}

	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}
	return newResolver(cfg.Servers, cfg.Port, time.Duration(cfg.Timeout)*time.Second), nil
}

func newResolver(servers []string, port string, timeout time.Duration) *StubResolver {
	cl := new(dns.Client)
	cl.Dialer = &net.Dialer{Timeout: timeout}
	return &StubResolver{cl: cl, servers: servers, port: port}
}

func (r *StubResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var (
		resp    *dns.Msg
		lastErr error
	)
	for _, srv := range r.servers {
		resp, _, lastErr = r.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, r.port))
		if lastErr != nil {
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, notFound(msg.Question[0].Name)
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = RCodeError{msg.Question[0].Name, resp.Rcode}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (r *StubResolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.SetEdns0(4096, false)

	resp, err := r.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}
	return resp.Answer, nil
}

func (r *StubResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	answer, err := r.query(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	mxs := make([]*net.MX, 0, len(answer))
	for _, rr := range answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		mxs = append(mxs, &net.MX{
			Host: mxRR.Mx,
			Pref: mxRR.Preference,
		})
	}
	return mxs, nil
}

// LookupTXT returns TXT records of name. Strings of a single record are
// concatenated.
func (r *StubResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answer, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	txts := make([]string, 0, len(answer))
	for _, rr := range answer {
		if txt, ok := rr.(*dns.TXT); ok {
			txts = append(txts, strings.Join(txt.Txt, ""))
		}
	}
	return txts, nil
}

// LookupIPAddr returns A and AAAA records of host. A missing host or host
// without addresses is reported as a not found error.
func (r *StubResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	var (
		addrs   []net.IPAddr
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answer, err := r.query(ctx, host, qtype)
		if err != nil {
			if IsNotFound(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		for _, rr := range answer {
			switch rr := rr.(type) {
			case *dns.A:
				addrs = append(addrs, net.IPAddr{IP: rr.A})
			case *dns.AAAA:
				addrs = append(addrs, net.IPAddr{IP: rr.AAAA})
			}
		}
	}
	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, notFound(dns.Fqdn(host))
	}
	return addrs, nil
}

func (r *StubResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		res = append(res, addr.IP.String())
	}
	return res, nil
}

// LookupAddr returns PTR records for the IP address addr.
func (r *StubResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	rev, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, &net.DNSError{Err: err.Error(), Name: addr}
	}
	answer, err := r.query(ctx, rev, dns.TypePTR)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(answer))
	for _, rr := range answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}
	if len(names) == 0 {
		return nil, notFound(rev)
	}
	return names, nil
}
