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

package condition

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/dns"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// addrSet is a set of addresses normalized with address.ForLookup.
type addrSet map[string]struct{}

func newAddrSet(addrs []string) (addrSet, error) {
	set := make(addrSet, len(addrs))
	for _, addr := range addrs {
		key, err := address.ForLookup(addr)
		if err != nil {
			return nil, fmt.Errorf("malformed address %q: %w", addr, err)
		}
		set[key] = struct{}{}
	}
	return set, nil
}

func (s addrSet) has(addr string) bool {
	key, _ := address.ForLookup(addr)
	_, ok := s[key]
	return ok
}

func newRecipientIs(s module.Spec) (module.Condition, error) {
	addrs, err := listArg(s, "addrs")
	if err != nil {
		return nil, err
	}
	set, err := newAddrSet(addrs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return rcptFunc(func(_ context.Context, _ *mail.Mail, rcpt string) (bool, error) {
		return set.has(rcpt), nil
	}), nil
}

type regexpParams struct {
	Regex           string `mapstructure:"regex"`
	CaseInsensitive bool   `mapstructure:"case_insensitive"`
	FullMatch       bool   `mapstructure:"full_match"`
}

func compileRegexp(s module.Spec) (*regexp.Regexp, error) {
	params := regexpParams{Regex: s.Arg}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.Regex == "" {
		return nil, fmt.Errorf("%s: regular expression required", s.Name)
	}

	expr := params.Regex
	if params.FullMatch {
		if !strings.HasPrefix(expr, "^") {
			expr = "^" + expr
		}
		if !strings.HasSuffix(expr, "$") {
			expr += "$"
		}
	}
	if params.CaseInsensitive {
		expr = "(?i)" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return re, nil
}

func newRecipientIsRegex(s module.Spec) (module.Condition, error) {
	re, err := compileRegexp(s)
	if err != nil {
		return nil, err
	}
	return rcptFunc(func(_ context.Context, _ *mail.Mail, rcpt string) (bool, error) {
		return re.MatchString(rcpt), nil
	}), nil
}

func newHostIs(s module.Spec) (module.Condition, error) {
	domains, err := listArg(s, "domains")
	if err != nil {
		return nil, err
	}
	set, err := dns.NewDomainSet(domains)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return rcptFunc(func(_ context.Context, _ *mail.Mail, rcpt string) (bool, error) {
		return set.Has(address.Domain(rcpt)), nil
	}), nil
}

// localDomains decides whether a domain is handled by this server.
type localDomains struct {
	domains  dns.DomainSet
	table    module.Table
	mxHosts  dns.DomainSet
	resolver dns.MXResolver
}

func (l *localDomains) isLocal(ctx context.Context, domain string) (bool, error) {
	if domain == "" {
		// postmaster
		return true, nil
	}
	if l.domains.Has(domain) {
		return true, nil
	}
	if l.table != nil {
		_, ok, err := l.table.Lookup(ctx, domain)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	if len(l.mxHosts) == 0 {
		return false, nil
	}

	mxs, err := l.resolver.LookupMX(ctx, domain)
	if err != nil {
		if dns.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, mx := range mxs {
		host, err := dns.ForLookup(mx.Host)
		if err != nil {
			continue
		}
		if l.mxHosts.Has(host) {
			return true, nil
		}
	}
	return false, nil
}

func newHostIsLocal(s module.Spec) (module.Condition, error) {
	var params struct {
		Domains []string `mapstructure:"domains"`
		Table   string   `mapstructure:"table"`
		MX      []string `mapstructure:"mx"`
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if s.Arg != "" {
		params.Domains = append(params.Domains, splitList(s.Arg)...)
	}
	if len(params.Domains) == 0 && params.Table == "" && s.Globals.Hostname != "" {
		params.Domains = []string{s.Globals.Hostname}
	}

	l := &localDomains{}
	var err error
	l.domains, err = dns.NewDomainSet(params.Domains)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	if params.Table != "" {
		l.table, err = s.Globals.Table(params.Table)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
	}
	if len(params.MX) != 0 {
		l.mxHosts, err = dns.NewDomainSet(params.MX)
		if err != nil {
			return nil, fmt.Errorf("%s: mx: %w", s.Name, err)
		}
		l.resolver, err = s.Globals.DNS()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name, err)
		}
	}

	return rcptFunc(func(ctx context.Context, _ *mail.Mail, rcpt string) (bool, error) {
		return l.isLocal(ctx, address.Domain(rcpt))
	}), nil
}

// tableKey selects the part of an address used as the table key.
type tableKey func(addr string) string

func lookupKey(kind string) (tableKey, error) {
	switch kind {
	case "", "address":
		return func(addr string) string {
			key, _ := address.ForLookup(addr)
			return key
		}, nil
	case "domain":
		return address.Domain, nil
	case "localpart":
		return func(addr string) string {
			mbox, _, err := address.Split(addr)
			if err != nil {
				return ""
			}
			return strings.ToLower(mbox)
		}, nil
	}
	return nil, fmt.Errorf("unknown key kind: %s", kind)
}

func tableCondition(s module.Spec) (module.Table, tableKey, error) {
	params := struct {
		Table string `mapstructure:"table"`
		Key   string `mapstructure:"key"`
	}{Table: s.Arg}
	if err := s.Decode(&params); err != nil {
		return nil, nil, err
	}
	if params.Table == "" {
		return nil, nil, fmt.Errorf("%s: table name required", s.Name)
	}
	tbl, err := s.Globals.Table(params.Table)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	key, err := lookupKey(params.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return tbl, key, nil
}

func newRecipientInTable(s module.Spec) (module.Condition, error) {
	tbl, key, err := tableCondition(s)
	if err != nil {
		return nil, err
	}
	return rcptFunc(func(ctx context.Context, _ *mail.Mail, rcpt string) (bool, error) {
		k := key(rcpt)
		if k == "" {
			return false, nil
		}
		_, ok, err := tbl.Lookup(ctx, k)
		return ok, err
	}), nil
}

func init() {
	module.RegisterCondition("RecipientIs", newRecipientIs)
	module.RegisterCondition("RecipientIsRegex", newRecipientIsRegex)
	module.RegisterCondition("HostIs", newHostIs)
	module.RegisterCondition("HostIsLocal", newHostIsLocal)
	module.RegisterCondition("RecipientInTable", newRecipientInTable)
}
