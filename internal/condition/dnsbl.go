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
	"net"
	"strconv"
	"strings"

	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/dns"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

type blacklist struct {
	zones []string

	clientIPv4 bool
	clientIPv6 bool
	ehlo       bool
	mailFrom   bool

	// responses limits the A records treated as a listing. Empty permits all.
	responses []*net.IPNet

	resolver dns.Resolver
	log      log.Logger
}

// listed is a DNSBL hit. It is logged, not returned: a listed client is a
// match, not an evaluation failure.
type listed struct {
	identity string
	zone     string
	reason   string
}

func (b *blacklist) match(ctx context.Context, m *mail.Mail) (bool, error) {
	ip := m.RemoteIP()
	var domains []string
	if b.ehlo {
		if helo := m.StringAttr(mail.AttrHelo); helo != "" && net.ParseIP(strings.Trim(helo, "[]")) == nil {
			domains = append(domains, helo)
		}
	}
	if b.mailFrom && m.Sender != "" {
		if domain := address.Domain(m.Sender); domain != "" {
			domains = append(domains, domain)
		}
	}

	for _, zone := range b.zones {
		if ip != nil {
			hit, err := b.checkIP(ctx, zone, ip)
			if err != nil {
				return false, err
			}
			if hit != nil {
				b.logHit(m, hit)
				return true, nil
			}
		}
		for _, domain := range domains {
			hit, err := b.checkDomain(ctx, zone, domain)
			if err != nil {
				return false, err
			}
			if hit != nil {
				b.logHit(m, hit)
				return true, nil
			}
		}
	}
	return false, nil
}

func (b *blacklist) logHit(m *mail.Mail, hit *listed) {
	b.log.Msg("client identity listed", "msg_name", m.Name, "identity", hit.identity, "list", hit.zone, "reason", hit.reason)
}

func (b *blacklist) checkDomain(ctx context.Context, zone, domain string) (*listed, error) {
	query := domain + "." + zone

	addrs, err := b.resolver.LookupHost(ctx, query)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, nil
	}
	return &listed{identity: domain, zone: zone, reason: b.reason(ctx, query, addrs)}, nil
}

func (b *blacklist) checkIP(ctx context.Context, zone string, ip net.IP) (*listed, error) {
	ipv6 := ip.To4() == nil
	if ipv6 && !b.clientIPv6 || !ipv6 && !b.clientIPv4 {
		return nil, nil
	}
	query := queryString(ip) + "." + zone

	addrs, err := b.resolver.LookupIPAddr(ctx, query)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var hits []string
	for _, addr := range addrs {
		if b.permitted(addr.IP) {
			hits = append(hits, addr.IP.String())
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}
	return &listed{identity: ip.String(), zone: zone, reason: b.reason(ctx, query, hits)}, nil
}

func (b *blacklist) permitted(ip net.IP) bool {
	return len(b.responses) == 0 || containsIP(b.responses, ip)
}

// reason returns the TXT explanation published by the list, falling back to
// the returned addresses, which lists usually map to predefined reasons.
func (b *blacklist) reason(ctx context.Context, query string, addrs []string) string {
	txts, err := b.resolver.LookupTXT(ctx, query)
	if err != nil || len(txts) == 0 {
		return strings.Join(addrs, "; ")
	}
	return strings.Join(txts, "; ")
}

// queryString returns the reversed IP in the form used by DNSBL queries:
// dotted octets for IPv4 and dotted nibbles for IPv6.
func queryString(ip net.IP) string {
	ipv6 := true
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
		ipv6 = false
	}

	res := strings.Builder{}
	if ipv6 {
		res.Grow(63)
	} else {
		res.Grow(15)
	}
	for i := len(ip) - 1; i >= 0; i-- {
		octet := ip[i]
		if ipv6 {
			res.WriteString(strconv.FormatInt(int64(octet&0xf), 16))
			res.WriteByte('.')
			res.WriteString(strconv.FormatInt(int64((octet&0xf0)>>4), 16))
		} else {
			res.WriteString(strconv.Itoa(int(octet)))
		}
		if i != 0 {
			res.WriteByte('.')
		}
	}
	return res.String()
}

func parseCIDRs(list []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(list))
	for _, item := range list {
		if !strings.Contains(item, "/") {
			if ip := net.ParseIP(item); ip != nil && ip.To4() != nil {
				item += "/32"
			} else {
				item += "/128"
			}
		}
		_, n, err := net.ParseCIDR(item)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func newInSpammerBlacklist(s module.Spec) (module.Condition, error) {
	params := struct {
		Zones      []string `mapstructure:"zones"`
		ClientIPv4 bool     `mapstructure:"client_ipv4"`
		ClientIPv6 bool     `mapstructure:"client_ipv6"`
		EHLO       bool     `mapstructure:"ehlo"`
		MailFrom   bool     `mapstructure:"mailfrom"`
		Responses  []string `mapstructure:"responses"`
	}{
		ClientIPv4: true,
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	params.Zones = append(params.Zones, splitList(s.Arg)...)
	if len(params.Zones) == 0 {
		return nil, fmt.Errorf("%s: at least one zone is required", s.Name)
	}

	b := &blacklist{
		clientIPv4: params.ClientIPv4,
		clientIPv6: params.ClientIPv6,
		ehlo:       params.EHLO,
		mailFrom:   params.MailFrom,
		log:        s.Log,
	}
	for _, zone := range params.Zones {
		zone, err := dns.ForLookup(zone)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed zone: %w", s.Name, err)
		}
		b.zones = append(b.zones, zone)
	}
	if !b.clientIPv4 && !b.clientIPv6 && !b.ehlo && !b.mailFrom {
		return nil, fmt.Errorf("%s: nothing to check", s.Name)
	}

	var err error
	b.responses, err = parseCIDRs(params.Responses)
	if err != nil {
		return nil, fmt.Errorf("%s: malformed responses: %w", s.Name, err)
	}
	b.resolver, err = s.Globals.DNS()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return mailFunc(b.match), nil
}

func init() {
	module.RegisterCondition("InSpammerBlacklist", newInSpammerBlacklist)
}
