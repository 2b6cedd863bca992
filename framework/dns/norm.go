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

package dns

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// FQDN appends the root label unless it is already present.
func FQDN(domain string) string {
	return dns.Fqdn(domain)
}

// ForLookup returns the canonical form of domain used as a map key: U-labels,
// NFC, lower case, no trailing dot.
//
// If domain has invalid A-labels the lower-cased input is returned together
// with the error, so callers may still use it for best-effort comparisons.
func ForLookup(domain string) (string, error) {
	u, err := idna.ToUnicode(domain)
	if err != nil {
		return strings.ToLower(domain), err
	}
	return strings.TrimSuffix(strings.ToLower(norm.NFC.String(u)), "."), nil
}

// DomainSet is a set of domains compared in ForLookup form.
type DomainSet map[string]struct{}

func NewDomainSet(domains []string) (DomainSet, error) {
	set := make(DomainSet, len(domains))
	for _, d := range domains {
		key, err := ForLookup(d)
		if err != nil {
			return nil, fmt.Errorf("malformed domain %q: %w", d, err)
		}
		set[key] = struct{}{}
	}
	return set, nil
}

func (s DomainSet) Has(domain string) bool {
	if domain == "" {
		return false
	}
	key, _ := ForLookup(domain)
	_, ok := s[key]
	return ok
}
