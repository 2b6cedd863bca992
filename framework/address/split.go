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

// Package address implements the recipient and sender address handling used
// by conditions: splitting, normalization and comparison.
package address

import (
	"errors"
	"strings"
)

// Split splits an email address into local part (mailbox) and domain.
//
// The special postmaster address without the domain part is accepted and
// returned with domain == "".
//
// Split does almost no sanity checks on the input.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	indx := strings.LastIndexByte(addr, '@')
	if indx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox = addr[:indx]
	domain = addr[indx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return
}

// Domain returns the normalized domain part of addr or an empty string if
// addr has none.
func Domain(addr string) string {
	_, domain, err := Split(addr)
	if err != nil || domain == "" {
		return ""
	}
	return ForLookupDomain(domain)
}

// Valid reports whether addr looks like a deliverable address. The null
// sender is not valid.
func Valid(addr string) bool {
	if strings.EqualFold(addr, "postmaster") {
		return true
	}
	mbox, domain, err := Split(addr)
	if err != nil {
		return false
	}
	if strings.ContainsAny(mbox, " \t\r\n<>") {
		return false
	}
	if strings.ContainsAny(domain, " \t\r\n<>@") {
		return false
	}
	return !strings.HasPrefix(domain, ".") && !strings.Contains(domain, "..")
}
