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

package address

import "testing"

func TestForLookup(t *testing.T) {
	cases := []struct {
		in, out string
		fail    bool
	}{
		{in: "Alice@Example.ORG", out: "alice@example.org"},
		{in: "postmaster", out: "postmaster"},
		{in: "test@xn--e1aybc.xn--p1ai", out: "test@тест.рф"},
		{in: "noatsign", out: "noatsign", fail: true},
	}
	for _, c := range cases {
		out, err := ForLookup(c.in)
		if c.fail {
			if err == nil {
				t.Errorf("%s: expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", c.in, err)
			continue
		}
		if out != c.out {
			t.Errorf("%s: want %s, got %s", c.in, c.out, out)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("BOB@example.org", "bob@EXAMPLE.org.") {
		t.Error("case and trailing dot should not matter")
	}
	if Equal("bob@example.org", "alice@example.org") {
		t.Error("different mailboxes compared equal")
	}
}

func TestDomain(t *testing.T) {
	if d := Domain("user@Example.COM"); d != "example.com" {
		t.Errorf("want example.com, got %s", d)
	}
	if d := Domain("postmaster"); d != "" {
		t.Errorf("want empty domain, got %s", d)
	}
}

func TestValid(t *testing.T) {
	for addr, want := range map[string]bool{
		"a@b.c":       true,
		"postmaster":  true,
		"":            false,
		"a b@example": false,
		"a@.example":  false,
		"missing-at":  false,
	} {
		if got := Valid(addr); got != want {
			t.Errorf("Valid(%q): want %v, got %v", addr, want, got)
		}
	}
}
