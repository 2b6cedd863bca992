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

package pass_table

import (
	"context"
	"errors"
	"testing"

	"github.com/foxcpp/mailflow/internal/auth"
	"github.com/foxcpp/mailflow/internal/testutils"
)

func TestAuth_AuthPlain(t *testing.T) {
	a := New(testutils.Table{
		M: map[string]string{
			"foxcpp":       "sha256:U0FMVA==:8PDRAgaUqaLSk34WpYniXjaBgGM93Lc6iF4pw2slthw=",
			"not-foxcpp":   "bcrypt:$2y$10$4tEJtJ6dApmhETg8tJ4WHOeMtmYXQwmHDKIyfg09Bw1F/smhLjlaa",
			"not-foxcpp-2": "argon2:1:8:1:U0FBQUFBTFQ=:KHUshl3DcpHR3AoVd28ZeBGmZ1Fj1gwJgNn98Ia8DAvGHqI0BvFOMJPxtaAfO8F+qomm2O3h0P0yV50QGwXI/Q==",
			"no-tag":       "password",
			"weird-tag":    "md5:abcdef",
		},
	})

	check := func(user, pass string, ok bool) {
		t.Helper()

		err := a.AuthPlain(context.Background(), user, pass)
		if (err == nil) != ok {
			t.Errorf("%s: ok=%v, err: %v", user, ok, err)
		}
	}

	check("foxcpp", "password", true)
	check("FoxCpp", "password", true)
	check("foxcpp", "different-password", false)
	check("not-foxcpp", "password", true)
	check("not-foxcpp", "different-password", false)
	check("not-foxcpp-2", "password", true)
	check("no-tag", "password", false)
	check("weird-tag", "password", false)

	if err := a.AuthPlain(context.Background(), "nobody", "password"); !errors.Is(err, auth.ErrUnknownCredentials) {
		t.Error("unexpected error for unknown user:", err)
	}
}

func TestAuth_TableError(t *testing.T) {
	a := New(testutils.Table{Err: errors.New("table is broken")})
	if err := a.AuthPlain(context.Background(), "foxcpp", "password"); err == nil {
		t.Fatal("expected error")
	}
}

func TestHash(t *testing.T) {
	opts := DefaultHashOpts
	opts.BcryptCost = 4
	for _, name := range Hashes {
		value, err := Hash(name, opts, "password")
		if err != nil {
			t.Fatal(name, err)
		}
		a := New(testutils.Table{M: map[string]string{"user": value}})
		if err := a.AuthPlain(context.Background(), "user", "password"); err != nil {
			t.Errorf("%s: %v", name, err)
		}
		if err := a.AuthPlain(context.Background(), "user", "wrong"); !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Errorf("%s: wrong password: %v", name, err)
		}
	}

	for _, value := range []string{"sha256:nosalt", "sha256:!!:!!", "argon2:1:2:3:c2FsdA==", "argon2:x:2:3:c2FsdA==:aGFzaA=="} {
		a := New(testutils.Table{M: map[string]string{"user": value}})
		if err := a.AuthPlain(context.Background(), "user", "password"); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: want ErrMalformed, got %v", value, err)
		}
	}

	if _, err := Hash("md5", opts, "password"); err == nil {
		t.Error("expected error for unknown hash")
	}
}
