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

package auth

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/foxcpp/mailflow/internal/testutils"
)

type mockAuth struct {
	db map[string]bool
}

func (m mockAuth) AuthPlain(_ context.Context, username, _ string) error {
	ok := m.db[username]
	if !ok {
		return errors.New("invalid creds")
	}
	return nil
}

func TestCreateSASL(t *testing.T) {
	a := SASLAuth{
		Log: testutils.Logger(t, "saslauth"),
		Plain: []PlainAuth{
			&mockAuth{db: map[string]bool{}},
			&mockAuth{
				db: map[string]bool{
					"user1": true,
				},
			},
		},
	}
	ctx := context.Background()

	t.Run("XWHATEVER", func(t *testing.T) {
		srv := a.CreateSASL(ctx, "XWHATEVER", &net.TCPAddr{}, func(string) error { return nil })
		_, _, err := srv.Next([]byte(""))
		if err == nil {
			t.Error("No error for XWHATEVER use")
		}
	})

	t.Run("PLAIN", func(t *testing.T) {
		srv := a.CreateSASL(ctx, "PLAIN", &net.TCPAddr{}, func(id string) error {
			if id != "user1" {
				t.Fatal("Wrong auth. identities passed to callback:", id)
			}
			return nil
		})

		_, _, err := srv.Next([]byte("\x00user1\x00aa"))
		if err != nil {
			t.Error("Unexpected error:", err)
		}
	})

	t.Run("PLAIN with same authorization identity", func(t *testing.T) {
		srv := a.CreateSASL(ctx, "PLAIN", &net.TCPAddr{}, func(string) error { return nil })
		_, _, err := srv.Next([]byte("User1\x00user1\x00aa"))
		if err != nil {
			t.Error("Unexpected error:", err)
		}
	})

	t.Run("PLAIN with other authorization identity", func(t *testing.T) {
		srv := a.CreateSASL(ctx, "PLAIN", &net.TCPAddr{}, func(string) error {
			t.Fatal("callback should not be called")
			return nil
		})
		_, _, err := srv.Next([]byte("user2\x00user1\x00aa"))
		if err == nil {
			t.Error("Expected error")
		}
	})

	t.Run("PLAIN unknown user", func(t *testing.T) {
		srv := a.CreateSASL(ctx, "PLAIN", &net.TCPAddr{}, func(string) error { return nil })
		_, _, err := srv.Next([]byte("\x00user3\x00aa"))
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Error("Unexpected error:", err)
		}
	})

	t.Run("LOGIN", func(t *testing.T) {
		var got string
		srv := a.CreateSASL(ctx, "LOGIN", &net.TCPAddr{}, func(id string) error {
			got = id
			return nil
		})
		if _, _, err := srv.Next([]byte("user1")); err != nil {
			t.Fatal("Unexpected error:", err)
		}
		if _, _, err := srv.Next([]byte("aa")); err != nil {
			t.Fatal("Unexpected error:", err)
		}
		if got != "user1" {
			t.Error("Wrong auth. identity passed to callback:", got)
		}
	})
}

func TestSASLMechanisms(t *testing.T) {
	a := SASLAuth{}
	if mechs := a.SASLMechanisms(); len(mechs) != 0 {
		t.Error("no mechanisms expected without providers:", mechs)
	}
	if err := a.AuthPlain(context.Background(), "user1", "aa"); !errors.Is(err, ErrUnsupportedMech) {
		t.Error("Unexpected error:", err)
	}

	a.Plain = []PlainAuth{mockAuth{}}
	if mechs := a.SASLMechanisms(); len(mechs) != 2 || mechs[0] != "PLAIN" || mechs[1] != "LOGIN" {
		t.Error("Unexpected mechanisms:", mechs)
	}
}
