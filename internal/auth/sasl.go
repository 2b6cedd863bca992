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
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/internal/auth/sasllogin"
	"golang.org/x/text/secure/precis"
)

// SASLAuth initializes sasl.Server instances checking credentials with the
// configured providers.
type SASLAuth struct {
	Log   log.Logger
	Plain []PlainAuth
}

func (s *SASLAuth) SASLMechanisms() []string {
	if len(s.Plain) == 0 {
		return nil
	}
	return []string{sasl.Plain, sasllogin.Login}
}

// AuthPlain succeeds if any of the providers accepts the credentials.
func (s *SASLAuth) AuthPlain(ctx context.Context, username, password string) error {
	if len(s.Plain) == 0 {
		return ErrUnsupportedMech
	}

	var lastErr error
	for _, p := range s.Plain {
		err := p.AuthPlain(ctx, username, password)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("no auth. provider accepted creds, last err: %w", lastErr)
}

// CreateSASL creates the sasl.Server instance for the corresponding mechanism.
//
// successCb is called with the authenticated username. If it fails,
// authentication fails too.
func (s *SASLAuth) CreateSASL(ctx context.Context, mech string, remoteAddr net.Addr, successCb func(string) error) sasl.Server {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if err := s.AuthPlain(ctx, username, password); err != nil {
				s.Log.Error("authentication failed", err, "username", username, "identity", identity, "src_ip", remoteAddr)
				return ErrInvalidCredentials
			}
			// Acting on behalf of another user is not supported.
			if identity != "" && !precis.UsernameCaseMapped.Compare(identity, username) {
				s.Log.Error("not authorized", errors.New("identity mismatch"), "username", username, "identity", identity, "src_ip", remoteAddr)
				return ErrInvalidCredentials
			}
			return successCb(username)
		})
	case sasllogin.Login:
		return sasllogin.NewLoginServer(func(username, password string) error {
			if err := s.AuthPlain(ctx, username, password); err != nil {
				s.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr)
				return ErrInvalidCredentials
			}
			return successCb(username)
		})
	}
	return FailingSASLServ{Err: ErrUnsupportedMech}
}

type FailingSASLServ struct{ Err error }

func (s FailingSASLServ) Next([]byte) ([]byte, bool, error) {
	return nil, true, s.Err
}
