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

// Package pass_table checks credentials against password hashes stored in a
// table. Values have the form "hash:data", as produced by the 'hash'
// command.
package pass_table

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/auth"
	"golang.org/x/text/secure/precis"
)

type Auth struct {
	table module.Table
}

func New(table module.Table) *Auth {
	return &Auth{table: table}
}

func (a *Auth) AuthPlain(ctx context.Context, username, password string) error {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return err
	}

	hash, ok, err := a.table.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrUnknownCredentials
	}

	parts := strings.SplitN(hash, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("pass_table: no hash tag")
	}
	hashVerify := HashVerify[parts[0]]
	if hashVerify == nil {
		return fmt.Errorf("pass_table: unknown hash: %s", parts[0])
	}
	if err := hashVerify(password, parts[1]); err != nil {
		if errors.Is(err, ErrMismatch) {
			return auth.ErrInvalidCredentials
		}
		return err
	}
	return nil
}
