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

package exterrors

import (
	"context"
	"errors"
	"net"
)

type TemporaryErr interface {
	Temporary() bool
}

// temporary reports the flag of the first error in the chain that carries
// one. Timeouts count as temporary failures.
func temporary(err error) (temp, known bool) {
	var tempErr TemporaryErr
	if errors.As(err, &tempErr) {
		return tempErr.Temporary(), true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, true
	}
	return false, false
}

// IsTemporary reports whether err is known to be a temporary failure.
func IsTemporary(err error) bool {
	temp, _ := temporary(err)
	return temp
}

// IsTemporaryOrUnspec is like IsTemporary, but errors with no flag in their
// chain are assumed to be temporary.
func IsTemporaryOrUnspec(err error) bool {
	temp, known := temporary(err)
	return temp || !known
}

type temporaryErr struct {
	error
	temp bool
}

func (t temporaryErr) Unwrap() error   { return t.error }
func (t temporaryErr) Temporary() bool { return t.temp }

// WithTemporary marks err as temporary or permanent, overriding any flag
// further down the chain.
func WithTemporary(err error, temporary bool) error {
	if err == nil {
		return nil
	}
	return temporaryErr{err, temporary}
}
