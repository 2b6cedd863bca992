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

package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// RcptCondition matches the listed recipients.
type RcptCondition []string

func (c RcptCondition) Match(_ context.Context, m *mail.Mail) ([]string, error) {
	return mail.Intersect(m.Rcpts, c), nil
}

// FailingCondition always fails with Err, or panics if Panic is set.
type FailingCondition struct {
	Err   error
	Panic bool
}

func (c FailingCondition) Match(context.Context, *mail.Mail) ([]string, error) {
	if c.Panic {
		panic("condition panic")
	}
	if c.Err == nil {
		return nil, errors.New("condition failed")
	}
	return nil, c.Err
}

// ActionCall is a recorded invocation of Action.
type ActionCall struct {
	Name  string
	Rcpts []string
	State string
	Attrs map[string]interface{}
}

// Action records its invocations and returns the configured outcome.
type Action struct {
	Outcome module.Outcome
	Err     error
	Panic   bool

	// Mutate, if set, is called on the mail before returning.
	Mutate func(m *mail.Mail)

	lock  sync.Mutex
	Calls []ActionCall
}

func (a *Action) Service(_ context.Context, m *mail.Mail) (module.Outcome, error) {
	attrs := make(map[string]interface{}, len(m.Attrs))
	for k, v := range m.Attrs {
		attrs[k] = v
	}

	a.lock.Lock()
	a.Calls = append(a.Calls, ActionCall{
		Name:  m.Name,
		Rcpts: append([]string(nil), m.Rcpts...),
		State: m.State,
		Attrs: attrs,
	})
	a.lock.Unlock()

	if a.Panic {
		panic("action panic")
	}
	if a.Mutate != nil {
		a.Mutate(m)
	}
	return a.Outcome, a.Err
}

func (a *Action) CallCount() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.Calls)
}

// RedirectAction is an Action redirecting to the state.
func RedirectAction(state string) *Action {
	return &Action{Outcome: module.Redirect(state)}
}

// GhostAction is an Action disposing of the mail.
func GhostAction() *Action {
	return &Action{Outcome: module.Ghost}
}
