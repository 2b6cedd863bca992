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

// Package module contains the interfaces implemented by routing components
// (conditions and actions) and by the services they use, together with the
// registry that instantiates components by name.
//
// Interfaces are placed here to prevent circular dependencies.
package module

import (
	"context"

	"github.com/foxcpp/mailflow/framework/mail"
)

// Condition selects the subset of recipients a rule applies to.
//
// Match must not modify the mail. Recipients not present in m.Rcpts are
// ignored by the caller.
type Condition interface {
	Match(ctx context.Context, m *mail.Mail) ([]string, error)
}

// ConditionFunc is an adapter to allow the use of ordinary functions as
// conditions.
type ConditionFunc func(ctx context.Context, m *mail.Mail) ([]string, error)

func (f ConditionFunc) Match(ctx context.Context, m *mail.Mail) ([]string, error) {
	return f(ctx, m)
}

// Action processes a mail fragment containing only the recipients matched by
// the rule condition.
//
// Action may modify the header, attributes and body of m and may drop
// recipients (they are considered handled). It must not add recipients.
type Action interface {
	Service(ctx context.Context, m *mail.Mail) (Outcome, error)
}

type ActionFunc func(ctx context.Context, m *mail.Mail) (Outcome, error)

func (f ActionFunc) Service(ctx context.Context, m *mail.Mail) (Outcome, error) {
	return f(ctx, m)
}

type OutcomeKind int

const (
	// OutcomeContinue passes the fragment to the next rule of the stage.
	OutcomeContinue OutcomeKind = iota
	// OutcomeRedirect moves the fragment to another stage.
	OutcomeRedirect
	// OutcomeGhost ends processing of the fragment, all its recipients are
	// considered handled.
	OutcomeGhost
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeRedirect:
		return "redirect"
	case OutcomeGhost:
		return "ghost"
	}
	return "unknown"
}

// Outcome is the result of an Action.
type Outcome struct {
	Kind  OutcomeKind
	State string
}

var (
	Continue = Outcome{Kind: OutcomeContinue}
	Ghost    = Outcome{Kind: OutcomeGhost}
)

func Redirect(state string) Outcome {
	if state == mail.StateGhost {
		return Ghost
	}
	return Outcome{Kind: OutcomeRedirect, State: state}
}

func (o Outcome) String() string {
	if o.Kind == OutcomeRedirect {
		return "redirect(" + o.State + ")"
	}
	return o.Kind.String()
}

// StateReferrer is implemented by actions that may redirect mail to fixed
// states, so these can be checked when the router is built.
type StateReferrer interface {
	States() []string
}
