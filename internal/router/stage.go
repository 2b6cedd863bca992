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

package router

import (
	"github.com/foxcpp/mailflow/framework/module"
)

// Error policies and fallthrough values with special meaning. Any other
// non-empty value is a state name.
const (
	PolicyNoMatch  = "nomatch"
	PolicyMatchAll = "matchall"
	PolicyError    = "error"
	PolicyIgnore   = "ignore"
	PolicyGhost    = "ghost"
	PolicyRetain   = "retain"
)

// Pair is a (Condition, Action) rule of a Stage.
type Pair struct {
	// ConditionName and ActionName identify the components in logs and
	// listener events.
	ConditionName string
	ActionName    string

	// Condition may be nil, which matches all recipients.
	Condition module.Condition
	Action    module.Action

	// Next, if set, is the state the fragment moves to when the action
	// returns module.Continue.
	Next string

	// OnMatchError is one of PolicyNoMatch (default), PolicyMatchAll,
	// PolicyError or a state name.
	OnMatchError string

	// OnActionError is one of PolicyError (default), PolicyIgnore,
	// PolicyGhost or a state name.
	OnActionError string
}

// Stage is an ordered list of rules bound to one state.
type Stage struct {
	name        string
	pairs       []Pair
	fallThrough string
}

// NewStage creates a stage. fallThrough is the policy for recipients no rule
// handled: PolicyError, PolicyGhost, PolicyRetain or a state name. Empty
// fallThrough means PolicyError for regular stages and PolicyRetain for the
// error stage.
func NewStage(name, fallThrough string, pairs ...Pair) *Stage {
	return &Stage{
		name:        name,
		pairs:       append([]Pair(nil), pairs...),
		fallThrough: fallThrough,
	}
}

func (s *Stage) Name() string {
	return s.name
}

func (s *Stage) Fallthrough() string {
	return s.fallThrough
}

// Pairs returns a copy of the stage rules.
func (s *Stage) Pairs() []Pair {
	return append([]Pair(nil), s.pairs...)
}

// referencedStates returns the states the stage may send mail to
// unconditionally, for table validation.
func (s *Stage) referencedStates() []string {
	var states []string
	add := func(policy string, special ...string) {
		if policy == "" {
			return
		}
		for _, sp := range special {
			if policy == sp {
				return
			}
		}
		states = append(states, policy)
	}

	add(s.fallThrough, PolicyError, PolicyGhost, PolicyRetain)
	for _, p := range s.pairs {
		add(p.Next)
		add(p.OnMatchError, PolicyNoMatch, PolicyMatchAll, PolicyError)
		add(p.OnActionError, PolicyError, PolicyIgnore, PolicyGhost)
		if sr, ok := p.Action.(module.StateReferrer); ok {
			states = append(states, sr.States()...)
		}
	}
	return states
}
