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
	"errors"
	"fmt"
)

// Kind classifies routing failures.
type Kind int

const (
	KindNone Kind = iota
	// KindCondition is a condition evaluation failure. The condition result
	// is replaced according to the rule policy, routing continues.
	KindCondition
	// KindAction is an action execution failure. The fragment is moved to
	// the error state unless the rule says otherwise.
	KindAction
	// KindUnresolvedState means a fragment named a state missing from the
	// table.
	KindUnresolvedState
	// KindRoutingLoop means the hop cap was exceeded.
	KindRoutingLoop
	// KindFallthrough means no rule of a stage handled some recipients.
	KindFallthrough
)

func (k Kind) String() string {
	switch k {
	case KindCondition:
		return "condition"
	case KindAction:
		return "action"
	case KindUnresolvedState:
		return "unresolved_state"
	case KindRoutingLoop:
		return "routing_loop"
	case KindFallthrough:
		return "fallthrough"
	}
	return "none"
}

type kinded interface {
	Kind() Kind
}

// KindOf returns the Kind of the outermost routing error in err's chain.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindNone
}

type ConditionError struct {
	Stage     string
	Index     int
	Condition string
	Mail      string
	Err       error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("router: stage %s: condition %s: %v", e.Stage, e.Condition, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }
func (e *ConditionError) Kind() Kind    { return KindCondition }

func (e *ConditionError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"stage":     e.Stage,
		"rule":      e.Index,
		"condition": e.Condition,
		"msg_name":  e.Mail,
	}
}

type ActionError struct {
	Stage  string
	Index  int
	Action string
	Mail   string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("router: stage %s: action %s: %v", e.Stage, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
func (e *ActionError) Kind() Kind    { return KindAction }

func (e *ActionError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"stage":    e.Stage,
		"rule":     e.Index,
		"action":   e.Action,
		"msg_name": e.Mail,
	}
}

type UnresolvedStateError struct {
	State string
	Mail  string
}

func (e *UnresolvedStateError) Error() string {
	return fmt.Sprintf("router: no stage for state %q", e.State)
}

func (e *UnresolvedStateError) Kind() Kind { return KindUnresolvedState }

func (e *UnresolvedStateError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"state":    e.State,
		"msg_name": e.Mail,
	}
}

type LoopError struct {
	State string
	Hops  int
	Mail  string
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("router: routing loop detected: %d hops, last state %s", e.Hops, e.State)
}

func (e *LoopError) Kind() Kind { return KindRoutingLoop }

func (e *LoopError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"state":    e.State,
		"hops":     e.Hops,
		"msg_name": e.Mail,
	}
}

// FallthroughError is recorded on fragments that reached the end of a stage
// with the "error" fallthrough policy.
type FallthroughError struct {
	Stage string
	Mail  string
}

func (e *FallthroughError) Error() string {
	return fmt.Sprintf("router: no rule in stage %s handled the recipients", e.Stage)
}

func (e *FallthroughError) Kind() Kind { return KindFallthrough }

func (e *FallthroughError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"stage":    e.Stage,
		"msg_name": e.Mail,
	}
}

// ErrFellThrough matches any *FallthroughError with errors.Is.
var ErrFellThrough = errors.New("router: fell through")

func (e *FallthroughError) Is(target error) bool {
	return target == ErrFellThrough
}
