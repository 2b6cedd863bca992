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

package module

import (
	"fmt"
	"sort"
	"sync"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/dns"
	"github.com/foxcpp/mailflow/framework/log"
)

// Globals are the services shared by all components of one router
// generation.
type Globals struct {
	Hostname string
	StateDir string
	Logger   log.Logger

	Tables       map[string]Table
	Repositories map[string]Repository

	// Submitter is used by actions that generate new mail.
	Submitter Submitter

	Resolver dns.Resolver
}

// DNS returns the shared resolver or, if there is none, a resolver using
// servers from /etc/resolv.conf.
func (g *Globals) DNS() (dns.Resolver, error) {
	if g.Resolver != nil {
		return g.Resolver, nil
	}
	return dns.NewResolver("")
}

func (g *Globals) Table(name string) (Table, error) {
	t, ok := g.Tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown table: %s", name)
	}
	return t, nil
}

func (g *Globals) Repository(name string) (Repository, error) {
	r, ok := g.Repositories[name]
	if !ok {
		return nil, fmt.Errorf("unknown repository: %s", name)
	}
	return r, nil
}

// Spec is what a factory gets to create a component.
//
// For "RecipientIs=alice@example.org", Name is "RecipientIs" and Arg is
// "alice@example.org".
type Spec struct {
	Name   string
	Arg    string
	Params map[string]interface{}

	// Children holds the operands of composite conditions.
	Children []Condition

	Globals *Globals
	Log     log.Logger
}

// Decode decodes Params into out using config.DecodeParams.
func (s Spec) Decode(out interface{}) error {
	if err := config.DecodeParams(s.Params, out); err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	return nil
}

type (
	FuncNewCondition func(Spec) (Condition, error)
	FuncNewAction    func(Spec) (Action, error)
)

var (
	conditions = make(map[string]FuncNewCondition)
	actions    = make(map[string]FuncNewAction)
	regLock    sync.RWMutex
)

// RegisterCondition adds a condition factory to the global registry.
//
// It should be called only from init functions. Registering the same name
// twice panics.
func RegisterCondition(name string, factory FuncNewCondition) {
	regLock.Lock()
	defer regLock.Unlock()

	if _, ok := conditions[name]; ok {
		panic("module: condition registered twice: " + name)
	}
	conditions[name] = factory
}

// RegisterAction adds an action factory to the global registry.
func RegisterAction(name string, factory FuncNewAction) {
	regLock.Lock()
	defer regLock.Unlock()

	if _, ok := actions[name]; ok {
		panic("module: action registered twice: " + name)
	}
	actions[name] = factory
}

func GetCondition(name string) FuncNewCondition {
	regLock.RLock()
	defer regLock.RUnlock()
	return conditions[name]
}

func GetAction(name string) FuncNewAction {
	regLock.RLock()
	defer regLock.RUnlock()
	return actions[name]
}

func ConditionNames() []string {
	regLock.RLock()
	defer regLock.RUnlock()
	return sortedKeys(conditions)
}

func ActionNames() []string {
	regLock.RLock()
	defer regLock.RUnlock()
	return sortedKeys(actions)
}

func sortedKeys[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
