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
	"io"
	"sync"

	"github.com/foxcpp/mailflow/framework/mail"
)

// Requirement makes NewTable fail unless the stage has a rule using the
// action (and the condition, if set).
type Requirement struct {
	Stage     string
	Action    string
	Condition string
}

type TableConfig struct {
	// EntryState is the state of mail submitted without one. Defaults to
	// "root".
	EntryState string
	// ErrorState defaults to "error".
	ErrorState string

	Requirements []Requirement
}

// Table is an immutable mapping of state names to stages.
type Table struct {
	entryState string
	errorState string
	stages     map[string]*Stage
	order      []string

	closers []io.Closer

	// inUse is read-locked by Route calls using the table.
	inUse   sync.RWMutex
	retired bool
}

// NewTable validates and creates a state table.
//
// The table must contain the entry and error stages, must not contain a stage
// for the terminal "ghost" state, and every state a stage refers to must
// exist.
func NewTable(cfg TableConfig, stages ...*Stage) (*Table, error) {
	t := &Table{
		entryState: cfg.EntryState,
		errorState: cfg.ErrorState,
		stages:     make(map[string]*Stage, len(stages)),
	}
	if t.entryState == "" {
		t.entryState = mail.StateRoot
	}
	if t.errorState == "" {
		t.errorState = mail.StateError
	}
	if t.entryState == mail.StateGhost || t.errorState == mail.StateGhost {
		return nil, errors.New("router: ghost state cannot be used as the entry or error state")
	}

	for _, s := range stages {
		if s.name == "" {
			return nil, errors.New("router: stage without a name")
		}
		if s.name == mail.StateGhost {
			return nil, fmt.Errorf("router: %s is the terminal state and cannot have a stage", mail.StateGhost)
		}
		if _, ok := t.stages[s.name]; ok {
			return nil, fmt.Errorf("router: duplicate stage: %s", s.name)
		}
		t.stages[s.name] = s
		t.order = append(t.order, s.name)
	}

	if _, ok := t.stages[t.entryState]; !ok {
		return nil, fmt.Errorf("router: missing entry stage: %s", t.entryState)
	}
	if _, ok := t.stages[t.errorState]; !ok {
		return nil, fmt.Errorf("router: missing error stage: %s", t.errorState)
	}

	for _, name := range t.order {
		for _, ref := range t.stages[name].referencedStates() {
			if ref == mail.StateGhost {
				continue
			}
			if _, ok := t.stages[ref]; !ok {
				return nil, fmt.Errorf("router: stage %s refers to unknown state %s", name, ref)
			}
		}
	}

	for _, req := range cfg.Requirements {
		if err := t.checkRequirement(req); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Table) checkRequirement(req Requirement) error {
	s, ok := t.stages[req.Stage]
	if !ok {
		return fmt.Errorf("router: required stage %s is missing", req.Stage)
	}
	for _, p := range s.pairs {
		if p.ActionName != req.Action {
			continue
		}
		if req.Condition == "" || p.ConditionName == req.Condition {
			return nil
		}
	}
	if req.Condition != "" {
		return fmt.Errorf("router: stage %s must contain a rule %s -> %s", req.Stage, req.Condition, req.Action)
	}
	return fmt.Errorf("router: stage %s must contain a rule using %s", req.Stage, req.Action)
}

func (t *Table) EntryState() string {
	return t.entryState
}

func (t *Table) ErrorState() string {
	return t.errorState
}

func (t *Table) Stage(state string) (*Stage, bool) {
	s, ok := t.stages[state]
	return s, ok
}

// Stages returns the stages in the order they were defined.
func (t *Table) Stages() []*Stage {
	res := make([]*Stage, 0, len(t.order))
	for _, name := range t.order {
		res = append(res, t.stages[name])
	}
	return res
}

// AddCloser registers a resource released by Close.
func (t *Table) AddCloser(c io.Closer) {
	t.closers = append(t.closers, c)
}

// Close waits for Route calls still using the table to return and then
// releases resources held by components of the table. Route calls started
// after Close use the table the router currently publishes.
func (t *Table) Close() error {
	t.inUse.Lock()
	if t.retired {
		t.inUse.Unlock()
		return nil
	}
	t.retired = true
	t.inUse.Unlock()

	var errs []error
	for _, c := range t.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
