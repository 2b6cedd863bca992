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
	"fmt"
	"io"
	"strings"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/module"
)

// maxConditionDepth limits nesting of named composite conditions.
const maxConditionDepth = 16

// SplitSpec splits "Name=arg" into its parts.
func SplitSpec(spec string) (name, arg string) {
	name, arg, _ = strings.Cut(strings.TrimSpace(spec), "=")
	return strings.TrimSpace(name), strings.TrimSpace(arg)
}

type builder struct {
	g     *module.Globals
	table *Table

	closers []io.Closer
}

// Build creates a validated Table from the router configuration. Conditions
// and actions are instantiated using factories from the module registry.
func Build(cfg config.Router, g *module.Globals) (*Table, error) {
	b := builder{g: g}

	stages := make([]*Stage, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		s, err := b.buildStage(sc)
		if err != nil {
			b.close()
			return nil, err
		}
		stages = append(stages, s)
	}

	reqs := make([]Requirement, 0, len(cfg.Checks))
	for _, c := range cfg.Checks {
		reqs = append(reqs, Requirement{Stage: c.Stage, Action: c.Action, Condition: c.Match})
	}

	t, err := NewTable(TableConfig{
		EntryState:   cfg.EntryState,
		ErrorState:   cfg.ErrorState,
		Requirements: reqs,
	}, stages...)
	if err != nil {
		b.close()
		return nil, err
	}
	for _, c := range b.closers {
		t.AddCloser(c)
	}
	return t, nil
}

func (b *builder) close() {
	for _, c := range b.closers {
		c.Close()
	}
}

func (b *builder) track(v interface{}) {
	if c, ok := v.(io.Closer); ok {
		b.closers = append(b.closers, c)
	}
}

func (b *builder) buildStage(sc config.Stage) (*Stage, error) {
	named := make(map[string]config.Condition, len(sc.Conditions))
	for _, c := range sc.Conditions {
		if _, ok := named[c.Name]; ok {
			return nil, fmt.Errorf("router: stage %s: duplicate condition name: %s", sc.Name, c.Name)
		}
		named[c.Name] = c
	}

	pairs := make([]Pair, 0, len(sc.Rules))
	for i, rule := range sc.Rules {
		p, err := b.buildPair(sc.Name, named, rule)
		if err != nil {
			return nil, fmt.Errorf("router: stage %s: rule %d: %w", sc.Name, i+1, err)
		}
		pairs = append(pairs, p)
	}

	switch sc.Fallthrough {
	case "", PolicyError, PolicyGhost, PolicyRetain:
	default:
		if strings.ContainsAny(sc.Fallthrough, " \t") {
			return nil, fmt.Errorf("router: stage %s: invalid fallthrough: %q", sc.Name, sc.Fallthrough)
		}
	}

	return NewStage(sc.Name, sc.Fallthrough, pairs...), nil
}

func (b *builder) buildPair(stage string, named map[string]config.Condition, rule config.Rule) (Pair, error) {
	condSpec, inverted := rule.Match, false
	if rule.NotMatch != "" {
		condSpec, inverted = rule.NotMatch, true
	}
	if condSpec == "" {
		condSpec = "All"
	}

	cond, err := b.buildCondition(stage, named, condSpec, nil, nil, 0)
	if err != nil {
		return Pair{}, err
	}
	condName := condSpec
	if inverted {
		cond = module.Invert(cond)
		condName = "not " + condSpec
	}

	actName, actArg := SplitSpec(rule.Action)
	factory := module.GetAction(actName)
	if factory == nil {
		return Pair{}, fmt.Errorf("unknown action: %s", actName)
	}
	act, err := factory(module.Spec{
		Name:    actName,
		Arg:     actArg,
		Params:  rule.Params,
		Globals: b.g,
		Log:     b.g.Logger.Sublogger(stage + "/" + actName),
	})
	if err != nil {
		return Pair{}, fmt.Errorf("action %s: %w", actName, err)
	}
	b.track(act)

	if err := checkPolicy("on_match_error", rule.OnMatchError, PolicyIgnore, PolicyRetain); err != nil {
		return Pair{}, err
	}
	if err := checkPolicy("on_action_error", rule.OnActionError, PolicyRetain, PolicyNoMatch, PolicyMatchAll); err != nil {
		return Pair{}, err
	}

	actionID := rule.ID
	if actionID == "" {
		actionID = actName
	}

	return Pair{
		ConditionName: condName,
		ActionName:    actionID,
		Condition:     cond,
		Action:        act,
		Next:          rule.Next,
		OnMatchError:  rule.OnMatchError,
		OnActionError: rule.OnActionError,
	}, nil
}

// buildCondition instantiates the condition named by spec. Names of the
// stage named conditions take precedence over registered factories.
func (b *builder) buildCondition(stage string, named map[string]config.Condition, spec string,
	params map[string]interface{}, children []config.Condition, depth int,
) (module.Condition, error) {
	if depth > maxConditionDepth {
		return nil, fmt.Errorf("condition %s: nesting is too deep (recursive definition?)", spec)
	}

	name, arg := SplitSpec(spec)
	if nc, ok := named[name]; ok && arg == "" && params == nil && children == nil {
		return b.buildNamed(stage, named, nc, depth+1)
	}

	operands := make([]module.Condition, 0, len(children))
	for _, child := range children {
		c, err := b.buildNamed(stage, named, child, depth+1)
		if err != nil {
			return nil, err
		}
		operands = append(operands, c)
	}

	factory := module.GetCondition(name)
	if factory == nil {
		return nil, fmt.Errorf("unknown condition: %s", name)
	}
	cond, err := factory(module.Spec{
		Name:     name,
		Arg:      arg,
		Params:   params,
		Children: operands,
		Globals:  b.g,
		Log:      b.g.Logger.Sublogger(stage + "/" + name),
	})
	if err != nil {
		return nil, fmt.Errorf("condition %s: %w", name, err)
	}
	b.track(cond)
	return cond, nil
}

func (b *builder) buildNamed(stage string, named map[string]config.Condition, cc config.Condition, depth int) (module.Condition, error) {
	spec, inverted := cc.Match, false
	if cc.NotMatch != "" {
		spec, inverted = cc.NotMatch, true
	}
	var children []config.Condition
	if len(cc.Conditions) != 0 {
		children = cc.Conditions
	}

	cond, err := b.buildCondition(stage, named, spec, cc.Params, children, depth)
	if err != nil {
		return nil, err
	}
	if inverted {
		cond = module.Invert(cond)
	}
	return cond, nil
}

func checkPolicy(key, value string, forbidden ...string) error {
	for _, f := range forbidden {
		if value == f {
			return fmt.Errorf("%s: %s is not allowed here", key, value)
		}
	}
	if strings.ContainsAny(value, " \t") {
		return fmt.Errorf("%s: invalid value: %q", key, value)
	}
	return nil
}
