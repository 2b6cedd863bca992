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
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/foxcpp/mailflow/framework/exterrors"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
)

// output is a fragment produced by a stage run. Non-final outputs are
// dispatched again using their State.
type output struct {
	m     *mail.Mail
	final bool
	disp  Disposition
}

func route(m *mail.Mail) output {
	return output{m: m}
}

func final(m *mail.Mail, d Disposition) output {
	return output{m: m, final: true, disp: d}
}

type work struct {
	m    *mail.Mail
	next int
}

// runStage runs the rules of s against m.
//
// Each pass over the rules handles one fragment. A rule whose condition
// matches all remaining recipients runs its action on the fragment itself.
// A partial match forks the matched recipients into a new fragment; the
// remainder continues with the next rule. Forked fragments whose action
// returned Continue resume at the following rule after the current pass is
// over.
func (r *Router) runStage(ctx context.Context, rc *routeCtx, s *Stage, m *mail.Mail) []output {
	var outs []output

	queue := []work{{m: m}}
	for len(queue) != 0 {
		w := queue[0]
		queue = queue[1:]

		frag := w.m
		for i := w.next; frag != nil && i < len(s.pairs); i++ {
			if len(frag.Rcpts) == 0 {
				frag = nil
				break
			}
			p := &s.pairs[i]

			matched, out := r.match(ctx, rc, s, i, p, frag)
			if out != nil {
				outs = append(outs, *out)
				frag = nil
				break
			}
			if len(matched) == 0 {
				continue
			}

			target := frag
			if len(matched) == len(frag.Rcpts) {
				frag = nil
			} else {
				rc.forks++
				target = frag.Fork(rc.name+"-"+strconv.Itoa(rc.forks), matched)
				frag.Rcpts = mail.Subtract(frag.Rcpts, matched)
			}

			actOuts, cont := r.service(ctx, rc, s, i, p, target)
			outs = append(outs, actOuts...)
			if !cont {
				continue
			}
			if frag == nil {
				// Full match, the same fragment goes on.
				frag = target
				continue
			}
			queue = append(queue, work{m: target, next: i + 1})
		}

		if frag != nil && len(frag.Rcpts) != 0 {
			outs = append(outs, r.fellThrough(rc, s, frag))
		}
	}

	return outs
}

func (r *Router) match(ctx context.Context, rc *routeCtx, s *Stage, i int, p *Pair, frag *mail.Mail) ([]string, *output) {
	if p.Condition == nil {
		return frag.Rcpts, nil
	}

	start := time.Now()
	matched, err := safeMatch(ctx, p.Condition, frag)
	took := time.Since(start)

	var condErr error
	if err != nil {
		condErr = &ConditionError{
			Stage:     s.name,
			Index:     i,
			Condition: p.ConditionName,
			Mail:      frag.Name,
			Err:       err,
		}
		matched = nil
	} else {
		matched = mail.Intersect(frag.Rcpts, matched)
	}

	r.listeners.AfterCondition(ConditionEvent{
		Stage:     s.name,
		Index:     i,
		Condition: p.ConditionName,
		Mail:      frag.Name,
		Rcpts:     append([]string(nil), frag.Rcpts...),
		Matched:   matched,
		Duration:  took,
		Err:       condErr,
	})

	if condErr == nil {
		return matched, nil
	}

	r.log.Error("condition failed", condErr, "policy", policyOr(p.OnMatchError, PolicyNoMatch))
	switch p.OnMatchError {
	case "", PolicyNoMatch:
		return nil, nil
	case PolicyMatchAll:
		return frag.Rcpts, nil
	case PolicyError:
		frag.Err = condErr
		frag.State = rc.t.errorState
		out := route(frag)
		return nil, &out
	default:
		frag.Err = condErr
		frag.State = p.OnMatchError
		out := route(frag)
		return nil, &out
	}
}

// service runs the action of p on target. It returns the outputs produced and
// whether target should continue with the next rule of the stage.
func (r *Router) service(ctx context.Context, rc *routeCtx, s *Stage, i int, p *Pair, target *mail.Mail) ([]output, bool) {
	before := append([]string(nil), target.Rcpts...)
	target.State = s.name

	start := time.Now()
	outcome, err := safeService(ctx, p.Action, target)
	took := time.Since(start)

	if err == nil && !mail.IsSubset(before, target.Rcpts) {
		err = fmt.Errorf("action added recipients: %v", mail.Subtract(target.Rcpts, before))
	}
	if err == nil && len(mail.Dedup(target.Rcpts)) != len(target.Rcpts) {
		err = fmt.Errorf("action duplicated recipients: %v", target.Rcpts)
	}
	if err == nil && outcome.Kind == module.OutcomeContinue && target.State != s.name {
		// The action changed the state directly instead of returning
		// Redirect.
		outcome = module.Redirect(target.State)
	}
	target.State = s.name

	if err != nil {
		return r.actionFailed(rc, s, i, p, target, before, err, took)
	}

	var outs []output
	if dropped := mail.Subtract(before, target.Rcpts); len(dropped) != 0 {
		handled := target.Fork(target.Name, dropped)
		handled.State = mail.StateGhost
		outs = append(outs, final(handled, Disposed))
	}

	cont := false
	switch {
	case len(target.Rcpts) == 0:
		target.State = mail.StateGhost
	case outcome.Kind == module.OutcomeGhost:
		target.State = mail.StateGhost
		outs = append(outs, final(target, Disposed))
	case outcome.Kind == module.OutcomeRedirect && outcome.State != s.name:
		target.State = outcome.State
		outs = append(outs, route(target))
	case p.Next != "" && p.Next != s.name:
		target.State = p.Next
		if p.Next == mail.StateGhost {
			outs = append(outs, final(target, Disposed))
		} else {
			outs = append(outs, route(target))
		}
	default:
		cont = true
	}

	r.listeners.AfterAction(ActionEvent{
		Stage:    s.name,
		Index:    i,
		Action:   p.ActionName,
		Mail:     target.Name,
		Rcpts:    before,
		State:    target.State,
		Duration: took,
	})

	return outs, cont
}

func (r *Router) actionFailed(rc *routeCtx, s *Stage, i int, p *Pair, target *mail.Mail, before []string, err error, took time.Duration) ([]output, bool) {
	actErr := &ActionError{
		Stage:  s.name,
		Index:  i,
		Action: p.ActionName,
		Mail:   target.Name,
		Err:    err,
	}
	target.Rcpts = before

	policy := policyOr(p.OnActionError, PolicyError)
	r.log.Error("action failed", actErr, "policy", policy)

	var (
		outs []output
		cont bool
	)
	switch policy {
	case PolicyIgnore:
		cont = true
	case PolicyGhost:
		target.Err = actErr
		target.State = mail.StateGhost
		outs = append(outs, final(target, Disposed))
	case PolicyError:
		target.Err = actErr
		target.State = rc.t.errorState
		outs = append(outs, route(target))
	default:
		target.Err = actErr
		target.State = policy
		outs = append(outs, route(target))
	}

	state := target.State
	r.listeners.AfterAction(ActionEvent{
		Stage:    s.name,
		Index:    i,
		Action:   p.ActionName,
		Mail:     target.Name,
		Rcpts:    append([]string(nil), before...),
		State:    state,
		Duration: took,
		Err:      actErr,
	})

	return outs, cont
}

func (r *Router) fellThrough(rc *routeCtx, s *Stage, frag *mail.Mail) output {
	policy := s.fallThrough
	if policy == "" {
		policy = PolicyError
	}
	if policy == PolicyError && s.name == rc.t.errorState {
		policy = PolicyRetain
	}

	switch policy {
	case PolicyRetain:
		r.log.Msg("mail retained at the end of stage", "stage", s.name, "msg_name", frag.Name, "rcpts", frag.Rcpts)
		frag.State = s.name
		return final(frag, Retained)
	case PolicyGhost:
		r.log.Msg("mail fell off the end of stage, recipients dropped", "stage", s.name, "msg_name", frag.Name, "rcpts", frag.Rcpts)
		frag.State = mail.StateGhost
		return final(frag, Disposed)
	case PolicyError:
		err := &FallthroughError{Stage: s.name, Mail: frag.Name}
		r.log.Error("mail fell off the end of stage", err, "rcpts", frag.Rcpts)
		frag.Err = err
		frag.State = rc.t.errorState
		return route(frag)
	default:
		frag.State = policy
		return route(frag)
	}
}

func policyOr(policy, def string) string {
	if policy == "" {
		return def
	}
	return policy
}

func panicErr(v interface{}) error {
	return exterrors.WithFields(fmt.Errorf("panic: %v", v), map[string]interface{}{
		"stack": string(debug.Stack()),
	})
}

func safeMatch(ctx context.Context, c module.Condition, m *mail.Mail) (matched []string, err error) {
	defer func() {
		if v := recover(); v != nil {
			matched, err = nil, panicErr(v)
		}
	}()
	return c.Match(ctx, m)
}

func safeService(ctx context.Context, a module.Action, m *mail.Mail) (outcome module.Outcome, err error) {
	defer func() {
		if v := recover(); v != nil {
			outcome, err = module.Outcome{}, panicErr(v)
		}
	}()
	return a.Service(ctx, m)
}
