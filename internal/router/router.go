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

// Package router implements the state-based mail routing engine.
//
// A Table maps state names to Stages. A Stage is an ordered list of
// (Condition, Action) rules. Router.Route moves a mail through the stages
// until every recipient is handled, splitting the mail into fragments when a
// condition matches only some recipients.
package router

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
)

const DefaultMaxHops = 32

type Options struct {
	// MaxHops is the maximum number of stage runs per fragment. Defaults to
	// DefaultMaxHops.
	MaxHops int

	Listeners []Listener

	Log log.Logger
}

// Router dispatches mail through the current Table. It is safe for
// concurrent use. Each Route call uses the table snapshot it started with.
type Router struct {
	table     atomic.Pointer[Table]
	maxHops   int
	listeners ListenerList
	log       log.Logger
}

func New(t *Table, opts Options) *Router {
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	r := &Router{
		maxHops:   opts.MaxHops,
		listeners: NewListenerList(opts.Log, opts.Listeners...),
		log:       opts.Log,
	}
	r.table.Store(t)
	return r
}

func (r *Router) Table() *Table {
	return r.table.Load()
}

// Swap publishes a new table and returns the previous one. Closing the
// previous table waits for Route calls that still use it.
func (r *Router) Swap(t *Table) *Table {
	return r.table.Swap(t)
}

// acquire returns the published table, read-locked until release is
// called. A table closed while still published is used without a lock.
func (r *Router) acquire() (t *Table, release func()) {
	for {
		t = r.table.Load()
		t.inUse.RLock()
		if !t.retired {
			return t, t.inUse.RUnlock
		}
		t.inUse.RUnlock()
		if r.table.Load() == t {
			return t, func() {}
		}
	}
}

// item is a fragment waiting for dispatch.
type item struct {
	m    *mail.Mail
	hops int

	// loop is set after the fragment was forced into the error stage because
	// of the hop cap. The fragment then gets maxHops more hops, up to limit.
	loop  bool
	limit int
	// unresolved is set after the fragment was rerouted because of a missing
	// stage. It is cleared once the fragment leaves the error stage for an
	// existing stage.
	unresolved bool
}

// routeCtx holds the state of one Route call.
type routeCtx struct {
	t       *Table
	name    string
	forks   int
	results []Fragment
}

func (rc *routeCtx) done(m *mail.Mail, d Disposition, err error, hops int) {
	if len(m.Rcpts) == 0 {
		return
	}
	rc.results = append(rc.results, Fragment{
		Mail:        m,
		Disposition: d,
		Err:         err,
		Hops:        hops,
	})
}

// Route routes m until every recipient reaches a final disposition. m itself
// is not modified. Mail without a state enters the table entry state.
//
// Route never fails: failures are recorded in the result fragments and
// reported to listeners.
func (r *Router) Route(ctx context.Context, m *mail.Mail) Result {
	start := time.Now()
	t, release := r.acquire()
	defer release()
	rc := &routeCtx{
		t:    t,
		name: m.Name,
	}

	in := m.Clone()
	if in.State == "" {
		in.State = rc.t.entryState
	}

	queue := []item{{m: in}}
	for len(queue) != 0 {
		it := queue[0]
		queue = queue[1:]
		queue = append(queue, r.dispatch(ctx, rc, it)...)
	}

	res := Result{Name: m.Name, Fragments: rc.results}
	r.listeners.AfterRoute(res, time.Since(start))
	return res
}

func (r *Router) dispatch(ctx context.Context, rc *routeCtx, it item) []item {
	m := it.m
	if len(m.Rcpts) == 0 {
		return nil
	}
	if m.State == mail.StateGhost {
		rc.done(m, Disposed, m.Err, it.hops)
		return nil
	}
	if err := ctx.Err(); err != nil {
		rc.done(m, Aborted, err, it.hops)
		return nil
	}

	stage, ok := rc.t.stages[m.State]
	if !ok {
		err := &UnresolvedStateError{State: m.State, Mail: m.Name}
		r.log.Error("cannot dispatch mail", err)
		m.Err = err

		errStage, ok := rc.t.stages[rc.t.errorState]
		if it.unresolved || !ok || m.State == rc.t.errorState {
			rc.done(m, Failed, err, it.hops)
			return nil
		}
		it.unresolved = true
		m.State = errStage.name
		return []item{it}
	}

	limit := r.maxHops
	if it.loop {
		limit = it.limit
	}
	if it.hops >= limit {
		err := &LoopError{State: m.State, Hops: it.hops, Mail: m.Name}
		if it.loop {
			r.log.Error("mail retained after exceeding the hop limit twice", err)
			rc.done(m, Retained, err, it.hops)
			return nil
		}
		r.log.Error("routing loop detected, forcing error state", err)
		it.loop = true
		it.limit = it.hops + r.maxHops
		m.Err = err
		m.State = rc.t.errorState
		stage = rc.t.stages[rc.t.errorState]
	}

	outs := r.runStage(ctx, rc, stage, m)

	next := make([]item, 0, len(outs))
	for _, out := range outs {
		if out.final {
			rc.done(out.m, out.disp, out.m.Err, it.hops+1)
			continue
		}
		unresolved := it.unresolved
		if stage.name == rc.t.errorState && out.m.State != rc.t.errorState {
			if _, ok := rc.t.stages[out.m.State]; ok {
				unresolved = false
			}
		}
		next = append(next, item{
			m:          out.m,
			hops:       it.hops + 1,
			loop:       it.loop,
			limit:      it.limit,
			unresolved: unresolved,
		})
	}
	return next
}
