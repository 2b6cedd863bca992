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
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxcpp/mailflow/framework/log"
)

// ConditionEvent is reported after each condition evaluation.
type ConditionEvent struct {
	Stage     string
	Index     int
	Condition string
	Mail      string
	Rcpts     []string
	Matched   []string
	Duration  time.Duration
	Err       error
}

// ActionEvent is reported after each action invocation. State is the state
// the fragment moves to ("ghost" if it was disposed, the stage own name if it
// continues in the same stage).
type ActionEvent struct {
	Stage    string
	Index    int
	Action   string
	Mail     string
	Rcpts    []string
	State    string
	Duration time.Duration
	Err      error
}

// Listener observes the router. Implementations must be safe for concurrent
// use and must not block, see AsyncListener.
type Listener interface {
	AfterCondition(ConditionEvent)
	AfterAction(ActionEvent)
}

// RouteListener can be implemented in addition to Listener to observe
// complete routing results.
type RouteListener interface {
	AfterRoute(res Result, took time.Duration)
}

// ListenerList is an immutable fan-out list. A panicking listener is logged
// and does not affect routing or other listeners.
type ListenerList struct {
	ls  []Listener
	log log.Logger
}

func NewListenerList(logger log.Logger, ls ...Listener) ListenerList {
	return ListenerList{
		ls:  append([]Listener(nil), ls...),
		log: logger,
	}
}

func (l ListenerList) Len() int {
	return len(l.ls)
}

func (l ListenerList) call(f func(Listener), what string) {
	for _, lst := range l.ls {
		func() {
			defer func() {
				if err := recover(); err != nil {
					l.log.Msg("listener panicked", "event", what, "listener", fmt.Sprintf("%T", lst),
						"panic", fmt.Sprint(err), "stack", string(debug.Stack()))
				}
			}()
			f(lst)
		}()
	}
}

func (l ListenerList) AfterCondition(ev ConditionEvent) {
	l.call(func(lst Listener) { lst.AfterCondition(ev) }, "condition")
}

func (l ListenerList) AfterAction(ev ActionEvent) {
	l.call(func(lst Listener) { lst.AfterAction(ev) }, "action")
}

func (l ListenerList) AfterRoute(res Result, took time.Duration) {
	l.call(func(lst Listener) {
		if rl, ok := lst.(RouteListener); ok {
			rl.AfterRoute(res, took)
		}
	}, "route")
}

type routeEvent struct {
	res  Result
	took time.Duration
}

// AsyncListener forwards events to another Listener from a separate
// goroutine. When the queue is full, events are dropped and counted.
type AsyncListener struct {
	next    Listener
	events  chan interface{}
	dropped atomic.Uint64
	done    chan struct{}

	closeLock sync.RWMutex
	closed    bool
}

func NewAsyncListener(next Listener, queueSize int) *AsyncListener {
	if queueSize <= 0 {
		queueSize = 1024
	}
	al := &AsyncListener{
		next:   next,
		events: make(chan interface{}, queueSize),
		done:   make(chan struct{}),
	}
	go al.run()
	return al
}

func (al *AsyncListener) run() {
	defer close(al.done)
	for ev := range al.events {
		al.deliver(ev)
	}
}

func (al *AsyncListener) deliver(ev interface{}) {
	defer func() {
		// A broken listener must not stop delivery of further events.
		if recover() != nil {
			al.dropped.Add(1)
		}
	}()
	switch ev := ev.(type) {
	case ConditionEvent:
		al.next.AfterCondition(ev)
	case ActionEvent:
		al.next.AfterAction(ev)
	case routeEvent:
		if rl, ok := al.next.(RouteListener); ok {
			rl.AfterRoute(ev.res, ev.took)
		}
	}
}

func (al *AsyncListener) enqueue(ev interface{}) {
	al.closeLock.RLock()
	defer al.closeLock.RUnlock()
	if al.closed {
		al.dropped.Add(1)
		return
	}
	select {
	case al.events <- ev:
	default:
		al.dropped.Add(1)
	}
}

func (al *AsyncListener) AfterCondition(ev ConditionEvent) { al.enqueue(ev) }
func (al *AsyncListener) AfterAction(ev ActionEvent)       { al.enqueue(ev) }

func (al *AsyncListener) AfterRoute(res Result, took time.Duration) {
	al.enqueue(routeEvent{res, took})
}

// Dropped returns the number of events lost because the queue was full.
func (al *AsyncListener) Dropped() uint64 {
	return al.dropped.Load()
}

// Close stops accepting events and waits until queued ones are delivered.
func (al *AsyncListener) Close() error {
	al.closeLock.Lock()
	if al.closed {
		al.closeLock.Unlock()
		return nil
	}
	al.closed = true
	close(al.events)
	al.closeLock.Unlock()

	<-al.done
	return nil
}
