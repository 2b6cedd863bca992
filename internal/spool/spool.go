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

// Package spool feeds mail into the router.
//
// Mail is routed either synchronously (Route, used by the SMTP endpoint) or
// in the background on a bounded worker pool (Submit, used for mail created
// by actions such as bounces and forwarded copies). Fragments the router
// retained or failed are stored in the dead-letter repository.
package spool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("spool: closed")

const DefaultWorkers = 16

type Options struct {
	// Workers bounds the number of mails routed concurrently.
	Workers int

	// DeadLetter receives retained and failed fragments. If nil, they are
	// only logged.
	DeadLetter module.Repository

	// Registerer is used to register spool metrics. Metrics are not
	// exported if it is nil.
	Registerer prometheus.Registerer

	Log log.Logger
}

// repoHolder is read-locked by stores in progress.
type repoHolder struct {
	mu      sync.RWMutex
	repo    module.Repository
	retired bool
}

// Spool is safe for concurrent use.
type Spool struct {
	router     *router.Router
	sem        *semaphore.Weighted
	deadLetter atomic.Pointer[repoHolder]
	log        log.Logger

	// ctx is cancelled when Shutdown gives up waiting, it aborts background
	// routing still waiting for a worker slot.
	ctx    context.Context
	cancel context.CancelFunc

	closeLck sync.Mutex
	closed   bool
	wg       sync.WaitGroup

	metrics *metrics
}

func New(r *router.Router, opts Options) (*Spool, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	m := newMetrics()
	if opts.Registerer != nil {
		if err := m.register(opts.Registerer); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Spool{
		router:  r,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		log:     opts.Log,
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
	}
	s.SetDeadLetter(opts.DeadLetter)
	return s, nil
}

// SetDeadLetter replaces the dead-letter repository. Used on configuration
// reload. It returns once no store uses the previous repository anymore.
func (s *Spool) SetDeadLetter(repo module.Repository) {
	old := s.deadLetter.Swap(&repoHolder{repo: repo})
	if old == nil {
		return
	}
	old.mu.Lock()
	old.retired = true
	old.mu.Unlock()
}

// acquireDeadLetter returns the current dead-letter holder, read-locked.
func (s *Spool) acquireDeadLetter() *repoHolder {
	for {
		h := s.deadLetter.Load()
		h.mu.RLock()
		if !h.retired {
			return h
		}
		h.mu.RUnlock()
	}
}

// Router returns the router used by the spool.
func (s *Spool) Router() *router.Router {
	return s.router
}

// Route routes m synchronously and stores retained and failed fragments in
// the dead-letter repository. Aborted fragments are left to the caller.
// The caller keeps ownership of the body buffer.
func (s *Spool) Route(ctx context.Context, m *mail.Mail) (router.Result, error) {
	if !s.enter() {
		return router.Result{}, ErrClosed
	}
	defer s.wg.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return router.Result{}, err
	}
	defer s.sem.Release(1)

	res := s.route(ctx, m)
	s.keep(res, false)
	return res, nil
}

// Submit queues m for background routing. The spool takes ownership of the
// body buffer and removes it once routing is done.
//
// Submit does not wait for a free worker, so it is safe to call from
// actions running inside Route.
func (s *Spool) Submit(_ context.Context, m *mail.Mail) error {
	if !s.enter() {
		return ErrClosed
	}

	s.metrics.queued.Inc()
	go func() {
		defer s.wg.Done()
		defer s.metrics.queued.Dec()
		defer func() {
			if err := recover(); err != nil {
				s.log.Printf("panic during background routing: %v\n%s", err, debug.Stack())
			}
		}()

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			// Shutting down. Keep the mail.
			s.keep(router.Result{Name: m.Name, Fragments: []router.Fragment{{
				Mail:        m,
				Disposition: router.Aborted,
				Err:         err,
			}}}, true)
			s.removeBody(m)
			return
		}
		defer s.sem.Release(1)

		res := s.route(context.Background(), m)
		s.keep(res, true)
		s.removeBody(m)
	}()
	return nil
}

// enter registers a routing call, it returns false if the spool is closed.
func (s *Spool) enter() bool {
	s.closeLck.Lock()
	defer s.closeLck.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Spool) route(ctx context.Context, m *mail.Mail) router.Result {
	start := time.Now()
	res := s.router.Route(ctx, m)
	s.metrics.routeDuration.Observe(time.Since(start).Seconds())
	for _, f := range res.Fragments {
		s.metrics.fragments.WithLabelValues(f.Disposition.String()).Inc()
	}
	return res
}

func (s *Spool) removeBody(m *mail.Mail) {
	if m.Body == nil {
		return
	}
	if err := m.Body.Remove(); err != nil {
		s.log.Error("failed to remove body buffer", err, "msg_name", m.Name)
	}
}

// keep stores fragments that need operator attention. Aborted fragments
// are stored only if withAborted is set.
func (s *Spool) keep(res router.Result, withAborted bool) {
	for _, f := range res.Fragments {
		switch f.Disposition {
		case router.Retained, router.Failed:
		case router.Aborted:
			if !withAborted {
				continue
			}
		default:
			continue
		}
		s.store(f)
	}
}

// KeepAborted stores aborted fragments of res in the dead-letter
// repository. It is used by callers of Route that cannot report a partial
// failure back to the sender.
func (s *Spool) KeepAborted(res router.Result) {
	for _, f := range res.Fragments {
		if f.Disposition == router.Aborted {
			s.store(f)
		}
	}
}

func (s *Spool) store(f router.Fragment) {
	m := f.Mail
	if m.Err == nil {
		m.Err = f.Err
	}

	h := s.acquireDeadLetter()
	defer h.mu.RUnlock()

	repo := h.repo
	if repo == nil {
		s.log.Error("no dead-letter repository, fragment dropped", m.Err,
			"msg_name", m.Name, "rcpts", m.Rcpts, "state", m.State, "disposition", f.Disposition.String())
		s.metrics.deadLetter.WithLabelValues("dropped").Inc()
		return
	}

	// Background context: the fragment must be kept even if the caller
	// gave up.
	key, err := repo.Store(context.Background(), m)
	if err != nil {
		s.log.Error("failed to store fragment in the dead-letter repository", err,
			"msg_name", m.Name, "rcpts", m.Rcpts)
		s.metrics.deadLetter.WithLabelValues("error").Inc()
		return
	}
	s.log.Msg("fragment stored in the dead-letter repository",
		"msg_name", m.Name, "key", key, "rcpts", m.Rcpts, "state", m.State, "disposition", f.Disposition.String())
	s.metrics.deadLetter.WithLabelValues("stored").Inc()
}

// Close stops accepting new mail and waits until all routing in progress,
// including submitted mail still waiting for a worker, is finished.
func (s *Spool) Close() error {
	return s.Shutdown(context.Background())
}

// Shutdown is like Close but stops waiting for queued mail once ctx is
// done. Submitted mail that did not get a worker by then is stored in the
// dead-letter repository. Routing already in progress is always waited for.
func (s *Spool) Shutdown(ctx context.Context) error {
	s.closeLck.Lock()
	if s.closed {
		s.closeLck.Unlock()
		return nil
	}
	s.closed = true
	s.closeLck.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Msg("shutdown timed out, moving queued mail to the dead-letter repository")
		s.cancel()
		<-drained
	}
	s.cancel()
	return err
}
