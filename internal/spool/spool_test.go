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

package spool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxcpp/mailflow/framework/buffer"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/router"
	"github.com/foxcpp/mailflow/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func newSpool(t *testing.T, opts Options, stages ...*router.Stage) *Spool {
	t.Helper()
	table, err := router.NewTable(router.TableConfig{}, stages...)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Log.Out == nil {
		opts.Log = testutils.Logger(t, "spool")
	}
	s, err := New(router.New(table, router.Options{Log: opts.Log}), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// countingBuffer records Remove calls.
type countingBuffer struct {
	buffer.MemoryBuffer
	removed *int32
}

func (b countingBuffer) Remove() error {
	atomic.AddInt32(b.removed, 1)
	return nil
}

func TestSpool_RouteDeadLetter(t *testing.T) {
	repo := &testutils.Repository{Name: "errors"}
	local := testutils.GhostAction()
	s := newSpool(t, Options{DeadLetter: repo, Registerer: prometheus.NewPedanticRegistry()},
		router.NewStage(mail.StateRoot, "", router.Pair{
			ConditionName: "alice",
			ActionName:    "local",
			Condition:     testutils.RcptCondition{"alice@example.org"},
			Action:        local,
		}),
		router.NewStage(mail.StateError, ""),
	)

	m := testutils.Mail(t, "m1", "sender@example.org", "alice@example.org", "bob@example.org")
	res, err := s.Route(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count(router.Disposed) != 1 || res.Count(router.Retained) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	stored := repo.Mails()
	if len(stored) != 1 {
		t.Fatalf("want 1 dead letter, got %d", len(stored))
	}
	if stored[0].Name != "m1" || len(stored[0].Rcpts) != 1 || stored[0].Rcpts[0] != "bob@example.org" {
		t.Errorf("wrong dead letter: %v", stored[0])
	}
	if stored[0].Err == nil {
		t.Error("dead letter without an error record")
	}

	if v := promtest.ToFloat64(s.metrics.fragments.WithLabelValues("retained")); v != 1 {
		t.Errorf("want 1 retained fragment, got %v", v)
	}
	if v := promtest.ToFloat64(s.metrics.deadLetter.WithLabelValues("stored")); v != 1 {
		t.Errorf("want 1 stored dead letter, got %v", v)
	}
}

func TestSpool_NoDeadLetter(t *testing.T) {
	s := newSpool(t, Options{}, router.NewStage(mail.StateRoot, ""), router.NewStage(mail.StateError, ""))

	res, err := s.Route(context.Background(), testutils.Mail(t, "m1", "", "bob@example.org"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Count(router.Retained) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if v := promtest.ToFloat64(s.metrics.deadLetter.WithLabelValues("dropped")); v != 1 {
		t.Errorf("want 1 dropped dead letter, got %v", v)
	}

	repo := &testutils.Repository{}
	s.SetDeadLetter(repo)
	if _, err := s.Route(context.Background(), testutils.Mail(t, "m2", "", "bob@example.org")); err != nil {
		t.Fatal(err)
	}
	if n, _ := repo.Count(context.Background()); n != 1 {
		t.Errorf("want 1 dead letter after SetDeadLetter, got %d", n)
	}
}

func TestSpool_Submit(t *testing.T) {
	local := testutils.GhostAction()
	s := newSpool(t, Options{Workers: 2},
		router.NewStage(mail.StateRoot, "", router.Pair{ActionName: "local", Action: local}),
		router.NewStage(mail.StateError, ""),
	)

	var removed int32
	for i := 0; i < 10; i++ {
		m := testutils.Mail(t, "", "", "alice@example.org")
		m.Body = countingBuffer{MemoryBuffer: buffer.MemoryBuffer{Slice: []byte("body")}, removed: &removed}
		if err := s.Submit(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if local.CallCount() != 10 {
		t.Errorf("want 10 routed mails, got %d", local.CallCount())
	}
	if atomic.LoadInt32(&removed) != 10 {
		t.Errorf("want 10 removed bodies, got %d", removed)
	}
	if v := promtest.ToFloat64(s.metrics.queued); v != 0 {
		t.Errorf("queue gauge not zero: %v", v)
	}
}

func TestSpool_Workers(t *testing.T) {
	var (
		running, maxRunning int32
		release             = make(chan struct{})
	)
	slow := module.ActionFunc(func(context.Context, *mail.Mail) (module.Outcome, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxRunning)
			if n <= cur || atomic.CompareAndSwapInt32(&maxRunning, cur, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return module.Ghost, nil
	})
	s := newSpool(t, Options{Workers: 2},
		router.NewStage(mail.StateRoot, "", router.Pair{ActionName: "slow", Action: slow}),
		router.NewStage(mail.StateError, ""),
	)

	for i := 0; i < 6; i++ {
		if err := s.Submit(context.Background(), testutils.Mail(t, "", "", "alice@example.org")); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	s.Close()

	if max := atomic.LoadInt32(&maxRunning); max > 2 || max == 0 {
		t.Fatalf("want at most 2 concurrent routes, got %d", max)
	}
}

func TestSpool_SubmitFromAction(t *testing.T) {
	var (
		s     *Spool
		calls int32
	)
	copyAction := module.ActionFunc(func(ctx context.Context, m *mail.Mail) (module.Outcome, error) {
		atomic.AddInt32(&calls, 1)
		if _, ok := m.Attr("copy"); ok {
			return module.Ghost, nil
		}
		c := mail.New(m.Sender, m.Rcpts, m.Header.Copy(), m.Body)
		c.SetAttr("copy", true)
		return module.Ghost, s.Submit(ctx, c)
	})
	s = newSpool(t, Options{Workers: 1},
		router.NewStage(mail.StateRoot, "", router.Pair{ActionName: "copy", Action: copyAction}),
		router.NewStage(mail.StateError, ""),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.Route(context.Background(), testutils.Mail(t, "", "", "alice@example.org")); err != nil {
			t.Error(err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Route deadlocked")
	}
	s.Close()

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("want 2 action calls, got %d", n)
	}
}

func TestSpool_CloseDrainsQueue(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	slow := module.ActionFunc(func(context.Context, *mail.Mail) (module.Outcome, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return module.Ghost, nil
	})
	repo := &testutils.Repository{}
	s := newSpool(t, Options{Workers: 1, DeadLetter: repo},
		router.NewStage(mail.StateRoot, "", router.Pair{ActionName: "slow", Action: slow}),
		router.NewStage(mail.StateError, ""),
	)

	for i := 0; i < 3; i++ {
		if err := s.Submit(context.Background(), testutils.Mail(t, "", "", "alice@example.org")); err != nil {
			t.Fatal(err)
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		s.Close()
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("want 3 routed mails, got %d", n)
	}
	if n, _ := repo.Count(context.Background()); n != 0 {
		t.Fatalf("want no dead letters, got %d", n)
	}
}

func TestSpool_ShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := module.ActionFunc(func(context.Context, *mail.Mail) (module.Outcome, error) {
		<-release
		return module.Ghost, nil
	})
	repo := &testutils.Repository{}
	s := newSpool(t, Options{Workers: 1, DeadLetter: repo},
		router.NewStage(mail.StateRoot, "", router.Pair{ActionName: "slow", Action: slow}),
		router.NewStage(mail.StateError, ""),
	)

	if err := s.Submit(context.Background(), testutils.Mail(t, "busy", "", "alice@example.org")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.Submit(context.Background(), testutils.Mail(t, "queued", "", "bob@example.org")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}

	stored := repo.Mails()
	if len(stored) != 1 || stored[0].Name != "queued" {
		t.Fatalf("queued mail not kept: %v", stored)
	}
}

// blockingRepo holds Store calls until release is closed.
type blockingRepo struct {
	*testutils.Repository
	entered chan struct{}
	release chan struct{}
}

func (r blockingRepo) Store(ctx context.Context, m *mail.Mail) (string, error) {
	close(r.entered)
	<-r.release
	return r.Repository.Store(ctx, m)
}

func TestSpool_SetDeadLetterWaitsForStore(t *testing.T) {
	old := blockingRepo{
		Repository: &testutils.Repository{},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	s := newSpool(t, Options{DeadLetter: old}, router.NewStage(mail.StateRoot, ""), router.NewStage(mail.StateError, ""))

	go s.Route(context.Background(), testutils.Mail(t, "m1", "", "bob@example.org"))
	<-old.entered

	swapped := make(chan struct{})
	go func() {
		defer close(swapped)
		s.SetDeadLetter(&testutils.Repository{})
	}()
	select {
	case <-swapped:
		t.Fatal("SetDeadLetter returned while a store was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(old.release)
	<-swapped
	if n, _ := old.Count(context.Background()); n != 1 {
		t.Fatalf("want 1 dead letter in the previous repository, got %d", n)
	}
}

func TestSpool_Closed(t *testing.T) {
	s := newSpool(t, Options{}, router.NewStage(mail.StateRoot, ""), router.NewStage(mail.StateError, ""))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal("second Close:", err)
	}

	if _, err := s.Route(context.Background(), testutils.Mail(t, "", "", "a@example.org")); !errors.Is(err, ErrClosed) {
		t.Errorf("Route: want ErrClosed, got %v", err)
	}
	if err := s.Submit(context.Background(), testutils.Mail(t, "", "", "a@example.org")); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit: want ErrClosed, got %v", err)
	}
}

func TestSpool_RouteCancelled(t *testing.T) {
	block := make(chan struct{})
	var once sync.Once
	slow := module.ActionFunc(func(context.Context, *mail.Mail) (module.Outcome, error) {
		<-block
		return module.Ghost, nil
	})
	s := newSpool(t, Options{Workers: 1},
		router.NewStage(mail.StateRoot, "", router.Pair{ActionName: "slow", Action: slow}),
		router.NewStage(mail.StateError, ""),
	)
	defer once.Do(func() { close(block) })

	if err := s.Submit(context.Background(), testutils.Mail(t, "", "", "a@example.org")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	// The only worker is busy.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Route(ctx, testutils.Mail(t, "", "", "a@example.org")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
	once.Do(func() { close(block) })
}

func TestNew_DuplicateMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	table, err := router.NewTable(router.TableConfig{}, router.NewStage(mail.StateRoot, ""), router.NewStage(mail.StateError, ""))
	if err != nil {
		t.Fatal(err)
	}
	r := router.New(table, router.Options{Log: testutils.Logger(t, "router")})
	if _, err := New(r, Options{Registerer: reg, Log: testutils.Logger(t, "spool")}); err != nil {
		t.Fatal(err)
	}
	if _, err := New(r, Options{Registerer: reg, Log: testutils.Logger(t, "spool")}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
