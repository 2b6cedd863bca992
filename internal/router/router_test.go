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

package router_test

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/router"
	"github.com/foxcpp/mailflow/internal/testutils"
)

func newRouter(t *testing.T, cfg router.TableConfig, opts router.Options, stages ...*router.Stage) *router.Router {
	t.Helper()
	table, err := router.NewTable(cfg, stages...)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Log.Out == nil {
		opts.Log = testutils.Logger(t, "router")
	}
	return router.New(table, opts)
}

func errorStage(pairs ...router.Pair) *router.Stage {
	return router.NewStage(mail.StateError, "", pairs...)
}

func sorted(s []string) []string {
	s = append([]string(nil), s...)
	sort.Strings(s)
	return s
}

func checkConservation(t *testing.T, in []string, res router.Result) {
	t.Helper()
	out := res.AllRcpts()
	if !reflect.DeepEqual(sorted(in), sorted(out)) {
		t.Fatalf("recipients not conserved: in %v, out %v", in, out)
	}
}

func fragmentFor(t *testing.T, res router.Result, rcpt string) router.Fragment {
	t.Helper()
	for _, f := range res.Fragments {
		if f.Mail.HasRcpt(rcpt) {
			return f
		}
	}
	t.Fatalf("no fragment for %s", rcpt)
	return router.Fragment{}
}

func TestRouter_AliceBob(t *testing.T) {
	local := testutils.GhostAction()
	r := newRouter(t, router.TableConfig{EntryState: "default"}, router.Options{},
		router.NewStage("default", "",
			router.Pair{
				ConditionName: "RecipientIs=alice",
				ActionName:    "ToStage=local",
				Condition:     testutils.RcptCondition{"alice"},
				Action:        testutils.RedirectAction("local"),
			},
		),
		router.NewStage("local", "", router.Pair{ActionName: "Null", Action: local}),
		errorStage(),
	)

	m := testutils.Mail(t, "m1", "sender@example.org", "alice", "bob")
	res := r.Route(context.Background(), m)
	checkConservation(t, m.Rcpts, res)

	if len(res.Fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(res.Fragments))
	}

	if local.CallCount() != 1 {
		t.Fatalf("local stage called %d times", local.CallCount())
	}
	call := local.Calls[0]
	if call.State != "local" || !reflect.DeepEqual(call.Rcpts, []string{"alice"}) {
		t.Fatalf("wrong local call: %+v", call)
	}
	if alice := fragmentFor(t, res, "alice"); alice.Disposition != router.Disposed {
		t.Fatal("alice is not disposed:", alice.Disposition)
	}

	bob := fragmentFor(t, res, "bob")
	if bob.Disposition != router.Retained {
		t.Fatal("bob is not retained:", bob.Disposition)
	}
	if bob.Mail.State != mail.StateError {
		t.Fatal("bob is not in the error state:", bob.Mail.State)
	}
	if router.KindOf(bob.Err) != router.KindFallthrough {
		t.Fatal("wrong error for bob:", bob.Err)
	}
	if bob.Mail.Name != "m1" {
		t.Fatal("remainder fragment was renamed:", bob.Mail.Name)
	}

	// The input is not modified.
	if m.State != "" || len(m.Rcpts) != 2 {
		t.Fatal("input mail modified:", m.State, m.Rcpts)
	}
}

func TestNewTable_Validation(t *testing.T) {
	null := router.Pair{ActionName: "Null", Action: testutils.GhostAction()}
	test := func(name string, cfg router.TableConfig, ok bool, stages ...*router.Stage) {
		t.Run(name, func(t *testing.T) {
			_, err := router.NewTable(cfg, stages...)
			if ok && err != nil {
				t.Fatal("unexpected error:", err)
			}
			if !ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}

	test("default entry", router.TableConfig{EntryState: "default"}, true,
		router.NewStage("default", "", null), errorStage(), router.NewStage("test", "", null))
	test("default without entry override", router.TableConfig{}, false,
		router.NewStage("default", "", null), errorStage(), router.NewStage("test", "", null))
	test("missing error", router.TableConfig{}, false,
		router.NewStage("root", "", null))
	test("missing entry", router.TableConfig{}, false,
		errorStage())
	test("ghost stage", router.TableConfig{}, false,
		router.NewStage("root", "", null), errorStage(), router.NewStage("ghost", "", null))
	test("ghost entry", router.TableConfig{EntryState: "ghost"}, false,
		router.NewStage("root", "", null), errorStage())
	test("duplicate", router.TableConfig{}, false,
		router.NewStage("root", "", null), errorStage(), router.NewStage("root", "", null))
	test("unknown next", router.TableConfig{}, false,
		router.NewStage("root", "", router.Pair{Action: testutils.GhostAction(), Next: "nowhere"}), errorStage())
	test("unknown fallthrough", router.TableConfig{}, false,
		router.NewStage("root", "nowhere", null), errorStage())
	test("unknown on_action_error", router.TableConfig{}, false,
		router.NewStage("root", "", router.Pair{Action: testutils.GhostAction(), OnActionError: "nowhere"}), errorStage())
	test("next ghost", router.TableConfig{}, true,
		router.NewStage("root", "", router.Pair{Action: &testutils.Action{}, Next: "ghost"}), errorStage())
	test("requirement met", router.TableConfig{
		Requirements: []router.Requirement{{Stage: "root", Action: "Null"}},
	}, true, router.NewStage("root", "", null), errorStage())
	test("requirement unmet", router.TableConfig{
		Requirements: []router.Requirement{{Stage: "error", Action: "Null"}},
	}, false, router.NewStage("root", "", null), errorStage())
	test("requirement wrong condition", router.TableConfig{
		Requirements: []router.Requirement{{Stage: "root", Action: "Null", Condition: "All"}},
	}, false, router.NewStage("root", "", null), errorStage())
}

func TestRouter_FullMatchKeepsIdentity(t *testing.T) {
	act := &testutils.Action{}
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "",
			router.Pair{ActionName: "set", Condition: testutils.RcptCondition{"a", "b"}, Action: act},
			router.Pair{ActionName: "Null", Action: testutils.GhostAction()},
		),
		errorStage(),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a", "b"))
	if len(res.Fragments) != 1 {
		t.Fatal("unexpected fragmentation:", len(res.Fragments))
	}
	f := res.Fragments[0]
	if f.Mail.Name != "m1" || f.Disposition != router.Disposed {
		t.Fatalf("wrong fragment: %s %v", f.Mail.Name, f.Disposition)
	}
	if act.Calls[0].Name != "m1" {
		t.Fatal("action called with a renamed mail:", act.Calls[0].Name)
	}
}

func TestRouter_PartialMatchForks(t *testing.T) {
	rec := &testutils.Recorder{}
	first := &testutils.Action{}
	last := testutils.GhostAction()
	r := newRouter(t, router.TableConfig{}, router.Options{Listeners: []router.Listener{rec}},
		router.NewStage("root", "",
			router.Pair{ActionName: "first", Condition: testutils.RcptCondition{"b", "c"}, Action: first},
			router.Pair{ActionName: "last", Action: last},
		),
		errorStage(),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a", "b", "c"))
	checkConservation(t, []string{"a", "b", "c"}, res)
	if !res.Done() {
		t.Fatal("not all fragments disposed")
	}

	if len(first.Calls) != 1 || !reflect.DeepEqual(first.Calls[0].Rcpts, []string{"b", "c"}) {
		t.Fatalf("wrong calls of first: %+v", first.Calls)
	}
	if first.Calls[0].Name != "m1-1" {
		t.Fatal("forked fragment has wrong name:", first.Calls[0].Name)
	}

	// The remainder is handled before the forked fragment resumes.
	if len(last.Calls) != 2 {
		t.Fatalf("wrong calls of last: %+v", last.Calls)
	}
	if !reflect.DeepEqual(last.Calls[0].Rcpts, []string{"a"}) || last.Calls[0].Name != "m1" {
		t.Fatalf("wrong first call of last: %+v", last.Calls[0])
	}
	if !reflect.DeepEqual(last.Calls[1].Rcpts, []string{"b", "c"}) || last.Calls[1].Name != "m1-1" {
		t.Fatalf("wrong second call of last: %+v", last.Calls[1])
	}

	// Forked fragments have disjoint recipients.
	seen := map[string]bool{}
	for _, f := range res.Fragments {
		for _, rcpt := range f.Mail.Rcpts {
			if seen[rcpt] {
				t.Fatal("recipient in multiple fragments:", rcpt)
			}
			seen[rcpt] = true
		}
	}

	// Rules without a condition are not reported.
	if n := len(rec.ConditionEvents()); n != 1 {
		t.Fatal("expected 1 condition event, got", n)
	}
}

func TestRouter_Deterministic(t *testing.T) {
	build := func() (*router.Router, *testutils.Action) {
		log := &testutils.Action{Outcome: module.Ghost}
		r := newRouter(t, router.TableConfig{}, router.Options{},
			router.NewStage("root", "",
				router.Pair{Condition: testutils.RcptCondition{"c"}, Action: testutils.RedirectAction("x")},
				router.Pair{Condition: testutils.RcptCondition{"a"}, Action: testutils.RedirectAction("y")},
				router.Pair{Action: testutils.RedirectAction("x")},
			),
			router.NewStage("x", "", router.Pair{Action: log}),
			router.NewStage("y", "", router.Pair{Action: log}),
			errorStage(),
		)
		return r, log
	}

	var prev []testutils.ActionCall
	for i := 0; i < 5; i++ {
		r, log := build()
		r.Route(context.Background(), testutils.Mail(t, "m1", "", "a", "b", "c", "d"))
		if prev != nil && !reflect.DeepEqual(prev, log.Calls) {
			t.Fatalf("different action order:\n%+v\n%+v", prev, log.Calls)
		}
		prev = log.Calls
	}
	if len(prev) != 3 {
		t.Fatal("unexpected number of calls:", len(prev))
	}
}

func TestRouter_ErrorIsolation(t *testing.T) {
	failing := &testutils.Action{Err: errors.New("delivery failed")}
	ok := testutils.GhostAction()
	errAct := &testutils.Action{}
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "",
			router.Pair{ActionName: "fail", Condition: testutils.RcptCondition{"a"}, Action: failing},
			router.Pair{ActionName: "ok", Action: ok},
		),
		errorStage(router.Pair{ActionName: "record", Action: errAct}),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a", "b"))
	checkConservation(t, []string{"a", "b"}, res)

	b := fragmentFor(t, res, "b")
	if b.Disposition != router.Disposed || b.Err != nil {
		t.Fatal("sibling fragment affected:", b.Disposition, b.Err)
	}

	a := fragmentFor(t, res, "a")
	if a.Disposition != router.Retained || a.Mail.State != mail.StateError {
		t.Fatal("failed fragment was not moved to the error state:", a.Disposition, a.Mail.State)
	}
	var actErr *router.ActionError
	if !errors.As(a.Err, &actErr) || actErr.Action != "fail" {
		t.Fatal("wrong error:", a.Err)
	}
	if len(errAct.Calls) != 1 || !reflect.DeepEqual(errAct.Calls[0].Rcpts, []string{"a"}) {
		t.Fatalf("error stage not called correctly: %+v", errAct.Calls)
	}
}

func TestRouter_ActionErrorPolicies(t *testing.T) {
	test := func(policy string, disp router.Disposition, state string, afterCalls int) {
		t.Run(policy, func(t *testing.T) {
			after := &testutils.Action{}
			r := newRouter(t, router.TableConfig{}, router.Options{},
				router.NewStage("root", "retain",
					router.Pair{Action: &testutils.Action{Err: errors.New("fail")}, OnActionError: policy},
					router.Pair{Action: after},
				),
				router.NewStage("other", "retain"),
				errorStage(),
			)

			res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
			if len(res.Fragments) != 1 {
				t.Fatal("wrong fragment count:", len(res.Fragments))
			}
			f := res.Fragments[0]
			if f.Disposition != disp || f.Mail.State != state {
				t.Fatalf("wrong result: %v %s", f.Disposition, f.Mail.State)
			}
			if len(after.Calls) != afterCalls {
				t.Fatal("wrong call count of the next action:", len(after.Calls))
			}
		})
	}

	test("", router.Retained, "error", 0)
	test("error", router.Retained, "error", 0)
	test("ignore", router.Retained, "root", 1)
	test("ghost", router.Disposed, "ghost", 0)
	test("other", router.Retained, "other", 0)
}

func TestRouter_ConditionErrorPolicies(t *testing.T) {
	test := func(policy string, panics bool, disp router.Disposition, state string, actCalls int) {
		t.Run(policy, func(t *testing.T) {
			act := testutils.GhostAction()
			rec := &testutils.Recorder{}
			r := newRouter(t, router.TableConfig{}, router.Options{Listeners: []router.Listener{rec}},
				router.NewStage("root", "retain",
					router.Pair{
						Condition:    testutils.FailingCondition{Panic: panics},
						Action:       act,
						OnMatchError: policy,
					},
				),
				router.NewStage("other", "retain"),
				errorStage(),
			)

			res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a", "b"))
			checkConservation(t, []string{"a", "b"}, res)
			f := res.Fragments[0]
			if f.Disposition != disp || f.Mail.State != state {
				t.Fatalf("wrong result: %v %s", f.Disposition, f.Mail.State)
			}
			if len(act.Calls) != actCalls {
				t.Fatal("wrong action call count:", len(act.Calls))
			}
			evs := rec.ConditionEvents()
			if router.KindOf(evs[0].Err) != router.KindCondition {
				t.Fatal("listener got wrong error:", evs[0].Err)
			}
		})
	}

	test("", false, router.Retained, "root", 0)
	test("nomatch", true, router.Retained, "root", 0)
	test("matchall", false, router.Disposed, "ghost", 1)
	test("error", true, router.Retained, "error", 0)
	test("other", false, router.Retained, "other", 0)
}

func TestRouter_ActionPanic(t *testing.T) {
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "", router.Pair{ActionName: "boom", Action: &testutils.Action{Panic: true}}),
		errorStage(),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	f := res.Fragments[0]
	if f.Disposition != router.Retained || router.KindOf(f.Err) != router.KindAction {
		t.Fatal("panic not converted to action error:", f.Disposition, f.Err)
	}
}

func TestRouter_HopCap(t *testing.T) {
	errAct := &testutils.Action{}
	r := newRouter(t, router.TableConfig{}, router.Options{MaxHops: 4},
		router.NewStage("root", "", router.Pair{Action: testutils.RedirectAction("other")}),
		router.NewStage("other", "", router.Pair{Action: testutils.RedirectAction("root")}),
		errorStage(router.Pair{ActionName: "record", Action: errAct}),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	f := res.Fragments[0]
	if f.Disposition != router.Retained || f.Mail.State != mail.StateError {
		t.Fatal("looping fragment not retained in the error state:", f.Disposition, f.Mail.State)
	}
	var loopErr *router.LoopError
	if !errors.As(f.Err, &loopErr) || loopErr.Hops != 4 {
		t.Fatal("wrong error:", f.Err)
	}
	if len(errAct.Calls) != 1 {
		t.Fatal("error stage was not given a chance to run")
	}
}

func TestRouter_HopCapErrorStageLoops(t *testing.T) {
	r := newRouter(t, router.TableConfig{}, router.Options{MaxHops: 3},
		router.NewStage("root", "", router.Pair{Action: testutils.RedirectAction(mail.StateError)}),
		errorStage(router.Pair{Action: testutils.RedirectAction("root")}),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	f := res.Fragments[0]
	if f.Disposition != router.Retained || router.KindOf(f.Err) != router.KindRoutingLoop {
		t.Fatal("wrong result:", f.Disposition, f.Err)
	}
}

func TestRouter_UnresolvedState(t *testing.T) {
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "", router.Pair{Action: testutils.RedirectAction("nowhere")}),
		errorStage(),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	f := res.Fragments[0]
	if f.Disposition != router.Retained || f.Mail.State != mail.StateError {
		t.Fatal("wrong result:", f.Disposition, f.Mail.State)
	}
	if router.KindOf(f.Err) != router.KindUnresolvedState {
		t.Fatal("wrong error:", f.Err)
	}
}

func TestRouter_UnresolvedInErrorStage(t *testing.T) {
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "", router.Pair{Action: testutils.RedirectAction("nowhere")}),
		errorStage(router.Pair{Action: testutils.RedirectAction("nowhere")}),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	f := res.Fragments[0]
	if f.Disposition != router.Failed || router.KindOf(f.Err) != router.KindUnresolvedState {
		t.Fatal("wrong result:", f.Disposition, f.Err)
	}
}

func TestRouter_LeaveErrorStageAfterUnresolved(t *testing.T) {
	errAct := module.ActionFunc(func(_ context.Context, m *mail.Mail) (module.Outcome, error) {
		if _, ok := m.Attr("quarantined"); ok {
			return module.Ghost, nil
		}
		return module.Redirect("quarantine"), nil
	})
	quarantine := module.ActionFunc(func(_ context.Context, m *mail.Mail) (module.Outcome, error) {
		m.SetAttr("quarantined", true)
		return module.Redirect("archive"), nil
	})
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "", router.Pair{Action: testutils.RedirectAction("nowhere")}),
		router.NewStage("quarantine", "", router.Pair{Action: quarantine}),
		errorStage(router.Pair{Action: errAct}),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	f := res.Fragments[0]
	if f.Disposition != router.Disposed {
		t.Fatal("second missing stage was not rerouted to the error stage:", f.Disposition, f.Err)
	}
	if router.KindOf(f.Err) != router.KindUnresolvedState {
		t.Fatal("wrong error:", f.Err)
	}
}

func TestRouter_LeaveErrorStageAfterLoop(t *testing.T) {
	final := testutils.GhostAction()
	r := newRouter(t, router.TableConfig{}, router.Options{MaxHops: 3},
		router.NewStage("root", "", router.Pair{Action: testutils.RedirectAction("other")}),
		router.NewStage("other", "", router.Pair{Action: testutils.RedirectAction("root")}),
		router.NewStage("quarantine", "", router.Pair{Action: final}),
		errorStage(router.Pair{Action: testutils.RedirectAction("quarantine")}),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	f := res.Fragments[0]
	if f.Disposition != router.Disposed || len(final.Calls) != 1 {
		t.Fatal("fragment could not leave the error stage:", f.Disposition, f.Err)
	}
	if router.KindOf(f.Err) != router.KindRoutingLoop {
		t.Fatal("wrong error:", f.Err)
	}
}

func TestRouter_DroppedRecipients(t *testing.T) {
	after := testutils.GhostAction()
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "",
			router.Pair{Action: &testutils.Action{Mutate: func(m *mail.Mail) {
				m.Rcpts = mail.Subtract(m.Rcpts, []string{"b"})
			}}},
			router.Pair{Action: after},
		),
		errorStage(),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a", "b"))
	checkConservation(t, []string{"a", "b"}, res)
	if !res.Done() {
		t.Fatal("not all fragments are disposed")
	}
	if len(after.Calls) != 1 || !reflect.DeepEqual(after.Calls[0].Rcpts, []string{"a"}) {
		t.Fatalf("wrong calls: %+v", after.Calls)
	}
}

func TestRouter_AddedRecipients(t *testing.T) {
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "",
			router.Pair{Action: &testutils.Action{Mutate: func(m *mail.Mail) {
				m.Rcpts = append(m.Rcpts, "evil")
			}}},
		),
		errorStage(),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	checkConservation(t, []string{"a"}, res)
	if router.KindOf(res.Fragments[0].Err) != router.KindAction {
		t.Fatal("adding recipients is not an error:", res.Fragments[0].Err)
	}
}

func TestRouter_DuplicatedRecipients(t *testing.T) {
	after := testutils.GhostAction()
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "",
			router.Pair{Action: &testutils.Action{Mutate: func(m *mail.Mail) {
				m.Rcpts = append(m.Rcpts, "A")
			}}},
			router.Pair{Action: after},
		),
		errorStage(),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a", "b"))
	checkConservation(t, []string{"a", "b"}, res)
	if len(res.Fragments) != 1 || router.KindOf(res.Fragments[0].Err) != router.KindAction {
		t.Fatalf("duplicating recipients is not an error: %+v", res.Fragments)
	}
	if len(after.Calls) != 0 {
		t.Fatal("mail with duplicated recipients reached the next rule")
	}
}

func TestRouter_Next(t *testing.T) {
	setAttr := &testutils.Action{Mutate: func(m *mail.Mail) { m.SetAttr("seen", true) }}
	final := testutils.GhostAction()
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "",
			router.Pair{Action: setAttr, Next: "local"},
			router.Pair{Action: testutils.GhostAction()},
		),
		router.NewStage("local", "", router.Pair{Action: final}),
		errorStage(),
	)

	r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	if len(final.Calls) != 1 || final.Calls[0].Attrs["seen"] != true {
		t.Fatalf("next state not used: %+v", final.Calls)
	}
}

func TestRouter_StateChangedDirectly(t *testing.T) {
	final := testutils.GhostAction()
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "",
			router.Pair{Action: &testutils.Action{Mutate: func(m *mail.Mail) { m.State = "local" }}},
		),
		router.NewStage("local", "", router.Pair{Action: final}),
		errorStage(),
	)

	r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	if len(final.Calls) != 1 {
		t.Fatal("state change was not handled as a redirect")
	}
}

func TestRouter_GhostFallthrough(t *testing.T) {
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "ghost"),
		errorStage(),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	if !res.Done() || res.Fragments[0].Mail.State != mail.StateGhost {
		t.Fatal("mail not dropped")
	}
}

func TestRouter_Cancelled(t *testing.T) {
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "", router.Pair{Action: testutils.GhostAction()}),
		errorStage(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Route(ctx, testutils.Mail(t, "m1", "", "a"))
	if res.Count(router.Aborted) != 1 || !errors.Is(res.Fragments[0].Err, context.Canceled) {
		t.Fatal("routing was not aborted")
	}
}

func TestRouter_ExplicitState(t *testing.T) {
	final := testutils.GhostAction()
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", ""),
		router.NewStage("resume", "", router.Pair{Action: final}),
		errorStage(),
	)

	m := testutils.Mail(t, "m1", "", "a")
	m.State = "resume"
	if res := r.Route(context.Background(), m); !res.Done() {
		t.Fatal("mail not routed from its state")
	}
	if len(final.Calls) != 1 {
		t.Fatal("resume stage not used")
	}
}

func TestRouter_Swap(t *testing.T) {
	first := testutils.GhostAction()
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "", router.Pair{Action: first}),
		errorStage(),
	)

	second := testutils.GhostAction()
	t2, err := router.NewTable(router.TableConfig{},
		router.NewStage("root", "", router.Pair{Action: second}),
		errorStage(),
	)
	if err != nil {
		t.Fatal(err)
	}
	old := r.Swap(t2)
	if old == nil || r.Table() != t2 {
		t.Fatal("table not swapped")
	}

	r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	if len(first.Calls) != 0 || len(second.Calls) != 1 {
		t.Fatal("new table not used")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func TestTable_CloseWaitsForRoute(t *testing.T) {
	var (
		entered = make(chan struct{})
		release = make(chan struct{})
		closed  = make(chan struct{})
	)
	slow := module.ActionFunc(func(context.Context, *mail.Mail) (module.Outcome, error) {
		close(entered)
		<-release
		return module.Ghost, nil
	})
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "", router.Pair{Action: slow}),
		errorStage(),
	)
	r.Table().AddCloser(closerFunc(func() error {
		close(closed)
		return nil
	}))

	routed := make(chan router.Result, 1)
	go func() {
		routed <- r.Route(context.Background(), testutils.Mail(t, "m1", "", "a"))
	}()
	<-entered

	t2, err := router.NewTable(router.TableConfig{},
		router.NewStage("root", "", router.Pair{Action: testutils.GhostAction()}),
		errorStage(),
	)
	if err != nil {
		t.Fatal(err)
	}
	old := r.Swap(t2)
	closeErr := make(chan error, 1)
	go func() {
		closeErr <- old.Close()
	}()

	select {
	case <-closed:
		t.Fatal("table closed while a Route call still uses it")
	case <-time.After(50 * time.Millisecond):
	}

	if res := r.Route(context.Background(), testutils.Mail(t, "m2", "", "a")); !res.Done() {
		t.Fatal("Route blocked on the retired table")
	}

	close(release)
	if err := <-closeErr; err != nil {
		t.Fatal(err)
	}
	if res := <-routed; !res.Done() {
		t.Fatal("in-flight route was not finished:", res)
	}
	<-closed

	if err := old.Close(); err != nil {
		t.Fatal("second Close:", err)
	}
}

func TestTable_ClosedWhilePublished(t *testing.T) {
	r := newRouter(t, router.TableConfig{}, router.Options{},
		router.NewStage("root", "", router.Pair{Action: testutils.GhostAction()}),
		errorStage(),
	)
	if err := r.Table().Close(); err != nil {
		t.Fatal(err)
	}
	if res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a")); !res.Done() {
		t.Fatal("closed table not used")
	}
}
