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
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/mailflow/internal/router"
	"github.com/foxcpp/mailflow/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

type panickingListener struct{}

func (panickingListener) AfterCondition(router.ConditionEvent) { panic("listener") }
func (panickingListener) AfterAction(router.ActionEvent)       { panic("listener") }

type blockingListener struct {
	unblock chan struct{}
	rec     *testutils.Recorder
}

func (b blockingListener) AfterCondition(ev router.ConditionEvent) {
	<-b.unblock
	b.rec.AfterCondition(ev)
}

func (b blockingListener) AfterAction(ev router.ActionEvent) {
	<-b.unblock
	b.rec.AfterAction(ev)
}

func TestListenerList_PanicIsolated(t *testing.T) {
	rec := &testutils.Recorder{}
	act := testutils.GhostAction()
	r := newRouter(t, router.TableConfig{}, router.Options{
		Listeners: []router.Listener{panickingListener{}, rec},
	},
		router.NewStage("root", "", router.Pair{
			ConditionName: "RecipientIs=a",
			Condition:     testutils.RcptCondition{"a"},
			ActionName:    "Null",
			Action:        act,
		}),
		router.NewStage("error", "ghost"),
	)

	res := r.Route(context.Background(), testutils.Mail(t, "m1", "", "a", "b"))
	if !res.Done() {
		t.Fatal("routing affected by listener panic")
	}
	if len(rec.ConditionEvents()) != 1 || len(rec.ActionEvents()) != 1 || len(rec.Results) != 1 {
		t.Fatal("events not delivered to the second listener")
	}

	ev := rec.ActionEvents()[0]
	if ev.Action != "Null" || ev.State != "ghost" || ev.Stage != "root" {
		t.Fatalf("wrong action event: %+v", ev)
	}
}

func TestAsyncListener(t *testing.T) {
	rec := &testutils.Recorder{}
	bl := blockingListener{unblock: make(chan struct{}), rec: rec}
	al := router.NewAsyncListener(bl, 2)

	// The first event is taken by the delivery goroutine and blocks it, so
	// at most 3 events can be accepted.
	for i := 0; i < 10; i++ {
		al.AfterAction(router.ActionEvent{Index: i})
	}
	close(bl.unblock)
	if err := al.Close(); err != nil {
		t.Fatal(err)
	}

	delivered := uint64(len(rec.ActionEvents()))
	if delivered+al.Dropped() != 10 {
		t.Fatal("events lost without being counted:", delivered, al.Dropped())
	}
	if al.Dropped() < 7 {
		t.Fatal("queue limit not enforced, dropped:", al.Dropped())
	}

	// Closed listener drops everything.
	al.AfterAction(router.ActionEvent{})
	if delivered+al.Dropped() != 11 {
		t.Fatal("event after Close not counted as dropped")
	}
}

func TestAsyncListener_Order(t *testing.T) {
	rec := &testutils.Recorder{}
	al := router.NewAsyncListener(rec, 100)
	for i := 0; i < 50; i++ {
		al.AfterCondition(router.ConditionEvent{Index: i})
	}
	al.AfterRoute(router.Result{Name: "m1"}, time.Second)
	al.Close()

	evs := rec.ConditionEvents()
	if len(evs) != 50 {
		t.Fatal("wrong event count:", len(evs))
	}
	for i, ev := range evs {
		if ev.Index != i {
			t.Fatal("events reordered at", i)
		}
	}
	if len(rec.Results) != 1 || rec.Results[0].Name != "m1" {
		t.Fatal("route event not delivered")
	}
}

func TestMetricsListener(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	ml, err := router.NewMetricsListener(reg)
	if err != nil {
		t.Fatal(err)
	}

	r := newRouter(t, router.TableConfig{}, router.Options{Listeners: []router.Listener{ml}},
		router.NewStage("root", "",
			router.Pair{
				ConditionName: "RecipientIs=a",
				Condition:     testutils.RcptCondition{"a"},
				ActionName:    "Null",
				Action:        testutils.GhostAction(),
			},
			router.Pair{
				ConditionName: "fail",
				Condition:     testutils.FailingCondition{},
				ActionName:    "Null",
				Action:        testutils.GhostAction(),
			},
		),
		errorStage(),
	)
	r.Route(context.Background(), testutils.Mail(t, "m1", "", "a", "b"))

	expected := `
# HELP mailflow_router_fragments_total Number of routed fragments by final disposition
# TYPE mailflow_router_fragments_total counter
mailflow_router_fragments_total{disposition="disposed",state="ghost"} 1
mailflow_router_fragments_total{disposition="retained",state="error"} 1
`
	if err := promtest.GatherAndCompare(reg, strings.NewReader(expected), "mailflow_router_fragments_total"); err != nil {
		t.Fatal(err)
	}

	if v := promtest.ToFloat64(ml.ConditionCalls().WithLabelValues("root", "RecipientIs=a", "match")); v != 1 {
		t.Fatal("wrong match count:", v)
	}
	if v := promtest.ToFloat64(ml.ConditionCalls().WithLabelValues("root", "fail", "error")); v != 1 {
		t.Fatal("wrong error count:", v)
	}

	if _, err := router.NewMetricsListener(reg); err == nil {
		t.Fatal("registering twice should fail")
	}
}
