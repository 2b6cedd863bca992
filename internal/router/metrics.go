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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsListener exports router events as prometheus metrics.
type MetricsListener struct {
	conditionCalls    *prometheus.CounterVec
	conditionDuration *prometheus.HistogramVec
	actionCalls       *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	fragments         *prometheus.CounterVec
	routeDuration     prometheus.Histogram
	hops              prometheus.Histogram
}

// NewMetricsListener creates the collectors and registers them in reg.
func NewMetricsListener(reg prometheus.Registerer) (*MetricsListener, error) {
	ml := &MetricsListener{
		conditionCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailflow",
				Subsystem: "router",
				Name:      "condition_calls_total",
				Help:      "Number of condition evaluations by result (match, nomatch, error)",
			},
			[]string{"stage", "condition", "result"},
		),
		conditionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mailflow",
				Subsystem: "router",
				Name:      "condition_duration_seconds",
				Help:      "Time spent evaluating conditions",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"stage"},
		),
		actionCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailflow",
				Subsystem: "router",
				Name:      "action_calls_total",
				Help:      "Number of action invocations by result (ok, error)",
			},
			[]string{"stage", "action", "result"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mailflow",
				Subsystem: "router",
				Name:      "action_duration_seconds",
				Help:      "Time spent in actions",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"stage"},
		),
		fragments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailflow",
				Subsystem: "router",
				Name:      "fragments_total",
				Help:      "Number of routed fragments by final disposition",
			},
			[]string{"disposition", "state"},
		),
		routeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mailflow",
				Subsystem: "router",
				Name:      "route_duration_seconds",
				Help:      "Time spent routing one mail",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		hops: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mailflow",
				Subsystem: "router",
				Name:      "fragment_hops",
				Help:      "Number of stages a fragment passed through",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
	}

	for _, c := range []prometheus.Collector{
		ml.conditionCalls, ml.conditionDuration,
		ml.actionCalls, ml.actionDuration,
		ml.fragments, ml.routeDuration, ml.hops,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return ml, nil
}

// ConditionCalls returns the condition_calls_total collector.
func (ml *MetricsListener) ConditionCalls() *prometheus.CounterVec {
	return ml.conditionCalls
}

func (ml *MetricsListener) AfterCondition(ev ConditionEvent) {
	result := "nomatch"
	switch {
	case ev.Err != nil:
		result = "error"
	case len(ev.Matched) != 0:
		result = "match"
	}
	ml.conditionCalls.WithLabelValues(ev.Stage, ev.Condition, result).Inc()
	ml.conditionDuration.WithLabelValues(ev.Stage).Observe(ev.Duration.Seconds())
}

func (ml *MetricsListener) AfterAction(ev ActionEvent) {
	result := "ok"
	if ev.Err != nil {
		result = "error"
	}
	ml.actionCalls.WithLabelValues(ev.Stage, ev.Action, result).Inc()
	ml.actionDuration.WithLabelValues(ev.Stage).Observe(ev.Duration.Seconds())
}

func (ml *MetricsListener) AfterRoute(res Result, took time.Duration) {
	for _, f := range res.Fragments {
		ml.fragments.WithLabelValues(f.Disposition.String(), f.Mail.State).Inc()
		ml.hops.Observe(float64(f.Hops))
	}
	ml.routeDuration.Observe(took.Seconds())
}
