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
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	fragments     *prometheus.CounterVec
	deadLetter    *prometheus.CounterVec
	queued        prometheus.Gauge
	routeDuration prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		fragments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailflow",
				Subsystem: "spool",
				Name:      "fragments_total",
				Help:      "Number of fragments routed by the spool by disposition",
			},
			[]string{"disposition"},
		),
		deadLetter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailflow",
				Subsystem: "spool",
				Name:      "dead_letter_total",
				Help:      "Number of fragments handed to the dead-letter repository by result (stored, error, dropped)",
			},
			[]string{"result"},
		),
		queued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mailflow",
				Subsystem: "spool",
				Name:      "background_mails",
				Help:      "Number of submitted mails not yet routed",
			},
		),
		routeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mailflow",
				Subsystem: "spool",
				Name:      "route_duration_seconds",
				Help:      "Time spent routing one mail including waiting for listeners",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.fragments, m.deadLetter, m.queued, m.routeDuration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
