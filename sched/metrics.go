// Copyright 2025 The Agim Authors
// This file is part of the Agim library.
//
// The Agim library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The Agim library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the Agim library. If not, see <http://www.gnu.org/licenses/>.

package sched

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exposes the scheduler's atomic totals on a Prometheus
// registerer. The atomics remain the source of truth; the collectors read
// them on scrape.
func (s *Scheduler) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "agim", Subsystem: "sched", Name: "spawned_total",
			Help: "Blocks spawned since scheduler start.",
		}, func() float64 { return float64(atomic.LoadUint64(&s.totalSpawned)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "agim", Subsystem: "sched", Name: "terminated_total",
			Help: "Blocks terminated since scheduler start.",
		}, func() float64 { return float64(atomic.LoadUint64(&s.totalTerminated)) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "agim", Subsystem: "sched", Name: "blocks_alive",
			Help: "Blocks currently alive.",
		}, func() float64 { return float64(s.BlockCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "agim", Subsystem: "sched", Name: "context_switches_total",
			Help: "Block slices dispatched.",
		}, func() float64 { return float64(atomic.LoadUint64(&s.contextSwitches)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "agim", Subsystem: "sched", Name: "reductions_total",
			Help: "Reductions burned across all blocks.",
		}, func() float64 { return float64(atomic.LoadUint64(&s.totalReductions)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "agim", Subsystem: "sched", Name: "steals_attempted_total",
			Help: "Work-steal attempts across all workers.",
		}, func() float64 {
			var n uint64
			for _, w := range s.workers {
				a, _ := w.deque.StealStats()
				n += a
			}
			return float64(n)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "agim", Subsystem: "sched", Name: "steals_succeeded_total",
			Help: "Successful work steals across all workers.",
		}, func() float64 {
			var n uint64
			for _, w := range s.workers {
				_, ok := w.deque.StealStats()
				n += ok
			}
			return float64(n)
		}),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
