// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcileCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "coordinator",
			Name:      "reconcile_total",
			Help:      "The number of assignment reconciliations by outcome",
		}, []string{"result"})
	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "datastream",
			Subsystem: "coordinator",
			Name:      "reconcile_duration_seconds",
			Help:      "Bucketed histogram of the time of one reconciliation",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		})
	generationGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "datastream",
			Subsystem: "coordinator",
			Name:      "generation",
			Help:      "The last assignment generation written or observed",
		})
	leaderGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "datastream",
			Subsystem: "coordinator",
			Name:      "is_leader",
			Help:      "Whether this instance holds the coordinator leadership",
		})
	unassignedTasksGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "datastream",
			Subsystem: "coordinator",
			Name:      "unassigned_tasks",
			Help:      "The number of tasks no live instance can run",
		})
	rejoinCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "coordinator",
			Name:      "rejoin_total",
			Help:      "The number of times this instance rejoined after losing its session",
		})
)

const (
	resultWritten  = "written"
	resultNoop     = "noop"
	resultConflict = "conflict"
	resultStale    = "stale"
	resultError    = "error"
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(reconcileCounter)
	registry.MustRegister(reconcileDuration)
	registry.MustRegister(generationGauge)
	registry.MustRegister(leaderGauge)
	registry.MustRegister(unassignedTasksGauge)
	registry.MustRegister(rejoinCounter)
}
