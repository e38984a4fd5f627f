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

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runningTasksGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "datastream",
			Subsystem: "executor",
			Name:      "running_tasks",
			Help:      "The number of tasks running on this instance",
		})
	taskStartErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "executor",
			Name:      "task_start_error_total",
			Help:      "The number of failed task start attempts",
		})
	taskFatalCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "executor",
			Name:      "task_fatal_total",
			Help:      "The number of tasks given up after exhausting start retries",
		})
	taskStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "datastream",
			Subsystem: "executor",
			Name:      "task_stop_duration_seconds",
			Help:      "Bucketed histogram of the time to stop and drain a task",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(runningTasksGauge)
	registry.MustRegister(taskStartErrorCounter)
	registry.MustRegister(taskFatalCounter)
	registry.MustRegister(taskStopDuration)
}
