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

package membership

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	liveInstancesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "datastream",
			Subsystem: "membership",
			Name:      "live_instances",
			Help:      "The number of live instances observed by this instance",
		})
	membershipResyncCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "membership",
			Name:      "resync_total",
			Help:      "The number of full re-lists after a broken membership watch",
		})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(liveInstancesGauge)
	registry.MustRegister(membershipResyncCounter)
}
