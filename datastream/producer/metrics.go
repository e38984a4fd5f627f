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

package producer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sendCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "producer",
			Name:      "send_total",
			Help:      "The number of records accepted by the transport",
		})
	sendErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "producer",
			Name:      "send_error_total",
			Help:      "The number of records the transport failed to accept after retries",
		})
	checkpointCommitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "datastream",
			Subsystem: "producer",
			Name:      "checkpoint_commit_total",
			Help:      "The number of persisted safe checkpoint updates",
		})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(sendCounter)
	registry.MustRegister(sendErrorCounter)
	registry.MustRegister(checkpointCommitCounter)
}
