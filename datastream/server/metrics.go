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

package server

import (
	"github.com/pingcap/datastream/datastream/coordinator"
	"github.com/pingcap/datastream/datastream/executor"
	"github.com/pingcap/datastream/datastream/membership"
	"github.com/pingcap/datastream/datastream/producer"
	"github.com/pingcap/datastream/datastream/transport/kafka"
	"github.com/pingcap/datastream/pkg/etcd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registry = prometheus.NewRegistry()

var httpRequestCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "datastream",
		Subsystem: "server",
		Name:      "http_request_total",
		Help:      "The number of status api requests",
	}, []string{"path", "code"})

func init() {
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	registry.MustRegister(httpRequestCounter)
	membership.InitMetrics(registry)
	coordinator.InitMetrics(registry)
	executor.InitMetrics(registry)
	producer.InitMetrics(registry)
	kafka.InitMetrics(registry)
	etcd.InitMetrics(registry)
}
