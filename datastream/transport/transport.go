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

package transport

import (
	"context"
	"strings"

	cerror "github.com/pingcap/datastream/pkg/errors"
)

// Destination schemes.
const (
	SchemeKafka  = "kafka"
	SchemeMemory = "memory"
)

// Callback is called exactly once per accepted send, with nil when the
// record is durably accepted by the destination.
type Callback func(err error)

// Transport is a partitioned append-only destination log.
type Transport interface {
	// Send enqueues a record. An error means the record was not accepted
	// and cb will not be called. Send may block on backpressure.
	Send(ctx context.Context, topic string, partition int32, key, value []byte, cb Callback) error
	// Partitions returns the partition count of topic.
	Partitions(ctx context.Context, topic string) (int32, error)
	Close() error
}

// TopicCreator is implemented by transports that can create topics with a
// given partition count.
type TopicCreator interface {
	CreateTopic(topic string, partitions int32)
}

// Destination is a decoded destination connection string,
// <scheme>://<endpoint>/<topic>.
type Destination struct {
	Scheme   string
	Endpoint string
	Topic    string
}

// ParseDestination decodes a destination connection string.
func ParseDestination(conn string) (*Destination, error) {
	scheme, rest, ok := strings.Cut(conn, "://")
	if !ok || scheme == "" {
		return nil, cerror.ErrInvalidDestination.GenWithStackByArgs(conn)
	}
	endpoint, topic, ok := strings.Cut(rest, "/")
	if !ok || endpoint == "" || topic == "" || strings.Contains(topic, "/") {
		return nil, cerror.ErrInvalidDestination.GenWithStackByArgs(conn)
	}
	return &Destination{Scheme: strings.ToLower(scheme), Endpoint: endpoint, Topic: topic}, nil
}

// String implements fmt.Stringer.
func (d *Destination) String() string {
	return d.Scheme + "://" + d.Endpoint + "/" + d.Topic
}

// Brokers splits a kafka endpoint into its broker addresses.
func (d *Destination) Brokers() []string {
	return strings.Split(d.Endpoint, ",")
}
