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

package memory

import (
	"context"
	"sync"

	"github.com/pingcap/datastream/datastream/transport"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
)

// DefaultPartitions is the partition count of topics created on first use.
const DefaultPartitions = 1

// Message is a record appended to a memory topic.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

type pendingSend struct {
	msg Message
	cb  transport.Callback
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.TopicCreator = (*Transport)(nil)
)

// Transport is a process local destination log. By default every send is
// appended and acknowledged before Send returns. With manual acks, sends
// wait in a queue until Complete decides their outcome, in any order.
type Transport struct {
	mu        sync.Mutex
	topics    map[string][][]Message
	sendErr   error
	manualAck bool
	pending   []*pendingSend
	closed    bool
}

// New creates an empty memory transport.
func New() *Transport {
	return &Transport{topics: make(map[string][][]Message)}
}

// CreateTopic creates topic with n partitions if it does not exist.
func (t *Transport) CreateTopic(topic string, n int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[topic]; !ok {
		t.topics[topic] = make([][]Message, n)
	}
}

// SetSendError makes every following Send fail with err until it is reset
// with nil.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// SetManualAck switches between immediate and manual acknowledgement.
func (t *Transport) SetManualAck(manual bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manualAck = manual
}

// Pending returns the number of sends waiting for Complete.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Complete decides the outcome of the i-th pending send: a nil err
// appends the record, otherwise the callback gets err.
func (t *Transport) Complete(i int, err error) {
	t.mu.Lock()
	p := t.pending[i]
	t.pending = append(t.pending[:i], t.pending[i+1:]...)
	if err == nil {
		t.appendLocked(&p.msg)
	}
	t.mu.Unlock()
	p.cb(err)
}

// CompleteAll acknowledges every pending send in order.
func (t *Transport) CompleteAll() {
	for t.Pending() > 0 {
		t.Complete(0, nil)
	}
}

func (t *Transport) appendLocked(msg *Message) {
	partitions := t.topics[msg.Topic]
	msg.Offset = int64(len(partitions[msg.Partition]))
	partitions[msg.Partition] = append(partitions[msg.Partition], *msg)
}

// Send implements transport.Transport.
func (t *Transport) Send(
	ctx context.Context, topic string, partition int32, key, value []byte, cb transport.Callback,
) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return cerror.ErrTransportClosed.GenWithStackByArgs()
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return cerror.ErrTransport.Wrap(err).GenWithStackByArgs("memory://" + topic)
	}
	if _, ok := t.topics[topic]; !ok {
		t.topics[topic] = make([][]Message, DefaultPartitions)
	}
	if partition < 0 || int(partition) >= len(t.topics[topic]) {
		t.mu.Unlock()
		return cerror.ErrTransport.GenWithStack("partition %d of topic %s does not exist", partition, topic)
	}
	msg := Message{
		Topic:     topic,
		Partition: partition,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
	}
	if t.manualAck {
		t.pending = append(t.pending, &pendingSend{msg: msg, cb: cb})
		t.mu.Unlock()
		return nil
	}
	t.appendLocked(&msg)
	t.mu.Unlock()
	cb(nil)
	return nil
}

// Partitions implements transport.Transport.
func (t *Transport) Partitions(_ context.Context, topic string) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	partitions, ok := t.topics[topic]
	if !ok {
		return DefaultPartitions, nil
	}
	return int32(len(partitions)), nil
}

// Messages returns the records of one partition in offset order.
func (t *Transport) Messages(topic string, partition int32) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	partitions := t.topics[topic]
	if int(partition) >= len(partitions) {
		return nil
	}
	return append([]Message(nil), partitions[partition]...)
}

// Count returns the number of records appended to topic.
func (t *Transport) Count(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, msgs := range t.topics[topic] {
		count += len(msgs)
	}
	return count
}

// Close fails the pending sends. Appended records stay readable.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, p := range pending {
		p.cb(cerror.ErrTransportClosed.GenWithStackByArgs())
	}
	return nil
}
