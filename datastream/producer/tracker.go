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
	"sync"

	"github.com/pingcap/datastream/datastream/model"
	"go.uber.org/atomic"
)

// inflight is one record sent but not yet confirmed.
type inflight struct {
	partition int32
	token     string
	confirmed bool
}

// tracker computes safe checkpoints. Every source partition keeps its in
// flight records in send order, a confirmation only advances the safe
// token once every earlier record of the partition is confirmed too.
//
// The safe view is an immutable snapshot swapped atomically, so readers
// never take the lock and never see a partially updated partition.
type tracker struct {
	mu     sync.Mutex
	queues map[int32][]*inflight

	safe atomic.Pointer[model.Checkpoints]
}

func newTracker(initial model.Checkpoints) *tracker {
	t := &tracker{queues: make(map[int32][]*inflight)}
	snapshot := initial.Clone()
	t.safe.Store(&snapshot)
	return t
}

// add registers a record in send order.
func (t *tracker) add(partition int32, token string) *inflight {
	entry := &inflight{partition: partition, token: token}
	t.mu.Lock()
	t.queues[partition] = append(t.queues[partition], entry)
	t.mu.Unlock()
	return entry
}

// confirm marks entry durable and advances the safe token of its
// partition over the confirmed prefix.
func (t *tracker) confirm(entry *inflight) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.confirmed = true
	queue := t.queues[entry.partition]
	n := 0
	for n < len(queue) && queue[n].confirmed {
		n++
	}
	if n == 0 {
		return
	}
	token := queue[n-1].token
	if n == len(queue) {
		delete(t.queues, entry.partition)
	} else {
		t.queues[entry.partition] = queue[n:]
	}
	prev := *t.safe.Load()
	if prev[entry.partition] == token {
		return
	}
	next := prev.Clone()
	next[entry.partition] = token
	t.safe.Store(&next)
}

// snapshot returns the current safe checkpoints. The map must not be
// modified.
func (t *tracker) snapshot() model.Checkpoints {
	return *t.safe.Load()
}

// outstanding returns the number of unconfirmed records.
func (t *tracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, queue := range t.queues {
		for _, entry := range queue {
			if !entry.confirmed {
				n++
			}
		}
	}
	return n
}
