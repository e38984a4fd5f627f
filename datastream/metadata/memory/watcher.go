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
	"strings"
	"sync"

	"github.com/pingcap/datastream/datastream/metadata"
)

// watcher buffers responses without bound so the store never blocks on a
// slow consumer.
type watcher struct {
	prefix string
	out    chan metadata.WatchResponse

	mu      sync.Mutex
	pending []metadata.WatchResponse
	failed  bool
	wake    chan struct{}
}

func newWatcher(prefix string) *watcher {
	return &watcher{
		prefix: prefix,
		out:    make(chan metadata.WatchResponse, 16),
		wake:   make(chan struct{}, 1),
	}
}

func (w *watcher) notify(rev int64, events []metadata.Event) {
	var matched []metadata.Event
	for _, ev := range events {
		if strings.HasPrefix(ev.KV.Key, w.prefix) {
			matched = append(matched, ev)
		}
	}
	if len(matched) == 0 {
		return
	}
	w.push(metadata.WatchResponse{Events: matched, Revision: rev})
}

func (w *watcher) fail(err error) {
	w.push(metadata.WatchResponse{Err: err})
}

func (w *watcher) push(resp metadata.WatchResponse) {
	w.mu.Lock()
	if w.failed {
		w.mu.Unlock()
		return
	}
	if resp.Err != nil {
		w.failed = true
	}
	w.pending = append(w.pending, resp)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.out)
	for {
		w.mu.Lock()
		pending := w.pending
		w.pending = nil
		w.mu.Unlock()
		for _, resp := range pending {
			select {
			case <-ctx.Done():
				return
			case w.out <- resp:
			}
			if resp.Err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
	}
}
