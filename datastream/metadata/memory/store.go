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
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/datastream/datastream/metadata"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type item struct {
	value     []byte
	createRev int64
	modRev    int64
	lease     int64
}

type revisionEvents struct {
	revision int64
	events   []metadata.Event
}

// Store is a process local metadata.Store. Every write is one revision,
// watchers get one response per revision. All instances of an embedded
// cluster share one Store.
type Store struct {
	mu        sync.Mutex
	revision  int64
	data      map[string]*item
	leases    map[int64]*Session
	nextLease int64
	watchers  map[*watcher]struct{}
	history   []revisionEvents
	closed    bool

	unavailable atomic.Bool
}

var _ metadata.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		data:     make(map[string]*item),
		leases:   make(map[int64]*Session),
		watchers: make(map[*watcher]struct{}),
	}
}

// SetUnavailable makes every operation fail with ErrStoreUnavailable, and
// breaks all running watches when enabled.
func (s *Store) SetUnavailable(unavailable bool) {
	s.unavailable.Store(unavailable)
	if !unavailable {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		w.fail(cerror.ErrStoreUnavailable.GenWithStackByArgs())
		delete(s.watchers, w)
	}
}

// Revision returns the current store revision.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if s.unavailable.Load() {
		return cerror.ErrStoreUnavailable.GenWithStackByArgs()
	}
	if s.closed {
		return cerror.ErrStoreClosed.GenWithStackByArgs()
	}
	return nil
}

// Get implements metadata.Store.
func (s *Store) Get(ctx context.Context, key string) (*metadata.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	it, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	kv := toKeyValue(key, it)
	return &kv, nil
}

// List implements metadata.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]*metadata.KeyValue, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}
	var kvs []*metadata.KeyValue
	for key, it := range s.data {
		if strings.HasPrefix(key, prefix) {
			kv := toKeyValue(key, it)
			kvs = append(kvs, &kv)
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, s.revision, nil
}

// Put implements metadata.Store.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.OpOption) (int64, error) {
	resp, err := s.Txn(ctx, nil, []metadata.Op{metadata.OpPut(key, value, opts...)})
	if err != nil {
		return 0, err
	}
	return resp.Revision, nil
}

// Delete implements metadata.Store.
func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.OpOption) (int64, error) {
	resp, err := s.Txn(ctx, nil, []metadata.Op{metadata.OpDelete(key, opts...)})
	if err != nil {
		return 0, err
	}
	return resp.Revision, nil
}

// Txn implements metadata.Store.
func (s *Store) Txn(ctx context.Context, cmps []metadata.Compare, ops []metadata.Op) (*metadata.TxnResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	for _, cmp := range cmps {
		var modRev int64
		if it, ok := s.data[cmp.Key]; ok {
			modRev = it.modRev
		}
		if modRev != cmp.ModRevision {
			return &metadata.TxnResponse{Succeeded: false, Revision: s.revision}, nil
		}
	}
	for _, op := range ops {
		if op.Type == metadata.OpTypePut && op.Session != nil {
			sess, ok := s.leases[op.Session.ID()]
			if !ok || sess.expired {
				return nil, cerror.ErrSessionExpired.GenWithStackByArgs(op.Session.ID())
			}
		}
	}
	s.applyLocked(ops)
	return &metadata.TxnResponse{Succeeded: true, Revision: s.revision}, nil
}

// applyLocked applies ops at one new revision.
func (s *Store) applyLocked(ops []metadata.Op) {
	rev := s.revision + 1
	var events []metadata.Event
	del := func(key string) {
		it, ok := s.data[key]
		if !ok {
			return
		}
		delete(s.data, key)
		if sess, ok := s.leases[it.lease]; ok {
			delete(sess.keys, key)
		}
		kv := toKeyValue(key, it)
		kv.ModRevision = rev
		kv.Value = nil
		events = append(events, metadata.Event{Type: metadata.EventDelete, KV: kv})
	}
	for _, op := range ops {
		switch op.Type {
		case metadata.OpTypePut:
			it, ok := s.data[op.Key]
			if !ok {
				it = &item{createRev: rev}
				s.data[op.Key] = it
			}
			if old, ok := s.leases[it.lease]; ok {
				delete(old.keys, op.Key)
			}
			it.value = append([]byte{}, op.Value...)
			it.modRev = rev
			it.lease = 0
			if op.Session != nil {
				it.lease = op.Session.ID()
				s.leases[it.lease].keys[op.Key] = struct{}{}
			}
			events = append(events, metadata.Event{Type: metadata.EventPut, KV: toKeyValue(op.Key, it)})
		case metadata.OpTypeDelete:
			if !op.Prefix {
				del(op.Key)
				continue
			}
			var keys []string
			for key := range s.data {
				if strings.HasPrefix(key, op.Key) {
					keys = append(keys, key)
				}
			}
			sort.Strings(keys)
			for _, key := range keys {
				del(key)
			}
		}
	}
	if len(events) == 0 {
		return
	}
	s.revision = rev
	s.history = append(s.history, revisionEvents{revision: rev, events: events})
	for w := range s.watchers {
		w.notify(rev, events)
	}
}

// Watch implements metadata.Store.
func (s *Store) Watch(ctx context.Context, prefix string, fromRevision int64) <-chan metadata.WatchResponse {
	w := newWatcher(prefix)
	s.mu.Lock()
	if err := s.check(ctx); err != nil {
		s.mu.Unlock()
		w.fail(err)
		go w.run(ctx)
		return w.out
	}
	if fromRevision > 0 {
		for _, h := range s.history {
			if h.revision >= fromRevision {
				w.notify(h.revision, h.events)
			}
		}
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		w.run(ctx)
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}()
	return w.out
}

// NewSession implements metadata.Store.
func (s *Store) NewSession(ctx context.Context, ttl int64) (metadata.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.nextLease++
	sess := &Session{
		id:    s.nextLease,
		ttl:   ttl,
		store: s,
		keys:  make(map[string]struct{}),
		done:  make(chan struct{}),
	}
	s.leases[sess.id] = sess
	return sess, nil
}

func (s *Store) revoke(sess *Session, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.expired {
		return
	}
	sess.expired = true
	keys := make([]string, 0, len(sess.keys))
	for key := range sess.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	ops := make([]metadata.Op, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, metadata.OpDelete(key))
	}
	s.applyLocked(ops)
	delete(s.leases, sess.id)
	close(sess.done)
	log.Info("memory store session ended",
		zap.Int64("session", sess.id), zap.Bool("expired", expired), zap.Int("keys", len(keys)))
}

// Close implements metadata.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for w := range s.watchers {
		w.fail(cerror.ErrStoreClosed.GenWithStackByArgs())
		delete(s.watchers, w)
	}
	return nil
}

func toKeyValue(key string, it *item) metadata.KeyValue {
	return metadata.KeyValue{
		Key:            key,
		Value:          append([]byte{}, it.value...),
		CreateRevision: it.createRev,
		ModRevision:    it.modRev,
		Session:        it.lease,
	}
}

// Session is a lease of the memory store. It never times out by itself,
// Expire simulates the loss of the owning process.
type Session struct {
	id      int64
	ttl     int64
	store   *Store
	keys    map[string]struct{}
	done    chan struct{}
	expired bool
}

// ID implements metadata.Session.
func (s *Session) ID() int64 { return s.id }

// Done implements metadata.Session.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close implements metadata.Session.
func (s *Session) Close() error {
	s.store.revoke(s, false)
	return nil
}

// Expire ends the session as if its keepalive stopped.
func (s *Session) Expire() {
	s.store.revoke(s, true)
}
