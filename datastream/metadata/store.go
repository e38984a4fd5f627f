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

package metadata

import (
	"context"
)

// KeyValue is one key in the coordination store.
type KeyValue struct {
	Key            string
	Value          []byte
	CreateRevision int64
	ModRevision    int64
	// Session is the id of the session the key is bound to, zero if the
	// key is persistent.
	Session int64
}

// EventType is the type of a watch event.
type EventType int

// Watch event types.
const (
	EventPut EventType = iota
	EventDelete
)

// Event is one change of a watched key.
type Event struct {
	Type EventType
	KV   KeyValue
}

// WatchResponse is one notification batch of a watch. All events of a
// batch share the store revision they were committed at or are older.
type WatchResponse struct {
	Events   []Event
	Revision int64
	// Err is set on the last response of a broken watch, the channel is
	// closed right after it.
	Err error
}

// Compare is a compare-and-set guard on the mod revision of a key, a zero
// ModRevision requires the key to be absent.
type Compare struct {
	Key         string
	ModRevision int64
}

// OpType is the type of a transaction operation.
type OpType int

// Transaction operation types.
const (
	OpTypePut OpType = iota
	OpTypeDelete
)

// Op is one write of a transaction.
type Op struct {
	Type   OpType
	Key    string
	Value  []byte
	Prefix bool
	// Session binds a put key to the session, the store removes the key
	// when the session ends.
	Session Session
}

// OpOption configures an Op.
type OpOption func(*Op)

// WithPrefix makes a delete remove every key under the prefix.
func WithPrefix() OpOption {
	return func(op *Op) { op.Prefix = true }
}

// WithSession binds a put key to the session.
func WithSession(s Session) OpOption {
	return func(op *Op) { op.Session = s }
}

// OpPut builds a put operation.
func OpPut(key string, value []byte, opts ...OpOption) Op {
	op := Op{Type: OpTypePut, Key: key, Value: value}
	for _, opt := range opts {
		opt(&op)
	}
	return op
}

// OpDelete builds a delete operation.
func OpDelete(key string, opts ...OpOption) Op {
	op := Op{Type: OpTypeDelete, Key: key}
	for _, opt := range opts {
		opt(&op)
	}
	return op
}

// TxnResponse is the result of a transaction.
type TxnResponse struct {
	Succeeded bool
	// Revision is the store revision after the transaction.
	Revision int64
}

// Store is a hierarchical, watchable key-value store with compare-and-set
// writes and session bound keys. Errors caused by an unreachable store
// carry the ErrStoreUnavailable code.
type Store interface {
	// Get returns the key, or nil if it does not exist.
	Get(ctx context.Context, key string) (*KeyValue, error)
	// List returns every key under prefix sorted by key, and the store
	// revision they were read at.
	List(ctx context.Context, prefix string) ([]*KeyValue, int64, error)
	// Put writes a key and returns the new store revision.
	Put(ctx context.Context, key string, value []byte, opts ...OpOption) (int64, error)
	// Delete removes a key, or a prefix with WithPrefix.
	Delete(ctx context.Context, key string, opts ...OpOption) (int64, error)
	// Txn applies ops atomically if all cmps hold.
	Txn(ctx context.Context, cmps []Compare, ops []Op) (*TxnResponse, error)
	// Watch streams changes under prefix starting at fromRevision, zero
	// means changes after the call.
	Watch(ctx context.Context, prefix string, fromRevision int64) <-chan WatchResponse
	// NewSession creates a session that expires ttl seconds after the
	// process stops keeping it alive.
	NewSession(ctx context.Context, ttl int64) (Session, error)
	Close() error
}

// Session is the liveness of one instance. Keys bound to it are removed
// when it expires or is closed.
type Session interface {
	ID() int64
	// Done is closed when the session expires or is closed.
	Done() <-chan struct{}
	// Close revokes the session.
	Close() error
}
