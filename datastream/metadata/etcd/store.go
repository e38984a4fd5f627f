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

package etcd

import (
	"context"

	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/pkg/etcd"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const watchChanBufferSize = 16

// Store is a metadata.Store on an etcd cluster.
type Store struct {
	client *etcd.Client
	role   string
}

var _ metadata.Store = (*Store)(nil)

// NewStore wraps a retrying etcd client. role names the owner in logs.
func NewStore(client *etcd.Client, role string) *Store {
	return &Store{client: client, role: role}
}

// Client returns the underlying client.
func (s *Store) Client() *etcd.Client {
	return s.client
}

// wrapErr keeps context errors as they are and marks everything else as
// a store availability problem.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	switch errors.Cause(err) {
	case context.Canceled, context.DeadlineExceeded:
		return errors.Trace(err)
	}
	if cerror.Is(err, cerror.ErrStoreUnavailable) {
		return err
	}
	return cerror.WrapError(cerror.ErrStoreUnavailable, err)
}

func fromKV(kv *mvccpb.KeyValue) *metadata.KeyValue {
	return &metadata.KeyValue{
		Key:            string(kv.Key),
		Value:          kv.Value,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Session:        kv.Lease,
	}
}

// Get implements metadata.Store.
func (s *Store) Get(ctx context.Context, key string) (*metadata.KeyValue, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return fromKV(resp.Kvs[0]), nil
}

// List implements metadata.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]*metadata.KeyValue, int64, error) {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, 0, wrapErr(err)
	}
	kvs := make([]*metadata.KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, fromKV(kv))
	}
	return kvs, resp.Header.Revision, nil
}

func toOp(op metadata.Op) clientv3.Op {
	switch op.Type {
	case metadata.OpTypeDelete:
		if op.Prefix {
			return clientv3.OpDelete(op.Key, clientv3.WithPrefix())
		}
		return clientv3.OpDelete(op.Key)
	default:
		if op.Session != nil {
			return clientv3.OpPut(op.Key, string(op.Value), clientv3.WithLease(clientv3.LeaseID(op.Session.ID())))
		}
		return clientv3.OpPut(op.Key, string(op.Value))
	}
}

// Put implements metadata.Store.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.OpOption) (int64, error) {
	op := metadata.OpPut(key, value, opts...)
	var putOpts []clientv3.OpOption
	if op.Session != nil {
		putOpts = append(putOpts, clientv3.WithLease(clientv3.LeaseID(op.Session.ID())))
	}
	resp, err := s.client.Put(ctx, key, string(value), putOpts...)
	if err != nil {
		if errors.Cause(err) == rpctypes.ErrLeaseNotFound && op.Session != nil {
			return 0, cerror.ErrSessionExpired.Wrap(err).GenWithStackByArgs(op.Session.ID())
		}
		return 0, wrapErr(err)
	}
	return resp.Header.Revision, nil
}

// Delete implements metadata.Store.
func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.OpOption) (int64, error) {
	op := metadata.OpDelete(key, opts...)
	var delOpts []clientv3.OpOption
	if op.Prefix {
		delOpts = append(delOpts, clientv3.WithPrefix())
	}
	resp, err := s.client.Delete(ctx, key, delOpts...)
	if err != nil {
		return 0, wrapErr(err)
	}
	return resp.Header.Revision, nil
}

// Txn implements metadata.Store.
func (s *Store) Txn(ctx context.Context, cmps []metadata.Compare, ops []metadata.Op) (*metadata.TxnResponse, error) {
	etcdCmps := make([]clientv3.Cmp, 0, len(cmps))
	for _, cmp := range cmps {
		// the mod revision of an absent key is 0
		etcdCmps = append(etcdCmps, clientv3.Compare(clientv3.ModRevision(cmp.Key), "=", cmp.ModRevision))
	}
	etcdOps := make([]clientv3.Op, 0, len(ops))
	for _, op := range ops {
		etcdOps = append(etcdOps, toOp(op))
	}
	resp, err := s.client.Txn(ctx, etcdCmps, etcdOps, etcd.TxnEmptyOpsElse)
	if err != nil {
		if errors.Cause(err) == rpctypes.ErrLeaseNotFound {
			return nil, cerror.ErrSessionExpired.Wrap(err).GenWithStackByArgs(0)
		}
		return nil, wrapErr(err)
	}
	return &metadata.TxnResponse{Succeeded: resp.Succeeded, Revision: resp.Header.Revision}, nil
}

// Watch implements metadata.Store.
func (s *Store) Watch(ctx context.Context, prefix string, fromRevision int64) <-chan metadata.WatchResponse {
	out := make(chan metadata.WatchResponse, watchChanBufferSize)
	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithPrevKV()}
	if fromRevision > 0 {
		opts = append(opts, clientv3.WithRev(fromRevision))
	}
	watchCh := s.client.Watch(ctx, prefix, s.role, opts...)
	go func() {
		defer close(out)
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				if resp.CompactRevision != 0 {
					err = cerror.ErrWatchCompacted.Wrap(err).GenWithStackByArgs(resp.CompactRevision)
				} else {
					err = wrapErr(err)
				}
				sendResponse(ctx, out, metadata.WatchResponse{Err: err})
				return
			}
			if resp.IsProgressNotify() || len(resp.Events) == 0 {
				continue
			}
			events := make([]metadata.Event, 0, len(resp.Events))
			for _, ev := range resp.Events {
				event := metadata.Event{KV: *fromKV(ev.Kv)}
				if ev.Type == clientv3.EventTypeDelete {
					event.Type = metadata.EventDelete
				}
				events = append(events, event)
			}
			if !sendResponse(ctx, out, metadata.WatchResponse{Events: events, Revision: resp.Header.Revision}) {
				return
			}
		}
		if ctx.Err() == nil {
			log.Warn("etcd watch closed unexpectedly",
				zap.String("role", s.role), zap.String("prefix", prefix))
			sendResponse(ctx, out, metadata.WatchResponse{Err: cerror.ErrStoreUnavailable.GenWithStackByArgs()})
		}
	}()
	return out
}

func sendResponse(ctx context.Context, out chan<- metadata.WatchResponse, resp metadata.WatchResponse) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- resp:
		return true
	}
}

// NewSession implements metadata.Store.
func (s *Store) NewSession(ctx context.Context, ttl int64) (metadata.Session, error) {
	lease, err := s.client.Grant(ctx, ttl)
	if err != nil {
		return nil, wrapErr(err)
	}
	// The keepalive outlives ctx, it ends on Close or lease expiry.
	sess, err := concurrency.NewSession(s.client.Unwrap(),
		concurrency.WithLease(lease.ID), concurrency.WithTTL(int(ttl)))
	if err != nil {
		return nil, wrapErr(err)
	}
	return &session{sess: sess}, nil
}

// Close implements metadata.Store.
func (s *Store) Close() error {
	return errors.Trace(s.client.Close())
}

type session struct {
	sess *concurrency.Session
}

func (s *session) ID() int64 { return int64(s.sess.Lease()) }

func (s *session) Done() <-chan struct{} { return s.sess.Done() }

func (s *session) Close() error {
	err := s.sess.Close()
	if err != nil && errors.Cause(err) != rpctypes.ErrLeaseNotFound {
		return wrapErr(err)
	}
	return nil
}
