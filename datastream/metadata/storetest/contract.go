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

package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/stretchr/testify/require"
)

// Expirer ends a session the way a crashed owner would.
type Expirer func(t *testing.T, s metadata.Session)

// RunContract checks the behavior every metadata.Store must share. Every
// subtest works under its own prefix so the store may be shared.
func RunContract(t *testing.T, store metadata.Store, expire Expirer) {
	t.Run("PutGetList", func(t *testing.T) { testPutGetList(t, store) })
	t.Run("TxnCompareAndSet", func(t *testing.T) { testTxn(t, store) })
	t.Run("DeletePrefix", func(t *testing.T) { testDeletePrefix(t, store) })
	t.Run("Watch", func(t *testing.T) { testWatch(t, store) })
	t.Run("SessionClose", func(t *testing.T) { testSessionClose(t, store) })
	t.Run("SessionExpire", func(t *testing.T) { testSessionExpire(t, store, expire) })
}

func testPutGetList(t *testing.T, store metadata.Store) {
	ctx := context.Background()
	prefix := "/contract/list/"

	kv, err := store.Get(ctx, prefix+"missing")
	require.NoError(t, err)
	require.Nil(t, kv)

	rev1, err := store.Put(ctx, prefix+"b", []byte("2"))
	require.NoError(t, err)
	rev2, err := store.Put(ctx, prefix+"a", []byte("1"))
	require.NoError(t, err)
	require.Greater(t, rev2, rev1)

	kv, err = store.Get(ctx, prefix+"b")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), kv.Value)
	require.Equal(t, rev1, kv.ModRevision)
	require.Equal(t, rev1, kv.CreateRevision)
	require.Zero(t, kv.Session)

	kvs, rev, err := store.List(ctx, prefix)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rev, rev2)
	require.Len(t, kvs, 2)
	require.Equal(t, prefix+"a", kvs[0].Key)
	require.Equal(t, prefix+"b", kvs[1].Key)

	rev3, err := store.Put(ctx, prefix+"b", []byte("3"))
	require.NoError(t, err)
	kv, err = store.Get(ctx, prefix+"b")
	require.NoError(t, err)
	require.Equal(t, rev1, kv.CreateRevision)
	require.Equal(t, rev3, kv.ModRevision)
}

func testTxn(t *testing.T, store metadata.Store) {
	ctx := context.Background()
	key := "/contract/txn/generation"

	// create if absent
	resp, err := store.Txn(ctx,
		[]metadata.Compare{{Key: key, ModRevision: 0}},
		[]metadata.Op{metadata.OpPut(key, []byte("1")), metadata.OpPut(key+"-leaf", []byte("x"))})
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	created := resp.Revision

	kv, err := store.Get(ctx, key+"-leaf")
	require.NoError(t, err)
	require.Equal(t, created, kv.ModRevision)

	// a second create loses
	resp, err = store.Txn(ctx,
		[]metadata.Compare{{Key: key, ModRevision: 0}},
		[]metadata.Op{metadata.OpPut(key, []byte("other"))})
	require.NoError(t, err)
	require.False(t, resp.Succeeded)

	// update guarded by the mod revision
	resp, err = store.Txn(ctx,
		[]metadata.Compare{{Key: key, ModRevision: created}},
		[]metadata.Op{metadata.OpPut(key, []byte("2")), metadata.OpDelete(key + "-leaf")})
	require.NoError(t, err)
	require.True(t, resp.Succeeded)

	// stale writer loses
	resp, err = store.Txn(ctx,
		[]metadata.Compare{{Key: key, ModRevision: created}},
		[]metadata.Op{metadata.OpPut(key, []byte("stale"))})
	require.NoError(t, err)
	require.False(t, resp.Succeeded)

	kv, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), kv.Value)
	kv, err = store.Get(ctx, key+"-leaf")
	require.NoError(t, err)
	require.Nil(t, kv)
}

func testDeletePrefix(t *testing.T, store metadata.Store) {
	ctx := context.Background()
	prefix := "/contract/delete/"
	for i := 0; i < 3; i++ {
		_, err := store.Put(ctx, fmt.Sprintf("%sa/%d", prefix, i), []byte("v"))
		require.NoError(t, err)
	}
	_, err := store.Put(ctx, prefix+"b", []byte("v"))
	require.NoError(t, err)

	_, err = store.Delete(ctx, prefix+"a/", metadata.WithPrefix())
	require.NoError(t, err)
	kvs, _, err := store.List(ctx, prefix)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	require.Equal(t, prefix+"b", kvs[0].Key)

	_, err = store.Delete(ctx, prefix+"b")
	require.NoError(t, err)
	kvs, _, err = store.List(ctx, prefix)
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func nextResponse(t *testing.T, ch <-chan metadata.WatchResponse) metadata.WatchResponse {
	select {
	case resp, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		require.NoError(t, resp.Err)
		return resp
	case <-time.After(10 * time.Second):
		require.FailNow(t, "watch timeout")
	}
	return metadata.WatchResponse{}
}

func testWatch(t *testing.T, store metadata.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prefix := "/contract/watch/"

	rev, err := store.Put(ctx, prefix+"before", []byte("0"))
	require.NoError(t, err)

	ch := store.Watch(ctx, prefix, rev)
	resp := nextResponse(t, ch)
	require.Len(t, resp.Events, 1)
	require.Equal(t, metadata.EventPut, resp.Events[0].Type)
	require.Equal(t, prefix+"before", resp.Events[0].KV.Key)

	// one transaction is one notification batch
	_, err = store.Txn(ctx, nil, []metadata.Op{
		metadata.OpPut(prefix+"x", []byte("1")),
		metadata.OpPut(prefix+"y", []byte("2")),
	})
	require.NoError(t, err)
	resp = nextResponse(t, ch)
	require.Len(t, resp.Events, 2)

	// keys outside the prefix are not delivered
	_, err = store.Put(ctx, "/contract/other", []byte("1"))
	require.NoError(t, err)
	_, err = store.Delete(ctx, prefix+"x")
	require.NoError(t, err)
	resp = nextResponse(t, ch)
	require.Len(t, resp.Events, 1)
	require.Equal(t, metadata.EventDelete, resp.Events[0].Type)
	require.Equal(t, prefix+"x", resp.Events[0].KV.Key)

	cancel()
	for range ch {
	}
}

func testSessionClose(t *testing.T, store metadata.Store) {
	ctx := context.Background()
	key := "/contract/session/close"

	sess, err := store.NewSession(ctx, 5)
	require.NoError(t, err)
	_, err = store.Put(ctx, key, []byte("alive"), metadata.WithSession(sess))
	require.NoError(t, err)
	kv, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, sess.ID(), kv.Session)

	require.NoError(t, sess.Close())
	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
		require.FailNow(t, "session not done after close")
	}
	kv, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Nil(t, kv)

	_, err = store.Put(ctx, key, []byte("zombie"), metadata.WithSession(sess))
	require.Error(t, err)
}

func testSessionExpire(t *testing.T, store metadata.Store, expire Expirer) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prefix := "/contract/session/expire/"

	sess, err := store.NewSession(ctx, 5)
	require.NoError(t, err)
	rev, err := store.Put(ctx, prefix+"member", []byte("alive"), metadata.WithSession(sess))
	require.NoError(t, err)

	ch := store.Watch(ctx, prefix, rev+1)
	expire(t, sess)

	resp := nextResponse(t, ch)
	require.Len(t, resp.Events, 1)
	require.Equal(t, metadata.EventDelete, resp.Events[0].Type)
	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
		require.FailNow(t, "session not done after expiry")
	}
	cancel()
	for range ch {
	}
}
