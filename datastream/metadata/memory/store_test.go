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
	"testing"
	"time"

	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/metadata/storetest"
	"github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func TestStoreContract(t *testing.T) {
	store := NewStore()
	defer store.Close()
	storetest.RunContract(t, store, func(t *testing.T, s metadata.Session) {
		s.(*Session).Expire()
	})
}

func TestUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewStore()
	defer store.Close()

	ch := store.Watch(ctx, "/a/", 0)
	store.SetUnavailable(true)
	_, err := store.Put(ctx, "/a/b", []byte("1"))
	require.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	_, _, err = store.List(ctx, "/a/")
	require.True(t, errors.Is(err, errors.ErrStoreUnavailable))

	select {
	case resp := <-ch:
		require.True(t, errors.Is(resp.Err, errors.ErrStoreUnavailable))
	case <-time.After(5 * time.Second):
		t.Fatal("broken watch not reported")
	}
	_, ok := <-ch
	require.False(t, ok)

	store.SetUnavailable(false)
	_, err = store.Put(ctx, "/a/b", []byte("1"))
	require.NoError(t, err)
}

func TestWatchReplaysHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewStore()
	defer store.Close()

	first, err := store.Put(ctx, "/h/1", []byte("1"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "/h/2", []byte("2"))
	require.NoError(t, err)

	ch := store.Watch(ctx, "/h/", first)
	var keys []string
	for len(keys) < 2 {
		resp := <-ch
		require.NoError(t, resp.Err)
		for _, ev := range resp.Events {
			keys = append(keys, ev.KV.Key)
		}
	}
	require.Equal(t, []string{"/h/1", "/h/2"}, keys)
	require.Equal(t, int64(2), store.Revision())
	cancel()
	for range ch {
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	store := NewStore()
	defer store.Close()
	sess, err := store.NewSession(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	sess.(*Session).Expire()
}

func TestTxnRejectsExpiredSession(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	defer store.Close()
	sess, err := store.NewSession(ctx, 1)
	require.NoError(t, err)
	sess.(*Session).Expire()
	_, err = store.Txn(ctx, nil, []metadata.Op{metadata.OpPut("/k", nil, metadata.WithSession(sess))})
	require.True(t, errors.Is(err, errors.ErrSessionExpired))
}
