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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/datastream/pkg/leakutil"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

type mockClient struct {
	clientv3.KV
	getOK bool
}

func (m *mockClient) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (resp *clientv3.GetResponse, err error) {
	if m.getOK {
		m.getOK = true
		return nil, errors.New("mock error")
	}
	return &clientv3.GetResponse{}, nil
}

func (m *mockClient) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (resp *clientv3.PutResponse, err error) {
	return nil, errors.New("mock error")
}

func (m *mockClient) Txn(ctx context.Context) clientv3.Txn {
	return &mockTxn{ctx: ctx}
}

type mockWatcher struct {
	clientv3.Watcher
	watchCh      chan clientv3.WatchResponse
	resetCount   *int
	requestCount *int
	rev          *int64
}

func (m mockWatcher) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	*m.resetCount++
	op := &clientv3.Op{}
	for _, opt := range opts {
		opt(op)
	}
	*m.rev = op.Rev()
	return m.watchCh
}

func (m mockWatcher) RequestProgress(ctx context.Context) error {
	*m.requestCount++
	return nil
}

type mockTxn struct {
	ctx  context.Context
	mode int
}

func (txn *mockTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	if cs != nil {
		txn.mode += 1
	}
	return txn
}

func (txn *mockTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	if ops != nil {
		txn.mode += 1 << 1
	}
	return txn
}

func (txn *mockTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	if ops != nil {
		txn.mode += 1 << 2
	}
	return txn
}

func (txn *mockTxn) Commit() (*clientv3.TxnResponse, error) {
	switch txn.mode {
	case 0:
		return &clientv3.TxnResponse{}, nil
	case 1:
		return nil, rpctypes.ErrNoSpace
	case 2:
		return nil, rpctypes.ErrTimeoutDueToLeaderFail
	case 3:
		return nil, context.DeadlineExceeded
	default:
		return nil, errors.New("mock error")
	}
}

func TestRetry(t *testing.T) {
	origin := rpcMaxTries
	rpcMaxTries = 2
	defer func() { rpcMaxTries = origin }()

	cli := clientv3.NewCtxClient(context.TODO())
	cli.KV = &mockClient{}
	retrycli := Wrap(cli, nil)
	get, err := retrycli.Get(context.TODO(), "")
	require.NoError(t, err)
	require.NotNil(t, get)

	_, err = retrycli.Put(context.TODO(), "", "")
	require.NotNil(t, err)
	require.Containsf(t, errors.Cause(err).Error(), "mock error", "err:%v", err.Error())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the mock fails according to which branches are set
	noCmps, noOps := []clientv3.Cmp{}, []clientv3.Op{}
	rsp, err := retrycli.Txn(ctx, nil, nil, nil)
	require.NoError(t, err)
	require.False(t, rsp.Succeeded)

	// retryable etcd errors run out of tries
	_, err = retrycli.Txn(ctx, noCmps, nil, nil)
	require.Regexp(t, ".*DATASTREAM:ErrReachMaxTry.*", err)
	_, err = retrycli.Txn(ctx, nil, noOps, nil)
	require.Regexp(t, ".*DATASTREAM:ErrReachMaxTry.*", err)

	// context errors are returned as is
	_, err = retrycli.Txn(ctx, noCmps, noOps, nil)
	require.Equal(t, context.DeadlineExceeded, err)

	// other errors are not retried
	_, err = retrycli.Txn(ctx, noCmps, noOps, TxnEmptyOpsElse)
	require.Containsf(t, errors.Cause(err).Error(), "mock error", "err:%v", err.Error())
}

func TestGrantBindsKeys(t *testing.T) {
	s := &Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	ctx := context.Background()
	lease, err := s.Client.Grant(ctx, 10)
	require.NoError(t, err)
	_, err = s.Client.Put(ctx, "/lease/a", "1", clientv3.WithLease(lease.ID))
	require.NoError(t, err)
	get, err := s.Client.Get(ctx, "/lease/a")
	require.NoError(t, err)
	require.Len(t, get.Kvs, 1)
	require.Equal(t, int64(lease.ID), get.Kvs[0].Lease)

	// keys bound to a revoked lease are gone
	_, err = s.Client.Unwrap().Revoke(ctx, lease.ID)
	require.NoError(t, err)
	get, err = s.Client.Get(ctx, "/lease/a")
	require.NoError(t, err)
	require.Empty(t, get.Kvs)
}

func TestWatchWithChanOnEmbedEtcd(t *testing.T) {
	s := &Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	put, err := s.Client.Put(ctx, "/watch/a", "1")
	require.NoError(t, err)

	watchCh := s.Client.Watch(ctx, "/watch/", "test",
		clientv3.WithPrefix(), clientv3.WithRev(put.Header.Revision))
	_, err = s.Client.Put(ctx, "/watch/b", "2")
	require.NoError(t, err)

	var keys []string
	for len(keys) < 2 {
		select {
		case resp := <-watchCh:
			require.NoError(t, resp.Err())
			for _, ev := range resp.Events {
				require.Equal(t, mvccpb.PUT, ev.Type)
				keys = append(keys, string(ev.Kv.Key))
			}
		case <-time.After(10 * time.Second):
			t.Fatal("watch timeout")
		}
	}
	require.Equal(t, []string{"/watch/a", "/watch/b"}, keys)
	cancel()
	for range watchCh {
	}
}

func TestWatchChBlocked(t *testing.T) {
	cli := clientv3.NewCtxClient(context.TODO())
	resetCount := 0
	requestCount := 0
	watchCh := make(chan clientv3.WatchResponse, 1)
	var rev int64
	watcher := mockWatcher{watchCh: watchCh, resetCount: &resetCount, requestCount: &requestCount, rev: &rev}
	cli.Watcher = watcher

	sentRes := []clientv3.WatchResponse{
		{CompactRevision: 1}, // ErrCompacted
		{CompactRevision: 2}, // ErrCompacted
		{Header: newHeader(3)},
		{Header: newHeader(4)},
		{Header: newHeader(5)},
		{Header: newHeader(6)},
	}

	go func() {
		for _, r := range sentRes {
			watchCh <- r
		}
	}()

	mockClock := clock.NewMock()
	watchCli := Wrap(cli, nil)
	watchCli.clock = mockClock

	key := "testWatchChBlocked"
	outCh := make(chan clientv3.WatchResponse, 6)
	revision := int64(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()

	go func() {
		watchCli.WatchWithChan(ctx, outCh, key, "", clientv3.WithPrefix(), clientv3.WithRev(revision))
	}()
	receivedRes := make([]clientv3.WatchResponse, 0)
	// wait for WatchWithChan set up
	r := <-outCh
	receivedRes = append(receivedRes, r)
	// move time forward
	mockClock.Add(time.Second * 30)

	for r := range outCh {
		receivedRes = append(receivedRes, r)
		if len(receivedRes) == len(sentRes) {
			cancel()
		}
	}

	require.Equal(t, sentRes, receivedRes)
	// watchWithChan should reset the watch channel once the time moves forward
	require.GreaterOrEqual(t, resetCount, 1)
	require.GreaterOrEqual(t, requestCount, 1)
	// the last response received before the reset decides the revision
	require.GreaterOrEqual(t, rev, revision)
}

func newHeader(rev int64) etcdserverpb.ResponseHeader {
	return etcdserverpb.ResponseHeader{Revision: rev}
}

func TestIsRetryableEtcdError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err error
		ret bool
	}{
		{nil, false},
		{rpctypes.ErrCorrupt, false},
		{errors.New("plain"), false},

		{rpctypes.ErrGRPCTimeoutDueToConnectionLost, true},
		{rpctypes.ErrTimeoutDueToLeaderFail, true},
		{rpctypes.ErrNoSpace, true},
		{errors.New("raft: stopped"), true},
		{status.Error(codes.Unavailable, "connection reset by peer"), true},
	}

	for _, item := range cases {
		require.Equal(t, item.ret, isRetryableEtcdError(item.err), "%v", item.err)
	}
}

func TestGetRevisionFromWatchOpts(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		rev := int64(i)
		opt := clientv3.WithRev(rev)
		require.Equal(t, getRevisionFromWatchOpts(opt), rev)
	}
	require.Equal(t, int64(0), getRevisionFromWatchOpts(clientv3.WithPrefix()))
}
