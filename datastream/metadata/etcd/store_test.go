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

	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/metadata/storetest"
	"github.com/pingcap/datastream/pkg/etcd"
	"github.com/pingcap/datastream/pkg/leakutil"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func TestStoreContract(t *testing.T) {
	s := &etcd.Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	store := NewStore(s.Client, "test")
	storetest.RunContract(t, store, func(t *testing.T, sess metadata.Session) {
		_, err := s.Client.Unwrap().Revoke(context.Background(), clientv3.LeaseID(sess.ID()))
		require.NoError(t, err)
	})
}

func TestWrapErr(t *testing.T) {
	t.Parallel()

	require.Nil(t, wrapErr(nil))
	require.Equal(t, context.Canceled, errors.Cause(wrapErr(context.Canceled)))
	require.Regexp(t, ".*DATASTREAM:ErrStoreUnavailable.*", wrapErr(clientv3.ErrNoAvailableEndpoints))
}
