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

package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/pingcap/datastream/datastream/metadata/memory"
	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/pkg/config"
	"github.com/pingcap/datastream/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	task0 := model.CheckpointScope{TaskID: "task-0"}
	task1 := model.CheckpointScope{TaskID: "task-1"}

	cps, err := s.Load(ctx, task0)
	require.NoError(t, err)
	require.Empty(t, cps)

	require.NoError(t, s.Commit(ctx, task0, model.Checkpoints{0: "10", 1: "7"}))
	require.NoError(t, s.Commit(ctx, task1, model.Checkpoints{0: "3"}))
	require.NoError(t, s.Commit(ctx, task0, model.Checkpoints{1: "12"}))
	require.NoError(t, s.Commit(ctx, task0, nil))

	cps, err = s.Load(ctx, task0)
	require.NoError(t, err)
	require.Equal(t, model.Checkpoints{0: "10", 1: "12"}, cps)

	// the copies of a replicated task never see each other's progress
	copy1 := model.CheckpointScope{TaskID: "task-0", Instance: "host-1"}
	copy2 := model.CheckpointScope{TaskID: "task-0", Instance: "host-2"}
	require.NoError(t, s.Commit(ctx, copy1, model.Checkpoints{0: "40"}))
	cps, err = s.Load(ctx, copy1)
	require.NoError(t, err)
	require.Equal(t, model.Checkpoints{0: "40"}, cps)
	cps, err = s.Load(ctx, copy2)
	require.NoError(t, err)
	require.Empty(t, cps)
	cps, err = s.Load(ctx, task0)
	require.NoError(t, err)
	require.Equal(t, model.Checkpoints{0: "10", 1: "12"}, cps)

	// deleting a task drops all of its scopes
	require.NoError(t, s.Delete(ctx, "task-0"))
	cps, err = s.Load(ctx, task0)
	require.NoError(t, err)
	require.Empty(t, cps)
	cps, err = s.Load(ctx, copy1)
	require.NoError(t, err)
	require.Empty(t, cps)
	cps, err = s.Load(ctx, task1)
	require.NoError(t, err)
	require.Equal(t, model.Checkpoints{0: "3"}, cps)
	require.NoError(t, s.Close())
}

func TestMetadataStore(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	defer store.Close()
	s, err := New(context.Background(), &config.CheckpointConfig{Storage: config.CheckpointStorageMetadata}, store, "c1")
	require.NoError(t, err)
	testStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := New(context.Background(), &config.CheckpointConfig{
		Storage: config.CheckpointStorageSQLite,
		DSN:     dsn,
	}, nil, "c1")
	require.NoError(t, err)
	testStore(t, s)
}

func TestUnknownStorage(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLStore(context.Background(), "postgres", "")
	require.Error(t, err)
}
