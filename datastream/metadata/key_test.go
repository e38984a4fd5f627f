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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		key      string
		expected *Key
	}{{
		key: "/datastream/default/liveInstances/host-1",
		expected: &Key{
			Tp:         KeyTypeLiveInstance,
			InstanceID: "host-1",
		},
	}, {
		key: "/datastream/default/datastreams/orders",
		expected: &Key{
			Tp:         KeyTypeDatastream,
			Datastream: "orders",
		},
	}, {
		key: "/datastream/default/tasks/orders-0-1a2b3c4d",
		expected: &Key{
			Tp:     KeyTypeTask,
			TaskID: "orders-0-1a2b3c4d",
		},
	}, {
		key: "/datastream/default/instanceAssignments/host-2/orders-1-1a2b3c4d",
		expected: &Key{
			Tp:         KeyTypeAssignment,
			InstanceID: "host-2",
			TaskID:     "orders-1-1a2b3c4d",
		},
	}, {
		key: "/datastream/default/checkpoints/orders-1-1a2b3c4d/7",
		expected: &Key{
			Tp:        KeyTypeCheckpoint,
			TaskID:    "orders-1-1a2b3c4d",
			Partition: 7,
		},
	}, {
		key: "/datastream/default/checkpoints/orders-1-1a2b3c4d/host-2/7",
		expected: &Key{
			Tp:         KeyTypeCheckpoint,
			TaskID:     "orders-1-1a2b3c4d",
			InstanceID: "host-2",
			Partition:  7,
		},
	}, {
		key:      "/datastream/default/leader",
		expected: &Key{Tp: KeyTypeLeader},
	}, {
		key:      "/datastream/default/generation",
		expected: &Key{Tp: KeyTypeGeneration},
	}, {
		key:      "/datastream/default/instanceSeq",
		expected: &Key{Tp: KeyTypeInstanceSeq},
	}, {
		key: "/datastream/default/unassigned/orders-0-1a2b3c4d",
		expected: &Key{
			Tp:     KeyTypeUnassigned,
			TaskID: "orders-0-1a2b3c4d",
		},
	}, {
		key: "/datastream/default/taskErrors/orders-0-1a2b3c4d",
		expected: &Key{
			Tp:     KeyTypeTaskError,
			TaskID: "orders-0-1a2b3c4d",
		},
	}}
	for _, tc := range testcases {
		k := new(Key)
		err := k.Parse("default", tc.key)
		require.NoError(t, err)
		tc.expected.ClusterID = "default"
		require.Equal(t, tc.expected, k)
		require.Equal(t, tc.key, k.String())
	}
}

func TestParseInvalidKey(t *testing.T) {
	t.Parallel()

	for _, key := range []string{
		"/datastream/other/liveInstances/host-1",
		"/datastream/default/unknown/x",
		"/datastream/default/instanceAssignments/host-1",
		"/datastream/default/checkpoints/task/notanumber",
		"/datastream/default/checkpoints/task//7",
		"/datastream/default/checkpoints/task/host-1/x/7",
		"/datastream/default",
	} {
		k := new(Key)
		require.Regexp(t, ".*DATASTREAM:ErrInvalidStoreKey.*", k.Parse("default", key), key)
	}
}

func TestKeyBuilderPrefixes(t *testing.T) {
	t.Parallel()

	b := NewKeyBuilder("c1")
	require.Equal(t, "/datastream/c1", b.Root())
	require.Equal(t, "/datastream/c1/instanceAssignments/i-1/", b.InstanceAssignmentsPrefix("i-1"))
	require.Equal(t, "/datastream/c1/checkpoints/t/", b.CheckpointsPrefix("t"))
	require.Equal(t, "/datastream/c1/checkpoints/t/", b.ScopeCheckpointsPrefix("t", ""))
	require.Equal(t, "/datastream/c1/checkpoints/t/i-1/", b.ScopeCheckpointsPrefix("t", "i-1"))
	require.Equal(t, "/datastream/c1/checkpoints/t/3", b.Checkpoint("t", "", 3))
	require.Equal(t, "/datastream/c1/checkpoints/t/i-1/3", b.Checkpoint("t", "i-1", 3))
	// an instance prefix never matches another instance sharing its prefix
	require.NotContains(t, b.Assignment("i-10", "t"), b.InstanceAssignmentsPrefix("i-1"))
}
