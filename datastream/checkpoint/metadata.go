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

	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/model"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
)

var _ Store = (*MetadataStore)(nil)

// MetadataStore keeps checkpoints in the coordination store under
// checkpoints/<task>/<partition>, or checkpoints/<task>/<instance>/<partition>
// for the copy of a replicated task.
type MetadataStore struct {
	store     metadata.Store
	clusterID string
	keys      metadata.KeyBuilder
}

// NewMetadataStore creates a MetadataStore. Closing it leaves store open.
func NewMetadataStore(store metadata.Store, clusterID string) *MetadataStore {
	return &MetadataStore{
		store:     store,
		clusterID: clusterID,
		keys:      metadata.NewKeyBuilder(clusterID),
	}
}

// Load implements Store.
func (s *MetadataStore) Load(ctx context.Context, scope model.CheckpointScope) (model.Checkpoints, error) {
	kvs, _, err := s.store.List(ctx, s.keys.ScopeCheckpointsPrefix(scope.TaskID, scope.Instance))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrCheckpointStore, err)
	}
	checkpoints := make(model.Checkpoints, len(kvs))
	for _, kv := range kvs {
		var k metadata.Key
		if err := k.Parse(s.clusterID, kv.Key); err != nil {
			return nil, errors.Trace(err)
		}
		// the shared prefix also holds the copies of other instances
		if k.InstanceID != scope.Instance {
			continue
		}
		checkpoints[k.Partition] = string(kv.Value)
	}
	return checkpoints, nil
}

// Commit implements Store.
func (s *MetadataStore) Commit(
	ctx context.Context, scope model.CheckpointScope, checkpoints model.Checkpoints,
) error {
	if len(checkpoints) == 0 {
		return nil
	}
	ops := make([]metadata.Op, 0, len(checkpoints))
	for _, partition := range checkpoints.Partitions() {
		ops = append(ops, metadata.OpPut(s.keys.Checkpoint(scope.TaskID, scope.Instance, partition), []byte(checkpoints[partition])))
	}
	_, err := s.store.Txn(ctx, nil, ops)
	return cerror.WrapError(cerror.ErrCheckpointStore, err)
}

// Delete implements Store.
func (s *MetadataStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.store.Delete(ctx, s.keys.CheckpointsPrefix(taskID), metadata.WithPrefix())
	return cerror.WrapError(cerror.ErrCheckpointStore, err)
}

// Close implements Store.
func (s *MetadataStore) Close() error {
	return nil
}
