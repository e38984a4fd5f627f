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
	"github.com/pingcap/datastream/pkg/config"
)

// Store persists the checkpoints of DATASTREAM policy tasks.
type Store interface {
	// Load returns the last committed checkpoints of a scope, empty if
	// nothing was committed.
	Load(ctx context.Context, scope model.CheckpointScope) (model.Checkpoints, error)
	// Commit overwrites the given partitions of a scope atomically.
	// Partitions absent from checkpoints keep their stored token.
	Commit(ctx context.Context, scope model.CheckpointScope, checkpoints model.Checkpoints) error
	// Delete drops all checkpoints of a task, in every scope.
	Delete(ctx context.Context, taskID string) error
	Close() error
}

// New opens the checkpoint store selected by cfg. The metadata backed
// store shares the given coordination store.
func New(
	ctx context.Context, cfg *config.CheckpointConfig, store metadata.Store, clusterID string,
) (Store, error) {
	if cfg.Storage == config.CheckpointStorageMetadata {
		return NewMetadataStore(store, clusterID), nil
	}
	return OpenSQLStore(ctx, cfg.Storage, cfg.DSN)
}
