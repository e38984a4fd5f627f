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

package schemaregistry

import (
	"context"
	"strconv"
	"sync"

	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
)

var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is a process local registry. Ids are assigned in
// registration order and shared by all subjects.
type MemoryRegistry struct {
	mu     sync.Mutex
	ids    map[string]string
	byID   map[string]string
	lastID int
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		ids:  make(map[string]string),
		byID: make(map[string]string),
	}
}

// Register implements Registry.
func (r *MemoryRegistry) Register(_ context.Context, _ string, schema []byte) (string, error) {
	canonical, err := Canonicalize(schema)
	if err != nil {
		return "", errors.Trace(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[canonical]; ok {
		return id, nil
	}
	r.lastID++
	id := strconv.Itoa(r.lastID)
	r.ids[canonical] = id
	r.byID[id] = canonical
	return id, nil
}

// Fetch implements Registry.
func (r *MemoryRegistry) Fetch(_ context.Context, id string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	schema, ok := r.byID[id]
	if !ok {
		return nil, cerror.ErrSchemaNotFound.GenWithStackByArgs(id)
	}
	return []byte(schema), nil
}
