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

package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/datastream/producer"
	"github.com/pingcap/datastream/pkg/config"
	cerror "github.com/pingcap/datastream/pkg/errors"
)

// Handler reads the source partitions of one task and feeds the records
// to the producer of the task.
type Handler interface {
	// Start begins reading after the given checkpoints. It returns once
	// reading has started, a returned error fails the start attempt.
	Start(ctx context.Context, checkpoints model.Checkpoints, p producer.Producer) error
	// Stop stops reading and waits for the reader goroutines.
	Stop()
}

// Drainer is implemented by handlers that act once the producer of their
// task has drained, such as connectors persisting their own checkpoints.
type Drainer interface {
	Drained()
}

// Factory creates the handler of a task.
type Factory interface {
	New(task *model.DatastreamTask) (Handler, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(task *model.DatastreamTask) (Handler, error)

// New implements Factory.
func (f FactoryFunc) New(task *model.DatastreamTask) (Handler, error) {
	return f(task)
}

// Builder creates the factory of a connector type from its options.
type Builder func(options map[string]string) (Factory, error)

var (
	buildersMu sync.RWMutex
	builders   = map[string]Builder{
		FileConnector:  NewFileFactory,
		DummyConnector: NewDummyFactory,
	}
)

// RegisterBuilder makes a connector type available to NewRegistry.
func RegisterBuilder(tp string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[tp] = b
}

// Registry holds the factories of the connector types an instance runs.
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	strategies map[string]string
}

// NewRegistry builds the factories of every configured connector type.
func NewRegistry(cfgs map[string]*config.ConnectorConfig) (*Registry, error) {
	r := &Registry{
		factories:  make(map[string]Factory, len(cfgs)),
		strategies: make(map[string]string, len(cfgs)),
	}
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	for tp, cfg := range cfgs {
		b, ok := builders[tp]
		if !ok {
			return nil, cerror.ErrUnknownConnector.GenWithStackByArgs(tp)
		}
		f, err := b(cfg.Options)
		if err != nil {
			return nil, err
		}
		r.factories[tp] = f
		r.strategies[tp] = cfg.Strategy
	}
	return r, nil
}

// NewEmptyRegistry creates a registry without any connector type.
func NewEmptyRegistry() *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		strategies: make(map[string]string),
	}
}

// Register adds or replaces the factory of a connector type.
func (r *Registry) Register(tp string, strategy string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tp] = f
	r.strategies[tp] = strategy
}

// Get returns the factory of a connector type.
func (r *Registry) Get(tp string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[tp]
	if !ok {
		return nil, cerror.ErrUnknownConnector.GenWithStackByArgs(tp)
	}
	return f, nil
}

// Types returns the sorted connector types of the registry.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for tp := range r.factories {
		types = append(types, tp)
	}
	sort.Strings(types)
	return types
}

// Strategies returns connector type to assignment strategy, the value
// advertised in InstanceInfo.Connectors.
func (r *Registry) Strategies() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.strategies))
	for tp, s := range r.strategies {
		out[tp] = s
	}
	return out
}

// mergeOptions returns factory options overridden by the task metadata.
func mergeOptions(options, metadata map[string]string) map[string]string {
	out := make(map[string]string, len(options)+len(metadata))
	for k, v := range options {
		out[k] = v
	}
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
