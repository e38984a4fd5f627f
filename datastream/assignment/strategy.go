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

package assignment

import (
	"sort"
	"sync"

	"github.com/pingcap/datastream/datastream/model"
	cerror "github.com/pingcap/datastream/pkg/errors"
)

// Strategy names.
const (
	BroadcastStrategy     = "broadcast"
	LoadBalancingStrategy = "load-balancing"
)

// Strategy computes an assignment from the task set, the live instance set
// and the previous assignment. Implementations must be pure: the same
// inputs always yield the same output, so coordinators that compute
// concurrently converge without talking to each other.
type Strategy interface {
	Name() string
	// Assign returns the assignment of tasks over instances. Every
	// instance has an entry, possibly empty, and every task list is
	// sorted.
	Assign(tasks []string, instances []model.InstanceID, previous model.Assignment) model.Assignment
}

// Replicator is implemented by strategies that hand every task to more than
// one instance.
type Replicator interface {
	Replicates() bool
}

func replicates(s Strategy) bool {
	r, ok := s.(Replicator)
	return ok && r.Replicates()
}

// Factory creates a strategy.
type Factory func() Strategy

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		BroadcastStrategy:     func() Strategy { return Broadcast{} },
		LoadBalancingStrategy: func() Strategy { return LoadBalancing{} },
	}
)

// Register makes a strategy available under name, replacing any strategy
// registered with the same name.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// New returns the strategy registered under name.
func New(name string) (Strategy, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	factory, ok := factories[name]
	if !ok {
		return nil, cerror.ErrUnknownStrategy.GenWithStackByArgs(name)
	}
	return factory(), nil
}

// Names returns the sorted names of all registered strategies.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedUnique(ids []string) []string {
	out := append([]string{}, ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i > 0 && id == out[i-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}
