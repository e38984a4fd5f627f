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
	"github.com/pingcap/datastream/datastream/model"
)

var _ Strategy = Broadcast{}

// Broadcast assigns every task to every live instance.
type Broadcast struct{}

// Name implements Strategy.
func (Broadcast) Name() string { return BroadcastStrategy }

// Replicates implements Replicator.
func (Broadcast) Replicates() bool { return true }

// Assign implements Strategy.
func (Broadcast) Assign(tasks []string, instances []model.InstanceID, _ model.Assignment) model.Assignment {
	tasks = sortedUnique(tasks)
	result := make(model.Assignment, len(instances))
	for _, id := range instances {
		result[id] = append([]string{}, tasks...)
	}
	return result
}
