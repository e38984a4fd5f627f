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

	"github.com/pingcap/datastream/datastream/model"
)

var _ Strategy = LoadBalancing{}

// LoadBalancing spreads tasks over the instances so that task counts differ
// by at most one.
//
// Tasks an instance already holds stay there unless the instance is above
// its balanced target, in which case its highest task ids are released.
// Released, orphaned and new tasks are placed in task id order, round-robin
// over the sorted instances that are still below target.
type LoadBalancing struct{}

// Name implements Strategy.
func (LoadBalancing) Name() string { return LoadBalancingStrategy }

// Assign implements Strategy.
func (LoadBalancing) Assign(
	tasks []string, instances []model.InstanceID, previous model.Assignment,
) model.Assignment {
	instances = sortedUnique(instances)
	result := make(model.Assignment, len(instances))
	if len(instances) == 0 {
		return result
	}
	tasks = sortedUnique(tasks)
	for _, id := range instances {
		result[id] = []string{}
	}
	if len(tasks) == 0 {
		return result
	}

	// Keep previous placements of live tasks on live instances. A task
	// held by several instances stays with the lowest id.
	pending := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		pending[task] = struct{}{}
	}
	for _, id := range instances {
		held := sortedUnique(previous[id])
		for _, task := range held {
			if _, ok := pending[task]; ok {
				result[id] = append(result[id], task)
				delete(pending, task)
			}
		}
	}

	targets := balancedTargets(len(tasks), instances, result)
	for _, id := range instances {
		if kept := result[id]; len(kept) > targets[id] {
			for _, task := range kept[targets[id]:] {
				pending[task] = struct{}{}
			}
			result[id] = kept[:targets[id]]
		}
	}

	orphans := make([]string, 0, len(pending))
	for task := range pending {
		orphans = append(orphans, task)
	}
	sort.Strings(orphans)
	cursor := 0
	for _, task := range orphans {
		for len(result[instances[cursor]]) >= targets[instances[cursor]] {
			cursor = (cursor + 1) % len(instances)
		}
		id := instances[cursor]
		result[id] = append(result[id], task)
		cursor = (cursor + 1) % len(instances)
	}
	return result.Normalize()
}

// balancedTargets gives every instance total/n tasks and hands the
// remainder to the instances that already hold the most, so balancing
// moves as few tasks as possible. Ties go to the lower instance id.
func balancedTargets(total int, instances []model.InstanceID, kept model.Assignment) map[model.InstanceID]int {
	base, extra := total/len(instances), total%len(instances)
	order := append([]model.InstanceID{}, instances...)
	sort.SliceStable(order, func(i, j int) bool {
		return len(kept[order[i]]) > len(kept[order[j]])
	})
	targets := make(map[model.InstanceID]int, len(instances))
	for i, id := range order {
		targets[id] = base
		if i < extra {
			targets[id]++
		}
	}
	return targets
}
