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

package model

import (
	"sort"
)

// Assignment maps every instance to the sorted ids of the tasks it runs.
type Assignment map[InstanceID][]string

// Clone returns a deep copy of the assignment.
func (a Assignment) Clone() Assignment {
	clone := make(Assignment, len(a))
	for id, tasks := range a {
		clone[id] = append([]string{}, tasks...)
	}
	return clone
}

// Equal reports whether both assignments give every instance the same
// tasks. Nil and empty task lists are equal.
func (a Assignment) Equal(other Assignment) bool {
	for id, tasks := range a {
		if !equalTasks(tasks, other[id]) {
			return false
		}
	}
	for id, tasks := range other {
		if _, ok := a[id]; !ok && len(tasks) != 0 {
			return false
		}
	}
	return true
}

func equalTasks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TaskCount returns the total number of task placements.
func (a Assignment) TaskCount() int {
	count := 0
	for _, tasks := range a {
		count += len(tasks)
	}
	return count
}

// Instances returns the sorted instance ids of the assignment.
func (a Assignment) Instances() []InstanceID {
	ids := make([]InstanceID, 0, len(a))
	for id := range a {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Owners returns task id to the instances that hold it.
func (a Assignment) Owners() map[string][]InstanceID {
	owners := make(map[string][]InstanceID)
	for _, id := range a.Instances() {
		for _, task := range a[id] {
			owners[task] = append(owners[task], id)
		}
	}
	return owners
}

// Normalize sorts and dedups every task list in place.
func (a Assignment) Normalize() Assignment {
	for id, tasks := range a {
		sort.Strings(tasks)
		out := tasks[:0]
		for i, task := range tasks {
			if i > 0 && task == tasks[i-1] {
				continue
			}
			out = append(out, task)
		}
		a[id] = out
	}
	return a
}

// Leaf is one instanceAssignments/<instance>/<task> entry.
type Leaf struct {
	Instance InstanceID
	TaskID   string
}

// Diff returns the leaves to create and to delete to turn a into target.
func (a Assignment) Diff(target Assignment) (added, removed []Leaf) {
	for _, id := range target.Instances() {
		have := make(map[string]struct{}, len(a[id]))
		for _, task := range a[id] {
			have[task] = struct{}{}
		}
		for _, task := range target[id] {
			if _, ok := have[task]; !ok {
				added = append(added, Leaf{Instance: id, TaskID: task})
			}
		}
	}
	for _, id := range a.Instances() {
		want := make(map[string]struct{}, len(target[id]))
		for _, task := range target[id] {
			want[task] = struct{}{}
		}
		for _, task := range a[id] {
			if _, ok := want[task]; !ok {
				removed = append(removed, Leaf{Instance: id, TaskID: task})
			}
		}
	}
	return added, removed
}
