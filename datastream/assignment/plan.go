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
	cerror "github.com/pingcap/datastream/pkg/errors"
)

// Plan is the outcome of planning a whole cluster.
type Plan struct {
	Assignment model.Assignment
	// Unassigned lists, sorted by task id, the tasks no live instance can
	// run.
	Unassigned []*model.UnassignedTask
	// Replicated holds the connector types whose strategy runs a copy of
	// each task on every capable instance.
	Replicated map[string]bool
}

// Compute assigns tasks per connector type. Only instances with a handler
// for a connector type take part in its assignment, and the strategy is
// the one the lowest capable instance id names for the type, or
// defaultStrategy if it names none.
func Compute(
	tasks []*model.DatastreamTask,
	instances []*model.InstanceInfo,
	previous model.Assignment,
	defaultStrategy string,
) *Plan {
	sorted := append([]*model.InstanceInfo{}, instances...)
	model.SortInstances(sorted)

	byType := make(map[string][]string)
	for _, task := range tasks {
		byType[task.ConnectorType] = append(byType[task.ConnectorType], task.ID)
	}
	types := make([]string, 0, len(byType))
	for tp := range byType {
		types = append(types, tp)
	}
	sort.Strings(types)

	plan := &Plan{
		Assignment: make(model.Assignment, len(sorted)),
		Replicated: make(map[string]bool),
	}
	for _, info := range sorted {
		plan.Assignment[info.ID] = []string{}
	}
	for _, tp := range types {
		var capable []model.InstanceID
		strategyName := ""
		for _, info := range sorted {
			if !info.CanRun(tp) {
				continue
			}
			if len(capable) == 0 {
				strategyName = info.Connectors[tp]
			}
			capable = append(capable, info.ID)
		}
		if strategyName == "" {
			strategyName = defaultStrategy
		}
		if len(capable) == 0 {
			plan.unassign(tp, byType[tp], func(task string) error {
				return cerror.ErrAssignment.GenWithStackByArgs(tp, task)
			})
			continue
		}
		strategy, err := New(strategyName)
		if err != nil {
			plan.unassign(tp, byType[tp], func(string) error { return err })
			continue
		}
		if replicates(strategy) {
			plan.Replicated[tp] = true
		}
		result := strategy.Assign(byType[tp], capable, previous)
		for id, assigned := range result {
			plan.Assignment[id] = append(plan.Assignment[id], assigned...)
		}
	}
	plan.Assignment.Normalize()
	sort.Slice(plan.Unassigned, func(i, j int) bool {
		return plan.Unassigned[i].TaskID < plan.Unassigned[j].TaskID
	})
	return plan
}

func (p *Plan) unassign(connectorType string, tasks []string, reason func(task string) error) {
	for _, task := range tasks {
		p.Unassigned = append(p.Unassigned, &model.UnassignedTask{
			TaskID:        task,
			ConnectorType: connectorType,
			Reason:        reason(task).Error(),
		})
	}
}
