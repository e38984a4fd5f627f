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

package coordinator

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/pingcap/datastream/datastream/assignment"
	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/model"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/logutil"
	"github.com/pingcap/datastream/pkg/retry"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	reconcileMaxTries       = 5
	reconcileRetryBaseDelay = 100
	reconcileRetryMaxDelay  = 2000

	cleanupRetryBaseDelay = 50
	cleanupMaxDuration    = 10 * time.Second
)

// clusterSnapshot is the coordination state of a cluster read at one
// store revision.
type clusterSnapshot struct {
	revision    int64
	instances   []*model.InstanceInfo
	datastreams []*model.Datastream
	current     model.Assignment
	leaves      map[model.Leaf][]byte
	tasks       map[string][]byte
	unassigned  map[string][]byte
	taskErrors  map[string]struct{}

	generation model.Generation
	// generationRev is the mod revision of the generation record, zero if
	// it was never written.
	generationRev int64
}

func (c *Coordinator) readSnapshot(ctx context.Context) (*clusterSnapshot, error) {
	kvs, rev, err := c.store.List(ctx, c.keys.Root()+"/")
	if err != nil {
		return nil, errors.Trace(err)
	}
	snap := &clusterSnapshot{
		revision:   rev,
		current:    make(model.Assignment),
		leaves:     make(map[model.Leaf][]byte),
		tasks:      make(map[string][]byte),
		unassigned: make(map[string][]byte),
		taskErrors: make(map[string]struct{}),
	}
	for _, kv := range kvs {
		var k metadata.Key
		if err := k.Parse(c.clusterID, kv.Key); err != nil {
			log.Warn("skip unknown key", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		switch k.Tp {
		case metadata.KeyTypeLiveInstance:
			info := &model.InstanceInfo{}
			if err := info.Unmarshal(kv.Value); err != nil {
				log.Warn("skip malformed live instance", zap.String("key", kv.Key), zap.Error(err))
				continue
			}
			snap.instances = append(snap.instances, info)
		case metadata.KeyTypeDatastream:
			d := &model.Datastream{}
			if err := d.Unmarshal(kv.Value); err != nil {
				log.Warn("skip malformed datastream", zap.String("key", kv.Key), zap.Error(err))
				continue
			}
			if err := d.Validate(); err != nil {
				log.Warn("skip invalid datastream", zap.String("datastream", k.Datastream), zap.Error(err))
				continue
			}
			snap.datastreams = append(snap.datastreams, d)
		case metadata.KeyTypeAssignment:
			snap.current[k.InstanceID] = append(snap.current[k.InstanceID], k.TaskID)
			snap.leaves[model.Leaf{Instance: k.InstanceID, TaskID: k.TaskID}] = kv.Value
		case metadata.KeyTypeTask:
			snap.tasks[k.TaskID] = kv.Value
		case metadata.KeyTypeUnassigned:
			snap.unassigned[k.TaskID] = kv.Value
		case metadata.KeyTypeTaskError:
			snap.taskErrors[k.TaskID] = struct{}{}
		case metadata.KeyTypeGeneration:
			if err := snap.generation.Unmarshal(kv.Value); err != nil {
				return nil, errors.Trace(err)
			}
			snap.generationRev = kv.ModRevision
		}
	}
	model.SortInstances(snap.instances)
	snap.current.Normalize()
	return snap, nil
}

// delta computes the writes that turn the stored state into plan, and the
// tasks they remove for good.
func (c *Coordinator) delta(
	snap *clusterSnapshot, tasks []*model.DatastreamTask, plan *assignment.Plan,
) (ops []metadata.Op, gone []string, err error) {
	encoded := make(map[string][]byte, len(tasks))
	for _, task := range tasks {
		data, err := task.Marshal()
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		encoded[task.ID] = data
	}

	added, removed := snap.current.Diff(plan.Assignment)
	for _, leaf := range removed {
		ops = append(ops, metadata.OpDelete(c.keys.Assignment(leaf.Instance, leaf.TaskID)))
	}
	addedSet := make(map[model.Leaf]struct{}, len(added))
	for _, leaf := range added {
		addedSet[leaf] = struct{}{}
		ops = append(ops, metadata.OpPut(c.keys.Assignment(leaf.Instance, leaf.TaskID), encoded[leaf.TaskID]))
	}
	// kept leaves carry the task definition, refresh the stale ones
	for _, id := range plan.Assignment.Instances() {
		for _, taskID := range plan.Assignment[id] {
			leaf := model.Leaf{Instance: id, TaskID: taskID}
			if _, ok := addedSet[leaf]; ok {
				continue
			}
			if !bytes.Equal(snap.leaves[leaf], encoded[taskID]) {
				ops = append(ops, metadata.OpPut(c.keys.Assignment(id, taskID), encoded[taskID]))
			}
		}
	}

	for _, task := range tasks {
		if !bytes.Equal(snap.tasks[task.ID], encoded[task.ID]) {
			ops = append(ops, metadata.OpPut(c.keys.Task(task.ID), encoded[task.ID]))
		}
	}
	for _, id := range sortedKeys(snap.tasks) {
		if _, ok := encoded[id]; ok {
			continue
		}
		gone = append(gone, id)
		ops = append(ops, metadata.OpDelete(c.keys.Task(id)))
		if _, ok := snap.taskErrors[id]; ok {
			ops = append(ops, metadata.OpDelete(c.keys.TaskError(id)))
		}
	}

	wantUnassigned := make(map[string]struct{}, len(plan.Unassigned))
	for _, u := range plan.Unassigned {
		wantUnassigned[u.TaskID] = struct{}{}
		data, err := u.Marshal()
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if !bytes.Equal(snap.unassigned[u.TaskID], data) {
			ops = append(ops, metadata.OpPut(c.keys.Unassigned(u.TaskID), data))
		}
	}
	for _, id := range sortedKeys(snap.unassigned) {
		if _, ok := wantUnassigned[id]; !ok {
			ops = append(ops, metadata.OpDelete(c.keys.Unassigned(id)))
		}
	}
	return ops, gone, nil
}

// reconcileOnce reads the cluster, plans it and writes the changes
// guarded by the generation record.
func (c *Coordinator) reconcileOnce(ctx context.Context) (string, error) {
	snap, err := c.readSnapshot(ctx)
	if err != nil {
		return resultError, errors.Trace(err)
	}
	return c.writePlan(ctx, snap)
}

// writePlan plans the cluster read in snap and writes the delta if the
// generation record did not move since snap was read.
func (c *Coordinator) writePlan(ctx context.Context, snap *clusterSnapshot) (string, error) {
	tasks := model.DeriveTasks(snap.datastreams)
	plan := assignment.Compute(tasks, snap.instances, snap.current, c.defaultStrategy)
	for _, task := range tasks {
		task.Replicated = plan.Replicated[task.ConnectorType]
	}
	unassignedTasksGauge.Set(float64(len(plan.Unassigned)))
	ops, gone, err := c.delta(snap, tasks, plan)
	if err != nil {
		return resultError, errors.Trace(err)
	}
	if len(ops) == 0 {
		c.observeGeneration(snap.generation.Generation)
		return resultNoop, nil
	}

	next := model.Generation{
		Generation:    snap.generation.Generation + 1,
		InputRevision: snap.revision,
		Writer:        c.InstanceID(),
	}
	data, err := next.Marshal()
	if err != nil {
		return resultError, errors.Trace(err)
	}
	ops = append(ops, metadata.OpPut(c.keys.Generation(), data))
	resp, err := c.store.Txn(ctx,
		[]metadata.Compare{{Key: c.keys.Generation(), ModRevision: snap.generationRev}}, ops)
	if err != nil {
		return resultError, errors.Trace(err)
	}
	if !resp.Succeeded {
		return c.resolveConflict(ctx, snap)
	}
	c.observeGeneration(next.Generation)
	log.Info("assignment written",
		zap.String("instance", c.InstanceID()),
		zap.Int64("generation", next.Generation),
		zap.Int64("inputRevision", snap.revision),
		zap.Int("instances", len(snap.instances)),
		zap.Int("tasks", len(tasks)),
		zap.Int("unassigned", len(plan.Unassigned)),
		zap.Int("ops", len(ops)))
	c.dropCheckpoints(ctx, gone)
	return resultWritten, nil
}

// dropCheckpoints clears the progress of tasks that no longer exist. A
// failure leaves orphaned records behind and is only logged.
func (c *Coordinator) dropCheckpoints(ctx context.Context, tasks []string) {
	if c.checkpoints == nil {
		return
	}
	for _, id := range tasks {
		err := retry.Do(ctx, func() error {
			return c.checkpoints.Delete(ctx, id)
		}, retry.WithBackoffBaseDelay(cleanupRetryBaseDelay),
			retry.WithInfiniteTries(),
			retry.WithTotalRetryDuration(cleanupMaxDuration))
		if err != nil {
			log.Warn("failed to drop checkpoints of a removed task",
				zap.String("instance", c.InstanceID()),
				zap.String("task", id), logutil.ShortError(err))
		}
	}
}

// resolveConflict decides what a lost generation race means. A winner
// that read fresher inputs already covers this run, otherwise the inputs
// changed under this run and it must be computed again.
func (c *Coordinator) resolveConflict(ctx context.Context, snap *clusterSnapshot) (string, error) {
	kv, err := c.store.Get(ctx, c.keys.Generation())
	if err != nil {
		return resultError, errors.Trace(err)
	}
	var latest model.Generation
	if kv != nil {
		if err := latest.Unmarshal(kv.Value); err != nil {
			return resultError, errors.Trace(err)
		}
	}
	c.observeGeneration(latest.Generation)
	if latest.InputRevision >= snap.revision {
		log.Info("assignment abandoned, a writer used fresher inputs",
			zap.String("instance", c.InstanceID()),
			zap.Error(cerror.ErrStaleGeneration.GenWithStackByArgs(snap.revision, latest.InputRevision)),
			zap.String("writer", latest.Writer))
		return resultStale, nil
	}
	log.Info("assignment write conflict, rescheduling",
		zap.String("instance", c.InstanceID()),
		zap.Int64("inputRevision", snap.revision),
		zap.Int64("latestGeneration", latest.Generation))
	c.schedule()
	return resultConflict, nil
}

// reconcile runs one reconciliation with retries for store failures.
func (c *Coordinator) reconcile(ctx context.Context) {
	if !c.mayWrite() {
		return
	}
	c.setState(StateRebalancing)
	start := time.Now()
	var result string
	err := retry.Do(ctx, func() error {
		var err error
		result, err = c.reconcileOnce(ctx)
		return err
	}, retry.WithBackoffBaseDelay(reconcileRetryBaseDelay),
		retry.WithBackoffMaxDelay(reconcileRetryMaxDelay),
		retry.WithMaxTries(reconcileMaxTries),
		retry.WithIsRetryableErr(cerror.IsRetryableError))
	reconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		reconcileCounter.WithLabelValues(resultError).Inc()
		if ctx.Err() == nil {
			log.Warn("reconcile failed, waiting for the next trigger",
				zap.String("instance", c.InstanceID()), zap.Error(err))
		}
		return
	}
	reconcileCounter.WithLabelValues(result).Inc()
	if result != resultConflict && len(c.pending) == 0 {
		c.setState(StateSteady)
	}
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
