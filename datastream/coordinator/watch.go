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
	"context"
	"sort"

	"github.com/pingcap/datastream/datastream/model"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/retry"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	listRetryBaseDelay = 100
	listRetryMaxDelay  = 2000
)

// watchPrefix schedules a reconciliation for every change under prefix.
// A broken watch is re-established after a backoff, and a reconciliation
// is scheduled for the changes missed meanwhile.
func (c *Coordinator) watchPrefix(ctx context.Context, prefix string) {
	for {
		for resp := range c.store.Watch(ctx, prefix, 0) {
			if resp.Err != nil {
				log.Warn("watch broken",
					zap.String("instance", c.InstanceID()),
					zap.String("prefix", prefix),
					zap.Error(resp.Err))
				break
			}
			c.schedule()
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(rewatchBackoff):
		}
		c.schedule()
	}
}

// watchAssignment hands the full task list of this instance to the
// executor every time its assignment subtree changes.
func (c *Coordinator) watchAssignment(ctx context.Context) {
	prefix := c.keys.InstanceAssignmentsPrefix(c.InstanceID())
	for {
		rev, err := c.applyAssignment(ctx, prefix)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("read assignment failed", zap.String("instance", c.InstanceID()), zap.Error(err))
		}
		if err == nil {
			c.watchAssignmentFrom(ctx, prefix, rev)
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(rewatchBackoff):
		}
	}
}

func (c *Coordinator) watchAssignmentFrom(ctx context.Context, prefix string, rev int64) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for resp := range c.store.Watch(watchCtx, prefix, rev+1) {
		if resp.Err != nil {
			log.Warn("assignment watch broken",
				zap.String("instance", c.InstanceID()), zap.Error(resp.Err))
			return
		}
		if _, err := c.applyAssignment(ctx, prefix); err != nil {
			log.Warn("read assignment failed", zap.String("instance", c.InstanceID()), zap.Error(err))
			return
		}
	}
}

// applyAssignment reads the assignment subtree and reconciles the
// executor with it. It returns the revision the subtree was read at.
func (c *Coordinator) applyAssignment(ctx context.Context, prefix string) (int64, error) {
	var tasks []*model.DatastreamTask
	var rev int64
	err := retry.Do(ctx, func() error {
		kvs, listRev, err := c.store.List(ctx, prefix)
		if err != nil {
			return errors.Trace(err)
		}
		rev = listRev
		tasks = tasks[:0]
		for _, kv := range kvs {
			task := &model.DatastreamTask{}
			if err := task.Unmarshal(kv.Value); err != nil {
				log.Warn("skip malformed assignment leaf", zap.String("key", kv.Key), zap.Error(err))
				continue
			}
			tasks = append(tasks, task)
		}
		kv, err := c.store.Get(ctx, c.keys.Generation())
		if err != nil {
			return errors.Trace(err)
		}
		if kv != nil {
			var g model.Generation
			if err := g.Unmarshal(kv.Value); err == nil {
				c.observeGeneration(g.Generation)
			}
		}
		return nil
	}, retry.WithBackoffBaseDelay(listRetryBaseDelay),
		retry.WithBackoffMaxDelay(listRetryMaxDelay),
		retry.WithInfiniteTries(),
		retry.WithIsRetryableErr(cerror.IsRetryableError))
	if err != nil {
		return 0, errors.Trace(err)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	if err := c.executor.Reconcile(ctx, tasks); err != nil {
		return 0, errors.Trace(err)
	}
	if !c.mayWrite() {
		c.setState(StateSteady)
	}
	return rev, nil
}
