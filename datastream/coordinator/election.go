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

	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// campaign competes for the leader key until ctx is done. The key is
// bound to the session, so leadership ends with the session.
func (c *Coordinator) campaign(ctx context.Context, sess metadata.Session) {
	key := c.keys.Leader()
	for {
		resp, err := c.store.Txn(ctx,
			[]metadata.Compare{{Key: key, ModRevision: 0}},
			[]metadata.Op{metadata.OpPut(key, []byte(c.InstanceID()), metadata.WithSession(sess))})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("campaign leader failed", zap.String("instance", c.InstanceID()), zap.Error(err))
		} else if resp.Succeeded {
			c.setLeader(true)
			log.Info("campaign leader successfully", zap.String("instance", c.InstanceID()))
			c.schedule()
			<-ctx.Done()
			return
		} else {
			c.waitLeaderGone(ctx, key)
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(rewatchBackoff):
		}
	}
}

// waitLeaderGone returns once the current leader key is deleted, or the
// watch breaks.
func (c *Coordinator) waitLeaderGone(ctx context.Context, key string) {
	kv, err := c.store.Get(ctx, key)
	if err != nil || kv == nil {
		return
	}
	log.Info("following leader",
		zap.String("instance", c.InstanceID()), zap.String("leader", string(kv.Value)))
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for resp := range c.store.Watch(watchCtx, key, kv.ModRevision+1) {
		if resp.Err != nil {
			return
		}
		for _, ev := range resp.Events {
			if ev.Type == metadata.EventDelete && ev.KV.Key == key {
				return
			}
		}
	}
}
