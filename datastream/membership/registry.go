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

package membership

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/model"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/retry"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	defaultResyncBackoff = 500 * time.Millisecond
	listRetryBaseDelay   = 100
	listRetryMaxDelay    = 2000
)

// ChangeCallback is called with the full live set, sorted by ID, after a
// transition of the live set.
type ChangeCallback func(instances []*model.InstanceInfo)

// Registry tracks the live instances of one cluster through session bound
// markers under liveInstances/.
type Registry struct {
	store metadata.Store
	keys  metadata.KeyBuilder
	host  string
	ttl   int64
	clock clock.Clock

	resyncBackoff time.Duration

	mu        sync.Mutex
	callbacks []ChangeCallback
	live      map[model.InstanceID]*model.InstanceInfo
}

// NewRegistry creates a Registry. host prefixes allocated instance names,
// ttl is the session ttl in seconds.
func NewRegistry(store metadata.Store, clusterID string, host string, ttl int64) *Registry {
	return &Registry{
		store:         store,
		keys:          metadata.NewKeyBuilder(clusterID),
		host:          host,
		ttl:           ttl,
		clock:         clock.New(),
		resyncBackoff: defaultResyncBackoff,
		live:          make(map[model.InstanceID]*model.InstanceInfo),
	}
}

// WithClock makes the registry time its resync backoff with c.
func (r *Registry) WithClock(c clock.Clock) *Registry {
	r.clock = c
	return r
}

// AllocateID reserves the next cluster unique name <host>-<seq>.
func (r *Registry) AllocateID(ctx context.Context) (model.InstanceID, error) {
	key := r.keys.InstanceSeq()
	for {
		kv, err := r.store.Get(ctx, key)
		if err != nil {
			return "", errors.Trace(err)
		}
		var seq, modRev int64
		if kv != nil {
			modRev = kv.ModRevision
			seq, err = strconv.ParseInt(string(kv.Value), 10, 64)
			if err != nil {
				return "", cerror.WrapError(cerror.ErrUnmarshalFailed, err)
			}
		}
		seq++
		resp, err := r.store.Txn(ctx,
			[]metadata.Compare{{Key: key, ModRevision: modRev}},
			[]metadata.Op{metadata.OpPut(key, []byte(strconv.FormatInt(seq, 10)))})
		if err != nil {
			return "", errors.Trace(err)
		}
		if resp.Succeeded {
			return fmt.Sprintf("%s-%d", r.host, seq), nil
		}
	}
}

// Join registers info as a live member bound to a new session and returns
// the session. An empty info.ID is replaced by an allocated name.
func (r *Registry) Join(ctx context.Context, info *model.InstanceInfo) (metadata.Session, error) {
	if info.ID == "" {
		id, err := r.AllocateID(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		info.ID = id
	}
	sess, err := r.store.NewSession(ctx, r.ttl)
	if err != nil {
		return nil, errors.Trace(err)
	}
	data, err := info.Marshal()
	if err != nil {
		_ = sess.Close()
		return nil, errors.Trace(err)
	}
	key := r.keys.LiveInstance(info.ID)
	resp, err := r.store.Txn(ctx,
		[]metadata.Compare{{Key: key, ModRevision: 0}},
		[]metadata.Op{metadata.OpPut(key, data, metadata.WithSession(sess))})
	if err == nil && !resp.Succeeded {
		err = cerror.ErrInstanceRegister.GenWithStack("instance %s is already registered", info.ID)
	}
	if err != nil {
		_ = sess.Close()
		return nil, errors.Trace(err)
	}
	log.Info("instance joined the cluster",
		zap.String("instance", info.ID),
		zap.Int64("session", sess.ID()),
		zap.Strings("connectors", info.ConnectorTypes()))
	return sess, nil
}

// Leave removes the marker of id. Closing the session has the same effect.
func (r *Registry) Leave(ctx context.Context, id model.InstanceID) error {
	_, err := r.store.Delete(ctx, r.keys.LiveInstance(id))
	if err != nil {
		return errors.Trace(err)
	}
	log.Info("instance left the cluster", zap.String("instance", id))
	return nil
}

// LiveInstances reads the live set from the store, sorted by ID, with the
// revision it was read at.
func (r *Registry) LiveInstances(ctx context.Context) (int64, []*model.InstanceInfo, error) {
	kvs, rev, err := r.store.List(ctx, r.keys.LiveInstancesPrefix())
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	instances := make([]*model.InstanceInfo, 0, len(kvs))
	for _, kv := range kvs {
		info := &model.InstanceInfo{}
		if err := info.Unmarshal(kv.Value); err != nil {
			log.Warn("skip malformed live instance", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, info)
	}
	model.SortInstances(instances)
	return rev, instances, nil
}

// OnMembershipChange registers cb. Callbacks run on the Run goroutine in
// registration order.
func (r *Registry) OnMembershipChange(cb ChangeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Run watches the live set until ctx is done. A broken watch is followed
// by a full re-list, so transitions missed while disconnected still fire
// the callbacks.
func (r *Registry) Run(ctx context.Context) error {
	for {
		err := r.watch(ctx)
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		log.Warn("membership watch broken, resyncing", zap.Error(err))
		membershipResyncCounter.Inc()
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-r.clock.After(r.resyncBackoff):
		}
	}
}

func (r *Registry) watch(ctx context.Context) error {
	var (
		rev       int64
		instances []*model.InstanceInfo
	)
	err := retry.Do(ctx, func() error {
		var inErr error
		rev, instances, inErr = r.LiveInstances(ctx)
		return inErr
	}, retry.WithBackoffBaseDelay(listRetryBaseDelay),
		retry.WithBackoffMaxDelay(listRetryMaxDelay),
		retry.WithInfiniteTries(),
		retry.WithIsRetryableErr(cerror.IsRetryableError))
	if err != nil {
		return errors.Trace(err)
	}
	live := make(map[model.InstanceID]*model.InstanceInfo, len(instances))
	for _, info := range instances {
		live[info.ID] = info
	}
	r.update(live)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for resp := range r.store.Watch(watchCtx, r.keys.LiveInstancesPrefix(), rev+1) {
		if resp.Err != nil {
			return resp.Err
		}
		live = r.apply(live, resp.Events)
		r.update(live)
	}
	return ctx.Err()
}

func (r *Registry) apply(
	live map[model.InstanceID]*model.InstanceInfo, events []metadata.Event,
) map[model.InstanceID]*model.InstanceInfo {
	next := make(map[model.InstanceID]*model.InstanceInfo, len(live))
	for id, info := range live {
		next[id] = info
	}
	for _, ev := range events {
		switch ev.Type {
		case metadata.EventDelete:
			delete(next, strings.TrimPrefix(ev.KV.Key, r.keys.LiveInstancesPrefix()))
		case metadata.EventPut:
			info := &model.InstanceInfo{}
			if err := info.Unmarshal(ev.KV.Value); err != nil {
				log.Warn("skip malformed live instance", zap.String("key", ev.KV.Key), zap.Error(err))
				continue
			}
			next[info.ID] = info
		}
	}
	return next
}

// update installs live and fires the callbacks once if the set of IDs
// differs from the last observed one.
func (r *Registry) update(live map[model.InstanceID]*model.InstanceInfo) {
	r.mu.Lock()
	changed := len(live) != len(r.live)
	if !changed {
		for id := range live {
			if _, ok := r.live[id]; !ok {
				changed = true
				break
			}
		}
	}
	r.live = live
	callbacks := append([]ChangeCallback{}, r.callbacks...)
	r.mu.Unlock()
	if !changed {
		return
	}
	instances := sortedInfos(live)
	liveInstancesGauge.Set(float64(len(instances)))
	ids := make([]string, 0, len(instances))
	for _, info := range instances {
		ids = append(ids, info.ID)
	}
	log.Info("live instances changed", zap.Strings("instances", ids))
	for _, cb := range callbacks {
		cb(instances)
	}
}

func sortedInfos(live map[model.InstanceID]*model.InstanceInfo) []*model.InstanceInfo {
	instances := make([]*model.InstanceInfo, 0, len(live))
	for _, info := range live {
		instances = append(instances, info)
	}
	model.SortInstances(instances)
	return instances
}
