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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/datastream/datastream/checkpoint"
	"github.com/pingcap/datastream/datastream/membership"
	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/pkg/config"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/logutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a coordinator.
type State string

// Coordinator states. REBALANCING and STEADY are the active states.
const (
	StateInitializing State = "INITIALIZING"
	StateRebalancing  State = "REBALANCING"
	StateSteady       State = "STEADY"
	StateShuttingDown State = "SHUTTING_DOWN"
)

const (
	defaultRejoinInterval = 5 * time.Second
	rejoinBurst           = 2
	rewatchBackoff        = 500 * time.Millisecond
)

// TaskRunner runs the tasks assigned to this instance.
type TaskRunner interface {
	// Reconcile makes the running tasks equal to tasks.
	Reconcile(ctx context.Context, tasks []*model.DatastreamTask) error
	Statuses() []model.TaskStatus
	Close(ctx context.Context) error
}

// Options are the collaborators of a coordinator.
type Options struct {
	Store     metadata.Store
	ClusterID string
	// Info describes this instance, an empty ID is allocated on the first
	// join and kept across rejoins.
	Info            *model.InstanceInfo
	Host            string
	SessionTTL      int64
	Config          *config.CoordinatorConfig
	DefaultStrategy string
	Executor        TaskRunner
	// Checkpoints is cleared of the tasks removed by a written assignment.
	Checkpoints checkpoint.Store
	Clock       clock.Clock
	// RejoinInterval bounds how often a lost session is replaced.
	RejoinInterval time.Duration
}

// Status is the observable state of a coordinator.
type Status struct {
	Instance   string                  `json:"instance"`
	State      State                   `json:"state"`
	Leader     bool                    `json:"leader"`
	Generation int64                   `json:"generation"`
	Unassigned []*model.UnassignedTask `json:"unassigned"`
	Tasks      []model.TaskStatus      `json:"tasks"`
}

// Coordinator keeps the assignment of a cluster reconciled with its live
// instances and datastreams, and feeds this instance's share to its
// executor. Every instance runs one, writes are guarded by the generation
// record so concurrent coordinators stay correct.
type Coordinator struct {
	store           metadata.Store
	clusterID       string
	keys            metadata.KeyBuilder
	cfg             *config.CoordinatorConfig
	defaultStrategy string
	executor        TaskRunner
	checkpoints     checkpoint.Store
	clock           clock.Clock
	registry        *membership.Registry
	rejoinLimiter   *rate.Limiter

	infoMu sync.Mutex
	info   *model.InstanceInfo

	state      atomic.String
	leader     atomic.Bool
	generation atomic.Int64
	// pending holds at most one scheduled reconciliation.
	pending chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	session metadata.Session
}

// New creates a coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Info == nil {
		opts.Info = &model.InstanceInfo{}
	}
	if opts.RejoinInterval <= 0 {
		opts.RejoinInterval = defaultRejoinInterval
	}
	c := &Coordinator{
		store:           opts.Store,
		clusterID:       opts.ClusterID,
		keys:            metadata.NewKeyBuilder(opts.ClusterID),
		cfg:             opts.Config,
		defaultStrategy: opts.DefaultStrategy,
		executor:        opts.Executor,
		checkpoints:     opts.Checkpoints,
		clock:           opts.Clock,
		registry:        membership.NewRegistry(opts.Store, opts.ClusterID, opts.Host, opts.SessionTTL).WithClock(opts.Clock),
		rejoinLimiter:   rate.NewLimiter(rate.Every(opts.RejoinInterval), rejoinBurst),
		info:            opts.Info,
		pending:         make(chan struct{}, 1),
	}
	c.state.Store(string(StateInitializing))
	c.registry.OnMembershipChange(func([]*model.InstanceInfo) { c.schedule() })
	return c
}

// InstanceID returns the name of this instance, empty before the first join.
func (c *Coordinator) InstanceID() model.InstanceID {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.info.ID
}

// Registry returns the membership registry of this coordinator.
func (c *Coordinator) Registry() *membership.Registry {
	return c.registry
}

func (c *Coordinator) setState(s State) {
	for {
		old := c.state.Load()
		if State(old) == StateShuttingDown {
			return
		}
		if c.state.CompareAndSwap(old, string(s)) {
			if old != string(s) {
				log.Info("coordinator state changed",
					zap.String("instance", c.InstanceID()),
					zap.String("from", old), zap.String("to", string(s)))
			}
			return
		}
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setLeader(leader bool) {
	c.leader.Store(leader)
	if leader {
		leaderGauge.Set(1)
	} else {
		leaderGauge.Set(0)
	}
}

// IsLeader reports whether this instance holds the leadership.
func (c *Coordinator) IsLeader() bool {
	return c.leader.Load()
}

// mayWrite reports whether this instance computes assignments.
func (c *Coordinator) mayWrite() bool {
	return !c.cfg.Election || c.leader.Load()
}

func (c *Coordinator) observeGeneration(g int64) {
	for {
		old := c.generation.Load()
		if g <= old || c.generation.CompareAndSwap(old, g) {
			break
		}
	}
	generationGauge.Set(float64(c.generation.Load()))
}

// schedule requests a reconciliation, requests made while one is pending
// are merged into it.
func (c *Coordinator) schedule() {
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

// TriggerRebalance schedules a reconciliation.
func (c *Coordinator) TriggerRebalance() {
	log.Info("rebalance triggered", zap.String("instance", c.InstanceID()))
	c.schedule()
}

// Run joins the cluster and coordinates until ctx is done or Close is
// called. A lost session stops the local tasks and the instance rejoins
// with a new session.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return cerror.ErrCoordinatorClosed.GenWithStackByArgs()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()
	defer func() {
		cancel()
		close(done)
		log.Info("coordinator routine exited", zap.String("instance", c.InstanceID()))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := c.rejoinLimiter.Wait(ctx); err != nil {
			if errors.Cause(err) == context.Canceled || ctx.Err() != nil {
				return nil
			}
			return errors.Trace(err)
		}
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if cerror.Is(err, cerror.ErrInstanceSuicide) || cerror.IsRetryableError(err) {
			rejoinCounter.Inc()
			log.Warn("coordinator lost its session, rejoining",
				zap.String("instance", c.InstanceID()), zap.Error(err))
			continue
		}
		return errors.Trace(err)
	}
}

func (c *Coordinator) join(ctx context.Context) (metadata.Session, error) {
	c.infoMu.Lock()
	info := *c.info
	c.infoMu.Unlock()
	sess, err := c.registry.Join(ctx, &info)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.infoMu.Lock()
	c.info = &info
	c.infoMu.Unlock()
	return sess, nil
}

func (c *Coordinator) runSession(ctx context.Context) error {
	c.setState(StateInitializing)
	sess, err := c.join(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	defer func() {
		c.setLeader(false)
		// tasks of a dead session belong to someone else now
		if err := c.executor.Reconcile(context.Background(), nil); err != nil {
			log.Warn("stop tasks of the session failed", zap.Error(err))
		}
		// a graceful shutdown drops the marker at once, a lost session
		// has no marker left
		if c.State() == StateShuttingDown {
			if err := c.registry.Leave(context.Background(), c.InstanceID()); err != nil {
				log.Warn("leave the cluster failed",
					zap.String("instance", c.InstanceID()), logutil.ShortError(err))
			}
		}
		if err := sess.Close(); err != nil {
			log.Warn("revoke session failed", zap.Error(err))
		}
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sess.Done():
			return cerror.ErrInstanceSuicide.GenWithStackByArgs()
		}
	})
	g.Go(func() error {
		return ignoreCanceled(c.registry.Run(gctx))
	})
	g.Go(func() error {
		c.watchPrefix(gctx, c.keys.DatastreamsPrefix())
		return nil
	})
	g.Go(func() error {
		c.watchAssignment(gctx)
		return nil
	})
	if c.cfg.Election {
		g.Go(func() error {
			c.campaign(gctx, sess)
			return nil
		})
	}
	g.Go(func() error {
		c.reconcileLoop(gctx)
		return nil
	})
	c.schedule()
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

// reconcileLoop is the only goroutine that writes assignments.
func (c *Coordinator) reconcileLoop(ctx context.Context) {
	debounce := time.Duration(c.cfg.RebalanceDebounce)
	failpoint.Inject("rebalanceDebounceInject", func(val failpoint.Value) {
		debounce = time.Millisecond * time.Duration(val.(int))
	})
	ticker := c.clock.Ticker(time.Duration(c.cfg.ResyncInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.pending:
		case <-ticker.C:
		}
		if debounce > 0 {
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(debounce):
			}
		}
		// triggers during the debounce are served by this run
		select {
		case <-c.pending:
		default:
		}
		c.reconcile(ctx)
	}
}

// Status returns the state of this coordinator and the cluster wide
// unassigned tasks.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	kvs, _, err := c.store.List(ctx, c.keys.UnassignedPrefix())
	if err != nil {
		return nil, errors.Trace(err)
	}
	unassigned := make([]*model.UnassignedTask, 0, len(kvs))
	for _, kv := range kvs {
		u := &model.UnassignedTask{}
		if err := u.Unmarshal(kv.Value); err != nil {
			log.Warn("skip malformed unassigned task", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		unassigned = append(unassigned, u)
	}
	return &Status{
		Instance:   c.InstanceID(),
		State:      c.State(),
		Leader:     c.IsLeader(),
		Generation: c.generation.Load(),
		Unassigned: unassigned,
		Tasks:      c.executor.Statuses(),
	}, nil
}

// Close shuts the coordinator down: its loops stop, its tasks are drained
// and its session is revoked.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	c.state.Store(string(StateShuttingDown))
	log.Info("coordinator shutting down", zap.String("instance", c.InstanceID()))

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
	return errors.Trace(c.executor.Close(ctx))
}
