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

package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/datastream/datastream/checkpoint"
	"github.com/pingcap/datastream/datastream/connector"
	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/datastream/producer"
	"github.com/pingcap/datastream/datastream/schemaregistry"
	"github.com/pingcap/datastream/datastream/transport"
	"github.com/pingcap/datastream/pkg/config"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/logutil"
	"github.com/pingcap/datastream/pkg/retry"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	taskErrorWriteTries = 3
	// failedStopTimeout bounds the drain of a producer whose connector never
	// started.
	failedStopTimeout = 5 * time.Second
)

// TransportProvider resolves destination connection strings.
type TransportProvider interface {
	Get(conn string) (transport.Transport, *transport.Destination, error)
}

// Options are the collaborators of an executor.
type Options struct {
	Instance    model.InstanceID
	ClusterID   string
	Store       metadata.Store
	Connectors  *connector.Registry
	Transports  TransportProvider
	Registry    schemaregistry.Registry
	Checkpoints checkpoint.Store
	Config      *config.ExecutorConfig
	Producer    *config.ProducerConfig
	Clock       clock.Clock
}

// Executor runs the tasks assigned to this instance.
type Executor struct {
	opts Options
	keys metadata.KeyBuilder

	// reconcileMu serializes Reconcile and Close.
	reconcileMu sync.Mutex
	closed      bool

	mu    sync.RWMutex
	tasks map[string]*runningTask
}

type runningTask struct {
	task   *model.DatastreamTask
	cancel context.CancelFunc
	// done is closed when the start goroutine returns.
	done chan struct{}

	mu       sync.Mutex
	status   model.TaskStatus
	handler  connector.Handler
	producer producer.Producer
}

func (rt *runningTask) setState(state model.TaskState, attempts int, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.status.State = state
	rt.status.Attempts = attempts
	rt.status.Error = ""
	if err != nil {
		rt.status.Error = err.Error()
	}
	rt.status.Time = time.Now()
}

func (rt *runningTask) snapshot() model.TaskStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	status := rt.status
	if status.State == model.TaskStateRunning && rt.producer != nil {
		if err := rt.producer.Err(); err != nil {
			status.Error = err.Error()
		}
	}
	return status
}

// New creates an executor.
func New(opts Options) *Executor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Executor{
		opts:  opts,
		keys:  metadata.NewKeyBuilder(opts.ClusterID),
		tasks: make(map[string]*runningTask),
	}
}

// Reconcile makes the running tasks equal to tasks. Removed tasks are
// stopped concurrently and drained before added tasks start. Starting
// runs in the background, Statuses reports its progress.
func (e *Executor) Reconcile(ctx context.Context, tasks []*model.DatastreamTask) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()
	if e.closed {
		return cerror.ErrExecutorClosed.GenWithStackByArgs()
	}
	e.reconcile(ctx, tasks)
	return nil
}

func (e *Executor) reconcile(ctx context.Context, tasks []*model.DatastreamTask) {
	desired := make(map[string]*model.DatastreamTask, len(tasks))
	for _, task := range tasks {
		desired[task.ID] = task
	}

	e.mu.RLock()
	var removed []*runningTask
	for id, rt := range e.tasks {
		if _, ok := desired[id]; !ok {
			removed = append(removed, rt)
		}
	}
	var added []*model.DatastreamTask
	for id, task := range desired {
		if _, ok := e.tasks[id]; !ok {
			added = append(added, task)
		}
	}
	e.mu.RUnlock()
	if len(removed) == 0 && len(added) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, rt := range removed {
		wg.Add(1)
		go func(rt *runningTask) {
			defer wg.Done()
			e.stop(ctx, rt)
		}(rt)
	}
	wg.Wait()

	sort.Slice(added, func(i, j int) bool { return added[i].ID < added[j].ID })
	for _, task := range added {
		e.start(task)
	}
	log.Info("tasks reconciled",
		zap.String("instance", e.opts.Instance),
		zap.Int("stopped", len(removed)),
		zap.Int("started", len(added)),
		zap.Int("running", len(desired)))
}

func (e *Executor) start(task *model.DatastreamTask) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{
		task:   task,
		cancel: cancel,
		done:   make(chan struct{}),
		status: model.TaskStatus{
			TaskID:   task.ID,
			Instance: e.opts.Instance,
			State:    model.TaskStatePending,
			Time:     time.Now(),
		},
	}
	e.mu.Lock()
	e.tasks[task.ID] = rt
	e.mu.Unlock()
	go func() {
		defer close(rt.done)
		e.run(ctx, rt)
	}()
}

// run starts the task, retrying with exponential backoff until the start
// retries are exhausted. A task that never starts is marked failed.
func (e *Executor) run(ctx context.Context, rt *runningTask) {
	cfg := e.opts.Config
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Duration(cfg.StartRetryInitialInterval)
	expBackoff.MaxInterval = time.Duration(cfg.StartRetryMaxInterval)
	// the attempt count bounds the retries
	expBackoff.MaxElapsedTime = 0
	expBackoff.Reset()

	attempts := 0
	op := func() error {
		attempts++
		err := e.startOnce(ctx, rt)
		if err == nil {
			return nil
		}
		taskStartErrorCounter.Inc()
		if ctx.Err() != nil || !cerror.IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		rt.setState(model.TaskStateRetrying, attempts, err)
		log.Warn("task start failed, retrying",
			zap.String("instance", e.opts.Instance),
			zap.String("task", rt.task.ID),
			zap.Int("attempts", attempts),
			zap.Duration("retryAfter", next),
			logutil.ZapErrorFilter(err, context.Canceled))
	}
	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(cfg.MaxStartRetries)), ctx),
		notify)
	if err == nil {
		rt.setState(model.TaskStateRunning, attempts, nil)
		runningTasksGauge.Inc()
		e.clearTaskError(ctx, rt.task.ID)
		log.Info("task started",
			zap.String("instance", e.opts.Instance),
			zap.String("task", rt.task.ID),
			zap.Int("attempts", attempts))
		return
	}
	if ctx.Err() != nil {
		return
	}
	fatal := cerror.ErrTaskFatal.Wrap(err).GenWithStackByArgs(rt.task.ID, attempts)
	rt.setState(model.TaskStateFailed, attempts, fatal)
	taskFatalCounter.Inc()
	log.Error("task failed, no more start attempts",
		zap.String("instance", e.opts.Instance),
		zap.String("task", rt.task.ID),
		zap.Int("attempts", attempts),
		zap.Error(err))
	e.recordTaskError(ctx, rt)
}

// startOnce makes one start attempt. On failure nothing of the attempt
// keeps running.
func (e *Executor) startOnce(ctx context.Context, rt *runningTask) (err error) {
	task := rt.task
	defer func() {
		if err != nil && !cerror.Is(err, cerror.ErrTaskStart) {
			err = cerror.WrapError(cerror.ErrTaskStart, err, task.ID)
		}
	}()
	factory, err := e.opts.Connectors.Get(task.ConnectorType)
	if err != nil {
		return err
	}
	handler, err := factory.New(task)
	if err != nil {
		return err
	}
	scope := task.CheckpointScope(e.opts.Instance)
	initial := make(model.Checkpoints)
	if task.Policy == model.CheckpointPolicyDatastream {
		initial, err = e.opts.Checkpoints.Load(ctx, scope)
		if err != nil {
			return err
		}
	}
	t, dest, err := e.opts.Transports.Get(task.Destination.ConnectionString)
	if err != nil {
		return err
	}
	if creator, ok := t.(transport.TopicCreator); ok && task.Destination.Partitions > 0 {
		creator.CreateTopic(dest.Topic, int32(task.Destination.Partitions))
	}
	p, err := producer.New(ctx, producer.Options{
		Task:        task,
		Initial:     initial,
		Transport:   t,
		Topic:       dest.Topic,
		Registry:    e.opts.Registry,
		Checkpoints: e.opts.Checkpoints,
		Scope:       scope,
		Config:      e.opts.Producer,
		Clock:       e.opts.Clock,
	})
	if err != nil {
		return err
	}
	if err := handler.Start(ctx, initial, p); err != nil {
		handler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), failedStopTimeout)
		defer cancel()
		if shutdownErr := p.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn("shutdown producer of failed start", zap.String("task", task.ID), zap.Error(shutdownErr))
		}
		return err
	}
	rt.mu.Lock()
	rt.handler, rt.producer = handler, p
	rt.mu.Unlock()
	return nil
}

func (e *Executor) recordTaskError(ctx context.Context, rt *runningTask) {
	status := rt.snapshot()
	data, err := status.Marshal()
	if err != nil {
		log.Warn("marshal task status failed", zap.String("task", rt.task.ID), zap.Error(err))
		return
	}
	err = retry.Do(ctx, func() error {
		_, err := e.opts.Store.Put(ctx, e.keys.TaskError(rt.task.ID), data)
		return err
	}, retry.WithBackoffBaseDelay(100),
		retry.WithMaxTries(taskErrorWriteTries),
		retry.WithIsRetryableErr(cerror.IsRetryableError))
	if err != nil {
		log.Warn("record task error failed", zap.String("task", rt.task.ID), zap.Error(err))
	}
}

func (e *Executor) clearTaskError(ctx context.Context, taskID string) {
	if _, err := e.opts.Store.Delete(ctx, e.keys.TaskError(taskID)); err != nil {
		log.Warn("clear task error failed", zap.String("task", taskID), zap.Error(err))
	}
}

// stop stops the connector of the task, then drains its producer.
func (e *Executor) stop(ctx context.Context, rt *runningTask) {
	startTime := time.Now()
	rt.cancel()
	<-rt.done

	rt.mu.Lock()
	handler, p := rt.handler, rt.producer
	rt.mu.Unlock()
	running := handler != nil
	if running {
		prev := rt.snapshot()
		rt.setState(model.TaskStateStopping, prev.Attempts, nil)
		handler.Stop()
		if err := p.Shutdown(ctx); err != nil {
			log.Warn("producer drain failed",
				zap.String("instance", e.opts.Instance),
				zap.String("task", rt.task.ID),
				logutil.ShortError(err))
		}
		if d, ok := handler.(connector.Drainer); ok {
			d.Drained()
		}
		runningTasksGauge.Dec()
		rt.setState(model.TaskStateStopped, prev.Attempts, nil)
	}

	e.dropIfRemoved(ctx, rt.task.ID)

	e.mu.Lock()
	delete(e.tasks, rt.task.ID)
	e.mu.Unlock()
	taskStopDuration.Observe(time.Since(startTime).Seconds())
	log.Info("task stopped",
		zap.String("instance", e.opts.Instance),
		zap.String("task", rt.task.ID),
		zap.Bool("wasRunning", running),
		zap.Duration("duration", time.Since(startTime)))
}

// dropIfRemoved deletes the checkpoints of a task whose record is gone.
// The final commit of the drain may land after the coordinator cleared
// them, so every holder clears them again once it has drained.
func (e *Executor) dropIfRemoved(ctx context.Context, taskID string) {
	kv, err := e.opts.Store.Get(ctx, e.keys.Task(taskID))
	if err != nil {
		log.Warn("check task record failed",
			zap.String("instance", e.opts.Instance),
			zap.String("task", taskID), logutil.ShortError(err))
		return
	}
	if kv != nil {
		return
	}
	if err := e.opts.Checkpoints.Delete(ctx, taskID); err != nil {
		log.Warn("drop checkpoints of a removed task failed",
			zap.String("instance", e.opts.Instance),
			zap.String("task", taskID), logutil.ShortError(err))
	}
}

// Statuses returns the status of every task of this instance, sorted by
// task id.
func (e *Executor) Statuses() []model.TaskStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	statuses := make([]model.TaskStatus, 0, len(e.tasks))
	for _, rt := range e.tasks {
		statuses = append(statuses, rt.snapshot())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].TaskID < statuses[j].TaskID })
	return statuses
}

// TaskIDs returns the sorted ids of the tasks of this instance.
func (e *Executor) TaskIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops and drains every task. It is idempotent.
func (e *Executor) Close(ctx context.Context) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()
	if e.closed {
		return nil
	}
	e.reconcile(ctx, nil)
	e.closed = true
	log.Info("task executor closed", zap.String("instance", e.opts.Instance))
	return nil
}
