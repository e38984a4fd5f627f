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

package producer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/datastream/datastream/checkpoint"
	"github.com/pingcap/datastream/datastream/codec"
	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/datastream/schemaregistry"
	"github.com/pingcap/datastream/datastream/transport"
	"github.com/pingcap/datastream/pkg/config"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/retry"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Producer is the event producer of one running task. It forwards records
// to the destination, tracks the safe checkpoints and, for the DATASTREAM
// policy, persists them every flush interval and on Shutdown.
type Producer interface {
	// Send forwards a record. It fails with ErrTransport when the
	// destination is unreachable after the retries, and with
	// ErrProducerClosed once Shutdown started.
	Send(ctx context.Context, record *model.Record) error
	// RegisterSchema registers a payload schema and returns its id.
	// Registering a known schema returns the known id.
	RegisterSchema(ctx context.Context, schema []byte) (string, error)
	// SafeCheckpoints returns task id to partition to the highest token
	// whose record and all earlier records are durably written.
	SafeCheckpoints() map[string]model.Checkpoints
	// Err returns the error that failed an asynchronous send, if any.
	Err() error
	// Shutdown stops intake and waits for in flight records, bounded by
	// the drain timeout.
	Shutdown(ctx context.Context) error
}

// Options are the collaborators of a producer.
type Options struct {
	Task        *model.DatastreamTask
	Initial     model.Checkpoints
	Transport   transport.Transport
	Topic       string
	Registry    schemaregistry.Registry
	Checkpoints checkpoint.Store
	// Scope is where checkpoints are persisted, the task's shared scope
	// when empty.
	Scope  model.CheckpointScope
	Config *config.ProducerConfig
	Clock  clock.Clock
}

var _ Producer = (*producer)(nil)

type producer struct {
	task        *model.DatastreamTask
	transport   transport.Transport
	topic       string
	partitions  int32
	registry    schemaregistry.Registry
	checkpoints checkpoint.Store
	scope       model.CheckpointScope
	cfg         *config.ProducerConfig
	clock       clock.Clock
	envelope    *codec.Envelope

	tracker *tracker

	// sendMu orders intake against Shutdown, senders hold it for reading.
	sendMu   sync.RWMutex
	closed   bool
	closedCh chan struct{}

	pendingMu sync.Mutex
	pending   int
	draining  bool
	drained   chan struct{}

	errMu   sync.Mutex
	sendErr error

	schemaGroup singleflight.Group
	schemaMu    sync.Mutex
	schemaIDs   map[string]string

	persistMu     sync.Mutex
	lastPersisted model.Checkpoints

	// ctx bounds asynchronous resends, it is canceled when Shutdown gives
	// up draining.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates the producer of a task and starts its flush loop.
func New(ctx context.Context, opts Options) (Producer, error) {
	envelope, err := codec.NewEnvelope()
	if err != nil {
		return nil, errors.Trace(err)
	}
	partitions, err := opts.Transport.Partitions(ctx, opts.Topic)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Scope.TaskID == "" {
		opts.Scope = model.CheckpointScope{TaskID: opts.Task.ID}
	}
	p := &producer{
		task:          opts.Task,
		transport:     opts.Transport,
		topic:         opts.Topic,
		partitions:    partitions,
		registry:      opts.Registry,
		checkpoints:   opts.Checkpoints,
		scope:         opts.Scope,
		cfg:           opts.Config,
		clock:         opts.Clock,
		envelope:      envelope,
		tracker:       newTracker(opts.Initial),
		closedCh:      make(chan struct{}),
		drained:       make(chan struct{}),
		schemaIDs:     make(map[string]string),
		lastPersisted: opts.Initial.Clone(),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	if p.task.Policy == model.CheckpointPolicyDatastream {
		ticker := p.clock.Ticker(time.Duration(p.cfg.FlushInterval))
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer ticker.Stop()
			p.flushLoop(ticker)
		}()
	}
	log.Info("producer started",
		zap.String("task", p.task.ID),
		zap.String("topic", p.topic),
		zap.Int32("destinationPartitions", partitions),
		zap.String("policy", string(p.task.Policy)))
	return p, nil
}

func (p *producer) flushLoop(ticker *clock.Ticker) {
	for {
		select {
		case <-p.closedCh:
			return
		case <-ticker.C:
			if err := p.persist(p.ctx); err != nil {
				log.Warn("persist checkpoints failed",
					zap.String("task", p.task.ID), zap.Error(err))
			}
		}
	}
}

// persist commits the safe checkpoints that changed since the last commit.
func (p *producer) persist(ctx context.Context) error {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	safe := p.tracker.snapshot()
	changed := make(model.Checkpoints)
	for partition, token := range safe {
		if p.lastPersisted[partition] != token {
			changed[partition] = token
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if err := p.checkpoints.Commit(ctx, p.scope, changed); err != nil {
		return errors.Trace(err)
	}
	for partition, token := range changed {
		p.lastPersisted[partition] = token
	}
	checkpointCommitCounter.Inc()
	log.Debug("checkpoints persisted",
		zap.Stringer("scope", p.scope), zap.Any("checkpoints", changed))
	return nil
}

func (p *producer) destinationPartition(source int32) int32 {
	if p.partitions <= 0 {
		return 0
	}
	partition := source % p.partitions
	if partition < 0 {
		partition += p.partitions
	}
	return partition
}

// Send implements Producer.
func (p *producer) Send(ctx context.Context, record *model.Record) error {
	if err := p.Err(); err != nil {
		return err
	}
	value, err := p.envelope.Encode(record)
	if err != nil {
		return errors.Trace(err)
	}

	p.sendMu.RLock()
	if p.closed {
		p.sendMu.RUnlock()
		return cerror.ErrProducerClosed.GenWithStackByArgs(p.task.ID)
	}
	entry := p.tracker.add(record.Partition, record.Checkpoint)
	p.acquire()
	p.sendMu.RUnlock()

	s := &send{
		p:         p,
		entry:     entry,
		partition: p.destinationPartition(record.Partition),
		key:       record.Key,
		value:     value,
	}
	if err := s.sendWithRetry(ctx); err != nil {
		p.setErr(err)
		p.release()
		return err
	}
	sendCounter.Inc()
	return nil
}

func (p *producer) acquire() {
	p.pendingMu.Lock()
	p.pending++
	p.pendingMu.Unlock()
}

func (p *producer) release() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	p.pending--
	if p.pending == 0 && p.draining {
		close(p.drained)
	}
}

func (p *producer) setErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.sendErr == nil {
		p.sendErr = err
	}
}

// send is one record on its way to the destination, resent with backoff
// until an attempt is confirmed or the retries are exhausted.
type send struct {
	p         *producer
	entry     *inflight
	partition int32
	key       []byte
	value     []byte
	attempts  int
}

func (s *send) retryOptions() []retry.Option {
	cfg := s.p.cfg
	return []retry.Option{
		retry.WithBackoffBaseDelay(time.Duration(cfg.SendRetryBaseDelay).Milliseconds()),
		retry.WithBackoffMaxDelay(time.Duration(cfg.SendRetryMaxDelay).Milliseconds()),
		retry.WithMaxTries(int64(cfg.SendMaxRetries) + 1),
		retry.WithIsRetryableErr(cerror.IsRetryableError),
	}
}

func (s *send) sendWithRetry(ctx context.Context) error {
	err := retry.Do(ctx, func() error {
		s.attempts++
		return s.p.transport.Send(ctx, s.p.topic, s.partition, s.key, s.value, s.callback)
	}, s.retryOptions()...)
	if err != nil {
		sendErrorCounter.Inc()
		log.Warn("send record failed",
			zap.String("task", s.p.task.ID),
			zap.Int32("partition", s.entry.partition),
			zap.String("checkpoint", s.entry.token),
			zap.Int("attempts", s.attempts),
			zap.Error(err))
		return cerror.WrapError(cerror.ErrTransport, err, s.p.topic)
	}
	return nil
}

func (s *send) callback(err error) {
	if err == nil {
		s.p.tracker.confirm(s.entry)
		s.p.release()
		return
	}
	if s.attempts > s.p.cfg.SendMaxRetries || s.p.ctx.Err() != nil {
		s.fail(err)
		return
	}
	// The transport accepted the record but failed to write it, resend it
	// off the transport's ack path.
	s.p.wg.Add(1)
	go func() {
		defer s.p.wg.Done()
		delay := retryDelay(time.Duration(s.p.cfg.SendRetryBaseDelay), time.Duration(s.p.cfg.SendRetryMaxDelay), s.attempts)
		select {
		case <-s.p.ctx.Done():
			s.fail(s.p.ctx.Err())
			return
		case <-s.p.clock.After(delay):
		}
		if err := s.sendWithRetry(s.p.ctx); err != nil {
			s.fail(err)
		}
	}()
}

// fail gives up a record. Its partition stops advancing, so a restart
// resumes before it.
func (s *send) fail(err error) {
	if !cerror.Is(err, cerror.ErrTransport) {
		err = cerror.WrapError(cerror.ErrTransport, err, s.p.topic)
	}
	s.p.setErr(err)
	log.Warn("record abandoned, safe checkpoint of the partition stops advancing",
		zap.String("task", s.p.task.ID),
		zap.Int32("partition", s.entry.partition),
		zap.String("checkpoint", s.entry.token),
		zap.Error(err))
	s.p.release()
}

func retryDelay(base, maxDelay time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// RegisterSchema implements Producer.
func (p *producer) RegisterSchema(ctx context.Context, schema []byte) (string, error) {
	canonical, err := schemaregistry.Canonicalize(schema)
	if err != nil {
		return "", cerror.WrapError(cerror.ErrSchemaRegistry, err)
	}
	p.schemaMu.Lock()
	id, ok := p.schemaIDs[canonical]
	p.schemaMu.Unlock()
	if ok {
		return id, nil
	}
	v, err, _ := p.schemaGroup.Do(canonical, func() (interface{}, error) {
		return p.registry.Register(ctx, p.task.Datastream+"-value", []byte(canonical))
	})
	if err != nil {
		if !cerror.Is(err, cerror.ErrSchemaRegistry) {
			err = cerror.WrapError(cerror.ErrSchemaRegistry, err)
		}
		return "", err
	}
	id = v.(string)
	p.schemaMu.Lock()
	p.schemaIDs[canonical] = id
	p.schemaMu.Unlock()
	return id, nil
}

// SafeCheckpoints implements Producer.
func (p *producer) SafeCheckpoints() map[string]model.Checkpoints {
	return map[string]model.Checkpoints{p.task.ID: p.tracker.snapshot().Clone()}
}

// Err implements Producer.
func (p *producer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.sendErr
}

// Shutdown implements Producer.
func (p *producer) Shutdown(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		err = p.shutdown(ctx)
	})
	return err
}

func (p *producer) shutdown(ctx context.Context) error {
	p.sendMu.Lock()
	p.closed = true
	close(p.closedCh)
	p.sendMu.Unlock()

	p.pendingMu.Lock()
	p.draining = true
	if p.pending == 0 {
		close(p.drained)
	}
	p.pendingMu.Unlock()

	var drainErr error
	timer := p.clock.Timer(time.Duration(p.cfg.DrainTimeout))
	select {
	case <-p.drained:
		timer.Stop()
	case <-timer.C:
		drainErr = cerror.ErrProducerDrainTimeout.GenWithStackByArgs(p.task.ID, p.tracker.outstanding())
	case <-ctx.Done():
		timer.Stop()
		drainErr = errors.Trace(ctx.Err())
	}
	p.cancel()
	p.wg.Wait()

	if p.task.Policy == model.CheckpointPolicyDatastream {
		persistCtx, cancel := context.WithTimeout(context.Background(), time.Duration(p.cfg.DrainTimeout))
		err := p.persist(persistCtx)
		cancel()
		if err != nil {
			log.Warn("persist checkpoints on shutdown failed",
				zap.String("task", p.task.ID), zap.Error(err))
			if drainErr == nil {
				drainErr = err
			}
		}
	}
	log.Info("producer shut down",
		zap.String("task", p.task.ID),
		zap.Any("safeCheckpoints", p.tracker.snapshot()),
		zap.Error(drainErr))
	return drainErr
}
