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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/datastream/datastream/checkpoint"
	"github.com/pingcap/datastream/datastream/connector"
	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/metadata/memory"
	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/datastream/producer"
	"github.com/pingcap/datastream/datastream/schemaregistry"
	"github.com/pingcap/datastream/datastream/transport/factory"
	transportmemory "github.com/pingcap/datastream/datastream/transport/memory"
	"github.com/pingcap/datastream/pkg/config"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

// flakyConnector fails the first `failures` start attempts.
type flakyConnector struct {
	mu       sync.Mutex
	failures int
	starts   int
}

func (c *flakyConnector) New(*model.DatastreamTask) (connector.Handler, error) {
	return &flakyHandler{c: c}, nil
}

func (c *flakyConnector) setFailures(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures, c.starts = n, 0
}

type flakyHandler struct{ c *flakyConnector }

func (h *flakyHandler) Start(context.Context, model.Checkpoints, producer.Producer) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.c.starts++
	if h.c.starts <= h.c.failures {
		return errors.New("source unreachable")
	}
	return nil
}

func (h *flakyHandler) Stop() {}

// drainHandler records the order of its lifecycle calls.
type drainHandler struct {
	mu       sync.Mutex
	producer producer.Producer
	calls    []string
	// closed reports whether the producer refused records when Drained ran.
	closed bool
}

func (h *drainHandler) New(*model.DatastreamTask) (connector.Handler, error) {
	return h, nil
}

func (h *drainHandler) Start(_ context.Context, _ model.Checkpoints, p producer.Producer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.producer = p
	h.calls = append(h.calls, "start")
	return nil
}

func (h *drainHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "stop")
}

func (h *drainHandler) Drained() {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.producer.Send(context.Background(), &model.Record{Value: []byte("late"), Checkpoint: "1"})
	h.closed = cerror.Is(err, cerror.ErrProducerClosed)
	h.calls = append(h.calls, "drained")
}

type testEnv struct {
	store       metadata.Store
	checkpoints checkpoint.Store
	transport   *transportmemory.Transport
	flaky       *flakyConnector
	drain       *drainHandler
	executor    *Executor
}

func newTestEnv(t *testing.T) *testEnv {
	store := memory.NewStore()
	transports := factory.New(config.GetDefaultServerConfig().Transport.Kafka)
	mt := transportmemory.New()
	transports.RegisterMemory("local", mt)

	connectors, err := connector.NewRegistry(map[string]*config.ConnectorConfig{
		connector.DummyConnector: {Strategy: "broadcast", Options: map[string]string{"events": "5"}},
	})
	require.NoError(t, err)
	flaky := &flakyConnector{}
	connectors.Register("flaky", "load-balancing", flaky)
	drain := &drainHandler{}
	connectors.Register("drain", "load-balancing", drain)

	env := &testEnv{
		store:       store,
		checkpoints: checkpoint.NewMetadataStore(store, "test"),
		transport:   mt,
		flaky:       flaky,
		drain:       drain,
	}
	env.executor = New(Options{
		Instance:    "host-1",
		ClusterID:   "test",
		Store:       store,
		Connectors:  connectors,
		Transports:  transports,
		Registry:    schemaregistry.NewMemoryRegistry(),
		Checkpoints: env.checkpoints,
		Config: &config.ExecutorConfig{
			MaxStartRetries:           2,
			StartRetryInitialInterval: config.TomlDuration(time.Millisecond),
			StartRetryMaxInterval:     config.TomlDuration(5 * time.Millisecond),
		},
		Producer: &config.ProducerConfig{
			FlushInterval:      config.TomlDuration(time.Hour),
			DrainTimeout:       config.TomlDuration(5 * time.Second),
			SendMaxRetries:     2,
			SendRetryBaseDelay: config.TomlDuration(time.Millisecond),
			SendRetryMaxDelay:  config.TomlDuration(5 * time.Millisecond),
		},
	})
	t.Cleanup(func() {
		require.NoError(t, env.executor.Close(context.Background()))
		require.NoError(t, transports.Close())
		require.NoError(t, store.Close())
	})
	return env
}

func dummyTask(id string, topic string) *model.DatastreamTask {
	return &model.DatastreamTask{
		ID:            id,
		Datastream:    "ds",
		ConnectorType: connector.DummyConnector,
		Partitions:    []int32{0},
		Destination:   model.Destination{ConnectionString: "memory://local/" + topic, Partitions: 2},
		Policy:        model.CheckpointPolicyDatastream,
	}
}

// putTask stores the record of a task, tasks without one count as removed
// for good once stopped.
func (e *testEnv) putTask(t *testing.T, task *model.DatastreamTask) {
	data, err := task.Marshal()
	require.NoError(t, err)
	_, err = e.store.Put(context.Background(), metadata.NewKeyBuilder("test").Task(task.ID), data)
	require.NoError(t, err)
}

func (e *testEnv) state(taskID string) (model.TaskStatus, bool) {
	for _, status := range e.executor.Statuses() {
		if status.TaskID == taskID {
			return status, true
		}
	}
	return model.TaskStatus{}, false
}

func (e *testEnv) waitState(t *testing.T, taskID string, state model.TaskState) model.TaskStatus {
	var status model.TaskStatus
	require.Eventually(t, func() bool {
		var ok bool
		status, ok = e.state(taskID)
		return ok && status.State == state
	}, 5*time.Second, 5*time.Millisecond)
	return status
}

func TestReconcileStartsAndStops(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	a, b := dummyTask("ds-0-aaaaaaaa", "a"), dummyTask("ds-1-aaaaaaaa", "b")
	env.putTask(t, a)
	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{a, b}))
	env.waitState(t, a.ID, model.TaskStateRunning)
	env.waitState(t, b.ID, model.TaskStateRunning)
	require.Eventually(t, func() bool {
		return env.transport.Count("a") == 5 && env.transport.Count("b") == 5
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{a.ID, b.ID}, env.executor.TaskIDs())

	// the full list replaces the running set, the removed task is drained
	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{b}))
	require.Equal(t, []string{b.ID}, env.executor.TaskIDs())
	cps, err := env.checkpoints.Load(ctx, model.CheckpointScope{TaskID: a.ID})
	require.NoError(t, err)
	require.Equal(t, model.Checkpoints{0: "5"}, cps)

	// the same list again is a no-op
	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{b}))
	status, ok := env.state(b.ID)
	require.True(t, ok)
	require.Equal(t, model.TaskStateRunning, status.State)
	require.Equal(t, 1, status.Attempts)
	require.Equal(t, "host-1", status.Instance)

	require.NoError(t, env.executor.Close(ctx))
	require.Empty(t, env.executor.Statuses())
	err = env.executor.Reconcile(ctx, []*model.DatastreamTask{a})
	require.True(t, cerror.Is(err, cerror.ErrExecutorClosed))
}

func TestResumeFromPersistedCheckpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	task := dummyTask("ds-0-bbbbbbbb", "resume")
	require.NoError(t, env.checkpoints.Commit(ctx, task.CheckpointScope("host-1"), model.Checkpoints{0: "2"}))

	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{task}))
	require.Eventually(t, func() bool {
		return env.transport.Count("resume") == 3
	}, 5*time.Second, 5*time.Millisecond)

	// CUSTOM tasks start from empty checkpoints
	custom := dummyTask("ds-0-cccccccc", "custom")
	custom.Policy = model.CheckpointPolicyCustom
	require.NoError(t, env.checkpoints.Commit(ctx, custom.CheckpointScope("host-1"), model.Checkpoints{0: "4"}))
	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{task, custom}))
	require.Eventually(t, func() bool {
		return env.transport.Count("custom") == 5
	}, 5*time.Second, 5*time.Millisecond)
}

func TestReplicatedTaskUsesInstanceCheckpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	task := dummyTask("ds-0-eeeeeeee", "replicated")
	task.Replicated = true
	env.putTask(t, task)
	// progress of another copy must not be picked up
	require.NoError(t, env.checkpoints.Commit(ctx,
		model.CheckpointScope{TaskID: task.ID, Instance: "host-2"}, model.Checkpoints{0: "4"}))

	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{task}))
	require.Eventually(t, func() bool {
		return env.transport.Count("replicated") == 5
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, env.executor.Reconcile(ctx, nil))

	own, err := env.checkpoints.Load(ctx, task.CheckpointScope("host-1"))
	require.NoError(t, err)
	require.Equal(t, model.Checkpoints{0: "5"}, own)
	other, err := env.checkpoints.Load(ctx, model.CheckpointScope{TaskID: task.ID, Instance: "host-2"})
	require.NoError(t, err)
	require.Equal(t, model.Checkpoints{0: "4"}, other)
}

func TestRemovedTaskDropsCheckpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	kept, gone := dummyTask("ds-0-ffffffff", "kept"), dummyTask("ds-1-ffffffff", "gone")
	env.putTask(t, kept)
	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{kept, gone}))
	require.Eventually(t, func() bool {
		return env.transport.Count("kept") == 5 && env.transport.Count("gone") == 5
	}, 5*time.Second, 5*time.Millisecond)

	// the drain commits the final checkpoints, the task without a record
	// then has them dropped
	require.NoError(t, env.executor.Reconcile(ctx, nil))
	cps, err := env.checkpoints.Load(ctx, kept.CheckpointScope("host-1"))
	require.NoError(t, err)
	require.Equal(t, model.Checkpoints{0: "5"}, cps)
	cps, err = env.checkpoints.Load(ctx, gone.CheckpointScope("host-1"))
	require.NoError(t, err)
	require.Empty(t, cps)
}

func TestDrainedAfterProducerShutdown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	task := dummyTask("drain-0-abababab", "drain")
	task.ConnectorType = "drain"
	task.Policy = model.CheckpointPolicyCustom
	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{task}))
	env.waitState(t, task.ID, model.TaskStateRunning)
	require.NoError(t, env.executor.Reconcile(ctx, nil))

	env.drain.mu.Lock()
	defer env.drain.mu.Unlock()
	require.Equal(t, []string{"start", "stop", "drained"}, env.drain.calls)
	require.True(t, env.drain.closed)
}

func TestStartRetriesThenFatal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.flaky.setFailures(10)
	flaky := dummyTask("flaky-0-dddddddd", "flaky")
	flaky.ConnectorType = "flaky"
	healthy := dummyTask("ds-0-dddddddd", "healthy")

	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{flaky, healthy}))
	status := env.waitState(t, flaky.ID, model.TaskStateFailed)
	require.Equal(t, 3, status.Attempts)
	require.Contains(t, status.Error, "source unreachable")
	env.waitState(t, healthy.ID, model.TaskStateRunning)

	keys := metadata.NewKeyBuilder("test")
	var kv *metadata.KeyValue
	require.Eventually(t, func() bool {
		var err error
		kv, err = env.store.Get(ctx, keys.TaskError(flaky.ID))
		return err == nil && kv != nil
	}, 5*time.Second, 5*time.Millisecond)
	recorded := &model.TaskStatus{}
	require.NoError(t, recorded.Unmarshal(kv.Value))
	require.Equal(t, model.TaskStateFailed, recorded.State)

	// a reassigned task gets a fresh start budget and clears its error
	env.flaky.setFailures(2)
	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{healthy}))
	require.NoError(t, env.executor.Reconcile(ctx, []*model.DatastreamTask{flaky, healthy}))
	status = env.waitState(t, flaky.ID, model.TaskStateRunning)
	require.Equal(t, 3, status.Attempts)
	require.Eventually(t, func() bool {
		kv, err := env.store.Get(ctx, keys.TaskError(flaky.ID))
		return err == nil && kv == nil
	}, 5*time.Second, 5*time.Millisecond)
}

func TestUnknownConnectorFailsAtOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	task := dummyTask("kinesis-0-eeeeeeee", "kinesis")
	task.ConnectorType = "kinesis"
	require.NoError(t, env.executor.Reconcile(context.Background(), []*model.DatastreamTask{task}))
	status := env.waitState(t, task.ID, model.TaskStateFailed)
	require.Equal(t, 1, status.Attempts)
	require.Contains(t, status.Error, "unknown connector type kinesis")
}
