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

package connector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/datastream/producer"
	"github.com/pingcap/datastream/pkg/config"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

// mockProducer confirms every record once it is sent.
type mockProducer struct {
	taskID string

	mu      sync.Mutex
	records []*model.Record
	safe    model.Checkpoints
	schemas map[string]string
}

var _ producer.Producer = (*mockProducer)(nil)

func newMockProducer(taskID string) *mockProducer {
	return &mockProducer{taskID: taskID, safe: make(model.Checkpoints), schemas: make(map[string]string)}
}

func (p *mockProducer) Send(_ context.Context, record *model.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	p.safe[record.Partition] = record.Checkpoint
	return nil
}

func (p *mockProducer) RegisterSchema(_ context.Context, schema []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.schemas[string(schema)]; ok {
		return id, nil
	}
	id := "schema-1"
	p.schemas[string(schema)] = id
	return id, nil
}

func (p *mockProducer) SafeCheckpoints() map[string]model.Checkpoints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]model.Checkpoints{p.taskID: p.safe.Clone()}
}

func (p *mockProducer) Err() error { return nil }

func (p *mockProducer) Shutdown(context.Context) error { return nil }

func (p *mockProducer) values(partition int32) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var values []string
	for _, r := range p.records {
		if r.Partition == partition {
			values = append(values, string(r.Value))
		}
	}
	return values
}

func (p *mockProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(map[string]*config.ConnectorConfig{
		FileConnector:  {Strategy: "load-balancing"},
		DummyConnector: {Strategy: "broadcast", Options: map[string]string{"events": "3"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{DummyConnector, FileConnector}, r.Types())
	require.Equal(t, map[string]string{
		DummyConnector: "broadcast",
		FileConnector:  "load-balancing",
	}, r.Strategies())

	_, err = r.Get("kinesis")
	require.True(t, cerror.Is(err, cerror.ErrUnknownConnector))
	_, err = NewRegistry(map[string]*config.ConnectorConfig{"kinesis": {}})
	require.True(t, cerror.Is(err, cerror.ErrUnknownConnector))
	_, err = NewRegistry(map[string]*config.ConnectorConfig{
		DummyConnector: {Options: map[string]string{"events": "many"}},
	})
	require.True(t, cerror.Is(err, cerror.ErrInvalidServerOption))

	empty := NewEmptyRegistry()
	empty.Register("custom", "broadcast", FactoryFunc(func(*model.DatastreamTask) (Handler, error) {
		return nil, nil
	}))
	require.Equal(t, []string{"custom"}, empty.Types())
}

func TestDummyConnectorResumes(t *testing.T) {
	t.Parallel()

	f, err := NewDummyFactory(map[string]string{"events": "5"})
	require.NoError(t, err)
	task := &model.DatastreamTask{ID: "d-0-00000000", Datastream: "d", Partitions: []int32{0, 1}}
	h, err := f.New(task)
	require.NoError(t, err)

	p := newMockProducer(task.ID)
	require.NoError(t, h.Start(context.Background(), model.Checkpoints{0: "3"}, p))
	require.Eventually(t, func() bool { return p.count() == 7 }, 5*time.Second, 10*time.Millisecond)
	h.Stop()

	require.Equal(t, []string{"4", "5"}, p.values(0))
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, p.values(1))
	require.Equal(t, model.Checkpoints{0: "5", 1: "5"}, p.SafeCheckpoints()[task.ID])
	for _, r := range p.records {
		require.Equal(t, "schema-1", r.Metadata[model.MetadataPayloadSchemaID])
	}

	h, err = f.New(task)
	require.NoError(t, err)
	err = h.Start(context.Background(), model.Checkpoints{1: "x"}, p)
	require.True(t, cerror.Is(err, cerror.ErrInvalidCheckpoint))
}

func appendFile(t *testing.T, path, content string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func newFileHandler(t *testing.T, task *model.DatastreamTask) Handler {
	f, err := NewFileFactory(map[string]string{"poll-interval": "10ms"})
	require.NoError(t, err)
	h, err := f.New(task)
	require.NoError(t, err)
	return h
}

func TestFileConnectorTail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	appendFile(t, path, "a\nb\nc\n")
	appendFile(t, path+".1", "x\n")
	task := &model.DatastreamTask{
		ID:         "f-0-00000000",
		Datastream: "f",
		Source:     "file://" + path,
		Partitions: []int32{0, 1},
		Policy:     model.CheckpointPolicyDatastream,
	}
	h := newFileHandler(t, task)
	p := newMockProducer(task.ID)
	require.NoError(t, h.Start(context.Background(), model.Checkpoints{0: "1"}, p))
	defer h.Stop()

	require.Eventually(t, func() bool { return p.count() == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"b", "c"}, p.values(0))
	require.Equal(t, []string{"x"}, p.values(1))

	// a line is only emitted once it is terminated
	appendFile(t, path, "d\ne\nf")
	require.Eventually(t, func() bool { return p.count() == 5 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 5, p.count())
	appendFile(t, path, "g\n")
	require.Eventually(t, func() bool { return p.count() == 6 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"b", "c", "d", "e", "fg"}, p.values(0))
	require.Equal(t, "6", p.SafeCheckpoints()[task.ID][0])
}

func TestFileConnectorWaitsForFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "late.log")
	task := &model.DatastreamTask{ID: "l-0-00000000", Datastream: "l", Source: path, Partitions: []int32{0}}
	h := newFileHandler(t, task)
	p := newMockProducer(task.ID)
	require.NoError(t, h.Start(context.Background(), nil, p))
	defer h.Stop()

	appendFile(t, path, "first\n")
	require.Eventually(t, func() bool { return p.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"first"}, p.values(0))
}

func TestFileConnectorCustomCheckpoints(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "custom.log")
	appendFile(t, path, "1\n2\n3\n")
	task := &model.DatastreamTask{
		ID:         "c-0-00000000",
		Datastream: "c",
		Source:     path,
		Partitions: []int32{0},
		Policy:     model.CheckpointPolicyCustom,
	}
	h := newFileHandler(t, task)
	p := newMockProducer(task.ID)
	require.NoError(t, h.Start(context.Background(), nil, p))
	require.Eventually(t, func() bool { return p.count() == 3 }, 5*time.Second, 10*time.Millisecond)
	h.Stop()

	data, err := os.ReadFile(path + ".checkpoint")
	require.NoError(t, err)
	stored := make(model.Checkpoints)
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Equal(t, model.Checkpoints{0: "3"}, stored)

	// the connector resumes from its own checkpoints, ignoring the given ones
	appendFile(t, path, "4\n")
	h = newFileHandler(t, task)
	resumed := newMockProducer(task.ID)
	require.NoError(t, h.Start(context.Background(), model.Checkpoints{0: "0"}, resumed))
	require.Eventually(t, func() bool { return resumed.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	h.Stop()
	require.Equal(t, []string{"4"}, resumed.values(0))
}

func TestFileConnectorDrainedPersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "drain.log")
	appendFile(t, path, "1\n2\n3\n")
	task := &model.DatastreamTask{
		ID:         "d-0-00000000",
		Datastream: "d",
		Source:     path,
		Partitions: []int32{0},
		Policy:     model.CheckpointPolicyCustom,
	}
	h := newFileHandler(t, task)
	p := newMockProducer(task.ID)
	require.NoError(t, h.Start(context.Background(), nil, p))
	require.Eventually(t, func() bool { return p.count() == 3 }, 5*time.Second, 10*time.Millisecond)
	h.Stop()

	readStored := func() model.Checkpoints {
		data, err := os.ReadFile(path + ".checkpoint")
		require.NoError(t, err)
		stored := make(model.Checkpoints)
		require.NoError(t, json.Unmarshal(data, &stored))
		return stored
	}
	require.Equal(t, model.Checkpoints{0: "3"}, readStored())

	// acknowledgements that arrive while the producer drains
	p.mu.Lock()
	p.safe[0] = "5"
	p.mu.Unlock()
	d, ok := h.(Drainer)
	require.True(t, ok)
	d.Drained()
	require.Equal(t, model.Checkpoints{0: "5"}, readStored())
}

func TestFileConnectorUncleanPathWakes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f, err := NewFileFactory(map[string]string{"poll-interval": "1h"})
	require.NoError(t, err)
	task := &model.DatastreamTask{
		ID:         "u-0-00000000",
		Datastream: "u",
		Source:     "file://" + dir + "//./events.log",
		Partitions: []int32{0, 1},
	}
	h, err := f.New(task)
	require.NoError(t, err)
	p := newMockProducer(task.ID)
	require.NoError(t, h.Start(context.Background(), nil, p))
	defer h.Stop()

	// only file system notifications wake the readers
	appendFile(t, filepath.Join(dir, "events.log"), "a\n")
	appendFile(t, filepath.Join(dir, "events.log.1"), "b\n")
	require.Eventually(t, func() bool { return p.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"a"}, p.values(0))
	require.Equal(t, []string{"b"}, p.values(1))
}

func TestFileConnectorInvalid(t *testing.T) {
	t.Parallel()

	f, err := NewFileFactory(nil)
	require.NoError(t, err)
	_, err = f.New(&model.DatastreamTask{ID: "e-0-00000000", Datastream: "e", Source: "file://"})
	require.True(t, cerror.Is(err, cerror.ErrInvalidDatastream))

	_, err = NewFileFactory(map[string]string{"poll-interval": "-1s"})
	require.True(t, cerror.Is(err, cerror.ErrInvalidServerOption))

	task := &model.DatastreamTask{
		ID:         "e-0-00000000",
		Datastream: "e",
		Source:     filepath.Join(t.TempDir(), "missing", "dir", "events.log"),
		Partitions: []int32{0},
	}
	h, err := f.New(task)
	require.NoError(t, err)
	require.Error(t, h.Start(context.Background(), nil, newMockProducer(task.ID)))
	h.Stop()
}
