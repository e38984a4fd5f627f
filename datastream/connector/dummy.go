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
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/datastream/producer"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// DummyConnector emits synthetic events.
	DummyConnector = "dummy"

	dummyOptionEvents   = "events"
	dummyOptionInterval = "interval"
	dummyOptionSchema   = "schema"

	defaultDummyEvents = 100
	defaultDummySchema = `{"type":"record","name":"DummyEvent","fields":[{"name":"seq","type":"long"}]}`
)

type dummyOptions struct {
	events   int64
	interval time.Duration
	schema   string
}

func parseDummyOptions(options map[string]string) (*dummyOptions, error) {
	o := &dummyOptions{events: defaultDummyEvents, schema: defaultDummySchema}
	if v, ok := options[dummyOptionEvents]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, cerror.ErrInvalidServerOption.GenWithStack("dummy connector: invalid events %q", v)
		}
		o.events = n
	}
	if v, ok := options[dummyOptionInterval]; ok {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, cerror.ErrInvalidServerOption.GenWithStack("dummy connector: invalid interval %q", v)
		}
		o.interval = d
	}
	if v, ok := options[dummyOptionSchema]; ok {
		o.schema = v
	}
	return o, nil
}

// NewDummyFactory creates the factory of dummy connectors. Every source
// partition emits "events" records with tokens 1..events, one each
// "interval".
func NewDummyFactory(options map[string]string) (Factory, error) {
	if _, err := parseDummyOptions(options); err != nil {
		return nil, err
	}
	return FactoryFunc(func(task *model.DatastreamTask) (Handler, error) {
		o, err := parseDummyOptions(mergeOptions(options, task.Metadata))
		if err != nil {
			return nil, err
		}
		return &dummyHandler{task: task, opts: o}, nil
	}), nil
}

type dummyHandler struct {
	task *model.DatastreamTask
	opts *dummyOptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (h *dummyHandler) Start(ctx context.Context, checkpoints model.Checkpoints, p producer.Producer) error {
	schemaID, err := p.RegisterSchema(ctx, []byte(h.opts.schema))
	if err != nil {
		return errors.Trace(err)
	}
	starts := make(map[int32]int64, len(h.task.Partitions))
	for _, partition := range h.task.Partitions {
		token, ok := checkpoints[partition]
		if !ok {
			continue
		}
		seq, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return cerror.ErrInvalidCheckpoint.GenWithStackByArgs(token, h.task.ID)
		}
		starts[partition] = seq
	}

	// the readers outlive the start call
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	for _, partition := range h.task.Partitions {
		h.wg.Add(1)
		go func(partition int32, after int64) {
			defer h.wg.Done()
			h.emit(runCtx, p, partition, after, schemaID)
		}(partition, starts[partition])
	}
	log.Info("dummy connector started",
		zap.String("task", h.task.ID),
		zap.Any("checkpoints", checkpoints),
		zap.Int64("events", h.opts.events))
	return nil
}

func (h *dummyHandler) emit(ctx context.Context, p producer.Producer, partition int32, after int64, schemaID string) {
	for seq := after + 1; seq <= h.opts.events; seq++ {
		if h.opts.interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.opts.interval):
			}
		}
		record := &model.Record{
			Key:        []byte(fmt.Sprintf("%s-%d", h.task.Datastream, partition)),
			Value:      []byte(strconv.FormatInt(seq, 10)),
			Partition:  partition,
			Checkpoint: strconv.FormatInt(seq, 10),
			Metadata: map[string]string{
				model.MetadataPayloadSchemaID: schemaID,
				model.MetadataEventTimestamp:  strconv.FormatInt(time.Now().UnixMilli(), 10),
			},
		}
		if err := p.Send(ctx, record); err != nil {
			if ctx.Err() == nil {
				log.Warn("dummy connector send failed, partition stopped",
					zap.String("task", h.task.ID),
					zap.Int32("partition", partition),
					zap.Error(err))
			}
			return
		}
	}
}

func (h *dummyHandler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}
