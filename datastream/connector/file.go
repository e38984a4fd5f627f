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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/datastream/producer"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/logutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// FileConnector tails local files, one event per line.
	FileConnector = "file"

	fileScheme             = "file://"
	fileOptionPollInterval = "poll-interval"
	checkpointFileSuffix   = ".checkpoint"

	defaultPollInterval = time.Second
)

// NewFileFactory creates the factory of file connectors.
//
// The source connection string is file://<path> or a bare path. Partition
// 0 reads <path>, partition n > 0 reads <path>.<n>. The checkpoint token
// of a partition is the number of the last line read, starting at 1. With
// the CUSTOM policy the connector keeps its checkpoints in
// <path>.checkpoint.
func NewFileFactory(options map[string]string) (Factory, error) {
	if _, err := parsePollInterval(options); err != nil {
		return nil, err
	}
	return FactoryFunc(func(task *model.DatastreamTask) (Handler, error) {
		opts := mergeOptions(options, task.Metadata)
		interval, err := parsePollInterval(opts)
		if err != nil {
			return nil, err
		}
		path := strings.TrimPrefix(task.Source, fileScheme)
		if path == "" {
			return nil, cerror.ErrInvalidDatastream.GenWithStackByArgs(task.Datastream, "empty file source")
		}
		return &fileHandler{
			task:         task,
			path:         filepath.Clean(path),
			pollInterval: interval,
		}, nil
	}), nil
}

func parsePollInterval(options map[string]string) (time.Duration, error) {
	v, ok := options[fileOptionPollInterval]
	if !ok {
		return defaultPollInterval, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, cerror.ErrInvalidServerOption.GenWithStack("file connector: invalid poll-interval %q", v)
	}
	return d, nil
}

type fileHandler struct {
	task         *model.DatastreamTask
	path         string
	pollInterval time.Duration

	producer producer.Producer
	watcher  *fsnotify.Watcher
	wakes    map[string]chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// checkpointMu serializes writes of the checkpoint file.
	checkpointMu sync.Mutex
}

func (h *fileHandler) partitionPath(partition int32) string {
	if partition == 0 {
		return h.path
	}
	return fmt.Sprintf("%s.%d", h.path, partition)
}

func (h *fileHandler) Start(ctx context.Context, checkpoints model.Checkpoints, p producer.Producer) error {
	if h.task.Policy == model.CheckpointPolicyCustom {
		stored, err := h.loadCheckpoints()
		if err != nil {
			return errors.Trace(err)
		}
		checkpoints = stored
	}
	starts := make(map[int32]int64, len(h.task.Partitions))
	for _, partition := range h.task.Partitions {
		token, ok := checkpoints[partition]
		if !ok {
			continue
		}
		line, err := strconv.ParseInt(token, 10, 64)
		if err != nil || line < 0 {
			return cerror.ErrInvalidCheckpoint.GenWithStackByArgs(token, h.task.ID)
		}
		starts[partition] = line
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Trace(err)
	}
	h.wakes = make(map[string]chan struct{}, len(h.task.Partitions))
	dirs := make(map[string]struct{})
	for _, partition := range h.task.Partitions {
		path := h.partitionPath(partition)
		h.wakes[filepath.Clean(path)] = make(chan struct{}, 1)
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return errors.Annotatef(err, "watch directory %s", dir)
		}
	}
	h.watcher = watcher
	h.producer = p

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.dispatch(runCtx)
	}()
	for _, partition := range h.task.Partitions {
		h.wg.Add(1)
		go func(partition int32, after int64) {
			defer h.wg.Done()
			h.tail(runCtx, partition, after)
		}(partition, starts[partition])
	}
	if h.task.Policy == model.CheckpointPolicyCustom {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.persistLoop(runCtx)
		}()
	}
	log.Info("file connector started",
		zap.String("task", h.task.ID),
		zap.String("path", h.path),
		zap.Any("checkpoints", checkpoints))
	return nil
}

// dispatch turns file system notifications into wakeups of the readers.
func (h *fileHandler) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			wake, ok := h.wakes[filepath.Clean(ev.Name)]
			if !ok {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("file connector watch error", zap.String("task", h.task.ID), zap.Error(err))
		}
	}
}

func (h *fileHandler) tail(ctx context.Context, partition int32, after int64) {
	path := h.partitionPath(partition)
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var (
		f       *os.File
		reader  *bufio.Reader
		partial []byte
		line    int64
	)
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()
	for {
		if f == nil {
			var err error
			f, err = os.Open(path)
			if err != nil && !os.IsNotExist(err) {
				log.Warn("file connector open failed",
					zap.String("task", h.task.ID), zap.String("path", path), zap.Error(err))
			}
			if err == nil {
				reader = bufio.NewReader(f)
			} else {
				f = nil
			}
		}
		for f != nil {
			chunk, err := reader.ReadBytes('\n')
			partial = append(partial, chunk...)
			if err != nil {
				if err != io.EOF {
					log.Warn("file connector read failed",
						zap.String("task", h.task.ID), zap.String("path", path), zap.Error(err))
				}
				break
			}
			line++
			text := bytes.TrimRight(partial, "\r\n")
			partial = nil
			if line <= after {
				continue
			}
			record := &model.Record{
				Value:      append([]byte(nil), text...),
				Partition:  partition,
				Checkpoint: strconv.FormatInt(line, 10),
				Metadata: map[string]string{
					model.MetadataEventTimestamp: strconv.FormatInt(time.Now().UnixMilli(), 10),
				},
			}
			if err := h.producer.Send(ctx, record); err != nil {
				if ctx.Err() == nil {
					log.Warn("file connector send failed, partition stopped",
						zap.String("task", h.task.ID),
						zap.Int32("partition", partition),
						zap.Int64("line", line),
						zap.Error(err))
				}
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-h.wakes[filepath.Clean(path)]:
		case <-ticker.C:
		}
	}
}

func (h *fileHandler) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.storeCheckpoints(); err != nil {
				log.Warn("file connector persist checkpoints failed",
					zap.String("task", h.task.ID), zap.Error(err))
			}
		}
	}
}

func (h *fileHandler) checkpointPath() string {
	return h.path + checkpointFileSuffix
}

func (h *fileHandler) loadCheckpoints() (model.Checkpoints, error) {
	data, err := os.ReadFile(h.checkpointPath())
	if os.IsNotExist(err) {
		return model.Checkpoints{}, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	checkpoints := make(model.Checkpoints)
	if err := json.Unmarshal(data, &checkpoints); err != nil {
		return nil, cerror.WrapError(cerror.ErrUnmarshalFailed, err)
	}
	return checkpoints, nil
}

// storeCheckpoints replaces the checkpoint file with the safe checkpoints
// of the producer.
func (h *fileHandler) storeCheckpoints() error {
	h.checkpointMu.Lock()
	defer h.checkpointMu.Unlock()
	safe := h.producer.SafeCheckpoints()[h.task.ID]
	if len(safe) == 0 {
		return nil
	}
	data, err := json.Marshal(safe)
	if err != nil {
		return cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	tmp := h.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp, h.checkpointPath()))
}

func (h *fileHandler) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.wg.Wait()
	_ = h.watcher.Close()
	h.persistNow()
	log.Info("file connector stopped", zap.String("task", h.task.ID))
}

// Drained implements Drainer. Records acknowledged during the drain move
// the safe checkpoints past what Stop persisted.
func (h *fileHandler) Drained() {
	if h.cancel == nil {
		return
	}
	h.persistNow()
}

func (h *fileHandler) persistNow() {
	if h.task.Policy != model.CheckpointPolicyCustom {
		return
	}
	if err := h.storeCheckpoints(); err != nil {
		log.Warn("file connector persist checkpoints failed",
			zap.String("task", h.task.ID), logutil.ShortError(err))
	}
}
