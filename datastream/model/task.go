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

package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	cerror "github.com/pingcap/datastream/pkg/errors"
)

// DatastreamTask is the unit of assignable work. It is immutable, a change
// of the owning datastream topology replaces it with a task of a new id.
type DatastreamTask struct {
	ID            string            `json:"id"`
	Datastream    string            `json:"datastream"`
	ConnectorType string            `json:"connector-type"`
	Source        string            `json:"source"`
	Partitions    []int32           `json:"partitions"`
	Destination   Destination       `json:"destination"`
	Policy        CheckpointPolicy  `json:"checkpoint-policy"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	// Replicated is set when every capable instance runs its own copy of
	// the task. Each copy progresses on its own checkpoints.
	Replicated bool `json:"replicated,omitempty"`
}

// CheckpointScope identifies one set of persisted checkpoints.
type CheckpointScope struct {
	TaskID string
	// Instance is empty when all runners of the task share checkpoints.
	Instance InstanceID
}

// String implements fmt.Stringer.
func (s CheckpointScope) String() string {
	if s.Instance == "" {
		return s.TaskID
	}
	return s.TaskID + "@" + s.Instance
}

// CheckpointScope returns the checkpoints the task resumes from when it
// runs on instance.
func (t *DatastreamTask) CheckpointScope(instance InstanceID) CheckpointScope {
	scope := CheckpointScope{TaskID: t.ID}
	if t.Replicated {
		scope.Instance = instance
	}
	return scope
}

// Marshal using json.Marshal.
func (t *DatastreamTask) Marshal() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return data, nil
}

// Unmarshal from binary data.
func (t *DatastreamTask) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, t)
	return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
}

// String implements fmt.Stringer.
func (t *DatastreamTask) String() string {
	parts := make([]string, 0, len(t.Partitions))
	for _, p := range t.Partitions {
		parts = append(parts, fmt.Sprint(p))
	}
	return fmt.Sprintf("%s(%s)[%s]", t.ID, t.ConnectorType, strings.Join(parts, ","))
}

// Checkpoints maps a source partition to its opaque checkpoint token.
type Checkpoints map[int32]string

// Clone returns a copy of the checkpoints.
func (c Checkpoints) Clone() Checkpoints {
	clone := make(Checkpoints, len(c))
	for p, token := range c {
		clone[p] = token
	}
	return clone
}

// Partitions returns the sorted partitions that have a checkpoint.
func (c Checkpoints) Partitions() []int32 {
	partitions := make([]int32, 0, len(c))
	for p := range c {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return partitions
}

// Record is one event handed from a connector to its producer.
type Record struct {
	Key   []byte
	Value []byte
	// Partition is the source partition the event was read from, it keys
	// the checkpoint and routes the event to a destination partition.
	Partition int32
	// Checkpoint is the token the connector resumes after once the record
	// is durably written.
	Checkpoint string
	Metadata   map[string]string
}

// Well known record metadata keys.
const (
	MetadataPayloadSchemaID = "PayloadSchemaId"
	MetadataEventTimestamp  = "EventTimestamp"
	MetadataSourcePartition = "SourcePartition"
)
