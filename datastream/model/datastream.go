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

	"github.com/google/uuid"
	cerror "github.com/pingcap/datastream/pkg/errors"
)

// CheckpointPolicy decides who persists the checkpoints of a task.
type CheckpointPolicy string

const (
	// CheckpointPolicyDatastream means the producer persists safe checkpoints
	// periodically and the executor resumes the task from them.
	CheckpointPolicyDatastream CheckpointPolicy = "DATASTREAM"
	// CheckpointPolicyCustom means the connector persists checkpoints itself.
	CheckpointPolicyCustom CheckpointPolicy = "CUSTOM"
)

// Valid reports whether the policy is known.
func (p CheckpointPolicy) Valid() bool {
	return p == CheckpointPolicyDatastream || p == CheckpointPolicyCustom
}

// Source describes where a datastream reads events from.
type Source struct {
	ConnectionString string `json:"connection-string"`
	// Partitions is the number of source partitions, at least 1.
	Partitions int `json:"partitions"`
}

// Destination describes the transport a datastream writes events to.
type Destination struct {
	ConnectionString string `json:"connection-string"`
	// Partitions is fixed when the datastream is created.
	Partitions int `json:"partitions"`
}

// Datastream is the definition of a source to destination binding, stored
// under datastreams/<name>.
type Datastream struct {
	Name          string           `json:"name"`
	ConnectorType string           `json:"connector-type"`
	Source        Source           `json:"source"`
	Destination   Destination      `json:"destination"`
	Policy        CheckpointPolicy `json:"checkpoint-policy"`
	// MaxTasks bounds the number of tasks the source partitions are spread
	// over, zero means one task per source partition.
	MaxTasks int               `json:"max-tasks"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Marshal using json.Marshal.
func (d *Datastream) Marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return data, nil
}

// Unmarshal from binary data.
func (d *Datastream) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, d)
	return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
}

// Validate checks the definition and fills defaults.
func (d *Datastream) Validate() error {
	if d.Name == "" || strings.ContainsAny(d.Name, "/ ") {
		return cerror.ErrInvalidDatastream.GenWithStackByArgs(d.Name, "name must be non-empty without '/' or space")
	}
	if d.ConnectorType == "" {
		return cerror.ErrInvalidDatastream.GenWithStackByArgs(d.Name, "empty connector type")
	}
	if d.Destination.ConnectionString == "" {
		return cerror.ErrInvalidDatastream.GenWithStackByArgs(d.Name, "empty destination")
	}
	if d.Source.Partitions == 0 {
		d.Source.Partitions = 1
	}
	if d.Source.Partitions < 0 {
		return cerror.ErrInvalidDatastream.GenWithStackByArgs(d.Name, "negative source partitions")
	}
	if d.Destination.Partitions == 0 {
		d.Destination.Partitions = 1
	}
	if d.Destination.Partitions < 0 {
		return cerror.ErrInvalidDatastream.GenWithStackByArgs(d.Name, "negative destination partitions")
	}
	if d.MaxTasks < 0 {
		return cerror.ErrInvalidDatastream.GenWithStackByArgs(d.Name, "negative max tasks")
	}
	if d.Policy == "" {
		d.Policy = CheckpointPolicyDatastream
	}
	if !d.Policy.Valid() {
		return cerror.ErrInvalidDatastream.GenWithStackByArgs(d.Name,
			fmt.Sprintf("unknown checkpoint policy %s", d.Policy))
	}
	return nil
}

// TaskCount returns the number of tasks the datastream fans out into.
func (d *Datastream) TaskCount() int {
	partitions := d.Source.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	if d.MaxTasks > 0 && d.MaxTasks < partitions {
		return d.MaxTasks
	}
	return partitions
}

// topology is everything a task depends on. Changing any part of it
// replaces the tasks of the datastream instead of mutating them.
func (d *Datastream) topology() string {
	return fmt.Sprintf("%s|%s|%d|%s|%d|%s|%d",
		d.ConnectorType, d.Source.ConnectionString, d.Source.Partitions,
		d.Destination.ConnectionString, d.Destination.Partitions, d.Policy, d.TaskCount())
}

// Tasks derives the tasks of the datastream. The result only depends on
// the definition, source partitions are spread round-robin over the tasks.
func (d *Datastream) Tasks() []*DatastreamTask {
	n := d.TaskCount()
	suffix := uuid.NewSHA1(uuid.NameSpaceOID, []byte(d.topology())).String()[:8]
	tasks := make([]*DatastreamTask, n)
	for i := 0; i < n; i++ {
		tasks[i] = &DatastreamTask{
			ID:            fmt.Sprintf("%s-%d-%s", d.Name, i, suffix),
			Datastream:    d.Name,
			ConnectorType: d.ConnectorType,
			Source:        d.Source.ConnectionString,
			Destination:   d.Destination,
			Policy:        d.Policy,
			Metadata:      d.Metadata,
		}
	}
	partitions := d.Source.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	for p := 0; p < partitions; p++ {
		t := tasks[p%n]
		t.Partitions = append(t.Partitions, int32(p))
	}
	return tasks
}

// DeriveTasks derives the tasks of all datastreams sorted by task id.
func DeriveTasks(datastreams []*Datastream) []*DatastreamTask {
	var tasks []*DatastreamTask
	for _, d := range datastreams {
		tasks = append(tasks, d.Tasks()...)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}
