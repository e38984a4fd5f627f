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
	"time"

	cerror "github.com/pingcap/datastream/pkg/errors"
)

// TaskState is the lifecycle state of a task on an instance.
type TaskState string

// Task states.
const (
	TaskStatePending  TaskState = "pending"
	TaskStateRunning  TaskState = "running"
	TaskStateRetrying TaskState = "retrying"
	TaskStateFailed   TaskState = "failed"
	TaskStateStopping TaskState = "stopping"
	TaskStateStopped  TaskState = "stopped"
)

// TaskStatus is the observable status of one task, the failed ones are
// also stored under taskErrors/<task>.
type TaskStatus struct {
	TaskID   string    `json:"task-id"`
	Instance string    `json:"instance"`
	State    TaskState `json:"state"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	Time     time.Time `json:"time"`
}

// Marshal using json.Marshal.
func (s *TaskStatus) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return data, nil
}

// Unmarshal from binary data.
func (s *TaskStatus) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, s)
	return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
}

// UnassignedTask is a task no live instance can run, stored under
// unassigned/<task> until an instance with its connector type joins.
type UnassignedTask struct {
	TaskID        string `json:"task-id"`
	ConnectorType string `json:"connector-type"`
	Reason        string `json:"reason"`
}

// Marshal using json.Marshal.
func (u *UnassignedTask) Marshal() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return data, nil
}

// Unmarshal from binary data.
func (u *UnassignedTask) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, u)
	return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
}

// Generation is the record that guards assignment writes. Writers compare
// and set it, InputRevision is the store revision the assignment was
// computed from.
type Generation struct {
	Generation    int64  `json:"generation"`
	InputRevision int64  `json:"input-revision"`
	Writer        string `json:"writer"`
}

// Marshal using json.Marshal.
func (g *Generation) Marshal() ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return data, nil
}

// Unmarshal from binary data.
func (g *Generation) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, g)
	return cerror.WrapError(cerror.ErrUnmarshalFailed, err)
}
