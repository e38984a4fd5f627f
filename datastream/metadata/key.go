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

package metadata

import (
	"fmt"
	"strconv"
	"strings"

	cerror "github.com/pingcap/datastream/pkg/errors"
)

const (
	// RootKey is the prefix of all keys of all clusters.
	RootKey = "/datastream"

	liveInstancesKey = "/liveInstances"
	datastreamsKey   = "/datastreams"
	tasksKey         = "/tasks"
	assignmentsKey   = "/instanceAssignments"
	checkpointsKey   = "/checkpoints"
	leaderKey        = "/leader"
	generationKey    = "/generation"
	instanceSeqKey   = "/instanceSeq"
	unassignedKey    = "/unassigned"
	taskErrorsKey    = "/taskErrors"
)

// KeyType is the type of a coordination store key.
type KeyType int

// the types of keys
const (
	KeyTypeUnknown KeyType = iota
	KeyTypeLiveInstance
	KeyTypeDatastream
	KeyTypeTask
	KeyTypeAssignment
	KeyTypeCheckpoint
	KeyTypeLeader
	KeyTypeGeneration
	KeyTypeInstanceSeq
	KeyTypeUnassigned
	KeyTypeTaskError
)

// Key represents a decoded coordination store key
type Key struct {
	Tp         KeyType
	ClusterID  string
	InstanceID string
	Datastream string
	TaskID     string
	Partition  int32
}

// Parse parses the given key into a Key
func (k *Key) Parse(clusterID, key string) error {
	prefix := ClusterRoot(clusterID)
	if !strings.HasPrefix(key, prefix+"/") {
		return cerror.ErrInvalidStoreKey.GenWithStackByArgs(key)
	}
	k.ClusterID = clusterID
	key = key[len(prefix):]
	switch {
	case strings.HasPrefix(key, liveInstancesKey+"/"):
		k.Tp = KeyTypeLiveInstance
		k.InstanceID = key[len(liveInstancesKey)+1:]
	case strings.HasPrefix(key, datastreamsKey+"/"):
		k.Tp = KeyTypeDatastream
		k.Datastream = key[len(datastreamsKey)+1:]
	case strings.HasPrefix(key, tasksKey+"/"):
		k.Tp = KeyTypeTask
		k.TaskID = key[len(tasksKey)+1:]
	case strings.HasPrefix(key, assignmentsKey+"/"):
		k.Tp = KeyTypeAssignment
		parts := strings.Split(key[len(assignmentsKey)+1:], "/")
		if len(parts) != 2 {
			return cerror.ErrInvalidStoreKey.GenWithStackByArgs(key)
		}
		k.InstanceID, k.TaskID = parts[0], parts[1]
	case strings.HasPrefix(key, checkpointsKey+"/"):
		k.Tp = KeyTypeCheckpoint
		// <task>/<partition> or, for a replicated task, <task>/<instance>/<partition>
		parts := strings.Split(key[len(checkpointsKey)+1:], "/")
		switch len(parts) {
		case 2:
			k.InstanceID = ""
		case 3:
			if parts[1] == "" {
				return cerror.ErrInvalidStoreKey.GenWithStackByArgs(key)
			}
			k.InstanceID = parts[1]
		default:
			return cerror.ErrInvalidStoreKey.GenWithStackByArgs(key)
		}
		partition, err := strconv.ParseInt(parts[len(parts)-1], 10, 32)
		if err != nil {
			return cerror.ErrInvalidStoreKey.Wrap(err).GenWithStackByArgs(key)
		}
		k.TaskID, k.Partition = parts[0], int32(partition)
	case key == leaderKey:
		k.Tp = KeyTypeLeader
	case key == generationKey:
		k.Tp = KeyTypeGeneration
	case key == instanceSeqKey:
		k.Tp = KeyTypeInstanceSeq
	case strings.HasPrefix(key, unassignedKey+"/"):
		k.Tp = KeyTypeUnassigned
		k.TaskID = key[len(unassignedKey)+1:]
	case strings.HasPrefix(key, taskErrorsKey+"/"):
		k.Tp = KeyTypeTaskError
		k.TaskID = key[len(taskErrorsKey)+1:]
	default:
		return cerror.ErrInvalidStoreKey.GenWithStackByArgs(key)
	}
	return nil
}

// String implements fmt.Stringer interface.
func (k *Key) String() string {
	b := NewKeyBuilder(k.ClusterID)
	switch k.Tp {
	case KeyTypeLiveInstance:
		return b.LiveInstance(k.InstanceID)
	case KeyTypeDatastream:
		return b.Datastream(k.Datastream)
	case KeyTypeTask:
		return b.Task(k.TaskID)
	case KeyTypeAssignment:
		return b.Assignment(k.InstanceID, k.TaskID)
	case KeyTypeCheckpoint:
		return b.Checkpoint(k.TaskID, k.InstanceID, k.Partition)
	case KeyTypeLeader:
		return b.Leader()
	case KeyTypeGeneration:
		return b.Generation()
	case KeyTypeInstanceSeq:
		return b.InstanceSeq()
	case KeyTypeUnassigned:
		return b.Unassigned(k.TaskID)
	case KeyTypeTaskError:
		return b.TaskError(k.TaskID)
	}
	panic(fmt.Sprintf("unreachable, key type %d", k.Tp))
}

// ClusterRoot returns the prefix of all keys of a cluster.
func ClusterRoot(clusterID string) string {
	return RootKey + "/" + clusterID
}

// KeyBuilder builds the keys of one cluster.
type KeyBuilder struct {
	root string
}

// NewKeyBuilder returns a KeyBuilder of the cluster.
func NewKeyBuilder(clusterID string) KeyBuilder {
	return KeyBuilder{root: ClusterRoot(clusterID)}
}

// Root returns the cluster prefix.
func (b KeyBuilder) Root() string { return b.root }

// LiveInstancesPrefix is the parent of all live instance markers.
func (b KeyBuilder) LiveInstancesPrefix() string { return b.root + liveInstancesKey + "/" }

// LiveInstance is the session bound marker of an instance.
func (b KeyBuilder) LiveInstance(id string) string { return b.LiveInstancesPrefix() + id }

// DatastreamsPrefix is the parent of all datastream definitions.
func (b KeyBuilder) DatastreamsPrefix() string { return b.root + datastreamsKey + "/" }

// Datastream is the definition of a datastream.
func (b KeyBuilder) Datastream(name string) string { return b.DatastreamsPrefix() + name }

// TasksPrefix is the parent of all task metadata.
func (b KeyBuilder) TasksPrefix() string { return b.root + tasksKey + "/" }

// Task is the metadata of a task.
func (b KeyBuilder) Task(id string) string { return b.TasksPrefix() + id }

// AssignmentsPrefix is the parent of all assignment leaves.
func (b KeyBuilder) AssignmentsPrefix() string { return b.root + assignmentsKey + "/" }

// InstanceAssignmentsPrefix is the assignment subtree of one instance.
func (b KeyBuilder) InstanceAssignmentsPrefix(id string) string {
	return b.AssignmentsPrefix() + id + "/"
}

// Assignment is one assignment leaf.
func (b KeyBuilder) Assignment(instance, task string) string {
	return b.InstanceAssignmentsPrefix(instance) + task
}

// CheckpointsPrefix is the parent of all checkpoints of a task, those of
// its replicated copies included.
func (b KeyBuilder) CheckpointsPrefix(task string) string {
	return b.root + checkpointsKey + "/" + task + "/"
}

// ScopeCheckpointsPrefix is the parent of the checkpoints of one scope. An
// empty instance names the checkpoints shared by all runners.
func (b KeyBuilder) ScopeCheckpointsPrefix(task, instance string) string {
	if instance == "" {
		return b.CheckpointsPrefix(task)
	}
	return b.CheckpointsPrefix(task) + instance + "/"
}

// Checkpoint is the persisted token of one task partition.
func (b KeyBuilder) Checkpoint(task, instance string, partition int32) string {
	return b.ScopeCheckpointsPrefix(task, instance) + strconv.FormatInt(int64(partition), 10)
}

// Leader is the session bound key of the elected coordinator.
func (b KeyBuilder) Leader() string { return b.root + leaderKey }

// Generation is the record guarding assignment writes.
func (b KeyBuilder) Generation() string { return b.root + generationKey }

// InstanceSeq is the counter instance names are allocated from.
func (b KeyBuilder) InstanceSeq() string { return b.root + instanceSeqKey }

// UnassignedPrefix is the parent of all unassignable tasks.
func (b KeyBuilder) UnassignedPrefix() string { return b.root + unassignedKey + "/" }

// Unassigned marks a task no live instance can run.
func (b KeyBuilder) Unassigned(task string) string { return b.UnassignedPrefix() + task }

// TaskErrorsPrefix is the parent of all fatal task errors.
func (b KeyBuilder) TaskErrorsPrefix() string { return b.root + taskErrorsKey + "/" }

// TaskError is the fatal error of a task.
func (b KeyBuilder) TaskError(task string) string { return b.TaskErrorsPrefix() + task }
