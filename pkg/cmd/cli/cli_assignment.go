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

package cli

import (
	"sort"

	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/model"
	cmdcontext "github.com/pingcap/datastream/pkg/cmd/context"
	"github.com/pingcap/datastream/pkg/cmd/factory"
	"github.com/pingcap/datastream/pkg/cmd/util"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

// assignmentInfo is the cluster assignment as written by its last
// reconciliation.
type assignmentInfo struct {
	Generation *model.Generation       `json:"generation"`
	Instances  map[string][]string     `json:"instances"`
	Unassigned []*model.UnassignedTask `json:"unassigned"`
	Failed     []*model.TaskStatus     `json:"failed"`
}

// listAssignmentOptions defines flags for the `cli assignment list` command.
type listAssignmentOptions struct {
	store     metadata.Store
	clusterID string
	keys      metadata.KeyBuilder

	instance string
}

// newListAssignmentOptions creates new options for the `cli assignment list` command.
func newListAssignmentOptions() *listAssignmentOptions {
	return &listAssignmentOptions{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *listAssignmentOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.instance, "instance", "", "Only list the tasks of this instance")
}

// complete adapts from the command line args to the data and client required.
func (o *listAssignmentOptions) complete(f factory.Factory) error {
	store, err := f.MetadataStore(cmdcontext.GetDefaultContext())
	if err != nil {
		return err
	}
	o.store = store
	o.clusterID = f.GetClusterID()
	o.keys = metadata.NewKeyBuilder(o.clusterID)
	return nil
}

// run the `cli assignment list` command.
func (o *listAssignmentOptions) run(cmd *cobra.Command) error {
	defer o.store.Close()
	ctx := cmdcontext.GetDefaultContext()

	info := &assignmentInfo{
		Instances:  make(map[string][]string),
		Unassigned: []*model.UnassignedTask{},
		Failed:     []*model.TaskStatus{},
	}
	kvs, _, err := o.store.List(ctx, o.keys.Root()+"/")
	if err != nil {
		return errors.Trace(err)
	}
	for _, kv := range kvs {
		var k metadata.Key
		if err := k.Parse(o.clusterID, kv.Key); err != nil {
			continue
		}
		switch k.Tp {
		case metadata.KeyTypeAssignment:
			if o.instance != "" && k.InstanceID != o.instance {
				continue
			}
			info.Instances[k.InstanceID] = append(info.Instances[k.InstanceID], k.TaskID)
		case metadata.KeyTypeGeneration:
			g := &model.Generation{}
			if err := g.Unmarshal(kv.Value); err != nil {
				return errors.Trace(err)
			}
			info.Generation = g
		case metadata.KeyTypeUnassigned:
			u := &model.UnassignedTask{}
			if err := u.Unmarshal(kv.Value); err != nil {
				return errors.Trace(err)
			}
			info.Unassigned = append(info.Unassigned, u)
		case metadata.KeyTypeTaskError:
			s := &model.TaskStatus{}
			if err := s.Unmarshal(kv.Value); err != nil {
				return errors.Trace(err)
			}
			if o.instance != "" && s.Instance != o.instance {
				continue
			}
			info.Failed = append(info.Failed, s)
		}
	}
	for _, tasks := range info.Instances {
		sort.Strings(tasks)
	}
	return util.JSONPrint(cmd, info)
}

// newCmdListAssignment creates the `cli assignment list` command.
func newCmdListAssignment(f factory.Factory) *cobra.Command {
	o := newListAssignmentOptions()

	command := &cobra.Command{
		Use:   "list",
		Short: "List the tasks assigned to each instance",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			util.CheckErr(o.complete(f))
			util.CheckErr(o.run(cmd))
		},
	}

	o.addFlags(command)

	return command
}

// newCmdAssignment creates the `cli assignment` command.
func newCmdAssignment(f factory.Factory) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "assignment",
		Short: "Inspect the task assignment of the cluster",
	}

	cmds.AddCommand(newCmdListAssignment(f))

	return cmds
}
