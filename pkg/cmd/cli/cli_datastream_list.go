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
	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/model"
	cmdcontext "github.com/pingcap/datastream/pkg/cmd/context"
	"github.com/pingcap/datastream/pkg/cmd/factory"
	"github.com/pingcap/datastream/pkg/cmd/util"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

// datastreamCommonInfo holds the definition of a datastream and the tasks
// it fans out into.
type datastreamCommonInfo struct {
	*model.Datastream
	Tasks []string `json:"tasks"`
}

// listDatastreamOptions defines flags for the `cli datastream list` command.
type listDatastreamOptions struct {
	store metadata.Store
	keys  metadata.KeyBuilder
}

// newListDatastreamOptions creates new options for the `cli datastream list` command.
func newListDatastreamOptions() *listDatastreamOptions {
	return &listDatastreamOptions{}
}

// complete adapts from the command line args to the data and client required.
func (o *listDatastreamOptions) complete(f factory.Factory) error {
	store, err := f.MetadataStore(cmdcontext.GetDefaultContext())
	if err != nil {
		return err
	}
	o.store = store
	o.keys = metadata.NewKeyBuilder(f.GetClusterID())
	return nil
}

// run the `cli datastream list` command.
func (o *listDatastreamOptions) run(cmd *cobra.Command) error {
	defer o.store.Close()
	ctx := cmdcontext.GetDefaultContext()

	kvs, _, err := o.store.List(ctx, o.keys.DatastreamsPrefix())
	if err != nil {
		return errors.Trace(err)
	}
	infos := make([]*datastreamCommonInfo, 0, len(kvs))
	for _, kv := range kvs {
		d := &model.Datastream{}
		if err := d.Unmarshal(kv.Value); err != nil {
			return errors.Trace(err)
		}
		info := &datastreamCommonInfo{Datastream: d, Tasks: []string{}}
		for _, task := range d.Tasks() {
			info.Tasks = append(info.Tasks, task.ID)
		}
		infos = append(infos, info)
	}
	return util.JSONPrint(cmd, infos)
}

// newCmdListDatastream creates the `cli datastream list` command.
func newCmdListDatastream(f factory.Factory) *cobra.Command {
	o := newListDatastreamOptions()

	command := &cobra.Command{
		Use:   "list",
		Short: "List all datastreams of the cluster",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			util.CheckErr(o.complete(f))
			util.CheckErr(o.run(cmd))
		},
	}

	return command
}
