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
	"github.com/pingcap/datastream/datastream/membership"
	"github.com/pingcap/datastream/datastream/metadata"
	cmdcontext "github.com/pingcap/datastream/pkg/cmd/context"
	"github.com/pingcap/datastream/pkg/cmd/factory"
	"github.com/pingcap/datastream/pkg/cmd/util"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

// instance holds instance information.
type instance struct {
	ID            string            `json:"id"`
	IsLeader      bool              `json:"is-leader"`
	AdvertiseAddr string            `json:"address"`
	Version       string            `json:"version"`
	Connectors    map[string]string `json:"connectors"`
}

// listInstanceOptions defines flags for the `cli instance list` command.
type listInstanceOptions struct {
	store     metadata.Store
	clusterID string
}

// newListInstanceOptions creates new options for the `cli instance list` command.
func newListInstanceOptions() *listInstanceOptions {
	return &listInstanceOptions{}
}

// complete adapts from the command line args to the data and client required.
func (o *listInstanceOptions) complete(f factory.Factory) error {
	store, err := f.MetadataStore(cmdcontext.GetDefaultContext())
	if err != nil {
		return err
	}
	o.store = store
	o.clusterID = f.GetClusterID()
	return nil
}

// run runs the `cli instance list` command.
func (o *listInstanceOptions) run(cmd *cobra.Command) error {
	defer o.store.Close()
	ctx := cmdcontext.GetDefaultContext()

	_, live, err := membership.NewRegistry(o.store, o.clusterID, "", 0).LiveInstances(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	leader, err := o.store.Get(ctx, metadata.NewKeyBuilder(o.clusterID).Leader())
	if err != nil {
		return errors.Trace(err)
	}
	instances := make([]*instance, 0, len(live))
	for _, info := range live {
		instances = append(instances, &instance{
			ID:            info.ID,
			IsLeader:      leader != nil && string(leader.Value) == info.ID,
			AdvertiseAddr: info.AdvertiseAddr,
			Version:       info.Version,
			Connectors:    info.Connectors,
		})
	}
	return util.JSONPrint(cmd, instances)
}

// newCmdListInstance creates the `cli instance list` command.
func newCmdListInstance(f factory.Factory) *cobra.Command {
	o := newListInstanceOptions()

	command := &cobra.Command{
		Use:   "list",
		Short: "List the live instances of the cluster",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			util.CheckErr(o.complete(f))
			util.CheckErr(o.run(cmd))
		},
	}

	return command
}

// newCmdInstance creates the `cli instance` command.
func newCmdInstance(f factory.Factory) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "instance",
		Short: "Inspect the instances of the cluster",
	}

	cmds.AddCommand(newCmdListInstance(f))

	return cmds
}

