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
	cmdcontext "github.com/pingcap/datastream/pkg/cmd/context"
	"github.com/pingcap/datastream/pkg/cmd/factory"
	"github.com/pingcap/datastream/pkg/cmd/util"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

// deleteDatastreamOptions defines flags for the `cli datastream delete` command.
type deleteDatastreamOptions struct {
	store metadata.Store
	keys  metadata.KeyBuilder

	name string
}

// newDeleteDatastreamOptions creates new options for the `cli datastream delete` command.
func newDeleteDatastreamOptions() *deleteDatastreamOptions {
	return &deleteDatastreamOptions{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *deleteDatastreamOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.name, "name", "", "Datastream name")
	_ = cmd.MarkPersistentFlagRequired("name")
}

// complete adapts from the command line args to the data and client required.
func (o *deleteDatastreamOptions) complete(f factory.Factory) error {
	store, err := f.MetadataStore(cmdcontext.GetDefaultContext())
	if err != nil {
		return err
	}
	o.store = store
	o.keys = metadata.NewKeyBuilder(f.GetClusterID())
	return nil
}

// run the `cli datastream delete` command. The coordinators stop its tasks
// and drop their checkpoints.
func (o *deleteDatastreamOptions) run(cmd *cobra.Command) error {
	defer o.store.Close()
	ctx := cmdcontext.GetDefaultContext()

	key := o.keys.Datastream(o.name)
	kv, err := o.store.Get(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}
	if kv == nil {
		return cerror.ErrDatastreamNotExists.GenWithStackByArgs(o.name)
	}
	resp, err := o.store.Txn(ctx,
		[]metadata.Compare{{Key: key, ModRevision: kv.ModRevision}},
		[]metadata.Op{metadata.OpDelete(key)})
	if err != nil {
		return errors.Trace(err)
	}
	if !resp.Succeeded {
		return cerror.ErrDatastreamNotExists.GenWithStackByArgs(o.name)
	}
	cmd.Printf("Delete datastream %s successfully!\n", o.name)
	return nil
}

// newCmdDeleteDatastream creates the `cli datastream delete` command.
func newCmdDeleteDatastream(f factory.Factory) *cobra.Command {
	o := newDeleteDatastreamOptions()

	command := &cobra.Command{
		Use:   "delete",
		Short: "Delete a datastream",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			util.CheckErr(o.complete(f))
			util.CheckErr(o.run(cmd))
		},
	}

	o.addFlags(command)

	return command
}
