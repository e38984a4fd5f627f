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
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

// createDatastreamOptions defines flags for the `cli datastream create` command.
type createDatastreamOptions struct {
	store metadata.Store
	keys  metadata.KeyBuilder

	name                  string
	connectorType         string
	source                string
	sourcePartitions      int
	destination           string
	destinationPartitions int
	policy                string
	maxTasks              int
	meta                  map[string]string
}

// newCreateDatastreamOptions creates new options for the `cli datastream create` command.
func newCreateDatastreamOptions() *createDatastreamOptions {
	return &createDatastreamOptions{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *createDatastreamOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.name, "name", "", "Datastream name")
	cmd.PersistentFlags().StringVar(&o.connectorType, "connector", "", "Connector type of the source")
	cmd.PersistentFlags().StringVar(&o.source, "source", "", "Source connection string")
	cmd.PersistentFlags().IntVar(&o.sourcePartitions, "source-partitions", 1, "Number of source partitions")
	cmd.PersistentFlags().StringVar(&o.destination, "destination", "",
		"Destination connection string, e.g. kafka://127.0.0.1:9092/topic")
	cmd.PersistentFlags().IntVar(&o.destinationPartitions, "destination-partitions", 1,
		"Number of destination partitions, fixed once created")
	cmd.PersistentFlags().StringVar(&o.policy, "checkpoint-policy", string(model.CheckpointPolicyDatastream),
		"Checkpoint policy, DATASTREAM or CUSTOM")
	cmd.PersistentFlags().IntVar(&o.maxTasks, "max-tasks", 0,
		"Upper bound of tasks the source partitions are spread over, 0 means one task per partition")
	cmd.PersistentFlags().StringToStringVar(&o.meta, "metadata", nil, "Connector specific metadata, key=value")
	_ = cmd.MarkPersistentFlagRequired("name")
	_ = cmd.MarkPersistentFlagRequired("connector")
	_ = cmd.MarkPersistentFlagRequired("destination")
}

// complete adapts from the command line args to the data and client required.
func (o *createDatastreamOptions) complete(f factory.Factory) error {
	store, err := f.MetadataStore(cmdcontext.GetDefaultContext())
	if err != nil {
		return err
	}
	o.store = store
	o.keys = metadata.NewKeyBuilder(f.GetClusterID())
	return nil
}

func (o *createDatastreamOptions) datastream() (*model.Datastream, error) {
	d := &model.Datastream{
		Name:          o.name,
		ConnectorType: o.connectorType,
		Source: model.Source{
			ConnectionString: o.source,
			Partitions:       o.sourcePartitions,
		},
		Destination: model.Destination{
			ConnectionString: o.destination,
			Partitions:       o.destinationPartitions,
		},
		Policy:   model.CheckpointPolicy(o.policy),
		MaxTasks: o.maxTasks,
		Metadata: o.meta,
	}
	if err := d.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// run the `cli datastream create` command.
func (o *createDatastreamOptions) run(cmd *cobra.Command) error {
	defer o.store.Close()
	ctx := cmdcontext.GetDefaultContext()

	d, err := o.datastream()
	if err != nil {
		return err
	}
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	key := o.keys.Datastream(d.Name)
	resp, err := o.store.Txn(ctx,
		[]metadata.Compare{{Key: key, ModRevision: 0}},
		[]metadata.Op{metadata.OpPut(key, data)})
	if err != nil {
		return errors.Trace(err)
	}
	if !resp.Succeeded {
		return cerror.ErrDatastreamAlreadyExists.GenWithStackByArgs(d.Name)
	}
	cmd.Printf("Create datastream successfully!\n")
	return util.JSONPrint(cmd, d)
}

// newCmdCreateDatastream creates the `cli datastream create` command.
func newCmdCreateDatastream(f factory.Factory) *cobra.Command {
	o := newCreateDatastreamOptions()

	command := &cobra.Command{
		Use:   "create",
		Short: "Create a new datastream",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			util.CheckErr(o.complete(f))
			util.CheckErr(o.run(cmd))
		},
	}

	o.addFlags(command)

	return command
}
