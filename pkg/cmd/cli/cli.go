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
	"github.com/pingcap/datastream/pkg/cmd/factory"
	"github.com/pingcap/datastream/pkg/cmd/util"
	"github.com/pingcap/datastream/pkg/logutil"
	"github.com/spf13/cobra"
)

// NewCmdCli creates the `cli` command.
func NewCmdCli() *cobra.Command {
	cf := factory.NewClientFlags()

	cmds := &cobra.Command{
		Use:   "cli",
		Short: "Manage datastreams and inspect a datastream cluster",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Here we will initialize the logging configuration and set the current default context.
			util.InitCmd(cmd, &logutil.Config{Level: cf.GetLogLevel()})
			util.LogHTTPProxies()
			return nil
		},
	}

	// Binding the `cli` command flags and construct the client construction factory.
	cf.AddFlags(cmds)
	f := factory.NewFactory(cf)

	// Add subcommands.
	cmds.AddCommand(newCmdDatastream(f))
	cmds.AddCommand(newCmdInstance(f))
	cmds.AddCommand(newCmdAssignment(f))

	return cmds
}
