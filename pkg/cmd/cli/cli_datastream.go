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
	"github.com/spf13/cobra"
)

// newCmdDatastream creates the `cli datastream` command.
func newCmdDatastream(f factory.Factory) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "datastream",
		Short: "Manage datastreams",
	}

	cmds.AddCommand(newCmdCreateDatastream(f))
	cmds.AddCommand(newCmdListDatastream(f))
	cmds.AddCommand(newCmdDeleteDatastream(f))

	return cmds
}
