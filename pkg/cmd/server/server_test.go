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

package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingcap/datastream/pkg/config"
	"github.com/pingcap/datastream/pkg/leakutil"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func newTestCommand(t *testing.T, args ...string) (*options, *cobra.Command) {
	o := newOptions()
	cmd := &cobra.Command{}
	o.addFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return o, cmd
}

func TestLoadDefaultConfig(t *testing.T) {
	t.Parallel()

	o, cmd := newTestCommand(t)
	conf, err := o.loadAndVerifyServerConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8400", conf.Addr)
	require.Equal(t, "127.0.0.1:8400", conf.AdvertiseAddr)
	require.Equal(t, "127.0.0.1", conf.InstanceHost)
	require.Equal(t, config.DefaultClusterID, conf.ClusterID)
	require.Equal(t, config.StoreBackendEtcd, conf.Store.Backend)
	require.Equal(t, []string{"http://127.0.0.1:2379"}, conf.Store.Endpoints)
}

func TestLoadConfigFromFlags(t *testing.T) {
	t.Parallel()

	o, cmd := newTestCommand(t,
		"--addr=0.0.0.0:9400",
		"--advertise-addr=10.0.0.1:9400",
		"--cluster-id=orders",
		"--store=http://10.0.0.2:2379, http://10.0.0.3:2379",
		"--store-backend=memory",
		"--log-level=debug",
	)
	conf, err := o.loadAndVerifyServerConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9400", conf.Addr)
	require.Equal(t, "10.0.0.1:9400", conf.AdvertiseAddr)
	require.Equal(t, "10.0.0.1", conf.InstanceHost)
	require.Equal(t, "orders", conf.ClusterID)
	require.Equal(t, config.StoreBackendMemory, conf.Store.Backend)
	require.Equal(t, []string{"http://10.0.0.2:2379", "http://10.0.0.3:2379"}, conf.Store.Endpoints)
	require.Equal(t, "debug", conf.Log.Level)

	o, cmd = newTestCommand(t, "--advertise-addr=0.0.0.0:9400")
	_, err = o.loadAndVerifyServerConfig(cmd)
	require.ErrorContains(t, err, "advertise address must be specified as a valid IP")
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "server.toml")
	content := `
addr = "127.0.0.1:8500"
cluster-id = "file-cluster"

[log]
level = "warn"

[store]
backend = "memory"
session-ttl = 3

[coordinator]
rebalance-debounce = "250ms"
election = false

[connectors.kafka]
strategy = "broadcast"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// Flags take precedence over the file.
	o, cmd := newTestCommand(t, "--config="+path, "--log-level=error")
	conf, err := o.loadAndVerifyServerConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8500", conf.Addr)
	require.Equal(t, "file-cluster", conf.ClusterID)
	require.Equal(t, "error", conf.Log.Level)
	require.Equal(t, config.StoreBackendMemory, conf.Store.Backend)
	require.Equal(t, 3, conf.Store.SessionTTL)
	require.Equal(t, config.TomlDuration(250*time.Millisecond), conf.Coordinator.RebalanceDebounce)
	require.False(t, conf.Coordinator.Election)
	require.Equal(t, "broadcast", conf.Connectors["kafka"].Strategy)

	require.NoError(t, os.WriteFile(path, []byte("unknown-option = 1\n[store]\nbad = 2\n"), 0o644))
	o, cmd = newTestCommand(t, "--config="+path)
	_, err = o.loadAndVerifyServerConfig(cmd)
	require.ErrorContains(t, err, "contained unknown configuration options: unknown-option, store.bad")
}

func TestSplitEndpoints(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{}, splitEndpoints(""))
	require.Equal(t, []string{"a", "b"}, splitEndpoints("a,, b ,"))
}
