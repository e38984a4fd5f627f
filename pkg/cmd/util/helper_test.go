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

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap/datastream/pkg/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestProxyFields(t *testing.T) {
	revIndex := map[string]int{
		"http_proxy":  0,
		"https_proxy": 1,
		"no_proxy":    2,
	}
	envs := []string{"http_proxy", "https_proxy", "no_proxy"}
	envPreset := []string{"http://127.0.0.1:8080", "https://127.0.0.1:8443", "localhost,127.0.0.1"}

	// each bit of the mask selects whether envs[i] is set
	for mask := 0; mask <= 0b111; mask++ {
		for i, env := range envs {
			if (1<<i)&mask != 0 {
				t.Setenv(env, envPreset[i])
			} else {
				t.Setenv(env, "")
			}
		}
		for _, field := range findProxyFields() {
			idx, ok := revIndex[field.Key]
			require.True(t, ok)
			require.NotEqual(t, 0, (1<<idx)&mask)
			require.Equal(t, envPreset[idx], field.String)
		}
	}
}

func TestStrictDecodeValidFile(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "datastream.toml")
	configContent := `
addr = "128.0.0.1:1234"
advertise-addr = "127.0.0.1:1111"
cluster-id = "prod"

[log]
level = "warn"
file = "/tmp/datastream.log"
max-size = 200

[store]
backend = "etcd"
endpoints = ["http://10.0.0.1:2379", "http://10.0.0.2:2379"]
session-ttl = 5

[coordinator]
rebalance-debounce = "200ms"
resync-interval = "1m"
election = false

[executor]
max-start-retries = 2

[producer]
flush-interval = "500ms"

[checkpoint]
storage = "sqlite"
dsn = "file:/tmp/ckpt.db"

[transport.kafka]
client-id = "ds"
required-acks = 1

[schema-registry]
url = "http://127.0.0.1:8081"

[connectors.file]
strategy = "load-balancing"
[connectors.file.options]
poll-interval = "2s"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	conf := config.GetDefaultServerConfig()
	require.NoError(t, StrictDecodeFile(configPath, "test", conf))
	require.Equal(t, "prod", conf.ClusterID)
	require.Equal(t, []string{"http://10.0.0.1:2379", "http://10.0.0.2:2379"}, conf.Store.Endpoints)
	require.False(t, conf.Coordinator.Election)
	require.Equal(t, "2s", conf.Connectors["file"].Options["poll-interval"])
	require.Equal(t, "warn", conf.Log.Level)
}

func TestStrictDecodeInvalidFile(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "datastream.toml")
	configContent := `
unknown = "128.0.0.1:1234"

[store.unknown]
session-ttl = 5
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	conf := config.GetDefaultServerConfig()
	err := StrictDecodeFile(configPath, "test", conf)
	require.Contains(t, err.Error(), "contained unknown configuration options: unknown, store.unknown")

	// ignored top level items pass the check
	err = StrictDecodeFile(configPath, "test", config.GetDefaultServerConfig(), "unknown", "store")
	require.NoError(t, err)
}

func TestJSONPrint(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{}
	var b fakeWriter
	cmd.SetOut(&b)
	require.NoError(t, JSONPrint(cmd, map[string]int{"a": 1}))
	require.Equal(t, "{\n  \"a\": 1\n}\n", string(b))
}

type fakeWriter []byte

func (w *fakeWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
