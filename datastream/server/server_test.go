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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/pingcap/datastream/datastream/connector"
	"github.com/pingcap/datastream/datastream/coordinator"
	"github.com/pingcap/datastream/datastream/metadata"
	"github.com/pingcap/datastream/datastream/model"
	"github.com/pingcap/datastream/pkg/config"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) *config.ServerConfig {
	cfg := config.GetDefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Store.Backend = config.StoreBackendMemory
	cfg.Coordinator.RebalanceDebounce = config.TomlDuration(10 * time.Millisecond)
	cfg.Producer.FlushInterval = config.TomlDuration(10 * time.Millisecond)
	cfg.Connectors = map[string]*config.ConnectorConfig{
		connector.DummyConnector: {Options: map[string]string{"events": "5"}},
	}
	require.NoError(t, cfg.ValidateAndAdjust())
	return cfg
}

func getJSON(t *testing.T, client *http.Client, url string, v interface{}) int {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.Unmarshal(body, v))
	}
	return resp.StatusCode
}

func TestServerRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := New(ctx, newTestConfig(t))
	require.NoError(t, err)
	defer s.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	base := fmt.Sprintf("http://%s", s.Addr())
	var st ServerStatus
	require.Eventually(t, func() bool {
		return getJSON(t, client, base+"/status", &st) == http.StatusOK &&
			st.State == coordinator.StateSteady
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, "127.0.0.1-1", st.ID)
	require.True(t, st.Leader)

	d := &model.Datastream{
		Name:          "srv",
		ConnectorType: connector.DummyConnector,
		Source:        model.Source{Partitions: 2},
		Destination:   model.Destination{ConnectionString: "memory://local/srv"},
	}
	data, err := d.Marshal()
	require.NoError(t, err)
	_, err = s.store.Put(ctx, metadata.NewKeyBuilder(s.cfg.ClusterID).Datastream(d.Name), data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var tasks []model.TaskStatus
		if getJSON(t, client, base+"/api/v1/tasks", &tasks) != http.StatusOK || len(tasks) != 2 {
			return false
		}
		for _, task := range tasks {
			if task.State != model.TaskStateRunning {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	var unassigned []*model.UnassignedTask
	require.Equal(t, http.StatusOK, getJSON(t, client, base+"/api/v1/unassigned", &unassigned))
	require.Empty(t, unassigned)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/rebalance", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	require.Equal(t, http.StatusOK, getJSON(t, client, base+"/metrics", nil))

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		require.FailNow(t, "server did not stop")
	}
	// the session is revoked on shutdown
	kvs, _, err := s.store.List(context.Background(), metadata.NewKeyBuilder(s.cfg.ClusterID).LiveInstancesPrefix())
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func TestServerInvalidConnector(t *testing.T) {
	t.Parallel()

	cfg := newTestConfig(t)
	cfg.Connectors["kinesis"] = &config.ConnectorConfig{Strategy: config.DefaultStrategy}
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}
