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

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/pingcap/datastream/pkg/config"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

type mockClient struct {
	partitions []int32
	err        error
	closed     bool
}

func (c *mockClient) Partitions(string) ([]int32, error) { return c.partitions, c.err }

func (c *mockClient) Close() error {
	c.closed = true
	return nil
}

func newTestConfig(t *testing.T) *sarama.Config {
	cfg, err := NewSaramaConfig(config.GetDefaultServerConfig().Transport.Kafka)
	require.NoError(t, err)
	return cfg
}

func TestNewSaramaConfig(t *testing.T) {
	t.Parallel()

	o := config.GetDefaultServerConfig().Transport.Kafka
	o.Compression = "LZ4"
	o.SASLUser = "user"
	o.SASLPassword = "secret"
	cfg, err := NewSaramaConfig(o)
	require.NoError(t, err)
	require.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	require.True(t, cfg.Producer.Return.Successes)
	require.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	require.True(t, cfg.Net.SASL.Enable)
	require.Equal(t, "user", cfg.Net.SASL.User)

	o.Version = "not-a-version"
	_, err = NewSaramaConfig(o)
	require.True(t, cerror.Is(err, cerror.ErrInvalidServerOption))
}

func TestSendCallbacks(t *testing.T) {
	t.Parallel()

	producer := mocks.NewAsyncProducer(t, newTestConfig(t))
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)
	client := &mockClient{partitions: []int32{0, 1, 2}}
	tr := newTransport("test", client, producer)

	results := make(chan error, 2)
	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, "events", 1, []byte("k"), []byte("v1"), func(err error) { results <- err }))
	require.NoError(t, tr.Send(ctx, "events", 2, nil, []byte("v2"), func(err error) { results <- err }))

	for i, want := range []bool{true, false} {
		select {
		case err := <-results:
			require.Equal(t, want, err == nil, "result %d: %v", i, err)
			if err != nil {
				require.True(t, cerror.Is(err, cerror.ErrTransport))
			}
		case <-time.After(5 * time.Second):
			t.Fatal("callback not called")
		}
	}

	n, err := tr.Partitions(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, int32(3), n)

	require.NoError(t, tr.Close())
	require.True(t, client.closed)
	err = tr.Send(ctx, "events", 0, nil, []byte("late"), func(error) {})
	require.True(t, cerror.Is(err, cerror.ErrTransportClosed))
	require.NoError(t, tr.Close())
}

func TestPartitionsError(t *testing.T) {
	t.Parallel()

	producer := mocks.NewAsyncProducer(t, newTestConfig(t))
	tr := newTransport("test", &mockClient{err: sarama.ErrUnknownTopicOrPartition}, producer)
	defer tr.Close()
	_, err := tr.Partitions(context.Background(), "missing")
	require.True(t, cerror.Is(err, cerror.ErrTransport))
}
