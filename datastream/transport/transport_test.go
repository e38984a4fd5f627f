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

package transport

import (
	"testing"

	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseDestination(t *testing.T) {
	t.Parallel()

	d, err := ParseDestination("kafka://127.0.0.1:9092,127.0.0.2:9092/events")
	require.NoError(t, err)
	require.Equal(t, SchemeKafka, d.Scheme)
	require.Equal(t, []string{"127.0.0.1:9092", "127.0.0.2:9092"}, d.Brokers())
	require.Equal(t, "events", d.Topic)
	require.Equal(t, "kafka://127.0.0.1:9092,127.0.0.2:9092/events", d.String())

	d, err = ParseDestination("MEMORY://local/out")
	require.NoError(t, err)
	require.Equal(t, SchemeMemory, d.Scheme)
	require.Equal(t, "local", d.Endpoint)

	for _, conn := range []string{"", "kafka", "kafka://", "kafka://broker", "kafka:///topic", "kafka://b/t/x", "://b/t"} {
		_, err := ParseDestination(conn)
		require.True(t, cerror.Is(err, cerror.ErrInvalidDestination), conn)
	}
}
