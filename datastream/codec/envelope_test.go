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

package codec

import (
	"testing"

	"github.com/pingcap/datastream/datastream/model"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	t.Parallel()

	e, err := NewEnvelope()
	require.NoError(t, err)
	require.NotContains(t, e.Schema(), "\n")

	cases := []*model.Record{
		{Key: []byte("k"), Value: []byte("v"), Metadata: map[string]string{model.MetadataPayloadSchemaID: "7"}},
		{Value: []byte("no key")},
	}
	for _, record := range cases {
		data, err := e.Encode(record)
		require.NoError(t, err)
		decoded, err := e.Decode(data)
		require.NoError(t, err)
		require.Equal(t, record.Key, decoded.Key)
		require.Equal(t, record.Value, decoded.Value)
		require.Equal(t, record.Metadata, decoded.Metadata)
	}

	_, err = e.Decode([]byte{0x02})
	require.True(t, cerror.Is(err, cerror.ErrDecodeFailed))
}
