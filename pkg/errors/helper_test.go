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

package errors

import (
	"context"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	t.Parallel()

	var (
		rfcError  = ErrTransport
		err       = errors.New("test")
		testCases = []struct {
			err      error
			isNil    bool
			expected string
			args     []interface{}
		}{
			{nil, true, "", []interface{}{}},
			{err, false, "[DATASTREAM:ErrTransport]send to destination memory://a failed: test", []interface{}{"memory://a"}},
		}
	)
	for _, tc := range testCases {
		we := WrapError(rfcError, tc.err, tc.args...)
		if tc.isNil {
			require.Nil(t, we)
		} else {
			require.NotNil(t, we)
			require.Equal(t, tc.expected, we.Error())
		}
	}
}

func TestIs(t *testing.T) {
	t.Parallel()

	wrapped := WrapError(ErrSchemaRegistry, errors.New("connection refused"))
	require.True(t, Is(wrapped, ErrSchemaRegistry))
	require.False(t, Is(wrapped, ErrTransport))
	require.True(t, Is(errors.Trace(wrapped), ErrSchemaRegistry))
	require.True(t, Is(ErrTaskStart.GenWithStackByArgs("t-0"), ErrTaskStart))
	require.False(t, Is(nil, ErrTaskStart))
	require.False(t, Is(errors.New("plain"), ErrTaskStart))
}

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"plain error", errors.New("test"), true},
		{"context Canceled err", context.Canceled, false},
		{"context DeadlineExceeded err", context.DeadlineExceeded, false},
		{"invalid schema", ErrInvalidSchema.GenWithStackByArgs("bad"), false},
		{"producer closed", ErrProducerClosed.GenWithStackByArgs("t-0"), false},
		{"wrapped transport", WrapError(ErrTransport, errors.New("broken pipe"), "kafka://b/t"), true},
		{"reach max try", WrapError(ErrReachMaxTry, errors.New("x"), "3", "x"), false},
	}
	for _, tt := range tests {
		ret := IsRetryableError(tt.err)
		require.Equal(t, tt.want, ret, "case:%s", tt.name)
	}
}

func TestRFCCode(t *testing.T) {
	t.Parallel()

	code, ok := RFCCode(ErrTaskStart.GenWithStackByArgs("t1"))
	require.True(t, ok)
	require.Equal(t, "DATASTREAM:ErrTaskStart", string(code))

	code, ok = RFCCode(errors.Trace(WrapError(ErrTransport, errors.New("broken"))))
	require.True(t, ok)
	require.Equal(t, "DATASTREAM:ErrTransport", string(code))

	_, ok = RFCCode(errors.New("plain"))
	require.False(t, ok)
	_, ok = RFCCode(nil)
	require.False(t, ok)
}
