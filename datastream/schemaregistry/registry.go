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

package schemaregistry

import (
	"context"

	"github.com/linkedin/goavro/v2"
	cerror "github.com/pingcap/datastream/pkg/errors"
)

// Registry stores schemas by content and hands out stable ids.
type Registry interface {
	// Register returns the id of schema under subject, registering it if
	// the registry does not know it yet.
	Register(ctx context.Context, subject string, schema []byte) (string, error)
	// Fetch returns the schema registered under id.
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// Canonicalize validates an avro schema and returns its parsing canonical
// form, so byte-different spellings of one schema share an id.
func Canonicalize(schema []byte) (string, error) {
	codec, err := goavro.NewCodec(string(schema))
	if err != nil {
		return "", cerror.WrapError(cerror.ErrInvalidSchema, err, err.Error())
	}
	return codec.CanonicalSchema(), nil
}
