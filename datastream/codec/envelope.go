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
	"github.com/linkedin/goavro/v2"
	"github.com/pingcap/datastream/datastream/model"
	cerror "github.com/pingcap/datastream/pkg/errors"
)

// EnvelopeSchema is the avro schema every record value is wrapped in on
// the destination.
const EnvelopeSchema = `{
  "type": "record",
  "name": "Envelope",
  "namespace": "io.datastream",
  "fields": [
    {"name": "key", "type": ["null", "bytes"], "default": null},
    {"name": "payload", "type": "bytes"},
    {"name": "metadata", "type": {"type": "map", "values": "string"}, "default": {}}
  ]
}`

// Envelope encodes and decodes records with EnvelopeSchema.
type Envelope struct {
	codec *goavro.Codec
}

// NewEnvelope creates an Envelope codec.
func NewEnvelope() (*Envelope, error) {
	codec, err := goavro.NewCodec(EnvelopeSchema)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrInvalidSchema, err, "envelope")
	}
	return &Envelope{codec: codec}, nil
}

// Schema returns the canonical form of the envelope schema.
func (e *Envelope) Schema() string {
	return e.codec.CanonicalSchema()
}

// Encode returns the avro binary form of record.
func (e *Envelope) Encode(record *model.Record) ([]byte, error) {
	var key interface{}
	if record.Key != nil {
		key = goavro.Union("bytes", record.Key)
	}
	metadata := make(map[string]interface{}, len(record.Metadata))
	for k, v := range record.Metadata {
		metadata[k] = v
	}
	native := map[string]interface{}{
		"key":      key,
		"payload":  record.Value,
		"metadata": metadata,
	}
	buf, err := e.codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrEncodeFailed, err)
	}
	return buf, nil
}

// Decode reverses Encode. Partition and checkpoint are not part of the
// envelope and are left empty.
func (e *Envelope) Decode(data []byte) (*model.Record, error) {
	native, _, err := e.codec.NativeFromBinary(data)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrDecodeFailed, err)
	}
	fields, ok := native.(map[string]interface{})
	if !ok {
		return nil, cerror.ErrDecodeFailed.GenWithStack("unexpected envelope type %T", native)
	}
	record := &model.Record{}
	if key, ok := fields["key"].(map[string]interface{}); ok {
		record.Key, _ = key["bytes"].([]byte)
	}
	record.Value, _ = fields["payload"].([]byte)
	if metadata, ok := fields["metadata"].(map[string]interface{}); ok && len(metadata) > 0 {
		record.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			record.Metadata[k], _ = v.(string)
		}
	}
	return record, nil
}
