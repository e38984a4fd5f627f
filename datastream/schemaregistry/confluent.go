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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const contentType = "application/vnd.schemaregistry.v1+json"

type registerRequest struct {
	Schema     string `json:"schema"`
	SchemaType string `json:"schemaType"`
}

type registerResponse struct {
	ID int `json:"id"`
}

type lookupResponse struct {
	Schema string `json:"schema"`
}

var _ Registry = (*ConfluentRegistry)(nil)

// ConfluentRegistry is a client of a Confluent compatible schema registry.
type ConfluentRegistry struct {
	registryURL string
	client      *http.Client
	maxRetries  uint64
	// retryInterval is the first backoff of a failed request.
	retryInterval time.Duration
}

// NewConfluentRegistry creates a client for registryURL.
func NewConfluentRegistry(registryURL string, timeout time.Duration, maxRetries int) *ConfluentRegistry {
	return &ConfluentRegistry{
		registryURL:   strings.TrimRight(registryURL, "/"),
		client:        &http.Client{Timeout: timeout},
		maxRetries:    uint64(maxRetries),
		retryInterval: 100 * time.Millisecond,
	}
}

// Register implements Registry.
func (r *ConfluentRegistry) Register(ctx context.Context, subject string, schema []byte) (string, error) {
	canonical, err := Canonicalize(schema)
	if err != nil {
		return "", errors.Trace(err)
	}
	payload, err := json.Marshal(&registerRequest{Schema: canonical, SchemaType: "AVRO"})
	if err != nil {
		return "", cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	uri := r.registryURL + "/subjects/" + url.PathEscape(subject) + "/versions"
	body, err := r.do(ctx, http.MethodPost, uri, payload)
	if err != nil {
		return "", errors.Trace(err)
	}
	var resp registerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", cerror.ErrSchemaRegistry.Wrap(err).GenWithStackByArgs()
	}
	if resp.ID == 0 {
		return "", cerror.ErrSchemaRegistry.GenWithStack("illegal schema id 0 returned from %s", uri)
	}
	log.Info("Registered schema successfully",
		zap.String("subject", subject), zap.Int("id", resp.ID))
	return strconv.Itoa(resp.ID), nil
}

// Fetch implements Registry.
func (r *ConfluentRegistry) Fetch(ctx context.Context, id string) ([]byte, error) {
	uri := r.registryURL + "/schemas/ids/" + url.PathEscape(id)
	body, err := r.do(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var resp lookupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, cerror.ErrSchemaRegistry.Wrap(err).GenWithStackByArgs()
	}
	return []byte(resp.Schema), nil
}

// do sends one request, retrying connection failures and 5xx responses with
// exponential backoff. Other non 2xx responses fail at once.
func (r *ConfluentRegistry) do(ctx context.Context, method, uri string, payload []byte) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, uri, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", contentType)
		if payload != nil {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			log.Warn("schema registry request failed", zap.String("uri", uri), zap.Error(err))
			return err
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
			return backoff.Permanent(cerror.ErrSchemaNotFound.GenWithStackByArgs(uri))
		case resp.StatusCode == http.StatusUnprocessableEntity:
			return backoff.Permanent(cerror.ErrInvalidSchema.GenWithStackByArgs(string(body)))
		case resp.StatusCode >= 500:
			log.Warn("schema registry returned with error",
				zap.String("uri", uri), zap.Int("status", resp.StatusCode))
			return fmt.Errorf("schema registry returned status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("schema registry returned status %d: %s", resp.StatusCode, body))
		}
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.retryInterval
	expBackoff.MaxInterval = 30 * time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(expBackoff, r.maxRetries), ctx))
	if err != nil {
		if cerror.Is(err, cerror.ErrSchemaNotFound) || cerror.Is(err, cerror.ErrInvalidSchema) {
			return nil, err
		}
		return nil, cerror.ErrSchemaRegistry.Wrap(err).GenWithStackByArgs()
	}
	return body, nil
}
