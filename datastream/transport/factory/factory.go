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

package factory

import (
	"sort"
	"sync"

	"github.com/pingcap/datastream/datastream/transport"
	"github.com/pingcap/datastream/datastream/transport/kafka"
	"github.com/pingcap/datastream/datastream/transport/memory"
	"github.com/pingcap/datastream/pkg/config"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type newKafkaFunc func(endpoint string, brokers []string, o *config.KafkaConfig) (transport.Transport, error)

// Factory hands out one shared transport per destination endpoint.
type Factory struct {
	kafkaConfig *config.KafkaConfig
	newKafka    newKafkaFunc

	mu         sync.Mutex
	transports map[string]transport.Transport
}

// New creates a factory. Kafka transports are built from o.
func New(o *config.KafkaConfig) *Factory {
	return &Factory{
		kafkaConfig: o,
		newKafka: func(endpoint string, brokers []string, o *config.KafkaConfig) (transport.Transport, error) {
			return kafka.New(endpoint, brokers, o)
		},
		transports: make(map[string]transport.Transport),
	}
}

// RegisterMemory makes memory://<endpoint>/... destinations use t.
func (f *Factory) RegisterMemory(endpoint string, t *memory.Transport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports[transport.SchemeMemory+"://"+endpoint] = t
}

// Get returns the transport and the decoded destination of conn.
func (f *Factory) Get(conn string) (transport.Transport, *transport.Destination, error) {
	dest, err := transport.ParseDestination(conn)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	key := dest.Scheme + "://" + dest.Endpoint
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t, dest, nil
	}
	var t transport.Transport
	switch dest.Scheme {
	case transport.SchemeMemory:
		t = memory.New()
	case transport.SchemeKafka:
		t, err = f.newKafka(dest.Endpoint, dest.Brokers(), f.kafkaConfig)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
	default:
		return nil, nil, cerror.ErrInvalidDestination.GenWithStackByArgs(conn)
	}
	f.transports[key] = t
	log.Info("transport created", zap.String("endpoint", key))
	return t, dest, nil
}

// Close closes every transport the factory created or was given.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.transports))
	for key := range f.transports {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var firstErr error
	for _, key := range keys {
		if err := f.transports[key].Close(); err != nil {
			log.Warn("close transport failed", zap.String("endpoint", key), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(f.transports, key)
	}
	return errors.Trace(firstErr)
}
