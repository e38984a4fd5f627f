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
	"sync"

	"github.com/IBM/sarama"
	"github.com/pingcap/datastream/datastream/transport"
	"github.com/pingcap/datastream/pkg/config"
	cerror "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// metadataClient is the part of sarama.Client the transport needs.
type metadataClient interface {
	Partitions(topic string) ([]int32, error)
	Close() error
}

var _ transport.Transport = (*Transport)(nil)

// Transport sends records to one kafka cluster through a sarama async
// producer. Callbacks travel in the message metadata and are called from
// the ack loops.
type Transport struct {
	endpoint string
	client   metadataClient
	producer sarama.AsyncProducer

	closing   chan struct{}
	closeOnce sync.Once
	// senders hold mu for reading while they may write to the input
	// channel, Close takes it for writing before closing the producer.
	mu sync.RWMutex
	wg sync.WaitGroup
}

// New connects to the brokers of endpoint.
func New(endpoint string, brokers []string, o *config.KafkaConfig) (*Transport, error) {
	cfg, err := NewSaramaConfig(o)
	if err != nil {
		return nil, errors.Trace(err)
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, cerror.ErrTransport.Wrap(err).GenWithStackByArgs(endpoint)
	}
	producer, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, cerror.ErrTransport.Wrap(err).GenWithStackByArgs(endpoint)
	}
	log.Info("kafka transport created",
		zap.String("endpoint", endpoint), zap.Strings("brokers", brokers))
	return newTransport(endpoint, client, producer), nil
}

func newTransport(endpoint string, client metadataClient, producer sarama.AsyncProducer) *Transport {
	t := &Transport{
		endpoint: endpoint,
		client:   client,
		producer: producer,
		closing:  make(chan struct{}),
	}
	t.wg.Add(2)
	go t.successLoop()
	go t.errorLoop()
	return t
}

func (t *Transport) successLoop() {
	defer t.wg.Done()
	for msg := range t.producer.Successes() {
		if cb, ok := msg.Metadata.(transport.Callback); ok && cb != nil {
			cb(nil)
		}
	}
}

func (t *Transport) errorLoop() {
	defer t.wg.Done()
	for perr := range t.producer.Errors() {
		// We should not wrap a nil pointer, see https://go.dev/doc/faq#nil_error
		if perr == nil {
			continue
		}
		sendErrorCounter.WithLabelValues(t.endpoint).Inc()
		err := cerror.ErrTransport.Wrap(perr.Err).GenWithStackByArgs(t.endpoint)
		if cb, ok := perr.Msg.Metadata.(transport.Callback); ok && cb != nil {
			cb(err)
		}
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(
	ctx context.Context, topic string, partition int32, key, value []byte, cb transport.Callback,
) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	select {
	case <-t.closing:
		return cerror.ErrTransportClosed.GenWithStackByArgs()
	default:
	}
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Partition: partition,
		Value:     sarama.ByteEncoder(value),
		Metadata:  cb,
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-t.closing:
		return cerror.ErrTransportClosed.GenWithStackByArgs()
	case t.producer.Input() <- msg:
	}
	sendCounter.WithLabelValues(t.endpoint).Inc()
	return nil
}

// Partitions implements transport.Transport.
func (t *Transport) Partitions(_ context.Context, topic string) (int32, error) {
	partitions, err := t.client.Partitions(topic)
	if err != nil {
		return 0, cerror.ErrTransport.Wrap(err).GenWithStackByArgs(t.endpoint)
	}
	return int32(len(partitions)), nil
}

// Close flushes buffered messages, calls their callbacks and releases the
// connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closing)
		t.mu.Lock()
		t.producer.AsyncClose()
		t.mu.Unlock()
		t.wg.Wait()
		if t.client != nil {
			err = t.client.Close()
		}
		log.Info("kafka transport closed", zap.String("endpoint", t.endpoint))
	})
	return errors.Trace(err)
}
