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


package etcd

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	cerrors "github.com/pingcap/datastream/pkg/errors"
	"github.com/pingcap/datastream/pkg/retry"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	clientV3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Operation names, also the labels of the request counters.
const (
	EtcdPut   = "Put"
	EtcdGet   = "Get"
	EtcdTxn   = "Txn"
	EtcdDel   = "Del"
	EtcdGrant = "Grant"
)

const (
	rpcRetryBaseDelayInMs = 500
	rpcRetryMaxDelayInMs  = 60 * 1000
	// a watch silent for this long is replaced by a new one started at the
	// next expected revision
	watchResetTimeout = 10 * time.Second
	// a silent watch asks for a progress notification this often
	watchProgressInterval = time.Second
	watchBufferSize       = 16
	// rpcTimeout bounds every call, retries included
	rpcTimeout = 30 * time.Second
)

// TxnEmptyOpsElse is the else branch of transactions that only report
// whether their comparisons held.
var TxnEmptyOpsElse = []clientV3.Op{}

// rpcMaxTries covers a couple of leader elections of the coordination
// store. It is a var so tests can shorten it.
var rpcMaxTries int64 = 12

// Client wraps the etcd calls the coordination store makes with bounded
// retries and request counters.
type Client struct {
	cli     *clientV3.Client
	metrics map[string]prometheus.Counter
	clock   clock.Clock
}

// Wrap wraps cli. metrics may be nil.
func Wrap(cli *clientV3.Client, metrics map[string]prometheus.Counter) *Client {
	return &Client{cli: cli, metrics: metrics, clock: clock.New()}
}

// Unwrap returns the wrapped client.
func (c *Client) Unwrap() *clientV3.Client {
	return c.cli
}

// Close closes the wrapped client.
func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) call(op string, rpc func() error) error {
	metric := c.metrics[op]
	return retry.Do(context.Background(), func() error {
		err := rpc()
		if err != nil && errors.Cause(err) != context.Canceled {
			log.Warn("etcd call failed", zap.String("op", op), zap.Error(err))
		}
		if metric != nil {
			metric.Inc()
		}
		return err
	}, retry.WithBackoffBaseDelay(rpcRetryBaseDelayInMs),
		retry.WithBackoffMaxDelay(rpcRetryMaxDelayInMs),
		retry.WithMaxTries(rpcMaxTries),
		retry.WithIsRetryableErr(isRetryable(op)))
}

// isRetryable retries every retryable error, except that a transaction is
// only retried when etcd reports it was not applied.
func isRetryable(op string) retry.IsRetryableErr {
	return func(err error) bool {
		if !cerrors.IsRetryableError(err) {
			return false
		}
		if op == EtcdTxn {
			return isRetryableEtcdError(err)
		}
		return true
	}
}

// Put writes a key.
func (c *Client) Put(
	ctx context.Context, key, val string, opts ...clientV3.OpOption,
) (resp *clientV3.PutResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	err = c.call(EtcdPut, func() error {
		var inErr error
		resp, inErr = c.cli.Put(ctx, key, val, opts...)
		return inErr
	})
	return
}

// Get reads a key or, with clientV3.WithPrefix, a range.
func (c *Client) Get(
	ctx context.Context, key string, opts ...clientV3.OpOption,
) (resp *clientV3.GetResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	err = c.call(EtcdGet, func() error {
		var inErr error
		resp, inErr = c.cli.Get(ctx, key, opts...)
		return inErr
	})
	return
}

// Delete removes a key or a range. It is never retried: a retry after a
// lost response could remove keys written in between.
func (c *Client) Delete(
	ctx context.Context, key string, opts ...clientV3.OpOption,
) (*clientV3.DeleteResponse, error) {
	if metric, ok := c.metrics[EtcdDel]; ok {
		metric.Inc()
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return c.cli.Delete(ctx, key, opts...)
}

// Txn commits a transaction. A returned error is never retryable, it is
// the context error or ErrReachMaxTry.
func (c *Client) Txn(
	ctx context.Context, cmps []clientV3.Cmp, opsThen, opsElse []clientV3.Op,
) (resp *clientV3.TxnResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	err = c.call(EtcdTxn, func() error {
		var inErr error
		resp, inErr = c.cli.Txn(ctx).If(cmps...).Then(opsThen...).Else(opsElse...).Commit()
		return inErr
	})
	return
}

// Grant creates a lease of ttl seconds.
func (c *Client) Grant(ctx context.Context, ttl int64) (resp *clientV3.LeaseGrantResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	err = c.call(EtcdGrant, func() error {
		var inErr error
		resp, inErr = c.cli.Grant(ctx, ttl)
		return inErr
	})
	return
}

// Watch watches key with WatchWithChan. role names the watcher in logs.
func (c *Client) Watch(
	ctx context.Context, key string, role string, opts ...clientV3.OpOption,
) clientV3.WatchChan {
	out := make(chan clientV3.WatchResponse, watchBufferSize)
	go c.WatchWithChan(ctx, out, key, role, opts...)
	return out
}

// WatchWithChan forwards the responses of a watch on key to out until ctx
// is done or etcd closes the watch, then closes out. A watch that stays
// silent is restarted at the revision after the last one forwarded, so a
// stuck stream neither loses nor repeats events.
func (c *Client) WatchWithChan(
	ctx context.Context, out chan<- clientV3.WatchResponse,
	key string, role string, opts ...clientV3.OpOption,
) {
	defer func() {
		close(out)
		log.Info("etcd watch exited", zap.String("role", role), zap.String("key", key))
	}()

	next := getRevisionFromWatchOpts(opts...)
	watchCtx, cancel := context.WithCancel(ctx)
	defer func() { cancel() }()
	watchCh := c.cli.Watch(watchCtx, key, opts...)

	ticker := c.clock.Ticker(watchProgressInterval)
	defer ticker.Stop()
	lastSeen := c.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				log.Warn("etcd watch closed", zap.String("role", role))
				return
			}
			lastSeen = c.clock.Now()
			if resp.Err() == nil && !resp.IsProgressNotify() {
				next = resp.Header.Revision + 1
			}
			if !c.forward(ctx, out, resp, ticker, lastSeen, role) {
				return
			}
			ticker.Reset(watchProgressInterval)
		case <-ticker.C:
			if err := c.RequestProgress(ctx); err != nil {
				log.Warn("etcd watch progress request failed", zap.String("role", role), zap.Error(err))
			}
			silent := c.clock.Since(lastSeen)
			if silent < watchResetTimeout {
				continue
			}
			log.Warn("etcd watch silent, restarting it",
				zap.String("role", role), zap.Duration("silent", silent), zap.Int64("revision", next))
			cancel()
			watchCtx, cancel = context.WithCancel(ctx)
			resetOpts := opts
			if next > 0 {
				resetOpts = append(append([]clientV3.OpOption{}, opts...), clientV3.WithRev(next))
			}
			watchCh = c.cli.Watch(watchCtx, key, resetOpts...)
			lastSeen = c.clock.Now()
		}
	}
}

// forward blocks until resp is taken from out, it reports false if ctx is
// done first.
func (c *Client) forward(
	ctx context.Context, out chan<- clientV3.WatchResponse, resp clientV3.WatchResponse,
	ticker *clock.Ticker, since time.Time, role string,
) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case out <- resp:
			return true
		case <-ticker.C:
			if blocked := c.clock.Since(since); blocked >= watchResetTimeout {
				log.Warn("etcd watch consumer blocked",
					zap.String("role", role), zap.Duration("blocked", blocked))
			}
		}
	}
}

// RequestProgress asks etcd for a progress notification on every watch.
func (c *Client) RequestProgress(ctx context.Context) error {
	return c.cli.RequestProgress(ctx)
}
