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


package retry

import (
	"math"
	"time"
)

const (
	defaultBackoffBaseInMs = 10.0
	defaultBackoffCapInMs  = 100.0
	defaultMaxTries        = 3
)

// Option configures a retry run.
type Option func(*retryOptions)

// IsRetryableErr reports whether err is worth another attempt.
type IsRetryableErr func(error) bool

type retryOptions struct {
	totalRetryDuration time.Duration
	maxTries           float64
	backoffBase        float64
	backoffCap         float64
	isRetryable        IsRetryableErr
}

func newRetryOptions() *retryOptions {
	return &retryOptions{
		maxTries:    defaultMaxTries,
		backoffBase: defaultBackoffBaseInMs,
		backoffCap:  defaultBackoffCapInMs,
		isRetryable: func(error) bool { return true },
	}
}

// WithBackoffBaseDelay sets the first delay in milliseconds. Non positive
// values keep the default.
func WithBackoffBaseDelay(delayInMs int64) Option {
	return func(o *retryOptions) {
		if delayInMs > 0 {
			o.backoffBase = float64(delayInMs)
		}
	}
}

// WithBackoffMaxDelay caps the delay between tries, in milliseconds.
func WithBackoffMaxDelay(delayInMs int64) Option {
	return func(o *retryOptions) {
		if delayInMs > 0 {
			o.backoffCap = float64(delayInMs)
		}
	}
}

// WithMaxTries bounds the number of tries, the first one included.
func WithMaxTries(tries int64) Option {
	return func(o *retryOptions) {
		if tries > 0 {
			o.maxTries = float64(tries)
		}
	}
}

// WithInfiniteTries retries until success, a non retryable error or the
// end of the context.
func WithInfiniteTries() Option {
	return func(o *retryOptions) {
		o.maxTries = math.Inf(1)
	}
}

// WithTotalRetryDuration stops retrying once d has passed since the first
// failure. Zero means no bound.
func WithTotalRetryDuration(d time.Duration) Option {
	return func(o *retryOptions) {
		o.totalRetryDuration = d
	}
}

// WithIsRetryableErr sets the filter of retryable errors. Every error is
// retried by default.
func WithIsRetryableErr(f func(error) bool) Option {
	return func(o *retryOptions) {
		if f != nil {
			o.isRetryable = f
		}
	}
}
