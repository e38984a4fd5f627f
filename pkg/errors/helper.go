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

	"github.com/pingcap/errors"
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which a the different behavior
// against `Wrap` function in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// nonRetryableErrors are never worth another attempt, whatever the caller.
var nonRetryableErrors = []*errors.Error{
	ErrInvalidSchema,
	ErrInvalidDatastream,
	ErrUnknownConnector,
	ErrUnknownStrategy,
	ErrProducerClosed,
	ErrTransportClosed,
	ErrStoreClosed,
	ErrCoordinatorClosed,
	ErrReachMaxTry,
}

// IsRetryableError check the error is safe or worth to retry
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Cause(err) {
	case context.Canceled, context.DeadlineExceeded:
		return false
	}
	for _, e := range nonRetryableErrors {
		if Is(err, e) {
			return false
		}
	}
	return true
}

// Is reports whether any error in err's chain carries the RFC code of target.
// Unlike target.Equal, it also matches errors produced by WrapError, whose
// root cause is the wrapped error.
func Is(err error, target *errors.Error) bool {
	for err != nil {
		if e, ok := err.(*errors.Error); ok && e.RFCCode() == target.RFCCode() {
			return true
		}
		switch x := err.(type) {
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		case interface{ Cause() error }:
			err = x.Cause()
		default:
			return false
		}
	}
	return false
}

// RFCCode returns the RFC code of the outermost normalized error in err's
// chain.
func RFCCode(err error) (errors.RFCErrorCode, bool) {
	for err != nil {
		if e, ok := err.(*errors.Error); ok {
			return e.RFCCode(), true
		}
		switch x := err.(type) {
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		case interface{ Cause() error }:
			err = x.Cause()
		default:
			return "", false
		}
	}
	return "", false
}
