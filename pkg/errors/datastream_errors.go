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
	"github.com/pingcap/errors"
)

// errors
var (
	// coordination store related errors
	ErrStoreUnavailable = errors.Normalize(
		"coordination store is unavailable",
		errors.RFCCodeText("DATASTREAM:ErrStoreUnavailable"),
	)
	ErrEtcdAPIError = errors.Normalize(
		"etcd api call error",
		errors.RFCCodeText("DATASTREAM:ErrEtcdAPIError"),
	)
	ErrEtcdTryAgain = errors.Normalize(
		"the etcd txn should be aborted and retried immediately",
		errors.RFCCodeText("DATASTREAM:ErrEtcdTryAgain"),
	)
	ErrEtcdSessionDone = errors.Normalize(
		"the etcd session is done",
		errors.RFCCodeText("DATASTREAM:ErrEtcdSessionDone"),
	)
	ErrInvalidStoreKey = errors.Normalize(
		"invalid coordination store key: %s",
		errors.RFCCodeText("DATASTREAM:ErrInvalidStoreKey"),
	)
	ErrStoreKeyNotExist = errors.Normalize(
		"coordination store key not exists: %s",
		errors.RFCCodeText("DATASTREAM:ErrStoreKeyNotExist"),
	)
	ErrSessionExpired = errors.Normalize(
		"session %d is expired",
		errors.RFCCodeText("DATASTREAM:ErrSessionExpired"),
	)
	ErrStoreClosed = errors.Normalize(
		"coordination store is closed",
		errors.RFCCodeText("DATASTREAM:ErrStoreClosed"),
	)
	ErrWatchCompacted = errors.Normalize(
		"watch revision %d has been compacted",
		errors.RFCCodeText("DATASTREAM:ErrWatchCompacted"),
	)

	// model related errors
	ErrMarshalFailed = errors.Normalize(
		"marshal failed",
		errors.RFCCodeText("DATASTREAM:ErrMarshalFailed"),
	)
	ErrUnmarshalFailed = errors.Normalize(
		"unmarshal failed",
		errors.RFCCodeText("DATASTREAM:ErrUnmarshalFailed"),
	)
	ErrInvalidDatastream = errors.Normalize(
		"invalid datastream %s: %s",
		errors.RFCCodeText("DATASTREAM:ErrInvalidDatastream"),
	)
	ErrDatastreamNotExists = errors.Normalize(
		"datastream not exists, %s",
		errors.RFCCodeText("DATASTREAM:ErrDatastreamNotExists"),
	)
	ErrDatastreamAlreadyExists = errors.Normalize(
		"datastream already exists, %s",
		errors.RFCCodeText("DATASTREAM:ErrDatastreamAlreadyExists"),
	)

	// membership and coordinator related errors
	ErrInstanceRegister = errors.Normalize(
		"instance register to the coordination store failed",
		errors.RFCCodeText("DATASTREAM:ErrInstanceRegister"),
	)
	ErrInstanceSuicide = errors.Normalize(
		"instance lost its session and must rejoin the cluster",
		errors.RFCCodeText("DATASTREAM:ErrInstanceSuicide"),
	)
	ErrCampaignLeader = errors.Normalize(
		"campaign leader failed",
		errors.RFCCodeText("DATASTREAM:ErrCampaignLeader"),
	)
	ErrResignLeader = errors.Normalize(
		"resign leader failed",
		errors.RFCCodeText("DATASTREAM:ErrResignLeader"),
	)
	ErrAssignment = errors.Normalize(
		"no live instance can run connector type %s for task %s",
		errors.RFCCodeText("DATASTREAM:ErrAssignment"),
	)
	ErrUnknownStrategy = errors.Normalize(
		"unknown assignment strategy %s",
		errors.RFCCodeText("DATASTREAM:ErrUnknownStrategy"),
	)
	ErrStaleGeneration = errors.Normalize(
		"assignment computed from stale inputs, revision %d, latest %d",
		errors.RFCCodeText("DATASTREAM:ErrStaleGeneration"),
	)
	ErrCoordinatorClosed = errors.Normalize(
		"coordinator is closed",
		errors.RFCCodeText("DATASTREAM:ErrCoordinatorClosed"),
	)

	// executor related errors
	ErrTaskStart = errors.Normalize(
		"task %s start failed",
		errors.RFCCodeText("DATASTREAM:ErrTaskStart"),
	)
	ErrTaskFatal = errors.Normalize(
		"task %s failed after %d start attempts",
		errors.RFCCodeText("DATASTREAM:ErrTaskFatal"),
	)
	ErrExecutorClosed = errors.Normalize(
		"task executor is closed",
		errors.RFCCodeText("DATASTREAM:ErrExecutorClosed"),
	)
	ErrUnknownConnector = errors.Normalize(
		"unknown connector type %s",
		errors.RFCCodeText("DATASTREAM:ErrUnknownConnector"),
	)
	ErrConnectorStopped = errors.Normalize(
		"connector is stopped",
		errors.RFCCodeText("DATASTREAM:ErrConnectorStopped"),
	)
	ErrInvalidCheckpoint = errors.Normalize(
		"invalid checkpoint %s for task %s",
		errors.RFCCodeText("DATASTREAM:ErrInvalidCheckpoint"),
	)

	// producer and transport related errors
	ErrTransport = errors.Normalize(
		"send to destination %s failed",
		errors.RFCCodeText("DATASTREAM:ErrTransport"),
	)
	ErrTransportClosed = errors.Normalize(
		"transport is closed",
		errors.RFCCodeText("DATASTREAM:ErrTransportClosed"),
	)
	ErrInvalidDestination = errors.Normalize(
		"invalid destination connection string %s",
		errors.RFCCodeText("DATASTREAM:ErrInvalidDestination"),
	)
	ErrProducerClosed = errors.Normalize(
		"producer of task %s is shut down",
		errors.RFCCodeText("DATASTREAM:ErrProducerClosed"),
	)
	ErrProducerDrainTimeout = errors.Normalize(
		"producer of task %s drain timeout, %d records in flight",
		errors.RFCCodeText("DATASTREAM:ErrProducerDrainTimeout"),
	)
	ErrSchemaRegistry = errors.Normalize(
		"schema registry request failed",
		errors.RFCCodeText("DATASTREAM:ErrSchemaRegistry"),
	)
	ErrInvalidSchema = errors.Normalize(
		"invalid schema: %s",
		errors.RFCCodeText("DATASTREAM:ErrInvalidSchema"),
	)
	ErrSchemaNotFound = errors.Normalize(
		"schema %s not found",
		errors.RFCCodeText("DATASTREAM:ErrSchemaNotFound"),
	)
	ErrCheckpointStore = errors.Normalize(
		"checkpoint store operation failed",
		errors.RFCCodeText("DATASTREAM:ErrCheckpointStore"),
	)
	ErrEncodeFailed = errors.Normalize(
		"encode failed",
		errors.RFCCodeText("DATASTREAM:ErrEncodeFailed"),
	)
	ErrDecodeFailed = errors.Normalize(
		"decode failed",
		errors.RFCCodeText("DATASTREAM:ErrDecodeFailed"),
	)

	// server related errors
	ErrInvalidServerOption = errors.Normalize(
		"invalid server option",
		errors.RFCCodeText("DATASTREAM:ErrInvalidServerOption"),
	)
	ErrServerNew = errors.Normalize(
		"new server failed",
		errors.RFCCodeText("DATASTREAM:ErrServerNew"),
	)
	ErrServeHTTP = errors.Normalize(
		"serve http error",
		errors.RFCCodeText("DATASTREAM:ErrServeHTTP"),
	)
	ErrCliInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("DATASTREAM:ErrCliInvalidArgument"),
	)
	ErrAPIInvalidParam = errors.Normalize(
		"invalid api parameter",
		errors.RFCCodeText("DATASTREAM:ErrAPIInvalidParam"),
	)

	// version related errors
	ErrNewSemVersion = errors.Normalize(
		"create sem version",
		errors.RFCCodeText("DATASTREAM:ErrNewSemVersion"),
	)
	ErrVersionIncompatible = errors.Normalize(
		"version is incompatible: %s",
		errors.RFCCodeText("DATASTREAM:ErrVersionIncompatible"),
	)

	// retry error
	ErrReachMaxTry = errors.Normalize("reach maximum try: %s, error: %s",
		errors.RFCCodeText("DATASTREAM:ErrReachMaxTry"),
	)
)
