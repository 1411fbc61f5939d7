// Copyright 2026 The QMI-sub000 Authors.
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

// Package errors holds the catalog of normalized errors shared by every
// messaging-core package. Call sites construct one with GenWithStackByArgs
// and compare received errors with Equal, the same way the teacher's
// pkg/errors/cerror catalog is used from pkg/p2p.
package errors

import "github.com/pingcap/errors"

var (
	// ErrUsage covers precondition violations by the caller: duplicate
	// start, invalid name, invalid address format, wrong-thread access.
	ErrUsage = errors.Normalize("usage error: %s", errors.RFCCodeText("QMI:ErrUsage"))

	// ErrWrongThread is raised when a context-affine method is called
	// from a goroutine other than the one that constructed the Context.
	ErrWrongThread = errors.Normalize("method must be called from the context's owning goroutine: %s", errors.RFCCodeText("QMI:ErrWrongThread"))

	// ErrConfiguration covers a missing required field or a
	// self-referencing filename substitution.
	ErrConfiguration = errors.Normalize("configuration error: %s", errors.RFCCodeText("QMI:ErrConfiguration"))

	// ErrDuplicateName is raised when an object or handler name is
	// already registered.
	ErrDuplicateName = errors.Normalize("duplicate name: %s", errors.RFCCodeText("QMI:ErrDuplicateName"))

	// ErrUnknownName is raised when a named object or peer does not exist.
	ErrUnknownName = errors.Normalize("unknown name: %s", errors.RFCCodeText("QMI:ErrUnknownName"))

	// ErrInvalidOperation is raised when an operation is not valid in
	// the component's current lifecycle state.
	ErrInvalidOperation = errors.Normalize("invalid operation: %s", errors.RFCCodeText("QMI:ErrInvalidOperation"))

	// ErrMessageDelivery is raised when a message cannot be routed to
	// its destination.
	ErrMessageDelivery = errors.Normalize("message delivery failed: %s", errors.RFCCodeText("QMI:ErrMessageDelivery"))

	// ErrRPCTimeout is raised when a future's wait expires.
	ErrRPCTimeout = errors.Normalize("rpc call timed out: %s", errors.RFCCodeText("QMI:ErrRPCTimeout"))

	// ErrUnknownRPC is raised when the requested method is missing or
	// not marked RPC-callable on the target object.
	ErrUnknownRPC = errors.Normalize("unknown rpc method: %s", errors.RFCCodeText("QMI:ErrUnknownRPC"))

	// ErrSignalSubscription is raised when a remote subscribe/unsubscribe
	// request is refused or fails in flight.
	ErrSignalSubscription = errors.Normalize("signal subscription failed: %s", errors.RFCCodeText("QMI:ErrSignalSubscription"))

	// ErrTimeout is a generic non-RPC wait timeout (e.g. receiver).
	ErrTimeout = errors.Normalize("timed out: %s", errors.RFCCodeText("QMI:ErrTimeout"))

	// ErrTaskInit, ErrTaskRun and ErrTaskStop cover task lifecycle failures.
	ErrTaskInit = errors.Normalize("task initialization failed: %s", errors.RFCCodeText("QMI:ErrTaskInit"))
	ErrTaskRun  = errors.Normalize("task run failed: %s", errors.RFCCodeText("QMI:ErrTaskRun"))
	ErrTaskStop = errors.Normalize("task stop failed: %s", errors.RFCCodeText("QMI:ErrTaskStop"))

	// ErrCancelled is raised from inside a cancel-aware wait (e.g. a
	// receiver blocked on get_next_signal) when the owning task's stop
	// is requested while the wait is outstanding.
	ErrCancelled = errors.Normalize("wait cancelled by task stop: %s", errors.RFCCodeText("QMI:ErrCancelled"))

	// ErrProtocol covers wire-level framing/handshake violations.
	ErrProtocol = errors.Normalize("protocol error: %s", errors.RFCCodeText("QMI:ErrProtocol"))

	// ErrObjectLocked is used internally to tag a reply outcome; it is
	// not normally surfaced as a Go error to callers (see pkg/rpccore).
	ErrObjectLocked = errors.Normalize("object is locked: %s", errors.RFCCodeText("QMI:ErrObjectLocked"))
)

// Trace is re-exported so call sites only need to import this package.
func Trace(err error) error {
	return errors.Trace(err)
}

// Annotate is re-exported for the same reason.
func Annotate(err error, message string) error {
	return errors.Annotate(err, message)
}
