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

package rpccore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/router"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

// FutureOutcome tags how a Future completed.
type FutureOutcome int

const (
	FutureValue FutureOutcome = iota
	FutureException
	FutureDeliveryFailed
)

// HandlerRegistry is the slice of *router.Router a Future needs: just
// enough to self-register and self-unregister as a message handler.
type HandlerRegistry interface {
	RegisterHandler(objectID string, h router.Handler) error
	UnregisterHandler(objectID string)
}

// Future is a one-shot completion handle for one outstanding request,
// per spec.md §4.7. It registers itself as a message handler under a
// fresh local address so the reply routes straight to it, and
// unregisters once it completes.
type Future struct {
	registry HandlerRegistry
	addr     address.Address

	once    sync.Once
	done    chan struct{}
	outcome FutureOutcome
	value   interface{}
	errText string
}

// NewFuture mints a fresh local address under contextID and registers
// the future as its handler.
func NewFuture(registry HandlerRegistry, contextID string) *Future {
	objectID := fmt.Sprintf("$future_%d", address.NewRequestID())
	f := &Future{
		registry: registry,
		addr:     address.Address{ContextID: contextID, ObjectID: objectID},
		done:     make(chan struct{}),
	}
	registry.RegisterHandler(objectID, f.deliver)
	return f
}

// Addr is the future's own address: use it as the Source of the
// request the future is waiting on a reply to.
func (f *Future) Addr() address.Address { return f.addr }

// Cancel unregisters the future without waiting for a reply, for use
// when sending the original request failed outright.
func (f *Future) Cancel() {
	f.once.Do(func() {
		f.registry.UnregisterHandler(f.addr.ObjectID)
		close(f.done)
	})
}

func (f *Future) deliver(msg wire.Message) {
	switch m := msg.(type) {
	case wire.MethodRpcReply:
		switch m.Outcome {
		case wire.OutcomeValue:
			f.complete(FutureValue, m.Value, "")
		case wire.OutcomeObjectLocked:
			f.complete(FutureException, nil, "object is locked")
		default:
			f.complete(FutureException, nil, m.ErrorText)
		}
	case wire.LockRpcReply:
		f.complete(FutureValue, m.Token, "")
	case wire.ErrorReply:
		f.complete(FutureDeliveryFailed, nil, m.Reason)
	}
}

func (f *Future) complete(outcome FutureOutcome, value interface{}, errText string) {
	f.once.Do(func() {
		f.outcome = outcome
		f.value = value
		f.errText = errText
		f.registry.UnregisterHandler(f.addr.ObjectID)
		close(f.done)
	})
}

// Wait blocks until the future completes or timeout elapses (timeout
// <= 0 waits forever), returning the reply value or the appropriate
// error: RpcTimeoutError, the re-raised remote exception text, or a
// MessageDeliveryError for a synthesized ErrorReply.
func (f *Future) Wait(timeout time.Duration) (interface{}, error) {
	if timeout > 0 {
		select {
		case <-f.done:
		case <-time.After(timeout):
			return nil, cerror.ErrRPCTimeout.GenWithStackByArgs(f.addr.String())
		}
	} else {
		<-f.done
	}

	switch f.outcome {
	case FutureValue:
		return f.value, nil
	case FutureException:
		return nil, errors.New(f.errText)
	case FutureDeliveryFailed:
		return nil, cerror.ErrMessageDelivery.GenWithStackByArgs(f.errText)
	default:
		return nil, errors.New("future completed with unknown outcome")
	}
}
