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
	"fmt"
	"reflect"
	"sync"

	"github.com/pingcap/failpoint"
	"go.uber.org/zap"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/metrics"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

type rpcTask struct {
	methodReq *wire.MethodRpcRequest
	lockReq   *wire.LockRpcRequest
}

// SendFunc delivers a reply or signal message back through the
// owning context's router; it is ultimately router.Router.SendMessage.
type SendFunc func(msg wire.Message) error

// Worker is the one-goroutine-per-RPC-object actor of spec.md §4.6: it
// owns the object's lock slot and serializes every method/lock request
// against it and against the underlying Go value.
type Worker struct {
	logger *zap.Logger
	desc   Descriptor
	obj    Object
	send   SendFunc
	methods map[string]reflect.Value

	lockMu    sync.Mutex
	lockToken *address.LockToken

	queue chan rpcTask
	stop  chan struct{}
	done  chan struct{}
}

// NewWorker builds a Worker for obj, resolving its RPC method table by
// reflection against the allow-list obj.RpcMethods() returns.
func NewWorker(logger *zap.Logger, desc Descriptor, obj Object, send SendFunc, queueDepth int) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	v := reflect.ValueOf(obj)
	methods := make(map[string]reflect.Value, len(desc.Methods))
	for _, name := range desc.Methods {
		mv := v.MethodByName(name)
		if mv.IsValid() {
			methods[name] = mv
		}
	}
	return &Worker{
		logger:  logger,
		desc:    desc,
		obj:     obj,
		send:    send,
		methods: methods,
		queue:   make(chan rpcTask, queueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the worker's dispatch loop in the calling goroutine.
// Callers typically invoke `go w.Start()`.
func (w *Worker) Start() {
	defer close(w.done)
loop:
	for {
		select {
		case <-w.stop:
			break loop
		case t := <-w.queue:
			failpoint.Inject("rpcWorkerBeforeDispatch", func() {
				w.logger.Debug("rpc worker: about to dispatch queued request", zap.String("object", w.desc.Address.ObjectID))
			})
			w.handle(t)
		}
	}
	w.drainQueue()
	w.releaseObject()
}

// Done is closed once the worker's dispatch loop and drain have
// finished.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Shutdown requests the worker stop accepting new work, drains
// whatever is still queued with synthetic empty ErrorReplys, calls
// the object's release hook if any, and waits for that to finish.
func (w *Worker) Shutdown() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

// SubmitMethodRequest enqueues req for dispatch. It fails with
// ErrMessageDelivery if the worker's queue is full.
func (w *Worker) SubmitMethodRequest(req wire.MethodRpcRequest) error {
	select {
	case w.queue <- rpcTask{methodReq: &req}:
		metrics.RPCWorker.QueueDepth.WithLabelValues(w.desc.Address.ObjectID).Inc()
		return nil
	default:
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("rpc worker for %s is saturated", w.desc.Address))
	}
}

// SubmitLockRequest enqueues req for dispatch.
func (w *Worker) SubmitLockRequest(req wire.LockRpcRequest) error {
	select {
	case w.queue <- rpcTask{lockReq: &req}:
		metrics.RPCWorker.QueueDepth.WithLabelValues(w.desc.Address.ObjectID).Inc()
		return nil
	default:
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("rpc worker for %s is saturated", w.desc.Address))
	}
}

func (w *Worker) handle(t rpcTask) {
	metrics.RPCWorker.QueueDepth.WithLabelValues(w.desc.Address.ObjectID).Dec()
	switch {
	case t.methodReq != nil:
		w.handleMethodRequest(*t.methodReq)
	case t.lockReq != nil:
		w.handleLockRequest(*t.lockReq)
	}
}

func (w *Worker) currentLockHolder() *address.LockToken {
	w.lockMu.Lock()
	defer w.lockMu.Unlock()
	return w.lockToken
}

func (w *Worker) handleLockRequest(req wire.LockRpcRequest) {
	w.lockMu.Lock()
	var token address.LockToken
	switch req.Action {
	case wire.LockAcquire:
		switch {
		case w.lockToken == nil:
			held := req.LockToken
			w.lockToken = &held
			token = req.LockToken
		case *w.lockToken == req.LockToken:
			token = req.LockToken
		default:
			token = address.AccessDenied
		}
	case wire.LockRelease:
		switch {
		case w.lockToken == nil:
			token = address.LockToken{}
		case *w.lockToken == req.LockToken:
			w.lockToken = nil
			token = address.LockToken{}
		default:
			token = address.AccessDenied
		}
	case wire.LockForceRelease:
		w.lockToken = nil
		token = address.LockToken{}
	case wire.LockQuery:
		if w.lockToken == nil {
			token = address.LockToken{}
		} else {
			token = address.ObjectLocked
		}
	}
	w.lockMu.Unlock()

	reply := wire.LockRpcReply{
		Source:      req.Destination,
		Destination: req.Source,
		InReplyTo:   req.RequestID,
		Token:       token,
	}
	if err := w.send(reply); err != nil {
		w.logger.Debug("failed to send lock reply", zap.Error(err))
	}
}

func (w *Worker) handleMethodRequest(req wire.MethodRpcRequest) {
	holder := w.currentLockHolder()
	if holder != nil && (req.LockToken == nil || *req.LockToken != *holder) {
		reply := wire.MethodRpcReply{
			Source: req.Destination, Destination: req.Source,
			InReplyTo: req.RequestID, Outcome: wire.OutcomeObjectLocked,
		}
		if err := w.send(reply); err != nil {
			w.logger.Debug("failed to send object-locked reply", zap.Error(err))
		}
		return
	}

	mv, ok := w.methods[req.Method]
	if !ok {
		reply := wire.MethodRpcReply{
			Source: req.Destination, Destination: req.Source, InReplyTo: req.RequestID,
			Outcome: wire.OutcomeException,
			ErrorText: cerror.ErrUnknownRPC.GenWithStackByArgs(
				fmt.Sprintf("%s has no RPC method %q", w.desc.Address, req.Method)).Error(),
		}
		w.send(reply)
		metrics.RPCWorker.Calls.WithLabelValues(w.desc.Address.ObjectID, "unknown_method").Inc()
		return
	}

	value, callErr := w.invoke(mv, req.Args, req.Kwargs)
	reply := wire.MethodRpcReply{Source: req.Destination, Destination: req.Source, InReplyTo: req.RequestID}
	outcome := "value"
	if callErr != nil {
		reply.Outcome = wire.OutcomeException
		reply.ErrorText = callErr.Error()
		outcome = "exception"
	} else {
		reply.Outcome = wire.OutcomeValue
		reply.Value = value
	}
	if err := w.send(reply); err != nil {
		w.logger.Debug("failed to send method reply", zap.Error(err))
	}
	metrics.RPCWorker.Calls.WithLabelValues(w.desc.Address.ObjectID, outcome).Inc()
}

// invoke calls the resolved method value via reflection. A panicking
// user method is reported as an ordinary error rather than crashing
// the worker, per spec.md §4.6.
func (w *Worker) invoke(mv reflect.Value, args []interface{}, kwargs map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in rpc method: %v", r)
		}
	}()
	out := mv.Call([]reflect.Value{reflect.ValueOf(args), reflect.ValueOf(kwargs)})
	if !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	return out[0].Interface(), nil
}

// drainQueue synthesizes an empty ErrorReply for every request still
// queued once the worker has left its dispatch loop, per spec.md
// §4.6. Sends are best-effort: failures are logged and ignored.
func (w *Worker) drainQueue() {
	for {
		select {
		case t := <-w.queue:
			w.synthesizeEmptyReply(t)
		default:
			return
		}
	}
}

func (w *Worker) synthesizeEmptyReply(t rpcTask) {
	var msg wire.Message
	switch {
	case t.methodReq != nil:
		r := t.methodReq
		msg = wire.ErrorReply{Source: r.Destination, Destination: r.Source, InReplyTo: r.RequestID, Reason: ""}
	case t.lockReq != nil:
		r := t.lockReq
		msg = wire.ErrorReply{Source: r.Destination, Destination: r.Source, InReplyTo: r.RequestID, Reason: ""}
	default:
		return
	}
	if err := w.send(msg); err != nil {
		w.logger.Debug("failed to send drain-time error reply", zap.Error(err))
	}
}

func (w *Worker) releaseObject() {
	r, ok := w.obj.(Releasable)
	if !ok {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("panic in ReleaseRpcObject, swallowed", zap.Any("panic", rec))
		}
	}()
	r.ReleaseRpcObject()
}
