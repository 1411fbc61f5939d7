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

// Package worker implements the cooperatively-shutdownable background
// worker primitive from spec.md §4.2, used by every task worker
// (pkg/task's Runner). The event loop and the RPC worker manage their
// goroutines on their own and do not use it.
package worker

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ShutdownRequester is implemented by a worker-thread subclass. Run
// hosts the worker's body; RequestShutdown is called at most once,
// must be thread-safe, and must not raise (errors are logged and
// swallowed by Worker.Shutdown).
type ShutdownRequester interface {
	Run()
	RequestShutdown()
}

// Worker wraps a goroutine with idempotent shutdown semantics. It is
// held by the task runner, which provides its own Run/RequestShutdown.
type Worker struct {
	logger *zap.Logger

	mu                sync.Mutex
	shutdownRequested bool
	done              chan struct{}

	waitConds []*waitCond
}

// New creates a Worker. The caller is responsible for starting the
// goroutine that calls Start.
func New(logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{logger: logger, done: make(chan struct{})}
}

// Start runs r.Run() in the calling goroutine and closes Done() when
// it returns. Callers typically invoke `go w.Start(r)`.
func (w *Worker) Start(r ShutdownRequester) {
	defer close(w.done)
	r.Run()
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Shutdown requests the worker stop, exactly once. Subsequent calls
// are no-ops. It never returns an error to the caller: any error
// raised by RequestShutdown is logged and swallowed, per spec.md §4.2.
func (w *Worker) Shutdown(r ShutdownRequester) {
	w.mu.Lock()
	if w.shutdownRequested {
		w.mu.Unlock()
		return
	}
	w.shutdownRequested = true
	conds := append([]*waitCond(nil), w.waitConds...)
	w.mu.Unlock()

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				w.logger.Error("panic in RequestShutdown, swallowed", zap.Any("panic", rec))
			}
		}()
		r.RequestShutdown()
	}()

	for _, c := range conds {
		c.notify()
	}
}

// ShutdownRequested reports whether Shutdown has already been called.
func (w *Worker) ShutdownRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdownRequested
}

// waitCond is a condition variable registered with a Worker so that
// Shutdown can wake any goroutine blocked on it.
type waitCond struct {
	cond *sync.Cond
}

func newWaitCond(mu *sync.Mutex) *waitCond {
	return &waitCond{cond: sync.NewCond(mu)}
}

func (c *waitCond) notify() {
	c.cond.L.Lock()
	c.cond.Broadcast()
	c.cond.L.Unlock()
}

// RegisterWaitCond registers mu/cond-backed wait state with the
// worker so that Shutdown wakes it. It mirrors the condition-variable
// registration trick in the Python QMI_Thread.request_shutdown: the
// task's own wait loop re-checks ShutdownRequested() on every wake.
func (w *Worker) RegisterWaitCond(mu *sync.Mutex) *WaitHandle {
	wc := newWaitCond(mu)
	w.mu.Lock()
	w.waitConds = append(w.waitConds, wc)
	w.mu.Unlock()
	return &WaitHandle{wc: wc, owner: w}
}

// WaitHandle is returned by RegisterWaitCond; it is used with Wait.
type WaitHandle struct {
	wc    *waitCond
	owner *Worker
}

// Wait blocks on predicate() until it returns true, the owner's
// shutdown is requested, or timeout elapses (timeout <= 0 waits
// forever). It must be called with the mutex passed to
// RegisterWaitCond already held; it returns with that mutex held.
//
// Returns (true, false) if predicate held, (false, false) on timeout,
// and (false, true) if shutdown was requested while waiting — the
// cancel-aware condition-variable wait helper of spec.md §4.2/§4.9.
func (h *WaitHandle) Wait(predicate func() bool, timeout time.Duration) (ok bool, cancelled bool) {
	var timedOut atomic.Bool
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			// Taking the condition's lock here, the same lock the
			// waiter holds across every cond.Wait() cycle, rules out
			// the classic missed-wakeup race between setting the
			// flag and the waiter checking it.
			h.wc.cond.L.Lock()
			timedOut.Store(true)
			h.wc.cond.Broadcast()
			h.wc.cond.L.Unlock()
		})
		defer timer.Stop()
	}
	for {
		if predicate() {
			return true, false
		}
		if h.owner.ShutdownRequested() {
			return false, true
		}
		if timedOut.Load() {
			return false, false
		}
		h.wc.cond.Wait()
	}
}
