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

// Package eventloop implements the single-threaded reactor of
// spec.md §4.3: a goroutine that owns all of a router's sockets and
// is the only goroutine allowed to touch them, fed by a task channel
// the way the teacher's pkg/p2p.MessageServer is fed by its taskQueue.
package eventloop

import (
	"github.com/pingcap/failpoint"
	"go.uber.org/zap"
)

// task is the internal task-queue entry type. Only *fireAndForget,
// *fireAndForgetArg, *syncCall and the shutdown stopMarker are ever
// enqueued.
type task interface {
	run()
}

type fireAndForget struct {
	fn func()
}

func (t *fireAndForget) run() { t.fn() }

type fireAndForgetArg struct {
	fn  func(arg interface{})
	arg interface{}
}

func (t *fireAndForgetArg) run() { t.fn(t.arg) }

type syncCall struct {
	fn     func() (interface{}, error)
	result chan syncResult
}

type syncResult struct {
	value interface{}
	err   error
}

func (t *syncCall) run() {
	defer func() {
		if r := recover(); r != nil {
			t.result <- syncResult{err: panicToError(r)}
		}
	}()
	v, err := t.fn()
	t.result <- syncResult{value: v, err: err}
}

type stopMarker struct{}

func (stopMarker) run() {}

// Loop is the reactor. It owns a task channel and runs every
// enqueued task sequentially on one goroutine, exactly as
// pkg/p2p.MessageServer.run() drains its taskQueue.
type Loop struct {
	logger *zap.Logger
	tasks  chan task
	ready  chan struct{}
	stopC  chan struct{}
	doneC  chan struct{}

	// teardown, invoked once just before the loop goroutine exits, is
	// where the caller releases any remaining registered sockets.
	teardown func()
}

// New creates a Loop with the given task queue depth. The loop is not
// running yet; call Run in its own goroutine.
func New(logger *zap.Logger, queueDepth int, teardown func()) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger:   logger,
		tasks:    make(chan task, queueDepth),
		ready:    make(chan struct{}),
		stopC:    make(chan struct{}),
		doneC:    make(chan struct{}),
		teardown: teardown,
	}
}

// Run is the reactor's body. It signals initialization-complete via
// Ready(), then drains tasks until Shutdown enqueues the stop marker.
func (l *Loop) Run() {
	close(l.ready)
	defer close(l.doneC)
	defer func() {
		if l.teardown != nil {
			l.teardown()
		}
	}()

	for {
		t := <-l.tasks
		if _, isStop := t.(stopMarker); isStop {
			return
		}
		failpoint.Inject("eventLoopBeforeTask", func() {
			l.logger.Debug("eventloop: about to run task")
		})
		l.runTaskSafely(t)
	}
}

func (l *Loop) runTaskSafely(t task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("eventloop: task panicked, socket callback isolated", zap.Any("panic", r))
		}
	}()
	t.run()
}

// Ready is closed once the loop has started and is draining its task
// channel.
func (l *Loop) Ready() <-chan struct{} {
	return l.ready
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.doneC
}

// Post is the fire-and-forget submission primitive: run fn inside the
// loop soon, no return value.
func (l *Loop) Post(fn func()) {
	l.tasks <- &fireAndForget{fn: fn}
}

// PostArg is the fire-and-forget-with-argument variant, avoiding an
// allocating closure when the argument is already in hand.
func (l *Loop) PostArg(fn func(arg interface{}), arg interface{}) {
	l.tasks <- &fireAndForgetArg{fn: fn, arg: arg}
}

// Call is the synchronous-wait submission primitive: run fn inside
// the loop and block until it returns, surfacing its return value or
// error to the caller.
func (l *Loop) Call(fn func() (interface{}, error)) (interface{}, error) {
	sc := &syncCall{fn: fn, result: make(chan syncResult, 1)}
	l.tasks <- sc
	res := <-sc.result
	return res.value, res.err
}

// Shutdown enqueues the stop marker. It does not wait for the loop to
// exit; callers that need that should select on Done() afterwards.
func (l *Loop) Shutdown() {
	select {
	case l.tasks <- stopMarker{}:
	case <-l.doneC:
	}
}

func panicToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{r}
}

type panicError struct{ v interface{} }

func (p *panicError) Error() string { return "panic in event loop task" }
