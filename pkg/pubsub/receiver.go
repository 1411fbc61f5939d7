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

package pubsub

import (
	"sync"
	"time"

	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/metrics"
	"github.com/QuTech-Delft/QMI-sub000/pkg/worker"
)

// DiscardPolicy selects what a full Receiver does with a newly
// delivered signal, per spec.md §4.8.
type DiscardPolicy int

const (
	// DiscardOld drops from the front of the queue to make room; the
	// incoming signal is always stored.
	DiscardOld DiscardPolicy = iota
	// DiscardNew drops the incoming signal; the queue is left as-is.
	DiscardNew
)

// ReceivedSignal is one delivered signal, as handed back by
// GetNextSignal.
type ReceivedSignal struct {
	PublisherContext string
	PublisherName    string
	SignalName       string
	Args             []interface{}
	Seq              uint64
}

// Receiver is a bounded per-subscription FIFO of ReceivedSignal
// values, the signal receiver of spec.md §4.9.
type Receiver struct {
	capacity int
	policy   DiscardPolicy

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []ReceivedSignal
	seq      uint64
	taskWait *worker.WaitHandle
}

// NewReceiver builds a Receiver with the given bounded capacity and
// overflow policy. capacity <= 0 means unbounded.
func NewReceiver(capacity int, policy DiscardPolicy) *Receiver {
	r := &Receiver{capacity: capacity, policy: policy}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// BindTaskWorker registers this receiver's mutex with w, so that a
// subsequent GetNextSignal blocked inside the task w drives returns a
// cancellation error as soon as the task's stop is requested, per
// spec.md §4.9's cancel-aware wait. Called once, from the task worker
// goroutine that owns this receiver.
func (r *Receiver) BindTaskWorker(w *worker.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskWait = w.RegisterWaitCond(&r.mu)
}

// deliver is called by the owning pubsub.Manager, never under the
// manager's own mutex.
func (r *Receiver) deliver(publisherContext, publisherName, signalName string, args []interface{}) {
	r.mu.Lock()
	sig := ReceivedSignal{
		PublisherContext: publisherContext,
		PublisherName:    publisherName,
		SignalName:       signalName,
		Args:             args,
		Seq:              r.seq,
	}
	r.seq++

	dropped := ""
	if r.capacity > 0 && len(r.queue) >= r.capacity {
		switch r.policy {
		case DiscardOld:
			r.queue = append(r.queue[1:], sig)
			dropped = "discard_old"
		case DiscardNew:
			dropped = "discard_new"
		}
	} else {
		r.queue = append(r.queue, sig)
	}
	r.mu.Unlock()
	r.cond.Broadcast()
	if dropped != "" {
		metrics.PubSub.Dropped.WithLabelValues(dropped).Inc()
	}
}

// GetNextSignal blocks until a signal is available, timeout elapses
// (timeout <= 0 waits forever), or — when BindTaskWorker was called —
// the owning task's stop is requested, in which case it returns
// cerror.ErrCancelled.
func (r *Receiver) GetNextSignal(timeout time.Duration) (ReceivedSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready bool
	if r.taskWait != nil {
		ok, cancelled := r.taskWait.Wait(func() bool { return len(r.queue) > 0 }, timeout)
		if cancelled {
			return ReceivedSignal{}, cerror.ErrCancelled.GenWithStackByArgs("receiver wait interrupted by task stop")
		}
		ready = ok
	} else {
		ready = r.waitLocked(timeout)
	}
	if !ready {
		return ReceivedSignal{}, cerror.ErrTimeout.GenWithStackByArgs("timed out waiting for signal")
	}

	sig := r.queue[0]
	r.queue = r.queue[1:]
	return sig, nil
}

// waitLocked implements the plain (non-task-bound) timeout wait,
// mirroring worker.WaitHandle.Wait's own timer-vs-cond-broadcast
// pattern for a receiver with no owning task.
func (r *Receiver) waitLocked(timeout time.Duration) bool {
	if len(r.queue) > 0 {
		return true
	}
	if timeout <= 0 {
		for len(r.queue) == 0 {
			r.cond.Wait()
		}
		return true
	}
	var timedOut bool
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		timedOut = true
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()
	for len(r.queue) == 0 && !timedOut {
		r.cond.Wait()
	}
	return len(r.queue) > 0
}

// DiscardAll empties the queue without delivering any signal.
func (r *Receiver) DiscardAll() {
	r.mu.Lock()
	r.queue = nil
	r.mu.Unlock()
}

// HasSignalReady reports whether GetNextSignal would return
// immediately.
func (r *Receiver) HasSignalReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) > 0
}

// GetQueueLength reports the number of signals currently buffered.
func (r *Receiver) GetQueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
