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

// Package task implements the background task runner of spec.md
// §4.10, grounded on the dedicated-goroutine-plus-cancel-aware-wait
// shape of pkg/worker (itself doc-commented as shared by "every task
// worker") and on the original's QMI_Task/QMI_TaskRunner state
// machine in original_source/qmi/core/task.py.
package task

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/worker"
)

// Task is implemented by user task code. Run executes the task body
// and is handed a TaskContext for status, settings, stop and sleep
// access — the Go equivalent of a QMI_Task subclass's run() method,
// since Go has no instance-attribute access for the runner to reach
// into.
type Task interface {
	Run(tc *TaskContext) error
}

// SignalDeclarer is implemented by a Task that declares extra signals
// beyond sig_settings_updated, so Runner.RpcSignals can advertise
// them. Go has no class-level signal declaration to scan by
// reflection the way the original's metaclass does, so this explicit
// opt-in plays that role, mirroring rpccore.SignalSource's allow-list
// idiom.
type SignalDeclarer interface {
	TaskSignals() []string
}

type settingsBox struct{ value interface{} }
type statusBox struct{ value interface{} }

// TaskContext is the single piece of shared state between a Runner
// and the Task goroutine it drives: settings delivery, status
// publication, and the cancel-aware stop/sleep primitives of
// spec.md §4.10.
type TaskContext struct {
	owner *Runner
	wait  *worker.WaitHandle

	mu                 sync.Mutex
	pendingSettings    settingsBox
	hasPendingSettings bool
	currentSettings    interface{}

	status atomic.Value

	publish func(signalName string, args []interface{})
}

func newTaskContext(publish func(signalName string, args []interface{})) *TaskContext {
	return &TaskContext{publish: publish}
}

// StopRequested reports whether the owning Runner's stop has been
// requested, the direct analogue of QMI_Task.stop_requested().
func (tc *TaskContext) StopRequested() bool {
	if tc.owner == nil {
		return false
	}
	return tc.owner.worker.ShutdownRequested()
}

// Sleep blocks for d, or returns cerror.ErrCancelled as soon as the
// owning task's stop is requested — the cooperative-stop exception of
// QMI_Task.sleep(). A non-positive duration checks for a pending stop
// and returns immediately otherwise.
func (tc *TaskContext) Sleep(d time.Duration) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.StopRequested() {
		return cerror.ErrCancelled.GenWithStackByArgs("task stop already requested")
	}
	if d <= 0 {
		return nil
	}
	_, cancelled := tc.wait.Wait(func() bool { return false }, d)
	if cancelled {
		return cerror.ErrCancelled.GenWithStackByArgs("task stop requested during sleep")
	}
	return nil
}

// SetSettings stages v as the pending settings, replacing whatever
// update had not yet been picked up — the length-1 FIFO of
// spec.md §4.10. It is called from the RPC worker goroutine, never
// from the task goroutine itself.
func (tc *TaskContext) SetSettings(v interface{}) {
	tc.mu.Lock()
	tc.pendingSettings = settingsBox{v}
	tc.hasPendingSettings = true
	tc.mu.Unlock()
}

// GetSettings returns the most recently applied settings value (nil
// until the task has called UpdateSettings at least once).
func (tc *TaskContext) GetSettings() interface{} {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.currentSettings
}

// GetPendingSettings returns the staged-but-not-yet-applied settings
// value, or nil if none is pending.
func (tc *TaskContext) GetPendingSettings() interface{} {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if !tc.hasPendingSettings {
		return nil
	}
	return tc.pendingSettings.value
}

// UpdateSettings is called from inside Task.Run to pick up a pending
// settings update, if any. It applies the update, publishes
// sig_settings_updated, and reports whether an update was applied.
func (tc *TaskContext) UpdateSettings() bool {
	tc.mu.Lock()
	if !tc.hasPendingSettings {
		tc.mu.Unlock()
		return false
	}
	v := tc.pendingSettings.value
	tc.hasPendingSettings = false
	tc.currentSettings = v
	tc.mu.Unlock()
	tc.PublishSignal("sig_settings_updated", []interface{}{v})
	return true
}

// SetStatus publishes a new status value for GetStatus to return. It
// uses atomic.Value rather than the settings mutex so a concurrent
// RPC GetStatus call never observes a torn read, per spec.md §4.10.
func (tc *TaskContext) SetStatus(v interface{}) {
	tc.status.Store(statusBox{v})
}

// GetStatus returns the most recently published status value, or nil
// if SetStatus has never been called.
func (tc *TaskContext) GetStatus() interface{} {
	b, ok := tc.status.Load().(statusBox)
	if !ok {
		return nil
	}
	return b.value
}

// PublishSignal forwards name/args to the pubsub publisher the owning
// Runner was constructed with, if any. It is a no-op for a Runner
// built without a publish hook (e.g. in isolation, in tests).
func (tc *TaskContext) PublishSignal(name string, args []interface{}) {
	if tc.publish != nil {
		tc.publish(name, args)
	}
}

// RequestOwnStop asks the owning Runner to stop, the mechanism behind
// LoopTask's Terminate missed-deadline policy.
func (tc *TaskContext) RequestOwnStop() {
	if tc.owner != nil {
		tc.owner.StopTask()
	}
}
