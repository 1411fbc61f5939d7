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

package task

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/worker"
)

// State is a task runner's lifecycle state, per spec.md §4.10's
// QMI_TaskRunner state machine.
type State int

const (
	StateInitial State = iota
	StateExceptionWhileInstantiating
	StateReadyToRun
	StateRunning
	StateExceptionWhileRunning
	StateCompletedNormally
	StateStoppedBeforeStart
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateExceptionWhileInstantiating:
		return "EXCEPTION_WHILE_INSTANTIATING"
	case StateReadyToRun:
		return "READY_TO_RUN"
	case StateRunning:
		return "RUNNING"
	case StateExceptionWhileRunning:
		return "EXCEPTION_WHILE_RUNNING"
	case StateCompletedNormally:
		return "COMPLETED_NORMALLY"
	case StateStoppedBeforeStart:
		return "STOPPED_BEFORE_START"
	default:
		return "UNKNOWN"
	}
}

// Factory constructs the user Task, given the TaskContext it will
// run with. A Factory that returns an error fails the runner with
// StateExceptionWhileInstantiating, mirroring the original
// constructing the task object on its own thread so a failing
// constructor cannot wedge the caller.
type Factory func(tc *TaskContext) (Task, error)

// Runner is the RPC-hosted task runner of spec.md §4.10: one
// dedicated goroutine drives a user Task through the state machine
// above, category "task" when exposed through rpccore.
//
// Runner implements rpccore.Object, rpccore.SignalSource and
// rpccore.Releasable, and worker.ShutdownRequester for the goroutine
// pkg/worker drives.
type Runner struct {
	logger        *zap.Logger
	name          string
	taskClassName string
	factory       Factory
	publish       func(signalName string, args []interface{})

	worker *worker.Worker
	tc     *TaskContext

	readyCh   chan struct{}
	startCh   chan struct{}
	forceStop chan struct{}
	stopOnce  sync.Once

	mu              sync.Mutex
	state           State
	taskErr         error
	startRequested  bool
	joined          bool
	task            Task
}

// NewRunner instantiates the user task via factory and blocks until
// it is either ready to run or has failed, exactly as the original's
// QMI_TaskRunner.__init__ blocks on the underlying thread's
// initialization. publish may be nil; when set it is used to forward
// sig_settings_updated/sig_status_updated to the owning context's
// pubsub manager.
func NewRunner(logger *zap.Logger, name, taskClassName string, publish func(signalName string, args []interface{}), factory Factory) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tc := newTaskContext(publish)
	r := &Runner{
		logger:        logger,
		name:          name,
		taskClassName: taskClassName,
		factory:       factory,
		publish:       publish,
		tc:            tc,
		readyCh:       make(chan struct{}),
		startCh:       make(chan struct{}),
		forceStop:     make(chan struct{}),
	}
	tc.owner = r
	r.worker = worker.New(logger)
	tc.wait = r.worker.RegisterWaitCond(&tc.mu)

	go r.worker.Start(r)
	<-r.readyCh

	r.mu.Lock()
	st, err := r.state, r.taskErr
	r.mu.Unlock()
	if st == StateExceptionWhileInstantiating {
		<-r.worker.Done()
		return nil, cerror.ErrTaskInit.GenWithStackByArgs(fmt.Sprintf("task %s: %v", name, err))
	}
	return r, nil
}

// Run drives the task through its state machine. It satisfies
// worker.ShutdownRequester and is only ever invoked by worker.Worker.
func (r *Runner) Run() {
	task, err := r.instantiate()
	if err != nil {
		r.setState(StateExceptionWhileInstantiating, err)
		close(r.readyCh)
		return
	}
	r.task = task
	r.setState(StateReadyToRun, nil)
	close(r.readyCh)

	select {
	case <-r.startCh:
	case <-r.forceStop:
		r.setState(StateStoppedBeforeStart, nil)
		return
	}

	r.setState(StateRunning, nil)
	runErr := r.runTask()
	if runErr != nil {
		if r.worker.ShutdownRequested() {
			r.logger.Warn("task stopped cooperatively",
				zap.String("task", r.name), zap.Error(runErr))
		} else {
			r.setState(StateExceptionWhileRunning, runErr)
			return
		}
	}
	r.setState(StateCompletedNormally, nil)
}

// RequestShutdown satisfies worker.ShutdownRequester. It unblocks a
// Run still waiting for Start and wakes any in-progress TaskContext
// wait; pkg/worker.Worker.Shutdown also notifies the registered
// WaitHandle for us.
func (r *Runner) RequestShutdown() {
	r.stopOnce.Do(func() { close(r.forceStop) })
}

func (r *Runner) instantiate() (t Task, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic instantiating task %s: %v", r.name, rec)
		}
	}()
	return r.factory(r.tc)
}

func (r *Runner) runTask() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in task %s: %v", r.name, rec)
		}
	}()
	return r.task.Run(r.tc)
}

func (r *Runner) setState(s State, err error) {
	r.mu.Lock()
	r.state = s
	if err != nil {
		r.taskErr = err
	}
	r.mu.Unlock()
}

// State reports the runner's current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that failed the task, if its state is
// StateExceptionWhileInstantiating or StateExceptionWhileRunning.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskErr
}

// Running reports whether the task is presently in StateRunning.
func (r *Runner) Running() bool {
	return r.State() == StateRunning
}

// StartTask transitions a ready task into StateRunning. It fails with
// ErrInvalidOperation if the task is not in StateReadyToRun or has
// already been started, mirroring start()'s duplicate-start guard.
func (r *Runner) StartTask() error {
	r.mu.Lock()
	if r.state != StateReadyToRun || r.startRequested {
		s := r.state
		r.mu.Unlock()
		return cerror.ErrInvalidOperation.GenWithStackByArgs(
			fmt.Sprintf("task %s is not ready to run (state %s)", r.name, s))
	}
	r.startRequested = true
	r.mu.Unlock()
	close(r.startCh)
	return nil
}

// StopTask requests a cooperative stop. It is idempotent and never
// blocks; call JoinTask afterwards to wait for the task goroutine to
// actually exit.
func (r *Runner) StopTask() error {
	r.worker.Shutdown(r)
	return nil
}

// JoinTask blocks until the task goroutine has exited, or timeout
// elapses (timeout <= 0 waits forever).
func (r *Runner) JoinTask(timeout time.Duration) error {
	if timeout <= 0 {
		<-r.worker.Done()
	} else {
		select {
		case <-r.worker.Done():
		case <-time.After(timeout):
			return cerror.ErrTimeout.GenWithStackByArgs(
				fmt.Sprintf("timed out joining task %s", r.name))
		}
	}
	r.mu.Lock()
	r.joined = true
	r.mu.Unlock()
	return nil
}

// ReleaseRpcObject is rpccore's teardown hook: an unjoined task is
// stopped and joined so a caller that forgets to clean up never
// leaks the goroutine, per spec.md §4.10's release_rpc_object safety
// net.
func (r *Runner) ReleaseRpcObject() {
	r.mu.Lock()
	joined := r.joined
	r.mu.Unlock()
	if joined {
		return
	}
	r.worker.Shutdown(r)
	<-r.worker.Done()
	r.mu.Lock()
	r.joined = true
	r.mu.Unlock()
}

// RpcMethods lists the task runner's RPC-callable surface, per
// spec.md §4.10.
func (r *Runner) RpcMethods() []string {
	return []string{
		"Start", "Stop", "Join", "IsRunning",
		"SetSettings", "GetSettings", "GetPendingSettings",
		"GetStatus", "GetTaskClassName", "Enter", "Exit",
	}
}

// RpcSignals advertises sig_settings_updated plus whatever extra
// signals the underlying Task declares via SignalDeclarer — the
// descriptor's signal list is populated from the task, not the
// runner, per spec.md §4.10.
func (r *Runner) RpcSignals() []string {
	signals := []string{"sig_settings_updated"}
	if sd, ok := r.task.(SignalDeclarer); ok {
		signals = append(signals, sd.TaskSignals()...)
	}
	return signals
}

func (r *Runner) Start(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return nil, r.StartTask()
}

func (r *Runner) Stop(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return nil, r.StopTask()
}

func (r *Runner) Join(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	var timeout time.Duration
	if len(args) > 0 {
		if secs, ok := args[0].(float64); ok {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}
	return nil, r.JoinTask(timeout)
}

func (r *Runner) IsRunning(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return r.Running(), nil
}

func (r *Runner) SetSettings(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, cerror.ErrUsage.GenWithStackByArgs("SetSettings requires one argument")
	}
	r.tc.SetSettings(args[0])
	return nil, nil
}

func (r *Runner) GetSettings(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return r.tc.GetSettings(), nil
}

func (r *Runner) GetPendingSettings(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return r.tc.GetPendingSettings(), nil
}

func (r *Runner) GetStatus(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return r.tc.GetStatus(), nil
}

func (r *Runner) GetTaskClassName(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return r.taskClassName, nil
}

// Enter/Exit back the proxy's `with runner:` usage (spec.md §4.10):
// entering starts the task, exiting stops and joins it.
func (r *Runner) Enter(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return nil, r.StartTask()
}

func (r *Runner) Exit(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	r.StopTask()
	return nil, r.JoinTask(0)
}
