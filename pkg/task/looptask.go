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
	"time"

	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
)

// MissedLoopPolicy selects how LoopTask recovers when an iteration
// overruns its period, per spec.md §4.10's QMI_LoopTaskMissedLoopPolicy.
type MissedLoopPolicy int

const (
	// Immediate runs the next iteration right away and resets the
	// deadline one full period out from now.
	Immediate MissedLoopPolicy = iota
	// Skip advances the deadline by whole periods until it is back in
	// the future, so a long overrun skips iterations instead of
	// bursting through them.
	Skip
	// Terminate stops the task the first time a deadline is missed.
	Terminate
)

// LoopTaskHooks are the fixed-cadence callbacks a LoopTask drives.
// Iteration is required; the rest are optional, mirroring
// QMI_LoopTask's overridable loop_prepare/process_new_settings/
// loop_iteration/update_status/publish_signals/loop_finalize.
type LoopTaskHooks struct {
	Prepare         func(tc *TaskContext) error
	ProcessSettings func(tc *TaskContext)
	Iteration       func(tc *TaskContext) error
	// UpdateStatus refreshes tc's status via tc.SetStatus and reports
	// whether it changed, so LoopTask knows to publish
	// sig_status_updated.
	UpdateStatus func(tc *TaskContext) bool
	Finalize     func(tc *TaskContext)
}

// LoopTask runs Hooks.Iteration on a fixed cadence until stopped, the
// Go shape of QMI_LoopTask. Construct one with NewLoopTask and use it
// directly as a Factory's returned Task.
type LoopTask struct {
	Period time.Duration
	Policy MissedLoopPolicy
	Hooks  LoopTaskHooks
}

// NewLoopTask builds a LoopTask with the given period, missed-loop
// policy and hooks.
func NewLoopTask(period time.Duration, policy MissedLoopPolicy, hooks LoopTaskHooks) *LoopTask {
	return &LoopTask{Period: period, Policy: policy, Hooks: hooks}
}

// TaskSignals satisfies SignalDeclarer: every loop task advertises
// sig_status_updated in addition to the base sig_settings_updated.
func (l *LoopTask) TaskSignals() []string {
	return []string{"sig_status_updated"}
}

// Run implements Task. It mirrors QMI_LoopTask.run()'s deadline
// bookkeeping: next is the monotonic instant the following iteration
// should start at, adjusted on every miss according to Policy.
func (l *LoopTask) Run(tc *TaskContext) error {
	if l.Hooks.Iteration == nil {
		return cerror.ErrUsage.GenWithStackByArgs("loop task has no iteration hook")
	}
	if l.Hooks.Prepare != nil {
		if err := l.Hooks.Prepare(tc); err != nil {
			return err
		}
	}

	next := time.Now().Add(l.Period)
	for !tc.StopRequested() {
		if tc.UpdateSettings() && l.Hooks.ProcessSettings != nil {
			l.Hooks.ProcessSettings(tc)
		}

		if err := l.Hooks.Iteration(tc); err != nil {
			return err
		}

		if l.Hooks.UpdateStatus != nil && l.Hooks.UpdateStatus(tc) {
			tc.PublishSignal("sig_status_updated", []interface{}{tc.GetStatus()})
		}

		remaining := time.Until(next)
		if remaining > 0 {
			if err := tc.Sleep(remaining); err != nil {
				return err
			}
			next = next.Add(l.Period)
			continue
		}

		switch l.Policy {
		case Skip:
			missed := int(-remaining/l.Period) + 1
			next = next.Add(time.Duration(missed) * l.Period)
		case Terminate:
			tc.RequestOwnStop()
		default: // Immediate
			next = time.Now().Add(l.Period)
		}
	}

	if l.Hooks.Finalize != nil {
		l.Hooks.Finalize(tc)
	}
	return nil
}
