/*
Copyright 2025 The Taskline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package models

// TaskRunStatus is the lifecycle state of a single task attempt.
type TaskRunStatus string

const (
	TaskRunPending   TaskRunStatus = "pending"
	TaskRunWaiting   TaskRunStatus = "waiting"
	TaskRunRunning   TaskRunStatus = "running"
	TaskRunCompleted TaskRunStatus = "completed"
	TaskRunFailed    TaskRunStatus = "failed"
	TaskRunTimeout   TaskRunStatus = "timeout"
	TaskRunCancelled TaskRunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskRunStatus) Terminal() bool {
	switch s {
	case TaskRunCompleted, TaskRunFailed, TaskRunTimeout, TaskRunCancelled:
		return true
	}
	return false
}

// taskRunTransitions enumerates the legal task-run state machine edges.
// Every transition is also enforced in SQL with a guarded UPDATE
// (WHERE status = from), so a duplicate callback can never advance a row
// twice; this table exists so callers fail fast before touching the database.
var taskRunTransitions = map[TaskRunStatus][]TaskRunStatus{
	TaskRunWaiting: {TaskRunPending, TaskRunCancelled},
	TaskRunPending: {TaskRunRunning, TaskRunFailed, TaskRunCancelled},
	TaskRunRunning: {TaskRunCompleted, TaskRunFailed, TaskRunTimeout, TaskRunCancelled},
}

// CanTransition reports whether from -> to is a legal task-run edge.
func (s TaskRunStatus) CanTransition(to TaskRunStatus) bool {
	for _, t := range taskRunTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// PipelineRunStatus is the lifecycle state of one pipeline execution.
type PipelineRunStatus string

const (
	PipelineRunPending   PipelineRunStatus = "pending"
	PipelineRunRunning   PipelineRunStatus = "running"
	PipelineRunCompleted PipelineRunStatus = "completed"
	PipelineRunFailed    PipelineRunStatus = "failed"
	PipelineRunCancelled PipelineRunStatus = "cancelled"
	PipelineRunPartial   PipelineRunStatus = "partial"
)

// Terminal reports whether the pipeline run is finished.
func (s PipelineRunStatus) Terminal() bool {
	switch s {
	case PipelineRunCompleted, PipelineRunFailed, PipelineRunCancelled, PipelineRunPartial:
		return true
	}
	return false
}

// FailureMode selects how a pipeline reacts to an exhausted task failure.
type FailureMode string

const (
	FailFast     FailureMode = "fail-fast"
	Continue     FailureMode = "continue"
	PartialMerge FailureMode = "partial-merge"
)

// Valid reports whether m is a recognized failure mode.
func (m FailureMode) Valid() bool {
	switch m {
	case FailFast, Continue, PartialMerge:
		return true
	}
	return false
}

// RetryBackoff selects the retry delay curve for a task definition.
type RetryBackoff string

const (
	BackoffFixed       RetryBackoff = "fixed"
	BackoffExponential RetryBackoff = "exponential"
)

// OrchestratorMode is the three-state maintenance lifecycle.
type OrchestratorMode string

const (
	ModeRunning               OrchestratorMode = "running"
	ModeWaitingForMaintenance OrchestratorMode = "waiting_for_maintenance"
	ModeMaintenance           OrchestratorMode = "maintenance"
)

// CanTransition reports whether from -> to is a legal mode edge.
// running -> maintenance directly is forbidden; the drain phase is mandatory.
func (m OrchestratorMode) CanTransition(to OrchestratorMode) bool {
	switch m {
	case ModeRunning:
		return to == ModeWaitingForMaintenance
	case ModeWaitingForMaintenance:
		return to == ModeMaintenance || to == ModeRunning
	case ModeMaintenance:
		return to == ModeRunning
	}
	return false
}

// ValidationMode controls input-schema enforcement at trigger time.
type ValidationMode string

const (
	ValidationStrict ValidationMode = "strict"
	ValidationWarn   ValidationMode = "warn"
	ValidationNone   ValidationMode = "none"
)
