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

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/apierrors"
	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/objectstore"
	"github.com/taskline/taskline/pkg/repository"
)

// ValidateSelectedNext checks that a worker-reported next set only narrows
// the frozen allowedNext. Widening is a protocol violation and rejects the
// whole completion callback.
func ValidateSelectedNext(snapshot models.StructureSnapshot, taskID string, selected []string) error {
	allowed := snapshot[taskID].AllowedNext
	var invalid []string
	for _, id := range selected {
		if !allowed.Contains(id) {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return &apierrors.Error{
			Code:    apierrors.CodeInvalidNextTasks,
			Message: fmt.Sprintf("selectedNext %v not in allowedNext of task %q", invalid, taskID),
			Status:  400,
		}
	}
	return nil
}

// QueueDownstream fans a completed run out to its successors. The effective
// next set is the worker's selectedNext (already validated and persisted on
// the run) intersected with the frozen allowedNext; a nil selection means the
// full allowed set.
//
// Readiness is conservative: a successor is queued pending only when every
// predecessor that has a run in this pipeline completed, and no uncreated
// predecessor can still be produced by a live branch. Otherwise the
// successor parks in waiting and is promoted on a later completion.
func (e *Executor) QueueDownstream(ctx context.Context, completedRunID string, selectedNext []string) error {
	run, err := e.store.Runs.Get(ctx, completedRunID)
	if err != nil {
		return err
	}
	if run.PipelineRunID == nil || run.Status != models.TaskRunCompleted {
		return nil
	}
	prun, err := e.store.Pipelines.GetRun(ctx, *run.PipelineRunID)
	if err != nil {
		return err
	}
	if prun.Status.Terminal() {
		return nil
	}

	if selectedNext == nil {
		selectedNext = run.SelectedNext
	}
	if err := ValidateSelectedNext(prun.Snapshot, run.TaskID, selectedNext); err != nil {
		return err
	}
	next := effectiveNext(prun.Snapshot, run.TaskID, selectedNext)

	err = e.store.InTx(ctx, func(tx *repository.Store) error {
		// Concurrent completions of two predecessors must not both read the
		// run set before either inserts their shared successor.
		if err := tx.Pipelines.LockRun(ctx, prun.ID); err != nil {
			return err
		}
		state, err := newRunState(ctx, tx, prun)
		if err != nil {
			return err
		}
		for _, taskID := range next {
			if err := e.scheduleSuccessor(ctx, tx, prun, state, taskID); err != nil {
				return err
			}
		}
		// This completion may also unblock waiting runs queued by other
		// branches.
		return e.promoteReady(ctx, tx, prun, state)
	})
	if err != nil {
		return err
	}
	return e.FinishIfDone(ctx, prun.ID)
}

// scheduleSuccessor creates or promotes one downstream run.
func (e *Executor) scheduleSuccessor(ctx context.Context, tx *repository.Store, prun *models.PipelineRun, state *runState, taskID string) error {
	if existing, ok := state.latest[taskID]; ok {
		if existing.Status == models.TaskRunWaiting && state.ready(prun.Snapshot, taskID) {
			if _, err := tx.Runs.PromoteWaiting(ctx, existing.ID); err != nil {
				return err
			}
			existing.Status = models.TaskRunPending
		}
		return nil
	}
	if state.blocked(prun.Snapshot, taskID) {
		// An upstream ended non-completed; this branch is dead.
		return nil
	}

	task, err := tx.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("successor task %s: %w", taskID, err)
	}
	status := models.TaskRunWaiting
	if state.ready(prun.Snapshot, taskID) {
		status = models.TaskRunPending
	}
	run := &models.TaskRun{
		ID:            ident.NewID(ident.PrefixTaskRun),
		TaskID:        taskID,
		PipelineRunID: &prun.ID,
		Status:        status,
		CodeVersion:   task.CodeVersion,
		CodeHash:      task.CodeHash,
		Attempt:       1,
		MaxRetries:    task.Retries,
		Priority:      effectivePriority(prun, task),
		InputPath:     prun.InputPath,
		ScheduledAt:   e.clock.Now(),
	}
	if err := tx.Runs.Insert(ctx, run); err != nil {
		return err
	}
	state.latest[taskID] = run
	e.logger.Debug("downstream task scheduled",
		zap.String("pipeline_run_id", prun.ID),
		zap.String("task_id", taskID),
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
	)
	return nil
}

// promoteReady promotes every waiting run whose fan-in is now satisfied and
// cancels waiting runs that can never become ready.
func (e *Executor) promoteReady(ctx context.Context, tx *repository.Store, prun *models.PipelineRun, state *runState) error {
	for taskID, run := range state.latest {
		if run.Status != models.TaskRunWaiting {
			continue
		}
		switch {
		case state.blocked(prun.Snapshot, taskID):
			if _, err := tx.Runs.CancelWaiting(ctx, run.ID); err != nil {
				return err
			}
			run.Status = models.TaskRunCancelled
		case state.ready(prun.Snapshot, taskID):
			if _, err := tx.Runs.PromoteWaiting(ctx, run.ID); err != nil {
				return err
			}
			run.Status = models.TaskRunPending
		}
	}
	return nil
}

// HandleTaskFailure applies the pipeline failure mode after an exhausted
// failure reached the dead-letter queue.
func (e *Executor) HandleTaskFailure(ctx context.Context, run *models.TaskRun) error {
	if run.PipelineRunID == nil {
		return nil
	}
	prun, err := e.store.Pipelines.GetRun(ctx, *run.PipelineRunID)
	if err != nil {
		return err
	}
	if prun.Status.Terminal() {
		return nil
	}

	switch prun.FailureMode {
	case models.FailFast:
		errMsg := fmt.Sprintf("task %s failed exhaustively", run.TaskID)
		if run.Error != nil {
			errMsg = fmt.Sprintf("task %s: %s", run.TaskID, *run.Error)
		}
		err := e.store.InTx(ctx, func(tx *repository.Store) error {
			if err := tx.Pipelines.LockRun(ctx, prun.ID); err != nil {
				return err
			}
			if _, err := tx.Runs.CancelNonTerminal(ctx, prun.ID); err != nil {
				return err
			}
			_, err := tx.Pipelines.FinishRun(ctx, prun.ID, models.PipelineRunFailed, &errMsg, nil)
			return err
		})
		if err != nil {
			return err
		}
		e.logger.Warn("pipeline failed fast",
			zap.String("pipeline_run_id", prun.ID),
			zap.String("failed_task", run.TaskID),
		)
		return nil

	case models.Continue, models.PartialMerge:
		// Only the failed branch stops. Waiting successors of the dead
		// branch are cancelled so the roll-up can terminate.
		err := e.store.InTx(ctx, func(tx *repository.Store) error {
			if err := tx.Pipelines.LockRun(ctx, prun.ID); err != nil {
				return err
			}
			state, err := newRunState(ctx, tx, prun)
			if err != nil {
				return err
			}
			return e.promoteReady(ctx, tx, prun, state)
		})
		if err != nil {
			return err
		}
		return e.FinishIfDone(ctx, prun.ID)
	}
	return nil
}

// FinishIfDone rolls terminal task statuses up into the pipeline run once
// every created run is terminal. Completed and partial outcomes also write
// the aggregate output blob: a JSON map keyed by sink task id.
func (e *Executor) FinishIfDone(ctx context.Context, pipelineRunID string) error {
	prun, err := e.store.Pipelines.GetRun(ctx, pipelineRunID)
	if err != nil {
		return err
	}
	if prun.Status.Terminal() {
		return nil
	}
	runs, err := e.store.Runs.ListByPipelineRun(ctx, pipelineRunID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}

	latest := latestByTask(runs)
	var completed, failed, cancelled int
	for _, run := range latest {
		switch run.Status {
		case models.TaskRunCompleted:
			completed++
		case models.TaskRunFailed, models.TaskRunTimeout:
			failed++
		case models.TaskRunCancelled:
			cancelled++
		default:
			return nil // still live
		}
	}

	var status models.PipelineRunStatus
	switch {
	case failed == 0 && cancelled == 0:
		status = models.PipelineRunCompleted
	case failed == 0 && cancelled > 0 && completed == 0:
		status = models.PipelineRunCancelled
	case completed > 0 && failed > 0:
		status = models.PipelineRunPartial
	case completed > 0:
		// Completed plus cancelled, nothing failed: the run ended early
		// but produced output.
		status = models.PipelineRunPartial
	default:
		status = models.PipelineRunFailed
	}

	var outputPath *string
	if status == models.PipelineRunCompleted || status == models.PipelineRunPartial {
		path, err := e.writeAggregateOutput(ctx, prun, latest)
		if err != nil {
			e.logger.Error("aggregate output write failed",
				zap.String("pipeline_run_id", prun.ID), zap.Error(err))
		} else {
			outputPath = &path
		}
	}

	changed, err := e.store.Pipelines.FinishRun(ctx, prun.ID, status, nil, outputPath)
	if err != nil {
		return err
	}
	if changed {
		e.logger.Info("pipeline run finished",
			zap.String("pipeline_run_id", prun.ID),
			zap.String("status", string(status)),
			zap.Int("completed", completed),
			zap.Int("failed", failed),
			zap.Int("cancelled", cancelled),
		)
	}
	return nil
}

// writeAggregateOutput persists runs/{prun}/output.json: a map keyed by the
// task id of each completed sink (a task none of whose scheduled successors
// consumed its output).
func (e *Executor) writeAggregateOutput(ctx context.Context, prun *models.PipelineRun, latest map[string]*models.TaskRun) (string, error) {
	type sinkOutput struct {
		RunID      string          `json:"runId"`
		OutputPath string          `json:"outputPath"`
		OutputSize *int64          `json:"outputSize,omitempty"`
		Assets     models.AssetMap `json:"assets,omitempty"`
	}
	sinks := make(map[string]sinkOutput)
	for taskID, run := range latest {
		if run.Status != models.TaskRunCompleted || run.OutputPath == nil {
			continue
		}
		if hasLiveSuccessor(prun.Snapshot, latest, taskID, run) {
			continue
		}
		sinks[taskID] = sinkOutput{
			RunID:      run.ID,
			OutputPath: *run.OutputPath,
			OutputSize: run.OutputSize,
			Assets:     run.Assets,
		}
	}
	raw, err := json.Marshal(sinks)
	if err != nil {
		return "", err
	}
	path := objectstore.PipelineOutputPath(prun.ID)
	if err := e.blobs.Put(ctx, path, raw); err != nil {
		return "", err
	}
	return path, nil
}

// hasLiveSuccessor reports whether any of the run's effective next tasks was
// actually created and completed; if so the task is an interior node, not a
// sink.
func hasLiveSuccessor(snapshot models.StructureSnapshot, latest map[string]*models.TaskRun, taskID string, run *models.TaskRun) bool {
	next := effectiveNext(snapshot, taskID, run.SelectedNext)
	for _, succ := range next {
		if s, ok := latest[succ]; ok && s.Status == models.TaskRunCompleted {
			return true
		}
	}
	return false
}

// Cancel marks the pipeline run cancelled and every non-terminal task run
// with it. Running workers learn through the heartbeat response.
func (e *Executor) Cancel(ctx context.Context, pipelineRunID string) error {
	prun, err := e.store.Pipelines.GetRun(ctx, pipelineRunID)
	if err != nil {
		return err
	}
	if prun.Status.Terminal() {
		return apierrors.Conflict("pipeline run %s already %s", pipelineRunID, prun.Status)
	}
	errMsg := "cancelled by operator"
	return e.store.InTx(ctx, func(tx *repository.Store) error {
		if err := tx.Pipelines.LockRun(ctx, pipelineRunID); err != nil {
			return err
		}
		if _, err := tx.Runs.CancelNonTerminal(ctx, pipelineRunID); err != nil {
			return err
		}
		_, err := tx.Pipelines.FinishRun(ctx, pipelineRunID, models.PipelineRunCancelled, &errMsg, nil)
		return err
	})
}

// runState is the per-fan-out view of a pipeline run's task runs.
type runState struct {
	latest map[string]*models.TaskRun
}

func newRunState(ctx context.Context, tx *repository.Store, prun *models.PipelineRun) (*runState, error) {
	runs, err := tx.Runs.ListByPipelineRun(ctx, prun.ID)
	if err != nil {
		return nil, err
	}
	return &runState{latest: latestByTask(runs)}, nil
}

// ready: every created predecessor completed, and every uncreated
// predecessor is unreachable from the live part of the graph.
func (s *runState) ready(snapshot models.StructureSnapshot, taskID string) bool {
	for _, pred := range snapshot.Predecessors(taskID) {
		run, created := s.latest[pred]
		if created {
			if run.Status != models.TaskRunCompleted {
				return false
			}
			continue
		}
		if s.reachable(snapshot, pred) {
			return false
		}
	}
	return true
}

// blocked: some created predecessor ended terminal without completing. The
// successor can never run (partial predecessors are never merged).
func (s *runState) blocked(snapshot models.StructureSnapshot, taskID string) bool {
	for _, pred := range snapshot.Predecessors(taskID) {
		run, created := s.latest[pred]
		if created && run.Status.Terminal() && run.Status != models.TaskRunCompleted {
			return true
		}
	}
	return false
}

// reachable: the task could still get a run, i.e. it is a descendant of some
// live (non-terminal) run through the frozen edges, or of a completed run's
// effective next set that has not fanned out yet.
func (s *runState) reachable(snapshot models.StructureSnapshot, taskID string) bool {
	frontier := make([]string, 0, len(s.latest))
	for id, run := range s.latest {
		switch {
		case !run.Status.Terminal():
			frontier = append(frontier, snapshot[id].AllowedNext...)
		case run.Status == models.TaskRunCompleted:
			for _, next := range effectiveNext(snapshot, id, run.SelectedNext) {
				if _, created := s.latest[next]; !created {
					frontier = append(frontier, next)
				}
			}
		}
	}
	seen := make(map[string]bool)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == taskID {
			return true
		}
		frontier = append(frontier, snapshot[id].AllowedNext...)
	}
	return false
}

// effectiveNext intersects a worker selection with the frozen allowed set.
func effectiveNext(snapshot models.StructureSnapshot, taskID string, selected []string) []string {
	allowed := snapshot[taskID].AllowedNext
	if selected == nil {
		return allowed
	}
	var out []string
	for _, id := range selected {
		if allowed.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// latestByTask reduces attempt rows to the newest attempt per task.
func latestByTask(runs []*models.TaskRun) map[string]*models.TaskRun {
	latest := make(map[string]*models.TaskRun)
	for _, run := range runs {
		if cur, ok := latest[run.TaskID]; !ok || run.Attempt > cur.Attempt {
			latest[run.TaskID] = run
		}
	}
	return latest
}
