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

// Package lifecycle drives a task run from worker callback to its next
// durable state: completion fans out, failure routes to a retry attempt or
// the dead-letter queue, missed heartbeats become timeouts. Every transition
// is a guarded update, so duplicate callbacks are harmless.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/apierrors"
	"github.com/taskline/taskline/pkg/dlq"
	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/idempotency"
	"github.com/taskline/taskline/pkg/metrics"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/pipeline"
	"github.com/taskline/taskline/pkg/repository"
	"github.com/taskline/taskline/pkg/retry"
)

// CompletionPayload is the worker's terminal callback.
type CompletionPayload struct {
	Status       string          `json:"status" validate:"required,oneof=success failed"`
	OutputPath   *string         `json:"outputPath,omitempty"`
	OutputSize   *int64          `json:"outputSize,omitempty"`
	Assets       models.AssetMap `json:"assets,omitempty"`
	LogsPath     *string         `json:"logsPath,omitempty"`
	SelectedNext []string        `json:"selectedNext,omitempty"`
	Error        *string         `json:"error,omitempty"`
	ErrorCode    *string         `json:"errorCode,omitempty"`
}

// HeartbeatResponse is returned to the worker on each heartbeat.
type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
	ShouldCancel bool `json:"shouldCancel,omitempty"`
}

// Manager owns the post-dispatch run lifecycle.
type Manager struct {
	store    *repository.Store
	executor *pipeline.Executor
	idem     *idempotency.Manager
	dlq      *dlq.Manager
	metrics  *metrics.Metrics
	clock    ident.Clock
	logger   *zap.Logger
}

func NewManager(store *repository.Store, executor *pipeline.Executor, idem *idempotency.Manager, dlqMgr *dlq.Manager, m *metrics.Metrics, clock ident.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		executor: executor,
		idem:     idem,
		dlq:      dlqMgr,
		metrics:  m,
		clock:    clock,
		logger:   logger,
	}
}

// Complete applies one worker completion callback. Success persists the
// result and fans downstream tasks out; failure feeds the retry/DLQ path.
// A callback for a run that already left running (cancelled, duplicate
// delivery) is discarded without error.
func (m *Manager) Complete(ctx context.Context, runID string, payload *CompletionPayload) error {
	run, err := m.store.Runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierrors.NotFound("run %q not found", runID)
		}
		return err
	}

	switch payload.Status {
	case "success":
		return m.completeSuccess(ctx, run, payload)
	case "failed":
		return m.completeFailure(ctx, run, payload)
	default:
		return apierrors.Validation("status must be success or failed, got %q", payload.Status)
	}
}

func (m *Manager) completeSuccess(ctx context.Context, run *models.TaskRun, payload *CompletionPayload) error {
	// Widened selectedNext is a protocol error and rejects the callback
	// before any state changes.
	if run.PipelineRunID != nil && payload.SelectedNext != nil {
		prun, err := m.store.Pipelines.GetRun(ctx, *run.PipelineRunID)
		if err != nil {
			return err
		}
		if err := pipeline.ValidateSelectedNext(prun.Snapshot, run.TaskID, payload.SelectedNext); err != nil {
			return err
		}
	}

	changed, err := m.store.Runs.CompleteSuccess(ctx, run.ID,
		payload.OutputPath, payload.OutputSize, payload.Assets,
		payload.LogsPath, payload.SelectedNext)
	if err != nil {
		return err
	}
	if !changed {
		// Cancelled or duplicate. Stored blobs are already written and
		// harmless; the status stands.
		m.logger.Info("completion discarded, run not running",
			zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
		return nil
	}

	run.Status = models.TaskRunCompleted
	run.OutputPath = payload.OutputPath
	run.OutputSize = payload.OutputSize
	run.Assets = payload.Assets
	run.SelectedNext = payload.SelectedNext

	if run.IdempotencyKey != nil {
		task, err := m.store.Tasks.Get(ctx, run.TaskID)
		if err == nil {
			if cerr := m.idem.CacheResult(ctx, task, run); cerr != nil {
				m.logger.Error("idempotency cache write failed",
					zap.String("run_id", run.ID), zap.Error(cerr))
			}
		}
	}

	if run.PipelineRunID != nil {
		if err := m.executor.QueueDownstream(ctx, run.ID, payload.SelectedNext); err != nil {
			return fmt.Errorf("fan out after %s: %w", run.ID, err)
		}
	}
	m.logger.Info("run completed",
		zap.String("run_id", run.ID),
		zap.String("task_id", run.TaskID),
		zap.Int("attempt", run.Attempt),
	)
	return nil
}

func (m *Manager) completeFailure(ctx context.Context, run *models.TaskRun, payload *CompletionPayload) error {
	errMsg := "worker reported failure"
	if payload.Error != nil {
		errMsg = *payload.Error
	}
	changed, err := m.store.Runs.CompleteFailure(ctx, run.ID, errMsg, payload.ErrorCode, payload.LogsPath)
	if err != nil {
		return err
	}
	if !changed {
		m.logger.Info("failure callback discarded, run not running",
			zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
		return nil
	}

	run.Status = models.TaskRunFailed
	run.Error = &errMsg
	run.ErrorCode = payload.ErrorCode
	return m.RouteFailure(ctx, run)
}

// RouteFailure decides what happens after a run lands in failed or timeout:
// a fatal error code or an exhausted attempt budget moves it to the DLQ and
// invokes the pipeline failure mode; anything else schedules the next
// attempt.
func (m *Manager) RouteFailure(ctx context.Context, run *models.TaskRun) error {
	task, err := m.store.Tasks.Get(ctx, run.TaskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Task deregistered mid-flight; nothing can retry it.
			return m.moveToDLQ(ctx, run)
		}
		return err
	}

	fatal := run.ErrorCode != nil && task.IsFatalCode(*run.ErrorCode)
	exhausted := run.Attempt >= run.MaxRetries+1
	if fatal || exhausted {
		if fatal {
			m.logger.Warn("fatal error code, skipping retries",
				zap.String("run_id", run.ID),
				zap.String("error_code", *run.ErrorCode),
			)
		}
		return m.moveToDLQ(ctx, run)
	}
	return m.scheduleRetry(ctx, run, task)
}

func (m *Manager) moveToDLQ(ctx context.Context, run *models.TaskRun) error {
	err := m.store.InTx(ctx, func(tx *repository.Store) error {
		_, err := m.dlq.Move(ctx, tx, run)
		return err
	})
	if err != nil {
		return err
	}
	return m.executor.HandleTaskFailure(ctx, run)
}

// scheduleRetry inserts the next attempt row. The delay curve comes from the
// current task definition; the attempt budget stays frozen on the run.
func (m *Manager) scheduleRetry(ctx context.Context, run *models.TaskRun, task *models.Task) error {
	nextAttempt := run.Attempt + 1
	delay := retry.DelayForTask(task, nextAttempt)

	next := &models.TaskRun{
		ID:             ident.NewID(ident.PrefixTaskRun),
		TaskID:         run.TaskID,
		PipelineRunID:  run.PipelineRunID,
		Status:         models.TaskRunPending,
		CodeVersion:    task.CodeVersion,
		CodeHash:       task.CodeHash,
		Attempt:        nextAttempt,
		MaxRetries:     run.MaxRetries,
		Priority:       run.Priority,
		InputPath:      run.InputPath,
		IdempotencyKey: run.IdempotencyKey,
		ScheduledAt:    m.clock.Now().Add(delay),
	}
	if err := m.store.Runs.Insert(ctx, next); err != nil {
		return fmt.Errorf("schedule retry of %s: %w", run.ID, err)
	}
	m.metrics.RetriesScheduled.WithLabelValues(run.TaskID).Inc()
	m.logger.Info("retry scheduled",
		zap.String("failed_run_id", run.ID),
		zap.String("next_run_id", next.ID),
		zap.Int("attempt", nextAttempt),
		zap.Duration("delay", delay),
	)
	return nil
}

// Heartbeat refreshes liveness and merges progress. A worker whose run was
// cancelled underneath it gets shouldCancel and is expected to stop.
func (m *Manager) Heartbeat(ctx context.Context, runID string, progress models.JSONMap, message string) (*HeartbeatResponse, error) {
	if message != "" {
		if progress == nil {
			progress = models.JSONMap{}
		}
		progress["message"] = message
	}
	changed, err := m.store.Runs.Heartbeat(ctx, runID, progress)
	if err != nil {
		return nil, err
	}
	if changed {
		return &HeartbeatResponse{Acknowledged: true}, nil
	}

	run, err := m.store.Runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierrors.NotFound("run %q not found", runID)
		}
		return nil, err
	}
	return &HeartbeatResponse{
		Acknowledged: false,
		ShouldCancel: run.Status == models.TaskRunCancelled,
	}, nil
}

// SweepTimeouts marks every run with a stale heartbeat as timed out and
// routes each into the retry/DLQ path. Returns how many runs were swept.
func (m *Manager) SweepTimeouts(ctx context.Context) (int, error) {
	runs, err := m.store.Runs.MarkTimedOut(ctx)
	if err != nil {
		return 0, err
	}
	for _, run := range runs {
		m.metrics.HeartbeatTimeouts.WithLabelValues(run.TaskID).Inc()
		m.logger.Warn("run timed out",
			zap.String("run_id", run.ID),
			zap.String("task_id", run.TaskID),
			zap.Int("attempt", run.Attempt),
		)
		if err := m.RouteFailure(ctx, run); err != nil {
			m.logger.Error("timeout routing failed",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return len(runs), nil
}

// RunTimeoutMonitor sweeps on the given cadence until ctx is cancelled.
func (m *Manager) RunTimeoutMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepTimeouts(ctx); err != nil {
				m.logger.Error("timeout sweep failed", zap.Error(err))
			}
		}
	}
}
