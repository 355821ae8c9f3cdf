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

// Package dlq manages the dead-letter queue: exhausted task failures land
// here verbatim and stay queryable until retention purges them. Replay is
// manual and mints a brand-new first attempt.
package dlq

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/metrics"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/repository"
)

// Manager owns dead-letter inserts, replay, and retention purge.
type Manager struct {
	store   *repository.Store
	metrics *metrics.Metrics
	clock   ident.Clock
	logger  *zap.Logger
}

func NewManager(store *repository.Store, m *metrics.Metrics, clock ident.Clock, logger *zap.Logger) *Manager {
	return &Manager{store: store, metrics: m, clock: clock, logger: logger}
}

// Move preserves an exhausted run as a dead-letter item and returns it.
// The run must already be in a terminal failure status.
func (m *Manager) Move(ctx context.Context, tx *repository.Store, run *models.TaskRun) (*models.DLQItem, error) {
	errMsg := "unknown error"
	if run.Error != nil {
		errMsg = *run.Error
	}
	item := &models.DLQItem{
		ID:            ident.NewID(ident.PrefixDLQ),
		TaskRunID:     run.ID,
		TaskID:        run.TaskID,
		PipelineRunID: run.PipelineRunID,
		CodeVersion:   run.CodeVersion,
		CodeHash:      run.CodeHash,
		Error:         errMsg,
		Attempts:      run.Attempt,
		InputPath:     run.InputPath,
	}
	if err := tx.DLQ.Insert(ctx, item); err != nil {
		return nil, fmt.Errorf("move run %s to dlq: %w", run.ID, err)
	}
	m.metrics.DLQInserts.WithLabelValues(run.TaskID).Inc()
	m.logger.Warn("run moved to dead-letter queue",
		zap.String("dlq_id", item.ID),
		zap.String("run_id", run.ID),
		zap.String("task_id", run.TaskID),
		zap.Int("attempts", run.Attempt),
		zap.String("error", errMsg),
	)
	return item, nil
}

// Replay mints a fresh first attempt from a dead-letter item and stamps the
// item retried. The new run is standalone even when the original belonged to
// a pipeline: the owning pipeline run finished long ago, and attempt
// numbering within it is already taken. The origin is recorded in metadata.
func (m *Manager) Replay(ctx context.Context, dlqID string) (*models.TaskRun, error) {
	item, err := m.store.DLQ.Get(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	task, err := m.store.Tasks.Get(ctx, item.TaskID)
	if err != nil {
		return nil, fmt.Errorf("replay %s: task %s: %w", dlqID, item.TaskID, err)
	}

	run := &models.TaskRun{
		ID:          ident.NewID(ident.PrefixTaskRun),
		TaskID:      item.TaskID,
		Status:      models.TaskRunPending,
		CodeVersion: task.CodeVersion,
		CodeHash:    task.CodeHash,
		Attempt:     1,
		MaxRetries:  task.Retries,
		Priority:    task.Priority,
		InputPath:   item.InputPath,
		ScheduledAt: m.clock.Now(),
		Metadata:    models.JSONMap{"replayOf": dlqID},
	}
	if item.PipelineRunID != nil {
		run.Metadata["originalPipelineRunId"] = *item.PipelineRunID
	}

	err = m.store.InTx(ctx, func(tx *repository.Store) error {
		if err := tx.Runs.Insert(ctx, run); err != nil {
			return err
		}
		return tx.DLQ.MarkRetried(ctx, dlqID)
	})
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", dlqID, err)
	}

	m.logger.Info("dead-letter item replayed",
		zap.String("dlq_id", dlqID),
		zap.String("new_run_id", run.ID),
		zap.String("task_id", item.TaskID),
	)
	return run, nil
}

// Purge deletes items older than the retention window and reports the count.
func (m *Manager) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := m.clock.Now().Add(-retention)
	n, err := m.store.DLQ.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("dead-letter queue purged",
			zap.Int64("deleted", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// List exposes filtered dead-letter listings for the API surface.
func (m *Manager) List(ctx context.Context, f repository.DLQFilter) ([]*models.DLQItem, error) {
	return m.store.DLQ.List(ctx, f)
}
