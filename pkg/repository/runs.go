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

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskline/taskline/pkg/models"
)

// RunRepository persists task runs. Status transitions are guarded updates
// (WHERE status = expected) so a duplicate callback can never advance a row
// twice; callers receive a boolean telling them whether their update won.
type RunRepository struct {
	q Querier
}

// Insert creates one attempt row.
func (r *RunRepository) Insert(ctx context.Context, run *models.TaskRun) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO task_runs (
			id, task_id, pipeline_run_id, status, code_version, code_hash,
			attempt, max_retries, priority, input_path, idempotency_key,
			scheduled_at, output_path, output_size, assets, completed_at,
			metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, NOW(), NOW()
		)`,
		run.ID, run.TaskID, run.PipelineRunID, run.Status, run.CodeVersion,
		run.CodeHash, run.Attempt, run.MaxRetries, run.Priority, run.InputPath,
		run.IdempotencyKey, run.ScheduledAt, run.OutputPath, run.OutputSize,
		run.Assets, run.CompletedAt, run.Metadata)
	if err != nil {
		return fmt.Errorf("insert task run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns one run by id.
func (r *RunRepository) Get(ctx context.Context, id string) (*models.TaskRun, error) {
	var run models.TaskRun
	err := r.q.GetContext(ctx, &run, `SELECT * FROM task_runs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task run %s: %w", id, err)
	}
	return &run, nil
}

// ListByPipelineRun returns every attempt belonging to a pipeline run.
func (r *RunRepository) ListByPipelineRun(ctx context.Context, pipelineRunID string) ([]*models.TaskRun, error) {
	var runs []*models.TaskRun
	err := r.q.SelectContext(ctx, &runs, `
		SELECT * FROM task_runs
		WHERE pipeline_run_id = $1
		ORDER BY created_at ASC, attempt ASC`, pipelineRunID)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", pipelineRunID, err)
	}
	return runs, nil
}

// ListFilter narrows the run listing endpoint.
type ListFilter struct {
	TaskID string
	Status models.TaskRunStatus
	Limit  int
	Offset int
}

// List returns runs matching the filter, newest first.
func (r *RunRepository) List(ctx context.Context, f ListFilter) ([]*models.TaskRun, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	query := `SELECT * FROM task_runs WHERE 1=1`
	args := []any{}
	if f.TaskID != "" {
		args = append(args, f.TaskID)
		query += fmt.Sprintf(" AND task_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var runs []*models.TaskRun
	if err := r.q.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ClaimReady selects up to limit dispatchable runs in priority order,
// skipping tasks whose per-task in-flight count has reached its concurrency
// cap. Must run inside a transaction: FOR UPDATE SKIP LOCKED is what keeps a
// second claimer from seeing the same rows.
func (r *RunRepository) ClaimReady(ctx context.Context, limit int) ([]*models.TaskRun, error) {
	var runs []*models.TaskRun
	err := r.q.SelectContext(ctx, &runs, `
		WITH in_flight AS (
			SELECT task_id, COUNT(*) AS n
			FROM task_runs
			WHERE status = 'running'
			GROUP BY task_id
		)
		SELECT tr.*
		FROM task_runs tr
		JOIN tasks t ON t.id = tr.task_id
		LEFT JOIN in_flight f ON f.task_id = tr.task_id
		WHERE tr.status = 'pending'
		  AND tr.scheduled_at <= NOW()
		  AND (t.concurrency = 0 OR COALESCE(f.n, 0) < t.concurrency)
		ORDER BY tr.priority ASC, tr.scheduled_at ASC, tr.created_at ASC
		LIMIT $1
		FOR UPDATE OF tr SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim ready runs: %w", err)
	}
	return runs, nil
}

// MarkRunning transitions pending -> running after a successful dispatch.
func (r *RunRepository) MarkRunning(ctx context.Context, id string) (bool, error) {
	return r.guarded(ctx, `
		UPDATE task_runs
		SET status = 'running', started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
}

// MarkDispatchFailed transitions pending -> failed when the worker POST
// does not succeed; the failure then feeds the retry/DLQ path.
func (r *RunRepository) MarkDispatchFailed(ctx context.Context, id, errMsg, errCode string) (bool, error) {
	return r.guarded(ctx, `
		UPDATE task_runs
		SET status = 'failed', error = $2, error_code = $3,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, errMsg, errCode)
}

// CompleteSuccess transitions running -> completed with the worker's result.
func (r *RunRepository) CompleteSuccess(ctx context.Context, id string, outputPath *string, outputSize *int64, assets models.AssetMap, logsPath *string, selectedNext models.StringSlice) (bool, error) {
	return r.guarded(ctx, `
		UPDATE task_runs
		SET status = 'completed', output_path = $2, output_size = $3,
		    assets = $4, logs_path = $5, selected_next = $6,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		id, outputPath, outputSize, assets, logsPath, selectedNext)
}

// CompleteFailure transitions running -> failed with the worker's error.
func (r *RunRepository) CompleteFailure(ctx context.Context, id, errMsg string, errCode *string, logsPath *string) (bool, error) {
	return r.guarded(ctx, `
		UPDATE task_runs
		SET status = 'failed', error = $2, error_code = $3, logs_path = $4,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`, id, errMsg, errCode, logsPath)
}

// Heartbeat refreshes heartbeat_at and merges progress metadata, only while
// the run is still running.
func (r *RunRepository) Heartbeat(ctx context.Context, id string, progress models.JSONMap) (bool, error) {
	return r.guarded(ctx, `
		UPDATE task_runs
		SET heartbeat_at = NOW(),
		    metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($2, '{}'::jsonb),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running'`, id, progress)
}

// MarkTimedOut sweeps running rows whose heartbeat is older than twice the
// task's heartbeat interval and marks them timeout. Returns the affected
// runs so the caller can feed each into the retry/DLQ path.
func (r *RunRepository) MarkTimedOut(ctx context.Context) ([]*models.TaskRun, error) {
	var runs []*models.TaskRun
	err := r.q.SelectContext(ctx, &runs, `
		UPDATE task_runs tr
		SET status = 'timeout', error = 'heartbeat missed', error_code = $1,
		    completed_at = NOW(), updated_at = NOW()
		FROM tasks t
		WHERE t.id = tr.task_id
		  AND tr.status = 'running'
		  AND COALESCE(tr.heartbeat_at, tr.started_at) <
		      NOW() - (t.heartbeat_interval_ms * 2) * INTERVAL '1 millisecond'
		RETURNING tr.*`, "HEARTBEAT_TIMEOUT")
	if err != nil {
		return nil, fmt.Errorf("mark timed out runs: %w", err)
	}
	return runs, nil
}

// PromoteWaiting transitions waiting -> pending once upstream fan-in is
// satisfied, making the run claimable immediately.
func (r *RunRepository) PromoteWaiting(ctx context.Context, id string) (bool, error) {
	return r.guarded(ctx, `
		UPDATE task_runs
		SET status = 'pending', scheduled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'waiting'`, id)
}

// CancelWaiting transitions waiting -> cancelled for one run whose fan-in
// can no longer be satisfied.
func (r *RunRepository) CancelWaiting(ctx context.Context, id string) (bool, error) {
	return r.guarded(ctx, `
		UPDATE task_runs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'waiting'`, id)
}

// CancelNonTerminal cancels every live attempt of a pipeline run and returns
// how many rows changed.
func (r *RunRepository) CancelNonTerminal(ctx context.Context, pipelineRunID string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE task_runs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE pipeline_run_id = $1
		  AND status IN ('pending', 'waiting', 'running')`, pipelineRunID)
	if err != nil {
		return 0, fmt.Errorf("cancel runs for %s: %w", pipelineRunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// CancelPendingByTask cancels pending attempts of one task id; used when a
// registration orphans the task.
func (r *RunRepository) CancelPendingByTask(ctx context.Context, taskID string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE task_runs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE task_id = $1 AND status IN ('pending', 'waiting')`, taskID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending for task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// CountByStatus returns the global run counts per status.
func (r *RunRepository) CountByStatus(ctx context.Context) (map[models.TaskRunStatus]int, error) {
	rows := []struct {
		Status models.TaskRunStatus `db:"status"`
		N      int                  `db:"n"`
	}{}
	err := r.q.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM task_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs by status: %w", err)
	}
	out := make(map[models.TaskRunStatus]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

// CountLive returns pending+running counts; the maintenance drain check.
func (r *RunRepository) CountLive(ctx context.Context) (pending, running int, err error) {
	row := struct {
		Pending int `db:"pending"`
		Running int `db:"running"`
	}{}
	err = r.q.GetContext(ctx, &row, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'running') AS running
		FROM task_runs`)
	if err != nil {
		return 0, 0, fmt.Errorf("count live runs: %w", err)
	}
	return row.Pending, row.Running, nil
}

// CountRunningGlobal returns the number of running attempts.
func (r *RunRepository) CountRunningGlobal(ctx context.Context) (int, error) {
	var n int
	if err := r.q.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM task_runs WHERE status = 'running'`); err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// PreviousAttempts returns the earlier failed attempts of the same logical
// work item (same task within the same pipeline run, or the same
// idempotency key for standalone runs), oldest first.
func (r *RunRepository) PreviousAttempts(ctx context.Context, run *models.TaskRun) ([]models.PreviousAttempt, error) {
	var rows []*models.TaskRun
	var err error
	switch {
	case run.PipelineRunID != nil:
		err = r.q.SelectContext(ctx, &rows, `
			SELECT * FROM task_runs
			WHERE task_id = $1 AND pipeline_run_id = $2 AND attempt < $3
			ORDER BY attempt ASC`, run.TaskID, *run.PipelineRunID, run.Attempt)
	case run.IdempotencyKey != nil:
		err = r.q.SelectContext(ctx, &rows, `
			SELECT * FROM task_runs
			WHERE task_id = $1 AND pipeline_run_id IS NULL
			  AND idempotency_key = $2 AND attempt < $3
			ORDER BY attempt ASC`, run.TaskID, *run.IdempotencyKey, run.Attempt)
	default:
		err = r.q.SelectContext(ctx, &rows, `
			SELECT * FROM task_runs
			WHERE task_id = $1 AND pipeline_run_id IS NULL
			  AND idempotency_key IS NULL AND attempt < $2 AND id <> $3
			ORDER BY attempt ASC`, run.TaskID, run.Attempt, run.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("previous attempts for %s: %w", run.ID, err)
	}
	attempts := make([]models.PreviousAttempt, 0, len(rows))
	for _, row := range rows {
		pa := models.PreviousAttempt{Attempt: row.Attempt}
		if row.Error != nil {
			pa.Error = *row.Error
		}
		if row.ErrorCode != nil {
			pa.ErrorCode = *row.ErrorCode
		}
		if row.CompletedAt != nil {
			pa.Timestamp = *row.CompletedAt
		} else {
			pa.Timestamp = row.CreatedAt
		}
		attempts = append(attempts, pa)
	}
	return attempts, nil
}

// LatestForPipelineTask returns the newest attempt of a task inside a
// pipeline run, or ErrNotFound when the task was never enqueued there.
func (r *RunRepository) LatestForPipelineTask(ctx context.Context, pipelineRunID, taskID string) (*models.TaskRun, error) {
	var run models.TaskRun
	err := r.q.GetContext(ctx, &run, `
		SELECT * FROM task_runs
		WHERE pipeline_run_id = $1 AND task_id = $2
		ORDER BY attempt DESC LIMIT 1`, pipelineRunID, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest attempt of %s in %s: %w", taskID, pipelineRunID, err)
	}
	return &run, nil
}

// OldestPendingSince returns the scheduled_at of the oldest pending run, or
// nil when the queue is empty. Feeds the realtime queue stats.
func (r *RunRepository) OldestPendingSince(ctx context.Context) (*time.Time, error) {
	var ts sql.NullTime
	err := r.q.GetContext(ctx, &ts,
		`SELECT MIN(scheduled_at) FROM task_runs WHERE status = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("oldest pending: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

func (r *RunRepository) guarded(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("guarded update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
