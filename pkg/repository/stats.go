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

// StatsRepository persists statistics buckets and serves the windowed run
// scans the aggregator builds them from.
type StatsRepository struct {
	q Querier
}

// GetBucket returns one bucket row, or ErrNotFound.
func (r *StatsRepository) GetBucket(ctx context.Context, ts time.Time, size models.BucketSize, scope models.StatsScope, scopeID string) (*models.StatisticsBucket, error) {
	var b models.StatisticsBucket
	err := r.q.GetContext(ctx, &b, `
		SELECT * FROM statistics_buckets
		WHERE bucket_timestamp = $1 AND bucket_size = $2 AND scope = $3 AND scope_id = $4`,
		ts, size, scope, scopeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get bucket: %w", err)
	}
	return &b, nil
}

// UpsertBucket stores one built bucket.
func (r *StatsRepository) UpsertBucket(ctx context.Context, b *models.StatisticsBucket) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO statistics_buckets (
			bucket_timestamp, bucket_size, scope, scope_id, payload,
			is_complete, last_built_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (bucket_timestamp, bucket_size, scope, scope_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			is_complete = EXCLUDED.is_complete,
			last_built_at = NOW()`,
		b.BucketTimestamp, b.BucketSize, b.Scope, b.ScopeID, b.Payload, b.IsComplete)
	if err != nil {
		return fmt.Errorf("upsert bucket: %w", err)
	}
	return nil
}

// TaskRunsInWindow returns runs created within [from, to) narrowed to the
// given scope. System scope scans everything; service scope joins through
// task ownership; pipeline scope joins through the owning pipeline run.
func (r *StatsRepository) TaskRunsInWindow(ctx context.Context, from, to time.Time, scope models.StatsScope, scopeID string) ([]*models.TaskRun, error) {
	var runs []*models.TaskRun
	var err error
	switch scope {
	case models.ScopeSystem:
		err = r.q.SelectContext(ctx, &runs, `
			SELECT * FROM task_runs
			WHERE created_at >= $1 AND created_at < $2`, from, to)
	case models.ScopeTask:
		err = r.q.SelectContext(ctx, &runs, `
			SELECT * FROM task_runs
			WHERE created_at >= $1 AND created_at < $2 AND task_id = $3`,
			from, to, scopeID)
	case models.ScopeService:
		err = r.q.SelectContext(ctx, &runs, `
			SELECT tr.* FROM task_runs tr
			JOIN tasks t ON t.id = tr.task_id
			WHERE tr.created_at >= $1 AND tr.created_at < $2 AND t.service_id = $3`,
			from, to, scopeID)
	case models.ScopePipeline:
		err = r.q.SelectContext(ctx, &runs, `
			SELECT tr.* FROM task_runs tr
			JOIN pipeline_runs pr ON pr.id = tr.pipeline_run_id
			WHERE tr.created_at >= $1 AND tr.created_at < $2 AND pr.pipeline_id = $3`,
			from, to, scopeID)
	default:
		return nil, fmt.Errorf("unknown stats scope %q", scope)
	}
	if err != nil {
		return nil, fmt.Errorf("task runs in window: %w", err)
	}
	return runs, nil
}

// PipelineRunsInWindow returns pipeline runs created within [from, to),
// optionally narrowed to one pipeline definition.
func (r *StatsRepository) PipelineRunsInWindow(ctx context.Context, from, to time.Time, pipelineID string) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	var err error
	if pipelineID != "" {
		err = r.q.SelectContext(ctx, &runs, `
			SELECT * FROM pipeline_runs
			WHERE created_at >= $1 AND created_at < $2 AND pipeline_id = $3`,
			from, to, pipelineID)
	} else {
		err = r.q.SelectContext(ctx, &runs, `
			SELECT * FROM pipeline_runs
			WHERE created_at >= $1 AND created_at < $2`, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline runs in window: %w", err)
	}
	return runs, nil
}

// QueueDepthAt reconstructs pending/running depths as of the instant t from
// the run timeline. Exact for running; pending is approximated for rows that
// later left the queue through cancellation.
func (r *StatsRepository) QueueDepthAt(ctx context.Context, t time.Time) (pending, running int, err error) {
	row := struct {
		Pending int `db:"pending"`
		Running int `db:"running"`
	}{}
	err = r.q.GetContext(ctx, &row, `
		SELECT
			COUNT(*) FILTER (
				WHERE created_at <= $1
				  AND (started_at IS NULL OR started_at > $1)
				  AND (completed_at IS NULL OR completed_at > $1)
			) AS pending,
			COUNT(*) FILTER (
				WHERE started_at IS NOT NULL AND started_at <= $1
				  AND (completed_at IS NULL OR completed_at > $1)
			) AS running
		FROM task_runs`, t)
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth at %s: %w", t, err)
	}
	return row.Pending, row.Running, nil
}

// QueueBreakdownRow is the per-task slice of the realtime queue stats.
type QueueBreakdownRow struct {
	TaskID      string     `db:"task_id" json:"taskId"`
	Pending     int        `db:"pending" json:"pending"`
	Running     int        `db:"running" json:"running"`
	Waiting     int        `db:"waiting" json:"waiting"`
	OldestSince *time.Time `db:"oldest_since" json:"oldestSince,omitempty"`
}

// QueueBreakdown returns live depths per task with the oldest pending wait.
func (r *StatsRepository) QueueBreakdown(ctx context.Context) ([]QueueBreakdownRow, error) {
	var rows []QueueBreakdownRow
	err := r.q.SelectContext(ctx, &rows, `
		SELECT task_id,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'running') AS running,
			COUNT(*) FILTER (WHERE status = 'waiting') AS waiting,
			MIN(scheduled_at) FILTER (WHERE status = 'pending') AS oldest_since
		FROM task_runs
		WHERE status IN ('pending', 'running', 'waiting')
		GROUP BY task_id
		ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("queue breakdown: %w", err)
	}
	return rows, nil
}

// AverageWaitSince returns the mean started-created wait in milliseconds for
// runs started after the cutoff, or nil when none started.
func (r *StatsRepository) AverageWaitSince(ctx context.Context, cutoff time.Time) (*float64, error) {
	var avg sql.NullFloat64
	err := r.q.GetContext(ctx, &avg, `
		SELECT AVG(EXTRACT(EPOCH FROM (started_at - created_at)) * 1000)
		FROM task_runs
		WHERE started_at IS NOT NULL AND started_at >= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("average wait: %w", err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}
