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

	"github.com/taskline/taskline/pkg/models"
)

// PipelineRepository persists pipeline definitions and pipeline runs.
type PipelineRepository struct {
	q Querier
}

// Upsert stores a pipeline definition.
func (r *PipelineRepository) Upsert(ctx context.Context, p *models.Pipeline) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, entry_task_ids, pipeline_version, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			entry_task_ids = EXCLUDED.entry_task_ids,
			pipeline_version = EXCLUDED.pipeline_version,
			description = EXCLUDED.description,
			updated_at = NOW()`,
		p.ID, p.Name, p.EntryTaskIDs, p.PipelineVersion, p.Description)
	if err != nil {
		return fmt.Errorf("upsert pipeline %s: %w", p.ID, err)
	}
	return nil
}

// Get returns one pipeline definition.
func (r *PipelineRepository) Get(ctx context.Context, id string) (*models.Pipeline, error) {
	var p models.Pipeline
	err := r.q.GetContext(ctx, &p, `SELECT * FROM pipelines WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	return &p, nil
}

// List returns all pipeline definitions ordered by id.
func (r *PipelineRepository) List(ctx context.Context) ([]*models.Pipeline, error) {
	var ps []*models.Pipeline
	if err := r.q.SelectContext(ctx, &ps, `SELECT * FROM pipelines ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return ps, nil
}

// InsertRun creates a pipeline run row.
func (r *PipelineRepository) InsertRun(ctx context.Context, run *models.PipelineRun) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pipeline_runs (
			id, pipeline_id, status, failure_mode, input_path,
			structure_snapshot, pipeline_version, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		run.ID, run.PipelineID, run.Status, run.FailureMode, run.InputPath,
		run.Snapshot, run.PipelineVersion, run.Metadata)
	if err != nil {
		return fmt.Errorf("insert pipeline run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns one pipeline run.
func (r *PipelineRepository) GetRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := r.q.GetContext(ctx, &run, `SELECT * FROM pipeline_runs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pipeline run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns pipeline runs, newest first.
func (r *PipelineRepository) ListRuns(ctx context.Context, pipelineID string, limit, offset int) ([]*models.PipelineRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var runs []*models.PipelineRun
	var err error
	if pipelineID != "" {
		err = r.q.SelectContext(ctx, &runs, `
			SELECT * FROM pipeline_runs WHERE pipeline_id = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`, pipelineID, limit, offset)
	} else {
		err = r.q.SelectContext(ctx, &runs, `
			SELECT * FROM pipeline_runs
			ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	return runs, nil
}

// LockRun takes the pipeline run's row lock for the duration of the current
// transaction. Fan-out decisions for one pipeline run must serialize on it:
// two concurrent completions that both read the run set before either writes
// could otherwise each conclude a shared successor has no run yet.
func (r *PipelineRepository) LockRun(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx,
		`SELECT id FROM pipeline_runs WHERE id = $1 FOR UPDATE`, id); err != nil {
		return fmt.Errorf("lock pipeline run %s: %w", id, err)
	}
	return nil
}

// MarkRunRunning promotes pending -> running when the first task starts.
// Losing the guard is fine: it just means another dispatch got there first.
func (r *PipelineRepository) MarkRunRunning(ctx context.Context, id string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("mark pipeline run running %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// FinishRun moves a live pipeline run to a terminal status.
func (r *PipelineRepository) FinishRun(ctx context.Context, id string, status models.PipelineRunStatus, errMsg *string, outputPath *string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = $2, error = $3, output_path = $4,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')`,
		id, status, errMsg, outputPath)
	if err != nil {
		return false, fmt.Errorf("finish pipeline run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
