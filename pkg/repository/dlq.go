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

// DLQRepository persists exhausted failures. Append only except for the
// retried_at stamp and retention purge.
type DLQRepository struct {
	q Querier
}

// Insert appends one dead-letter item.
func (r *DLQRepository) Insert(ctx context.Context, item *models.DLQItem) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO dlq_items (
			id, task_run_id, task_id, pipeline_run_id, code_version,
			code_hash, error, attempts, input_path, failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		item.ID, item.TaskRunID, item.TaskID, item.PipelineRunID,
		item.CodeVersion, item.CodeHash, item.Error, item.Attempts, item.InputPath)
	if err != nil {
		return fmt.Errorf("insert dlq item %s: %w", item.ID, err)
	}
	return nil
}

// Get returns one dead-letter item.
func (r *DLQRepository) Get(ctx context.Context, id string) (*models.DLQItem, error) {
	var item models.DLQItem
	err := r.q.GetContext(ctx, &item, `SELECT * FROM dlq_items WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dlq item %s: %w", id, err)
	}
	return &item, nil
}

// DLQFilter narrows dead-letter listings.
type DLQFilter struct {
	TaskID        string
	PipelineRunID string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

// List returns dead-letter items matching the filter, newest failures first.
func (r *DLQRepository) List(ctx context.Context, f DLQFilter) ([]*models.DLQItem, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	query := `SELECT * FROM dlq_items WHERE 1=1`
	args := []any{}
	if f.TaskID != "" {
		args = append(args, f.TaskID)
		query += fmt.Sprintf(" AND task_id = $%d", len(args))
	}
	if f.PipelineRunID != "" {
		args = append(args, f.PipelineRunID)
		query += fmt.Sprintf(" AND pipeline_run_id = $%d", len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += fmt.Sprintf(" AND failed_at >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += fmt.Sprintf(" AND failed_at < $%d", len(args))
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY failed_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var items []*models.DLQItem
	if err := r.q.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list dlq items: %w", err)
	}
	return items, nil
}

// MarkRetried stamps retried_at after a manual replay.
func (r *DLQRepository) MarkRetried(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE dlq_items SET retried_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark dlq retried %s: %w", id, err)
	}
	return nil
}

// Purge deletes items whose failure predates the retention cutoff.
func (r *DLQRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM dlq_items WHERE failed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge dlq: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// CountSince reports inserts in [from, to); the statistics DLQ delta.
func (r *DLQRepository) CountSince(ctx context.Context, from, to time.Time, taskID string) (int, error) {
	var n int
	var err error
	if taskID != "" {
		err = r.q.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM dlq_items WHERE failed_at >= $1 AND failed_at < $2 AND task_id = $3`,
			from, to, taskID)
	} else {
		err = r.q.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM dlq_items WHERE failed_at >= $1 AND failed_at < $2`, from, to)
	}
	if err != nil {
		return 0, fmt.Errorf("count dlq since: %w", err)
	}
	return n, nil
}
