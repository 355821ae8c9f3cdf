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

// TaskRepository persists task definitions and their code history.
type TaskRepository struct {
	q Querier
}

// Get returns one task definition by id.
func (r *TaskRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	err := r.q.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// GetMany returns the definitions for the given ids, keyed by id. Missing
// ids are simply absent from the result; the caller decides whether that is
// an error.
func (r *TaskRepository) GetMany(ctx context.Context, ids []string) (map[string]*models.Task, error) {
	out := make(map[string]*models.Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlxIn(`SELECT * FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	query = r.q.Rebind(query)
	var tasks []*models.Task
	if err := r.q.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	for _, t := range tasks {
		out[t.ID] = t
	}
	return out, nil
}

// ListByService returns every task owned by a service.
func (r *TaskRepository) ListByService(ctx context.Context, serviceID string) ([]*models.Task, error) {
	var tasks []*models.Task
	err := r.q.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE service_id = $1 ORDER BY id`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for service %s: %w", serviceID, err)
	}
	return tasks, nil
}

// Upsert inserts or updates a task definition. The caller has already
// decided the code version; this method writes exactly what it is given.
func (r *TaskRepository) Upsert(ctx context.Context, t *models.Task) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tasks (
			id, service_id, code_hash, code_version, allowed_next,
			timeout_seconds, retries, retry_backoff, retry_delay_ms,
			max_retry_delay_ms, heartbeat_interval_ms, concurrency, priority,
			idempotency_ttl_seconds, fatal_code_prefixes, input_schema,
			description, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			service_id = EXCLUDED.service_id,
			code_hash = EXCLUDED.code_hash,
			code_version = EXCLUDED.code_version,
			allowed_next = EXCLUDED.allowed_next,
			timeout_seconds = EXCLUDED.timeout_seconds,
			retries = EXCLUDED.retries,
			retry_backoff = EXCLUDED.retry_backoff,
			retry_delay_ms = EXCLUDED.retry_delay_ms,
			max_retry_delay_ms = EXCLUDED.max_retry_delay_ms,
			heartbeat_interval_ms = EXCLUDED.heartbeat_interval_ms,
			concurrency = EXCLUDED.concurrency,
			priority = EXCLUDED.priority,
			idempotency_ttl_seconds = EXCLUDED.idempotency_ttl_seconds,
			fatal_code_prefixes = EXCLUDED.fatal_code_prefixes,
			input_schema = EXCLUDED.input_schema,
			description = EXCLUDED.description,
			updated_at = NOW()`,
		t.ID, t.ServiceID, t.CodeHash, t.CodeVersion, t.AllowedNext,
		t.TimeoutSeconds, t.Retries, t.RetryBackoff, t.RetryDelayMs,
		t.MaxRetryDelayMs, t.HeartbeatIntervalMs, t.Concurrency, t.Priority,
		t.IdempotencyTTLSecs, t.FatalCodePrefixes, t.InputSchema, t.Description)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// AppendCodeHistory records one code hash change. Append only.
func (r *TaskRepository) AppendCodeHistory(ctx context.Context, h *models.TaskCodeHistory) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO task_code_history (task_id, code_version, code_hash, service_version, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		h.TaskID, h.CodeVersion, h.CodeHash, h.ServiceVersion)
	if err != nil {
		return fmt.Errorf("append code history for %s: %w", h.TaskID, err)
	}
	return nil
}

// CodeHistory returns a task's code history, newest first.
func (r *TaskRepository) CodeHistory(ctx context.Context, taskID string) ([]*models.TaskCodeHistory, error) {
	var hist []*models.TaskCodeHistory
	err := r.q.SelectContext(ctx, &hist, `
		SELECT * FROM task_code_history
		WHERE task_id = $1 ORDER BY code_version DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("code history for %s: %w", taskID, err)
	}
	return hist, nil
}
