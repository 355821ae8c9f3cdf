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
	"fmt"

	"github.com/taskline/taskline/pkg/models"
)

// singletonID keys the one orchestrator_state row.
const singletonID = "singleton"

// StateRepository persists the process-wide orchestrator state singleton.
type StateRepository struct {
	q Querier
}

// Get returns the singleton row, seeding it lazily on first access.
func (r *StateRepository) Get(ctx context.Context) (*models.OrchestratorState, error) {
	var st models.OrchestratorState
	err := r.q.GetContext(ctx, &st, `
		INSERT INTO orchestrator_state (id, mode, mode_changed_at)
		VALUES ($1, 'running', NOW())
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING *`, singletonID)
	if err != nil {
		return nil, fmt.Errorf("get orchestrator state: %w", err)
	}
	return &st, nil
}

// TransitionMode performs a guarded mode change. Returns false when the row
// was not in the expected mode, which callers surface as a conflict.
func (r *StateRepository) TransitionMode(ctx context.Context, from, to models.OrchestratorMode) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE orchestrator_state
		SET mode = $3, mode_changed_at = NOW()
		WHERE id = $1 AND mode = $2`, singletonID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition mode %s -> %s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateCounts refreshes the advisory pending/running counters stored on the
// singleton; purely informational for operators.
func (r *StateRepository) UpdateCounts(ctx context.Context, pending, running int) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE orchestrator_state
		SET pending_tasks_count = $2, running_tasks_count = $3
		WHERE id = $1`, singletonID, pending, running)
	if err != nil {
		return fmt.Errorf("update state counts: %w", err)
	}
	return nil
}
