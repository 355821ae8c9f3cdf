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

// IdempotencyRepository persists cached successful outputs.
type IdempotencyRepository struct {
	q Querier
}

// Lookup returns a live entry for (key, taskID, codeVersion), or ErrNotFound.
// Expired or version-mismatched rows are misses by definition.
func (r *IdempotencyRepository) Lookup(ctx context.Context, key, taskID string, codeVersion int) (*models.IdempotencyEntry, error) {
	var e models.IdempotencyEntry
	err := r.q.GetContext(ctx, &e, `
		SELECT * FROM idempotency_cache
		WHERE key = $1 AND task_id = $2 AND code_version = $3 AND expires_at > NOW()`,
		key, taskID, codeVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return &e, nil
}

// Upsert stores a cached result. A concurrent insert for the same key wins
// silently: both attempts produced a valid output and either is acceptable.
func (r *IdempotencyRepository) Upsert(ctx context.Context, e *models.IdempotencyEntry) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO idempotency_cache (
			key, task_id, code_version, output_path, output_size, assets,
			originating_run_id, inserted_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8)
		ON CONFLICT (key) DO UPDATE SET
			code_version = EXCLUDED.code_version,
			output_path = EXCLUDED.output_path,
			output_size = EXCLUDED.output_size,
			assets = EXCLUDED.assets,
			originating_run_id = EXCLUDED.originating_run_id,
			inserted_at = NOW(),
			expires_at = EXCLUDED.expires_at`,
		e.Key, e.TaskID, e.CodeVersion, e.OutputPath, e.OutputSize, e.Assets,
		e.OriginatingRunID, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("idempotency upsert: %w", err)
	}
	return nil
}

// DeleteExpired removes rows whose expiry predates now. Housekeeping.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM idempotency_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
