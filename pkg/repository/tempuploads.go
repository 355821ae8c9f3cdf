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

// TempUploadRepository persists pre-trigger upload records.
type TempUploadRepository struct {
	q Querier
}

// Insert records a fresh upload.
func (r *TempUploadRepository) Insert(ctx context.Context, u *models.TempUpload) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO temp_uploads (
			id, storage_path, storage_backend_id, original_filename,
			mime_type, size_bytes, uploaded_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)`,
		u.ID, u.StoragePath, u.StorageBackendID, u.OriginalFilename,
		u.MimeType, u.SizeBytes, u.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert temp upload %s: %w", u.ID, err)
	}
	return nil
}

// Get returns one upload record.
func (r *TempUploadRepository) Get(ctx context.Context, id string) (*models.TempUpload, error) {
	var u models.TempUpload
	err := r.q.GetContext(ctx, &u, `SELECT * FROM temp_uploads WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get temp upload %s: %w", id, err)
	}
	return &u, nil
}

// Claim marks an upload as owned by a run. The conditional WHERE guarantees
// at-most-one claim; claiming an already-claimed or deleted upload is a
// silent no-op and the method reports whether this caller won.
func (r *TempUploadRepository) Claim(ctx context.Context, id, runID string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE temp_uploads
		SET claimed_by_run_id = $2
		WHERE id = $1 AND claimed_by_run_id IS NULL AND deleted_at IS NULL`,
		id, runID)
	if err != nil {
		return false, fmt.Errorf("claim temp upload %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ExpiredUnclaimed returns up to limit uploads whose blobs are due for
// deletion.
func (r *TempUploadRepository) ExpiredUnclaimed(ctx context.Context, limit int) ([]*models.TempUpload, error) {
	var ups []*models.TempUpload
	err := r.q.SelectContext(ctx, &ups, `
		SELECT * FROM temp_uploads
		WHERE expires_at < NOW() AND claimed_by_run_id IS NULL AND deleted_at IS NULL
		ORDER BY expires_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired uploads: %w", err)
	}
	return ups, nil
}

// MarkDeleted stamps deleted_at once the blob is gone.
func (r *TempUploadRepository) MarkDeleted(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE temp_uploads SET deleted_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark temp upload deleted %s: %w", id, err)
	}
	return nil
}

// Archive removes rows deleted before the cutoff.
func (r *TempUploadRepository) Archive(ctx context.Context, deletedBefore time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM temp_uploads WHERE deleted_at IS NOT NULL AND deleted_at < $1`,
		deletedBefore)
	if err != nil {
		return 0, fmt.Errorf("archive temp uploads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
