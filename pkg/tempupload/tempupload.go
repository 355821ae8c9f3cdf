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

// Package tempupload manages blobs uploaded ahead of a trigger. An upload
// lives unclaimed until a dispatch finds its id inside an input; unclaimed
// blobs are deleted at expiry and the rows archived later.
package tempupload

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/objectstore"
	"github.com/taskline/taskline/pkg/repository"
)

// Options tune the cleanup sweeps.
type Options struct {
	CleanupInterval time.Duration
	DefaultTTL      time.Duration
	ArchiveAfter    time.Duration
	BatchSize       int
	BackendID       string
}

// Manager owns upload creation and the two cleanup sweeps.
type Manager struct {
	store  *repository.Store
	blobs  objectstore.Store
	opts   Options
	clock  ident.Clock
	logger *zap.Logger
}

func NewManager(store *repository.Store, blobs objectstore.Store, opts Options, clock ident.Clock, logger *zap.Logger) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	return &Manager{store: store, blobs: blobs, opts: opts, clock: clock, logger: logger}
}

// Create stores the blob and its record, returning the upload.
func (m *Manager) Create(ctx context.Context, filename, mimeType string, data []byte) (*models.TempUpload, error) {
	id := ident.NewID(ident.PrefixTempUpload)
	path := objectstore.TempUploadPath(id, filename)
	if err := m.blobs.Put(ctx, path, data); err != nil {
		return nil, err
	}
	upload := &models.TempUpload{
		ID:               id,
		StoragePath:      path,
		StorageBackendID: m.opts.BackendID,
		OriginalFilename: filename,
		MimeType:         mimeType,
		SizeBytes:        int64(len(data)),
		ExpiresAt:        m.clock.Now().Add(m.opts.DefaultTTL),
	}
	if err := m.store.TempUploads.Insert(ctx, upload); err != nil {
		// Orphaned blob; the expiry sweep will never see it, so remove now.
		_ = m.blobs.Delete(ctx, path)
		return nil, err
	}
	m.logger.Debug("temp upload created",
		zap.String("upload_id", id),
		zap.String("filename", filename),
		zap.Int64("size", upload.SizeBytes),
	)
	return upload, nil
}

// Get returns one upload record.
func (m *Manager) Get(ctx context.Context, id string) (*models.TempUpload, error) {
	return m.store.TempUploads.Get(ctx, id)
}

// SweepExpired deletes the blobs of expired unclaimed uploads, batch
// bounded. A blob that fails to delete is logged and skipped; the row keeps
// its null deletedAt and the next sweep retries it.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	uploads, err := m.store.TempUploads.ExpiredUnclaimed(ctx, m.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, u := range uploads {
		if err := m.blobs.Delete(ctx, u.StoragePath); err != nil {
			m.logger.Warn("expired upload blob delete failed",
				zap.String("upload_id", u.ID),
				zap.String("path", u.StoragePath),
				zap.Error(err),
			)
			continue
		}
		if err := m.store.TempUploads.MarkDeleted(ctx, u.ID); err != nil {
			m.logger.Error("upload delete stamp failed",
				zap.String("upload_id", u.ID), zap.Error(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info("expired temp uploads cleaned", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

// SweepArchive drops rows whose blobs were deleted before the archive
// window.
func (m *Manager) SweepArchive(ctx context.Context) (int64, error) {
	if m.opts.ArchiveAfter <= 0 {
		return 0, nil
	}
	cutoff := m.clock.Now().Add(-m.opts.ArchiveAfter)
	n, err := m.store.TempUploads.Archive(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("temp upload rows archived", zap.Int64("rows", n))
	}
	return n, nil
}

// RunCleanup runs both sweeps on the cleanup cadence until ctx is cancelled.
func (m *Manager) RunCleanup(ctx context.Context) {
	interval := m.opts.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				m.logger.Error("expired upload sweep failed", zap.Error(err))
			}
			if _, err := m.SweepArchive(ctx); err != nil {
				m.logger.Error("upload archive sweep failed", zap.Error(err))
			}
		}
	}
}
