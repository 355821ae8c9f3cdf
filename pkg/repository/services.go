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

// ErrNotFound is returned by lookups for missing rows.
var ErrNotFound = errors.New("repository: not found")

// ServiceRepository persists registered worker services.
type ServiceRepository struct {
	q Querier
}

// Upsert registers or refreshes a service row, bumping last_seen_at.
func (r *ServiceRepository) Upsert(ctx context.Context, id, version, baseURL string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO services (id, version, base_url, registered_at, last_seen_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET version = EXCLUDED.version,
		    base_url = EXCLUDED.base_url,
		    last_seen_at = NOW()`,
		id, version, baseURL)
	if err != nil {
		return fmt.Errorf("upsert service %s: %w", id, err)
	}
	return nil
}

// Get returns one service by id.
func (r *ServiceRepository) Get(ctx context.Context, id string) (*models.Service, error) {
	var svc models.Service
	err := r.q.GetContext(ctx, &svc,
		`SELECT * FROM services WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service %s: %w", id, err)
	}
	return &svc, nil
}

// List returns all services ordered by id.
func (r *ServiceRepository) List(ctx context.Context) ([]*models.Service, error) {
	var svcs []*models.Service
	if err := r.q.SelectContext(ctx, &svcs, `SELECT * FROM services ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return svcs, nil
}
