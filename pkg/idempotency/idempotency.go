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

// Package idempotency caches successful task outputs keyed by a caller-chosen
// key. A hit short-circuits execution entirely: the new run is inserted
// already completed, pointing at the cached output, and no worker dispatch
// happens.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/cache"
	"github.com/taskline/taskline/pkg/metrics"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/repository"
)

// Key derives the storage key: SHA-256 over "taskId:userKey", hex encoded.
// Hashing keeps arbitrary user keys out of indexes and bounds their length.
func Key(taskID, userKey string) string {
	sum := sha256.Sum256([]byte(taskID + ":" + userKey))
	return hex.EncodeToString(sum[:])
}

// Manager fronts the idempotency_cache table with an optional Redis tier.
type Manager struct {
	store   *repository.Store
	cache   *cache.Cache
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewManager builds a Manager. cache may be nil.
func NewManager(store *repository.Store, c *cache.Cache, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{store: store, cache: c, metrics: m, logger: logger}
}

// Lookup returns the live cached entry for (task, userKey), or nil on a miss.
// A hit requires the stored codeVersion to match the task's current one;
// stale-version rows are misses so redeployed code always re-executes.
func (m *Manager) Lookup(ctx context.Context, task *models.Task, userKey string) (*models.IdempotencyEntry, error) {
	key := Key(task.ID, userKey)

	if raw, err := m.cache.Get(ctx, redisKey(key)); err == nil {
		var e models.IdempotencyEntry
		if err := json.Unmarshal(raw, &e); err == nil &&
			e.CodeVersion == task.CodeVersion && e.ExpiresAt.After(time.Now()) {
			m.metrics.CacheHits.WithLabelValues("idempotency").Inc()
			return &e, nil
		}
	}
	m.metrics.CacheMisses.WithLabelValues("idempotency").Inc()

	e, err := m.store.Idempotency.Lookup(ctx, key, task.ID, task.CodeVersion)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	m.populateRedis(ctx, e)
	return e, nil
}

// CacheResult stores a successful run's output under the run's idempotency
// key. No-op for runs without a key or tasks with a zero TTL.
func (m *Manager) CacheResult(ctx context.Context, task *models.Task, run *models.TaskRun) error {
	if run.IdempotencyKey == nil || task.IdempotencyTTLSecs <= 0 {
		return nil
	}
	if run.OutputPath == nil {
		return nil
	}
	e := &models.IdempotencyEntry{
		Key:              *run.IdempotencyKey,
		TaskID:           task.ID,
		CodeVersion:      run.CodeVersion,
		OutputPath:       *run.OutputPath,
		OutputSize:       run.OutputSize,
		Assets:           run.Assets,
		OriginatingRunID: run.ID,
		ExpiresAt:        time.Now().Add(time.Duration(task.IdempotencyTTLSecs) * time.Second),
	}
	if err := m.store.Idempotency.Upsert(ctx, e); err != nil {
		return fmt.Errorf("cache result for %s: %w", run.ID, err)
	}
	m.populateRedis(ctx, e)
	m.logger.Debug("idempotency result cached",
		zap.String("task_id", task.ID),
		zap.String("run_id", run.ID),
		zap.Time("expires_at", e.ExpiresAt),
	)
	return nil
}

// Sweep removes expired rows. Called from the housekeeping loop.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	return m.store.Idempotency.DeleteExpired(ctx, time.Now())
}

func (m *Manager) populateRedis(ctx context.Context, e *models.IdempotencyEntry) {
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	m.cache.Set(ctx, redisKey(e.Key), raw, ttl)
}

func redisKey(key string) string { return "idem:" + key }
