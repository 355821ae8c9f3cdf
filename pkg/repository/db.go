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

// Package repository owns every SQL statement in the orchestrator. All state
// mutation flows through here so the locking disciplines (guarded updates,
// FOR UPDATE SKIP LOCKED claims, conditional upserts) live in one place.
package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// PoolConfig carries the connection pool knobs.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to PostgreSQL via pgx, applies pool settings, and verifies
// the connection.
func Open(ctx context.Context, dsn string, pool PoolConfig, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("postgres connection established",
		zap.Int("max_open_conns", pool.MaxOpenConns),
		zap.Int("max_idle_conns", pool.MaxIdleConns),
	)
	return sqlx.NewDb(db, "pgx"), nil
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sqlx.DB, logger *zap.Logger) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("database migrations applied")
	return nil
}

// Querier is the sqlx surface shared by *sqlx.DB and *sqlx.Tx. Repositories
// are written against it so any method can run inside a caller's transaction.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store aggregates the repositories over one database handle.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	Services    *ServiceRepository
	Tasks       *TaskRepository
	Runs        *RunRepository
	Pipelines   *PipelineRepository
	DLQ         *DLQRepository
	Idempotency *IdempotencyRepository
	State       *StateRepository
	TempUploads *TempUploadRepository
	Stats       *StatsRepository
}

// NewStore builds the repository set. logger must be non-nil.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	return newStore(db, db, logger)
}

func newStore(db *sqlx.DB, q Querier, logger *zap.Logger) *Store {
	return &Store{
		db:          db,
		logger:      logger,
		Services:    &ServiceRepository{q: q},
		Tasks:       &TaskRepository{q: q},
		Runs:        &RunRepository{q: q},
		Pipelines:   &PipelineRepository{q: q},
		DLQ:         &DLQRepository{q: q},
		Idempotency: &IdempotencyRepository{q: q},
		State:       &StateRepository{q: q},
		TempUploads: &TempUploadRepository{q: q},
		Stats:       &StatsRepository{q: q},
	}
}

// InTx runs fn with a Store bound to a single transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.db == nil {
		return fmt.Errorf("store is already transaction-bound")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := newStore(nil, tx, s.logger)
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping verifies database connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
