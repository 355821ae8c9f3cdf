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

// The orchestrator binary runs the full service: HTTP API, poll loop,
// timeout monitor, maintenance monitor, and the cleanup sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/cache"
	"github.com/taskline/taskline/pkg/config"
	"github.com/taskline/taskline/pkg/dispatch"
	"github.com/taskline/taskline/pkg/dlq"
	"github.com/taskline/taskline/pkg/idempotency"
	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/lifecycle"
	"github.com/taskline/taskline/pkg/maintenance"
	"github.com/taskline/taskline/pkg/metrics"
	"github.com/taskline/taskline/pkg/objectstore"
	"github.com/taskline/taskline/pkg/pipeline"
	"github.com/taskline/taskline/pkg/poller"
	"github.com/taskline/taskline/pkg/registry"
	"github.com/taskline/taskline/pkg/repository"
	"github.com/taskline/taskline/pkg/server"
	"github.com/taskline/taskline/pkg/stats"
	"github.com/taskline/taskline/pkg/tempupload"
)

func main() {
	configPath := flag.String("config", "", "path to config YAML")
	devLogging := flag.Bool("dev-logging", false, "use console log encoding")
	flag.Parse()

	if err := run(*configPath, *devLogging); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, devLogging bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(devLogging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, cfg.Database.DSN, repository.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := repository.Migrate(db, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	store := repository.NewStore(db, logger)

	redisCache, err := cache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisCache.Close()

	blobs, err := newObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	m := metrics.NewMetrics("taskline", prometheus.DefaultRegisterer)
	clock := ident.RealClock{}

	idem := idempotency.NewManager(store, redisCache, m, logger)
	dlqMgr := dlq.NewManager(store, m, clock, logger)
	executor := pipeline.NewExecutor(store, blobs, idem, m, clock, logger)
	life := lifecycle.NewManager(store, executor, idem, dlqMgr, m, clock, logger)
	maint := maintenance.NewController(store, logger)
	dispatcher := dispatch.NewDispatcher(store, blobs, dispatch.Options{
		Timeout:   cfg.Scheduler.DispatchTimeout,
		TokenTTL:  cfg.Scheduler.TokenTTL,
		BackendID: cfg.ObjectStore.BackendID,
	}, m, clock, logger)
	poll := poller.New(store, dispatcher, maint, life, poller.Options{
		Interval:       cfg.Scheduler.PollInterval,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
	}, m, logger)
	uploads := tempupload.NewManager(store, blobs, tempupload.Options{
		CleanupInterval: cfg.TempUploads.CleanupInterval,
		DefaultTTL:      cfg.TempUploads.DefaultTTL,
		ArchiveAfter:    cfg.TempUploads.ArchiveAfter,
		BatchSize:       cfg.TempUploads.BatchSize,
		BackendID:       cfg.ObjectStore.BackendID,
	}, clock, logger)
	agg := stats.NewAggregator(store, m, clock, logger)
	reg := registry.NewRegistry(store, logger)

	srv := server.New(cfg.Server, server.Deps{
		Store:     store,
		Registry:  reg,
		Executor:  executor,
		Lifecycle: life,
		DLQ:       dlqMgr,
		DLQConfig: cfg.DLQ,
		Maint:     maint,
		Uploads:   uploads,
		Stats:     agg,
		Poller:    poll,
	}, logger)

	go poll.Run(ctx)
	go life.RunTimeoutMonitor(ctx, cfg.Scheduler.TimeoutInterval)
	go maint.RunMonitor(ctx, cfg.Scheduler.MaintenanceCheck)
	go uploads.RunCleanup(ctx)
	go runHousekeeping(ctx, dlqMgr, idem, cfg.DLQ.Retention, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("orchestrator stopped")
	return nil
}

// runHousekeeping prunes aged DLQ items and expired idempotency entries on a
// slow cadence.
func runHousekeeping(ctx context.Context, dlqMgr *dlq.Manager, idem *idempotency.Manager, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if retention > 0 {
				if _, err := dlqMgr.Purge(ctx, retention); err != nil {
					logger.Error("dlq purge failed", zap.Error(err))
				}
			}
			if _, err := idem.Sweep(ctx); err != nil {
				logger.Error("idempotency sweep failed", zap.Error(err))
			}
		}
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	switch cfg.Provider {
	case "s3":
		return objectstore.NewS3(ctx, cfg.S3Bucket, cfg.S3Prefix)
	case "memory":
		return objectstore.NewMemory(), nil
	default:
		return objectstore.NewLocal(cfg.LocalRoot)
	}
}
