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

// Package poller claims ready task runs and hands them to the dispatcher.
// One logical control loop; the dispatches it starts run concurrently up to
// the configured global cap.
//
// Claimed rows stay pending until the worker accepts them. Within one tick
// the claim transaction's FOR UPDATE SKIP LOCKED keeps other claimers off
// the rows; across ticks an in-process in-flight set keeps this poller from
// re-claiming rows whose dispatch is still outstanding.
package poller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/dispatch"
	"github.com/taskline/taskline/pkg/maintenance"
	"github.com/taskline/taskline/pkg/metrics"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/repository"
)

// FailureRouter feeds a dispatch-failed run into the retry/DLQ path.
type FailureRouter interface {
	RouteFailure(ctx context.Context, run *models.TaskRun) error
}

// Options tune the poller.
type Options struct {
	Interval       time.Duration
	MaxConcurrency int
}

// Poller is the claim loop.
type Poller struct {
	store      *repository.Store
	dispatcher *dispatch.Dispatcher
	maint      *maintenance.Controller
	router     FailureRouter
	opts       Options
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(store *repository.Store, d *dispatch.Dispatcher, maint *maintenance.Controller, router FailureRouter, opts Options, m *metrics.Metrics, logger *zap.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 20
	}
	return &Poller{
		store:      store,
		dispatcher: d,
		maint:      maint,
		router:     router,
		opts:       opts,
		metrics:    m,
		logger:     logger,
		inFlight:   make(map[string]bool),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil {
				p.logger.Error("poll tick failed", zap.Error(err))
			}
		}
	}
}

// Tick performs one poll pass and returns how many runs it dispatched.
// Exposed directly for serverless deployments that drive the poller
// externally instead of running the loop.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		p.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()

	mode, err := p.maint.Mode(ctx)
	if err != nil {
		return 0, err
	}
	if mode != models.ModeRunning {
		return 0, nil
	}

	running, err := p.store.Runs.CountRunningGlobal(ctx)
	if err != nil {
		return 0, err
	}
	budget := p.opts.MaxConcurrency - running - p.inFlightCount()
	if budget <= 0 {
		return 0, nil
	}

	var claimed []*models.TaskRun
	err = p.store.InTx(ctx, func(tx *repository.Store) error {
		runs, err := tx.Runs.ClaimReady(ctx, budget)
		if err != nil {
			return err
		}
		claimed = runs
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Rows stay pending through dispatch, so a row claimed last tick whose
	// POST is still outstanding can surface again. Skip those.
	runs := p.markInFlight(claimed)
	if len(runs) == 0 {
		return 0, nil
	}
	p.metrics.PollClaims.Add(float64(len(runs)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxConcurrency)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			defer p.clearInFlight(run.ID)
			ok, err := p.dispatcher.Dispatch(gctx, run)
			if err != nil {
				p.logger.Error("dispatch errored",
					zap.String("run_id", run.ID), zap.Error(err))
				return nil
			}
			if !ok {
				failed, err := p.store.Runs.Get(gctx, run.ID)
				if err != nil {
					p.logger.Error("reload after failed dispatch",
						zap.String("run_id", run.ID), zap.Error(err))
					return nil
				}
				if failed.Status == models.TaskRunFailed {
					if err := p.router.RouteFailure(gctx, failed); err != nil {
						p.logger.Error("failure routing after dispatch",
							zap.String("run_id", run.ID), zap.Error(err))
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(runs), nil
}

func (p *Poller) markInFlight(claimed []*models.TaskRun) []*models.TaskRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	var fresh []*models.TaskRun
	for _, run := range claimed {
		if p.inFlight[run.ID] {
			continue
		}
		p.inFlight[run.ID] = true
		fresh = append(fresh, run)
	}
	return fresh
}

func (p *Poller) clearInFlight(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

func (p *Poller) inFlightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}
