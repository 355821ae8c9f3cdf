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

// Package maintenance implements the three-state orchestrator lifecycle:
// running, waiting_for_maintenance (admission closed, in-flight work
// draining), and maintenance (poller idle). The drain phase is mandatory;
// running never jumps straight to maintenance.
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/apierrors"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/repository"
)

// Controller owns the orchestrator mode singleton.
type Controller struct {
	store  *repository.Store
	logger *zap.Logger
}

func NewController(store *repository.Store, logger *zap.Logger) *Controller {
	return &Controller{store: store, logger: logger}
}

// Mode returns the current orchestrator mode.
func (c *Controller) Mode(ctx context.Context) (models.OrchestratorMode, error) {
	st, err := c.store.State.Get(ctx)
	if err != nil {
		return "", err
	}
	return st.Mode, nil
}

// State returns the full singleton row for the status endpoint.
func (c *Controller) State(ctx context.Context) (*models.OrchestratorState, error) {
	return c.store.State.Get(ctx)
}

// Admit is the gate in front of trigger and queue endpoints. Anything but
// running refuses new work with a 503-class error.
func (c *Controller) Admit(ctx context.Context) error {
	mode, err := c.Mode(ctx)
	if err != nil {
		return err
	}
	if mode != models.ModeRunning {
		return apierrors.Unavailable("orchestrator is in %s mode, not accepting new work", mode)
	}
	return nil
}

// RequestMaintenance transitions running -> waiting_for_maintenance. New
// work is refused from this moment; the monitor finishes the transition once
// the queue drains.
func (c *Controller) RequestMaintenance(ctx context.Context) (*models.OrchestratorState, error) {
	changed, err := c.store.State.TransitionMode(ctx, models.ModeRunning, models.ModeWaitingForMaintenance)
	if err != nil {
		return nil, err
	}
	if !changed {
		mode, merr := c.Mode(ctx)
		if merr != nil {
			return nil, merr
		}
		return nil, apierrors.Conflict("cannot request maintenance from %s mode", mode)
	}
	c.logger.Info("maintenance requested, draining")
	return c.store.State.Get(ctx)
}

// ExitMaintenance returns to running from either maintenance or a drain
// still in progress.
func (c *Controller) ExitMaintenance(ctx context.Context) (*models.OrchestratorState, error) {
	changed, err := c.store.State.TransitionMode(ctx, models.ModeMaintenance, models.ModeRunning)
	if err != nil {
		return nil, err
	}
	if !changed {
		changed, err = c.store.State.TransitionMode(ctx, models.ModeWaitingForMaintenance, models.ModeRunning)
		if err != nil {
			return nil, err
		}
	}
	if !changed {
		return nil, apierrors.Conflict("orchestrator is already running")
	}
	c.logger.Info("maintenance exited")
	return c.store.State.Get(ctx)
}

// CheckDrain finishes the drain when nothing is pending or running. Also
// refreshes the advisory counters on the singleton. Returns true when the
// transition to maintenance happened on this call.
func (c *Controller) CheckDrain(ctx context.Context) (bool, error) {
	st, err := c.store.State.Get(ctx)
	if err != nil {
		return false, err
	}
	pending, running, err := c.store.Runs.CountLive(ctx)
	if err != nil {
		return false, err
	}
	if err := c.store.State.UpdateCounts(ctx, pending, running); err != nil {
		return false, err
	}
	if st.Mode != models.ModeWaitingForMaintenance || pending+running > 0 {
		return false, nil
	}
	changed, err := c.store.State.TransitionMode(ctx, models.ModeWaitingForMaintenance, models.ModeMaintenance)
	if err != nil {
		return false, err
	}
	if changed {
		c.logger.Info("drain complete, maintenance mode entered")
	}
	return changed, nil
}

// RunMonitor checks the drain on the given cadence until ctx is cancelled.
func (c *Controller) RunMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CheckDrain(ctx); err != nil {
				c.logger.Error("maintenance drain check failed", zap.Error(err))
			}
		}
	}
}
