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

// Package registry handles worker service registration. Registration is the
// single write path for task and pipeline definitions: a service declares its
// full current surface on every boot and the registry reconciles the catalog
// against it.
package registry

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/apierrors"
	"github.com/taskline/taskline/pkg/inputschema"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/repository"
)

// Defaults applied to task definitions that omit the knob.
const (
	DefaultTimeoutSeconds      = 300
	DefaultHeartbeatIntervalMs = 30_000
	DefaultRetryDelayMs        = 1_000
	DefaultMaxRetryDelayMs     = 300_000
)

// DefaultFatalPrefixes is the out-of-the-box fatal error-code convention.
// Services opt out by sending an explicit empty list.
var DefaultFatalPrefixes = []string{"FATAL_"}

// TaskSpec is one task definition as submitted at registration.
type TaskSpec struct {
	ID                  string          `json:"id" validate:"required"`
	CodeHash            string          `json:"codeHash" validate:"required"`
	AllowedNext         []string        `json:"allowedNext"`
	TimeoutSeconds      int             `json:"timeout"`
	Retries             int             `json:"retries"`
	RetryBackoff        string          `json:"retryBackoff"`
	RetryDelayMs        int64           `json:"retryDelayMs"`
	MaxRetryDelayMs     int64           `json:"maxRetryDelayMs"`
	HeartbeatIntervalMs int64           `json:"heartbeatIntervalMs"`
	Concurrency         int             `json:"concurrency"`
	Priority            int             `json:"priority"`
	IdempotencyTTLSecs  int64           `json:"idempotencyTTLSeconds"`
	FatalCodePrefixes   []string        `json:"fatalCodePrefixes"`
	InputSchema         json.RawMessage `json:"inputSchema,omitempty"`
	Description         string          `json:"description"`
}

// PipelineSpec is one pipeline definition as submitted at registration.
type PipelineSpec struct {
	ID           string   `json:"id" validate:"required"`
	Name         string   `json:"name"`
	EntryTaskIDs []string `json:"entryTaskIds" validate:"required,min=1"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
}

// RegisterRequest is the full registration payload.
type RegisterRequest struct {
	ServiceID string         `json:"serviceId" validate:"required"`
	Version   string         `json:"version"`
	BaseURL   string         `json:"baseUrl" validate:"required,url"`
	Tasks     []TaskSpec     `json:"tasks"`
	Pipelines []PipelineSpec `json:"pipelines"`
}

// TaskOutcome reports the catalog result for one submitted task.
type TaskOutcome struct {
	TaskID      string `json:"taskId"`
	CodeVersion int    `json:"codeVersion"`
	VersionBump bool   `json:"versionBump"`
}

// RegisterResult summarizes one registration.
type RegisterResult struct {
	ServiceID     string        `json:"serviceId"`
	Tasks         []TaskOutcome `json:"tasks"`
	OrphanedTasks []string      `json:"orphanedTasks,omitempty"`
	CancelledRuns int64         `json:"cancelledRuns,omitempty"`
}

// Registry reconciles the task and pipeline catalog.
type Registry struct {
	store  *repository.Store
	logger *zap.Logger
}

func NewRegistry(store *repository.Store, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Register applies one registration atomically. Task ids are globally unique:
// a task already owned by a different service rejects the whole registration,
// since accepting half a service's surface would leave it undispatched.
//
// Code versioning: a new task starts at version 1; a changed codeHash bumps
// the version and appends history; an unchanged hash keeps the version, so
// restarts are free.
//
// Tasks previously owned by the service but absent from this payload are
// orphaned: their pending and waiting runs are cancelled because no worker
// will ever pick them up again. The definitions themselves stay for history
// and DLQ replay inspection.
func (r *Registry) Register(ctx context.Context, req *RegisterRequest) (*RegisterResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	result := &RegisterResult{ServiceID: req.ServiceID}
	err := r.store.InTx(ctx, func(tx *repository.Store) error {
		// Ownership check before any write.
		for _, spec := range req.Tasks {
			existing, err := tx.Tasks.Get(ctx, spec.ID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					continue
				}
				return err
			}
			if existing.ServiceID != req.ServiceID {
				return apierrors.ServiceClaimDenied(
					"task %q is registered to service %q", spec.ID, existing.ServiceID)
			}
		}

		if err := tx.Services.Upsert(ctx, req.ServiceID, req.Version, req.BaseURL); err != nil {
			return err
		}

		submitted := make(map[string]bool, len(req.Tasks))
		for _, spec := range req.Tasks {
			submitted[spec.ID] = true
			outcome, err := r.reconcileTask(ctx, tx, req, spec)
			if err != nil {
				return err
			}
			result.Tasks = append(result.Tasks, *outcome)
		}

		// Orphans: previously owned, now unlisted.
		owned, err := tx.Tasks.ListByService(ctx, req.ServiceID)
		if err != nil {
			return err
		}
		for _, t := range owned {
			if submitted[t.ID] {
				continue
			}
			n, err := tx.Runs.CancelPendingByTask(ctx, t.ID)
			if err != nil {
				return err
			}
			result.OrphanedTasks = append(result.OrphanedTasks, t.ID)
			result.CancelledRuns += n
			if n > 0 {
				r.logger.Warn("orphaned task had queued runs cancelled",
					zap.String("task_id", t.ID),
					zap.String("service_id", req.ServiceID),
					zap.Int64("cancelled", n),
				)
			}
		}

		for _, spec := range req.Pipelines {
			if err := r.reconcilePipeline(ctx, tx, spec, submitted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("service registered",
		zap.String("service_id", req.ServiceID),
		zap.String("version", req.Version),
		zap.Int("tasks", len(req.Tasks)),
		zap.Int("pipelines", len(req.Pipelines)),
		zap.Strings("orphaned", result.OrphanedTasks),
	)
	return result, nil
}

func (r *Registry) reconcileTask(ctx context.Context, tx *repository.Store, req *RegisterRequest, spec TaskSpec) (*TaskOutcome, error) {
	task := specToTask(req.ServiceID, spec)

	version := 1
	bump := true
	existing, err := tx.Tasks.Get(ctx, spec.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.CodeHash == spec.CodeHash {
			version = existing.CodeVersion
			bump = false
		} else {
			version = existing.CodeVersion + 1
		}
	}
	task.CodeVersion = version

	if err := tx.Tasks.Upsert(ctx, task); err != nil {
		return nil, err
	}
	if bump {
		err := tx.Tasks.AppendCodeHistory(ctx, &models.TaskCodeHistory{
			TaskID:         spec.ID,
			CodeVersion:    version,
			CodeHash:       spec.CodeHash,
			ServiceVersion: req.Version,
		})
		if err != nil {
			return nil, err
		}
		r.logger.Info("task code version bumped",
			zap.String("task_id", spec.ID),
			zap.Int("code_version", version),
		)
	}
	return &TaskOutcome{TaskID: spec.ID, CodeVersion: version, VersionBump: bump}, nil
}

func (r *Registry) reconcilePipeline(ctx context.Context, tx *repository.Store, spec PipelineSpec, submitted map[string]bool) error {
	// Entry points must resolve to a task submitted now or already known.
	for _, entry := range spec.EntryTaskIDs {
		if submitted[entry] {
			continue
		}
		if _, err := tx.Tasks.Get(ctx, entry); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return apierrors.Validation(
					"pipeline %q entry task %q is not registered", spec.ID, entry)
			}
			return err
		}
	}
	return tx.Pipelines.Upsert(ctx, &models.Pipeline{
		ID:              spec.ID,
		Name:            spec.Name,
		EntryTaskIDs:    spec.EntryTaskIDs,
		PipelineVersion: spec.Version,
		Description:     spec.Description,
	})
}

func validateRequest(req *RegisterRequest) error {
	if req.ServiceID == "" {
		return apierrors.Validation("serviceId is required")
	}
	if req.BaseURL == "" {
		return apierrors.Validation("baseUrl is required")
	}
	seen := make(map[string]bool, len(req.Tasks))
	for _, spec := range req.Tasks {
		if spec.ID == "" {
			return apierrors.Validation("task id is required")
		}
		if seen[spec.ID] {
			return apierrors.Validation("task %q submitted twice", spec.ID)
		}
		seen[spec.ID] = true
		if spec.CodeHash == "" {
			return apierrors.Validation("task %q: codeHash is required", spec.ID)
		}
		switch models.RetryBackoff(spec.RetryBackoff) {
		case models.BackoffFixed, models.BackoffExponential, "":
		default:
			return apierrors.Validation("task %q: unknown retryBackoff %q", spec.ID, spec.RetryBackoff)
		}
		if spec.Retries < 0 || spec.Concurrency < 0 {
			return apierrors.Validation("task %q: retries and concurrency must be non-negative", spec.ID)
		}
		if len(spec.InputSchema) > 0 {
			if _, err := inputschema.Parse(spec.InputSchema); err != nil {
				return apierrors.Validation("task %q: invalid inputSchema: %v", spec.ID, err)
			}
		}
	}
	pseen := make(map[string]bool, len(req.Pipelines))
	for _, p := range req.Pipelines {
		if p.ID == "" {
			return apierrors.Validation("pipeline id is required")
		}
		if pseen[p.ID] {
			return apierrors.Validation("pipeline %q submitted twice", p.ID)
		}
		pseen[p.ID] = true
		if len(p.EntryTaskIDs) == 0 {
			return apierrors.Validation("pipeline %q: entryTaskIds must not be empty", p.ID)
		}
	}
	return nil
}

func specToTask(serviceID string, spec TaskSpec) *models.Task {
	t := &models.Task{
		ID:                  spec.ID,
		ServiceID:           serviceID,
		CodeHash:            spec.CodeHash,
		AllowedNext:         spec.AllowedNext,
		TimeoutSeconds:      spec.TimeoutSeconds,
		Retries:             spec.Retries,
		RetryBackoff:        models.RetryBackoff(spec.RetryBackoff),
		RetryDelayMs:        spec.RetryDelayMs,
		MaxRetryDelayMs:     spec.MaxRetryDelayMs,
		HeartbeatIntervalMs: spec.HeartbeatIntervalMs,
		Concurrency:         spec.Concurrency,
		Priority:            spec.Priority,
		IdempotencyTTLSecs:  spec.IdempotencyTTLSecs,
		InputSchema:         spec.InputSchema,
		Description:         spec.Description,
	}
	if t.RetryBackoff == "" {
		t.RetryBackoff = models.BackoffFixed
	}
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if t.HeartbeatIntervalMs <= 0 {
		t.HeartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}
	if t.RetryDelayMs <= 0 {
		t.RetryDelayMs = DefaultRetryDelayMs
	}
	if t.MaxRetryDelayMs <= 0 {
		t.MaxRetryDelayMs = DefaultMaxRetryDelayMs
	}
	// nil means "not specified": apply the convention. An explicit empty
	// list disables fatal-code short-circuiting for the task.
	if spec.FatalCodePrefixes == nil {
		t.FatalCodePrefixes = DefaultFatalPrefixes
	} else {
		t.FatalCodePrefixes = spec.FatalCodePrefixes
	}
	return t
}
