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

// Package dispatch delivers pending task runs to their owning workers. One
// dispatch is one bounded HTTP POST; a per-service circuit breaker keeps a
// dead worker from eating the poll budget on every tick.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/apierrors"
	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/metrics"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/objectstore"
	"github.com/taskline/taskline/pkg/repository"
)

// StorageToken grants a worker scoped object-store access for one run.
// Opaque to workers; they echo it to the storage layer.
type StorageToken struct {
	Token     string    `json:"token"`
	BackendID string    `json:"backendId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UpstreamRef points a worker at one completed predecessor's output.
type UpstreamRef struct {
	OutputPath string          `json:"outputPath"`
	Assets     models.AssetMap `json:"assets,omitempty"`
}

// Payload is the dispatch document POSTed to the worker.
type Payload struct {
	RunID               string                   `json:"runId"`
	TaskID              string                   `json:"taskId"`
	PipelineRunID       *string                  `json:"pipelineRunId,omitempty"`
	Attempt             int                      `json:"attempt"`
	CodeVersion         int                      `json:"codeVersion"`
	CodeHash            string                   `json:"codeHash"`
	StorageToken        StorageToken             `json:"storageToken"`
	InputPath           string                   `json:"inputPath"`
	UpstreamRefs        map[string]UpstreamRef   `json:"upstreamRefs,omitempty"`
	PreviousAttempts    []models.PreviousAttempt `json:"previousAttempts,omitempty"`
	HeartbeatIntervalMs int64                    `json:"heartbeatIntervalMs"`
}

// Options tune the dispatcher.
type Options struct {
	Timeout   time.Duration // per-POST deadline
	TokenTTL  time.Duration // storage token lifetime
	BackendID string        // object-store backend named in tokens
}

// Dispatcher builds payloads and POSTs them to workers.
type Dispatcher struct {
	store   *repository.Store
	blobs   objectstore.Store
	client  *http.Client
	opts    Options
	metrics *metrics.Metrics
	clock   ident.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewDispatcher(store *repository.Store, blobs objectstore.Store, opts Options, m *metrics.Metrics, clock ident.Clock, logger *zap.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	return &Dispatcher{
		store:    store,
		blobs:    blobs,
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		metrics:  m,
		clock:    clock,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dispatch delivers one pending run. Returns true when the worker accepted
// it and the run is now running. A refused or failed delivery marks the run
// failed with DISPATCH_FAILED and returns false with a nil error; the caller
// feeds the run into the retry path. A non-nil error means the orchestrator
// itself could not make progress (DB down) and nothing was decided.
func (d *Dispatcher) Dispatch(ctx context.Context, run *models.TaskRun) (bool, error) {
	task, err := d.store.Tasks.Get(ctx, run.TaskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, d.markFailed(ctx, run, fmt.Sprintf("task %s no longer registered", run.TaskID))
		}
		return false, err
	}
	svc, err := d.store.Services.Get(ctx, task.ServiceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, d.markFailed(ctx, run, fmt.Sprintf("service %s not registered", task.ServiceID))
		}
		return false, err
	}

	payload, err := d.buildPayload(ctx, run, task)
	if err != nil {
		return false, err
	}

	start := d.clock.Now()
	postErr := d.post(ctx, svc, task, payload)
	d.metrics.DispatchDuration.WithLabelValues(task.ID).Observe(time.Since(start).Seconds())

	if postErr != nil {
		d.metrics.Dispatches.WithLabelValues(task.ID, "failed").Inc()
		d.logger.Warn("dispatch failed",
			zap.String("run_id", run.ID),
			zap.String("task_id", task.ID),
			zap.String("service_id", svc.ID),
			zap.Error(postErr),
		)
		return false, d.markFailed(ctx, run, postErr.Error())
	}

	changed, err := d.store.Runs.MarkRunning(ctx, run.ID)
	if err != nil {
		return false, err
	}
	if !changed {
		// Cancelled between claim and accept; worker will learn on its
		// first heartbeat.
		d.logger.Warn("run no longer pending after accepted dispatch",
			zap.String("run_id", run.ID))
		return false, nil
	}
	if run.PipelineRunID != nil {
		if _, err := d.store.Pipelines.MarkRunRunning(ctx, *run.PipelineRunID); err != nil {
			d.logger.Error("pipeline run promotion failed",
				zap.String("pipeline_run_id", *run.PipelineRunID), zap.Error(err))
		}
	}
	d.metrics.Dispatches.WithLabelValues(task.ID, "accepted").Inc()

	d.claimTempUploads(ctx, run)
	return true, nil
}

func (d *Dispatcher) post(ctx context.Context, svc *models.Service, task *models.Task, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	url := strings.TrimSuffix(svc.BaseURL, "/") + "/tasks/" + task.ID

	_, err = d.breaker(svc.ID).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("worker returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

func (d *Dispatcher) buildPayload(ctx context.Context, run *models.TaskRun, task *models.Task) (*Payload, error) {
	payload := &Payload{
		RunID:         run.ID,
		TaskID:        run.TaskID,
		PipelineRunID: run.PipelineRunID,
		Attempt:       run.Attempt,
		CodeVersion:   run.CodeVersion,
		CodeHash:      run.CodeHash,
		StorageToken: StorageToken{
			Token:     ident.NewID(ident.PrefixToken),
			BackendID: d.opts.BackendID,
			ExpiresAt: d.clock.Now().Add(d.opts.TokenTTL),
		},
		InputPath:           run.InputPath,
		HeartbeatIntervalMs: task.HeartbeatIntervalMs,
	}

	if run.Attempt > 1 {
		prev, err := d.store.Runs.PreviousAttempts(ctx, run)
		if err != nil {
			return nil, err
		}
		payload.PreviousAttempts = prev
	}

	if run.PipelineRunID != nil {
		refs, err := d.upstreamRefs(ctx, run)
		if err != nil {
			return nil, err
		}
		payload.UpstreamRefs = refs
	}
	return payload, nil
}

// upstreamRefs collects the completed predecessors' outputs from the frozen
// snapshot.
func (d *Dispatcher) upstreamRefs(ctx context.Context, run *models.TaskRun) (map[string]UpstreamRef, error) {
	prun, err := d.store.Pipelines.GetRun(ctx, *run.PipelineRunID)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]UpstreamRef)
	for _, pred := range prun.Snapshot.Predecessors(run.TaskID) {
		predRun, err := d.store.Runs.LatestForPipelineTask(ctx, prun.ID, pred)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if predRun.Status != models.TaskRunCompleted || predRun.OutputPath == nil {
			continue
		}
		refs[pred] = UpstreamRef{OutputPath: *predRun.OutputPath, Assets: predRun.Assets}
	}
	if len(refs) == 0 {
		return nil, nil
	}
	return refs, nil
}

// claimTempUploads walks the input document for temp-upload ids and claims
// each for this run. Claiming is best effort: losing a claim race or a
// malformed input never fails the dispatch.
func (d *Dispatcher) claimTempUploads(ctx context.Context, run *models.TaskRun) {
	raw, err := d.blobs.Get(ctx, run.InputPath)
	if err != nil {
		d.logger.Warn("input blob unreadable for upload claim",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return
	}
	for _, id := range FindTempUploadIDs(doc) {
		claimed, err := d.store.TempUploads.Claim(ctx, id, run.ID)
		if err != nil {
			d.logger.Warn("temp upload claim failed",
				zap.String("upload_id", id), zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		if claimed {
			d.logger.Debug("temp upload claimed",
				zap.String("upload_id", id), zap.String("run_id", run.ID))
		}
	}
}

// FindTempUploadIDs recursively collects every string value in a decoded
// JSON document that carries the temp-upload prefix.
func FindTempUploadIDs(doc any) []string {
	var ids []string
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			if ident.HasPrefix(val, ident.PrefixTempUpload) && !seen[val] {
				seen[val] = true
				ids = append(ids, val)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(doc)
	return ids
}

func (d *Dispatcher) markFailed(ctx context.Context, run *models.TaskRun, msg string) error {
	_, err := d.store.Runs.MarkDispatchFailed(ctx, run.ID, msg, apierrors.CodeDispatchFailed)
	return err
}

// breaker returns the per-service circuit breaker, creating it on first use.
// The breaker opens after 5 consecutive failures and probes again after 30s.
func (d *Dispatcher) breaker(serviceID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[serviceID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "dispatch-" + serviceID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("dispatch circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	d.breakers[serviceID] = cb
	return cb
}
