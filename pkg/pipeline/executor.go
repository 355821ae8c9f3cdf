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

// Package pipeline is the DAG executor: it turns trigger requests into
// pipeline runs, fans completed tasks out to their successors, applies the
// pipeline's failure mode, and rolls terminal task statuses up into the
// pipeline run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/apierrors"
	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/idempotency"
	"github.com/taskline/taskline/pkg/inputschema"
	"github.com/taskline/taskline/pkg/metrics"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/objectstore"
	"github.com/taskline/taskline/pkg/repository"
)

// metadata keys the executor stows on runs it creates.
const (
	metaPriorityOverride = "priorityOverride"
	metaIdempotencyHit   = "idempotencyHit"
)

// Executor drives pipeline runs end to end.
type Executor struct {
	store   *repository.Store
	blobs   objectstore.Store
	idem    *idempotency.Manager
	metrics *metrics.Metrics
	clock   ident.Clock
	logger  *zap.Logger
}

func NewExecutor(store *repository.Store, blobs objectstore.Store, idem *idempotency.Manager, m *metrics.Metrics, clock ident.Clock, logger *zap.Logger) *Executor {
	return &Executor{store: store, blobs: blobs, idem: idem, metrics: m, clock: clock, logger: logger}
}

// TriggerRequest is the inbound pipeline trigger.
type TriggerRequest struct {
	PipelineID     string                `json:"pipelineId" validate:"required"`
	Input          map[string]any        `json:"input"`
	FailureMode    models.FailureMode    `json:"failureMode,omitempty"`
	Priority       *int                  `json:"priority,omitempty"`
	Metadata       models.JSONMap        `json:"metadata,omitempty"`
	ValidationMode models.ValidationMode `json:"validationMode,omitempty"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty"`
}

// QueuedTask reports one task run created by a trigger.
type QueuedTask struct {
	TaskID string               `json:"taskId"`
	RunID  string               `json:"runId"`
	Status models.TaskRunStatus `json:"status"`
}

// TriggerResult is the trigger response.
type TriggerResult struct {
	PipelineRunID string                   `json:"pipelineRunId"`
	Status        models.PipelineRunStatus `json:"status"`
	InputPath     string                   `json:"inputPath"`
	EntryTasks    []string                 `json:"entryTasks"`
	QueuedTasks   []QueuedTask             `json:"queuedTasks"`
	Warnings      []inputschema.FieldError `json:"warnings,omitempty"`
}

// TriggerPipeline creates one pipeline run: freezes the structure snapshot,
// persists the input blob, validates it per the requested mode, and enqueues
// the entry tasks. An idempotency hit on an entry task materializes an
// already-completed run pointing at the cached output and fans out
// immediately, without ever touching a worker.
func (e *Executor) TriggerPipeline(ctx context.Context, req *TriggerRequest) (*TriggerResult, error) {
	p, err := e.store.Pipelines.Get(ctx, req.PipelineID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierrors.NotFound("pipeline %q not found", req.PipelineID)
		}
		return nil, err
	}

	tasks, snapshot, err := e.loadGraph(ctx, p)
	if err != nil {
		return nil, err
	}

	mode := req.FailureMode
	if mode == "" {
		mode = models.FailFast
	}
	if !mode.Valid() {
		return nil, apierrors.Validation("unknown failureMode %q", req.FailureMode)
	}

	warnings, err := e.validateInput(req.Input, p.EntryTaskIDs, tasks, req.ValidationMode)
	if err != nil {
		return nil, err
	}

	prunID := ident.NewID(ident.PrefixPipelineRun)
	inputPath := objectstore.PipelineInputPath(prunID)
	rawInput, err := json.Marshal(req.Input)
	if err != nil {
		return nil, apierrors.InvalidInput("input is not serializable: %v", err)
	}
	if err := e.blobs.Put(ctx, inputPath, rawInput); err != nil {
		return nil, apierrors.Internal("store pipeline input").WithCause(err)
	}

	meta := models.JSONMap{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.Priority != nil {
		meta[metaPriorityOverride] = *req.Priority
	}

	prun := &models.PipelineRun{
		ID:              prunID,
		PipelineID:      p.ID,
		Status:          models.PipelineRunPending,
		FailureMode:     mode,
		InputPath:       inputPath,
		Snapshot:        snapshot,
		PipelineVersion: p.PipelineVersion,
		Metadata:        meta,
	}

	result := &TriggerResult{
		PipelineRunID: prunID,
		Status:        models.PipelineRunPending,
		InputPath:     inputPath,
		EntryTasks:    p.EntryTaskIDs,
		Warnings:      warnings,
	}

	var hits []*models.TaskRun
	err = e.store.InTx(ctx, func(tx *repository.Store) error {
		if err := tx.Pipelines.InsertRun(ctx, prun); err != nil {
			return err
		}
		for _, entryID := range p.EntryTaskIDs {
			task := tasks[entryID]
			run, hit, err := e.enqueueEntry(ctx, tx, prun, task, req.IdempotencyKey)
			if err != nil {
				return err
			}
			result.QueuedTasks = append(result.QueuedTasks, QueuedTask{
				TaskID: task.ID, RunID: run.ID, Status: run.Status,
			})
			if hit {
				hits = append(hits, run)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("pipeline triggered",
		zap.String("pipeline_id", p.ID),
		zap.String("pipeline_run_id", prunID),
		zap.String("failure_mode", string(mode)),
		zap.Int("entry_tasks", len(p.EntryTaskIDs)),
	)

	// Cached entry tasks fan out right away; their downstream never waits
	// for a dispatch that will not happen.
	for _, run := range hits {
		if err := e.QueueDownstream(ctx, run.ID, nil); err != nil {
			e.logger.Error("fan-out after idempotency hit failed",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return result, nil
}

// enqueueEntry inserts one entry-task run, consulting the idempotency cache
// first when the trigger carries a user key.
func (e *Executor) enqueueEntry(ctx context.Context, tx *repository.Store, prun *models.PipelineRun, task *models.Task, userKey string) (*models.TaskRun, bool, error) {
	run := &models.TaskRun{
		ID:            ident.NewID(ident.PrefixTaskRun),
		TaskID:        task.ID,
		PipelineRunID: &prun.ID,
		Status:        models.TaskRunPending,
		CodeVersion:   task.CodeVersion,
		CodeHash:      task.CodeHash,
		Attempt:       1,
		MaxRetries:    task.Retries,
		Priority:      effectivePriority(prun, task),
		InputPath:     prun.InputPath,
		ScheduledAt:   e.clock.Now(),
	}
	if userKey != "" {
		key := idempotency.Key(task.ID, userKey)
		run.IdempotencyKey = &key

		hit, err := e.idem.Lookup(ctx, task, userKey)
		if err != nil {
			return nil, false, err
		}
		if hit != nil {
			now := e.clock.Now()
			run.Status = models.TaskRunCompleted
			run.OutputPath = &hit.OutputPath
			run.OutputSize = hit.OutputSize
			run.Assets = hit.Assets
			run.CompletedAt = &now
			run.Metadata = models.JSONMap{metaIdempotencyHit: hit.OriginatingRunID}
			e.metrics.IdempotencyHits.WithLabelValues(task.ID).Inc()
			if err := tx.Runs.Insert(ctx, run); err != nil {
				return nil, false, err
			}
			return run, true, nil
		}
	}
	if err := tx.Runs.Insert(ctx, run); err != nil {
		return nil, false, err
	}
	return run, false, nil
}

// QueueTaskRequest enqueues one standalone task run.
type QueueTaskRequest struct {
	TaskID         string                `json:"taskId" validate:"required"`
	Input          map[string]any        `json:"input"`
	Priority       *int                  `json:"priority,omitempty"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty"`
	ValidationMode models.ValidationMode `json:"validationMode,omitempty"`
	Metadata       models.JSONMap        `json:"metadata,omitempty"`
}

// QueueTask enqueues a standalone run outside any pipeline. The idempotency
// path mirrors the pipeline entry behavior: a hit creates a completed run
// pointing at the cached output and no dispatch happens.
func (e *Executor) QueueTask(ctx context.Context, req *QueueTaskRequest) (*models.TaskRun, []inputschema.FieldError, error) {
	task, err := e.store.Tasks.Get(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, apierrors.NotFound("task %q not found", req.TaskID)
		}
		return nil, nil, err
	}

	warnings, err := e.validateInput(req.Input, []string{task.ID}, map[string]*models.Task{task.ID: task}, req.ValidationMode)
	if err != nil {
		return nil, nil, err
	}

	runID := ident.NewID(ident.PrefixTaskRun)
	inputPath := objectstore.StandaloneInputPath(runID)
	rawInput, err := json.Marshal(req.Input)
	if err != nil {
		return nil, nil, apierrors.InvalidInput("input is not serializable: %v", err)
	}
	if err := e.blobs.Put(ctx, inputPath, rawInput); err != nil {
		return nil, nil, apierrors.Internal("store task input").WithCause(err)
	}

	priority := task.Priority
	if req.Priority != nil {
		priority = *req.Priority
	}
	run := &models.TaskRun{
		ID:          runID,
		TaskID:      task.ID,
		Status:      models.TaskRunPending,
		CodeVersion: task.CodeVersion,
		CodeHash:    task.CodeHash,
		Attempt:     1,
		MaxRetries:  task.Retries,
		Priority:    priority,
		InputPath:   inputPath,
		ScheduledAt: e.clock.Now(),
		Metadata:    req.Metadata,
	}

	if req.IdempotencyKey != "" {
		key := idempotency.Key(task.ID, req.IdempotencyKey)
		run.IdempotencyKey = &key

		hit, err := e.idem.Lookup(ctx, task, req.IdempotencyKey)
		if err != nil {
			return nil, nil, err
		}
		if hit != nil {
			now := e.clock.Now()
			run.Status = models.TaskRunCompleted
			run.OutputPath = &hit.OutputPath
			run.OutputSize = hit.OutputSize
			run.Assets = hit.Assets
			run.CompletedAt = &now
			if run.Metadata == nil {
				run.Metadata = models.JSONMap{}
			}
			run.Metadata[metaIdempotencyHit] = hit.OriginatingRunID
			e.metrics.IdempotencyHits.WithLabelValues(task.ID).Inc()
		}
	}

	if err := e.store.Runs.Insert(ctx, run); err != nil {
		return nil, nil, err
	}
	e.logger.Info("standalone task queued",
		zap.String("task_id", task.ID),
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
	)
	return run, warnings, nil
}

// loadGraph loads every task definition reachable from the pipeline's entry
// points and freezes the snapshot. A dangling allowedNext reference is a
// trigger-time validation error.
func (e *Executor) loadGraph(ctx context.Context, p *models.Pipeline) (map[string]*models.Task, models.StructureSnapshot, error) {
	tasks := make(map[string]*models.Task)
	frontier := append([]string(nil), p.EntryTaskIDs...)
	for len(frontier) > 0 {
		var missing []string
		for _, id := range frontier {
			if _, ok := tasks[id]; !ok {
				missing = append(missing, id)
			}
		}
		loaded, err := e.store.Tasks.GetMany(ctx, missing)
		if err != nil {
			return nil, nil, err
		}
		var next []string
		for _, id := range missing {
			task, ok := loaded[id]
			if !ok {
				return nil, nil, apierrors.Validation(
					"pipeline %q references unknown task %q", p.ID, id)
			}
			tasks[id] = task
			next = append(next, task.AllowedNext...)
		}
		frontier = next
	}

	snapshot := make(models.StructureSnapshot, len(tasks))
	for id, t := range tasks {
		snapshot[id] = models.SnapshotNode{AllowedNext: t.AllowedNext}
	}
	return tasks, snapshot, nil
}

// validateInput applies the per-task schemas under the requested mode.
// strict returns a validation error with per-field diagnostics; warn returns
// the diagnostics as warnings; none (or empty) skips entirely.
func (e *Executor) validateInput(input map[string]any, taskIDs []string, tasks map[string]*models.Task, mode models.ValidationMode) ([]inputschema.FieldError, error) {
	if mode == models.ValidationNone || mode == "" {
		return nil, nil
	}
	var all []inputschema.FieldError
	for _, id := range taskIDs {
		task := tasks[id]
		if task == nil || len(task.InputSchema) == 0 {
			continue
		}
		schema, err := inputschema.Parse(task.InputSchema)
		if err != nil {
			e.logger.Warn("stored input schema does not parse",
				zap.String("task_id", id), zap.Error(err))
			continue
		}
		all = append(all, schema.Validate(input)...)
	}
	if len(all) == 0 {
		return nil, nil
	}
	if mode == models.ValidationStrict {
		fields := make(map[string]string, len(all))
		for _, fe := range all {
			fields[fe.Field] = fe.Message
		}
		return nil, apierrors.Validation("input does not conform to task schema").WithFields(fields)
	}
	for _, fe := range all {
		e.logger.Warn("input schema warning",
			zap.String("field", fe.Field), zap.String("message", fe.Message))
	}
	return all, nil
}

// DryRunResult is the side-effect-free execution plan.
type DryRunResult struct {
	PipelineID string                   `json:"pipelineId"`
	Layers     [][]string               `json:"layers"`
	Errors     []inputschema.FieldError `json:"errors,omitempty"`
}

// DryRun returns the topological layering of the pipeline DAG from its entry
// tasks, plus schema diagnostics for the given input. No state is written.
func (e *Executor) DryRun(ctx context.Context, pipelineID string, input map[string]any) (*DryRunResult, error) {
	p, err := e.store.Pipelines.Get(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierrors.NotFound("pipeline %q not found", pipelineID)
		}
		return nil, err
	}
	tasks, snapshot, err := e.loadGraph(ctx, p)
	if err != nil {
		return nil, err
	}

	result := &DryRunResult{PipelineID: pipelineID}
	if input != nil {
		for _, entryID := range p.EntryTaskIDs {
			task := tasks[entryID]
			if len(task.InputSchema) == 0 {
				continue
			}
			schema, err := inputschema.Parse(task.InputSchema)
			if err != nil {
				continue
			}
			result.Errors = append(result.Errors, schema.Validate(input)...)
		}
	}

	// Kahn layering over the frozen snapshot.
	indegree := make(map[string]int, len(snapshot))
	for id := range snapshot {
		indegree[id] = 0
	}
	for _, node := range snapshot {
		for _, next := range node.AllowedNext {
			indegree[next]++
		}
	}
	layer := append([]string(nil), p.EntryTaskIDs...)
	seen := make(map[string]bool, len(snapshot))
	for len(layer) > 0 {
		sort.Strings(layer)
		result.Layers = append(result.Layers, layer)
		var next []string
		for _, id := range layer {
			seen[id] = true
			for _, succ := range snapshot[id].AllowedNext {
				indegree[succ]--
				if indegree[succ] <= 0 && !seen[succ] {
					next = append(next, succ)
					seen[succ] = true
				}
			}
		}
		layer = next
	}
	return result, nil
}

func effectivePriority(prun *models.PipelineRun, task *models.Task) int {
	if v, ok := prun.Metadata[metaPriorityOverride]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return task.Priority
}
