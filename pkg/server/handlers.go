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

package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskline/taskline/pkg/apierrors"
	"github.com/taskline/taskline/pkg/lifecycle"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/pipeline"
	"github.com/taskline/taskline/pkg/registry"
	"github.com/taskline/taskline/pkg/repository"
	"github.com/taskline/taskline/pkg/stats"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, apierrors.Unavailable("database unreachable").WithCause(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.registry.Register(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	svcs, err := s.store.Services.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, svcs)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, notFoundOr(err, "task"))
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.store.Tasks.CodeHistory(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleQueueTask(w http.ResponseWriter, r *http.Request) {
	if err := s.maint.Admit(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	var req pipeline.QueueTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	req.TaskID = chi.URLParam(r, "taskID")
	run, warnings, err := s.executor.QueueTask(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"run":      run,
		"warnings": warnings,
	})
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	ps, err := s.store.Pipelines.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.maint.Admit(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	var req pipeline.TriggerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	req.PipelineID = chi.URLParam(r, "pipelineID")
	result, err := s.executor.TriggerPipeline(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input map[string]any `json:"input"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	result, err := s.executor.DryRun(r.Context(), chi.URLParam(r, "pipelineID"), body.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListPipelineRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	runs, err := s.store.Pipelines.ListRuns(r.Context(), r.URL.Query().Get("pipelineId"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetPipelineRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Pipelines.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, notFoundOr(err, "pipeline run"))
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePipelineRunTasks(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.Runs.ListByPipelineRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCancelPipelineRun(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Cancel(r.Context(), chi.URLParam(r, "runID")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	runs, err := s.store.Runs.List(r.Context(), repository.ListFilter{
		TaskID: q.Get("taskId"),
		Status: models.TaskRunStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, notFoundOr(err, "run"))
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Progress models.JSONMap `json:"progress,omitempty"`
		Message  string         `json:"message,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	resp, err := s.lifecycle.Heartbeat(r.Context(), chi.URLParam(r, "runID"), body.Progress, body.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var payload lifecycle.CompletionPayload
	if err := decodeBody(r, &payload); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.lifecycle.Complete(r.Context(), chi.URLParam(r, "runID"), &payload); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	filter := repository.DLQFilter{
		TaskID:        q.Get("taskId"),
		PipelineRunID: q.Get("pipelineRunId"),
		Limit:         limit,
		Offset:        offset,
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			s.writeError(w, apierrors.InvalidInput("invalid from timestamp"))
			return
		}
		filter.From = &t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			s.writeError(w, apierrors.InvalidInput("invalid to timestamp"))
			return
		}
		filter.To = &t
	}
	items, err := s.dlq.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	run, err := s.dlq.Replay(r.Context(), chi.URLParam(r, "dlqID"))
	if err != nil {
		s.writeError(w, notFoundOr(err, "dlq item"))
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	n, err := s.dlq.Purge(r.Context(), s.dlqCfg.Retention)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func (s *Server) handleMaintenanceState(w http.ResponseWriter, r *http.Request) {
	st, err := s.maint.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRequestMaintenance(w http.ResponseWriter, r *http.Request) {
	st, err := s.maint.RequestMaintenance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleExitMaintenance(w http.ResponseWriter, r *http.Request) {
	st, err := s.maint.ExitMaintenance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		s.writeError(w, apierrors.InvalidInput("filename query parameter is required"))
		return
	}
	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		s.writeError(w, apierrors.InvalidInput("read upload body: %v", err))
		return
	}
	if len(data) > maxUploadBytes {
		s.writeError(w, apierrors.InvalidInput("upload exceeds %d bytes", maxUploadBytes))
		return
	}
	upload, err := s.uploads.Create(r.Context(), filename, mimeType, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, upload)
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	upload, err := s.uploads.Get(r.Context(), chi.URLParam(r, "uploadID"))
	if err != nil {
		s.writeError(w, notFoundOr(err, "upload"))
		return
	}
	s.writeJSON(w, http.StatusOK, upload)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := stats.Request{
		Scope:      models.StatsScope(q.Get("scope")),
		ScopeID:    q.Get("scopeId"),
		BucketSize: models.BucketSize(q.Get("bucket")),
	}
	if req.Scope == "" {
		req.Scope = models.ScopeSystem
	}
	if req.BucketSize == "" {
		req.BucketSize = models.Bucket1h
	}
	var err error
	if req.From, err = parseTimeParam(q.Get("from"), time.Now().Add(-24*time.Hour)); err != nil {
		s.writeError(w, err)
		return
	}
	if req.To, err = parseTimeParam(q.Get("to"), time.Now()); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.stats.Query(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	qs, err := s.stats.Queue(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, qs)
}

// handleTick runs one poll pass. Serverless deployments drive the scheduler
// through this instead of the loop.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	n, err := s.poller.Tick(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func parseTimeParam(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apierrors.InvalidInput("invalid timestamp %q, want RFC 3339", v)
	}
	return t, nil
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apierrors.NotFound("%s not found", what)
	}
	return err
}
