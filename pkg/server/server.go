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

// Package server exposes the orchestrator's REST surface: registration,
// triggers, worker callbacks, DLQ and maintenance operations, uploads, and
// statistics. Errors render as RFC 7807 problem documents.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/apierrors"
	"github.com/taskline/taskline/pkg/config"
	"github.com/taskline/taskline/pkg/dlq"
	"github.com/taskline/taskline/pkg/lifecycle"
	"github.com/taskline/taskline/pkg/maintenance"
	"github.com/taskline/taskline/pkg/pipeline"
	"github.com/taskline/taskline/pkg/poller"
	"github.com/taskline/taskline/pkg/registry"
	"github.com/taskline/taskline/pkg/repository"
	"github.com/taskline/taskline/pkg/stats"
	"github.com/taskline/taskline/pkg/tempupload"
)

// maxUploadBytes caps inbound temp-upload bodies.
const maxUploadBytes = 256 << 20

// Server wires the REST surface over the engine components.
type Server struct {
	cfg       config.ServerConfig
	store     *repository.Store
	registry  *registry.Registry
	executor  *pipeline.Executor
	lifecycle *lifecycle.Manager
	dlq       *dlq.Manager
	dlqCfg    config.DLQConfig
	maint     *maintenance.Controller
	uploads   *tempupload.Manager
	stats     *stats.Aggregator
	poller    *poller.Poller
	logger    *zap.Logger

	http *http.Server
}

// Deps collects the engine components the server fronts.
type Deps struct {
	Store     *repository.Store
	Registry  *registry.Registry
	Executor  *pipeline.Executor
	Lifecycle *lifecycle.Manager
	DLQ       *dlq.Manager
	DLQConfig config.DLQConfig
	Maint     *maintenance.Controller
	Uploads   *tempupload.Manager
	Stats     *stats.Aggregator
	Poller    *poller.Poller
}

func New(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		executor:  deps.Executor,
		lifecycle: deps.Lifecycle,
		dlq:       deps.DLQ,
		dlqCfg:    deps.DLQConfig,
		maint:     deps.Maint,
		uploads:   deps.Uploads,
		stats:     deps.Stats,
		poller:    deps.Poller,
		logger:    logger,
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Routes builds the full router. Exposed so tests can drive the surface
// without binding a listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/services/register", s.handleRegister)
		r.Get("/services", s.handleListServices)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Get("/tasks/{taskID}/history", s.handleTaskHistory)
		r.Post("/tasks/{taskID}/queue", s.handleQueueTask)

		r.Get("/pipelines", s.handleListPipelines)
		r.Post("/pipelines/{pipelineID}/trigger", s.handleTrigger)
		r.Post("/pipelines/{pipelineID}/dry-run", s.handleDryRun)

		r.Get("/pipeline-runs", s.handleListPipelineRuns)
		r.Get("/pipeline-runs/{runID}", s.handleGetPipelineRun)
		r.Get("/pipeline-runs/{runID}/tasks", s.handlePipelineRunTasks)
		r.Post("/pipeline-runs/{runID}/cancel", s.handleCancelPipelineRun)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs/{runID}/heartbeat", s.handleHeartbeat)
		r.Post("/runs/{runID}/complete", s.handleComplete)

		r.Get("/dlq", s.handleListDLQ)
		r.Post("/dlq/{dlqID}/retry", s.handleRetryDLQ)
		r.Post("/dlq/purge", s.handlePurgeDLQ)

		r.Get("/maintenance", s.handleMaintenanceState)
		r.Post("/maintenance/request", s.handleRequestMaintenance)
		r.Post("/maintenance/exit", s.handleExitMaintenance)

		r.Post("/uploads", s.handleCreateUpload)
		r.Get("/uploads/{uploadID}", s.handleGetUpload)

		r.Get("/stats", s.handleStats)
		r.Get("/stats/queue", s.handleQueueStats)

		r.Post("/tick", s.handleTick)
	})
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured window.
func (s *Server) Shutdown(ctx context.Context) error {
	drain := s.cfg.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, drain)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	apierrors.WriteProblem(w, err)
}

func decodeBody(r *http.Request, dest any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		return apierrors.InvalidInput("malformed request body: %v", err)
	}
	return nil
}
