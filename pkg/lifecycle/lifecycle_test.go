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

package lifecycle_test

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/dlq"
	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/lifecycle"
	"github.com/taskline/taskline/pkg/metrics"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/objectstore"
	"github.com/taskline/taskline/pkg/pipeline"
	"github.com/taskline/taskline/pkg/repository"
)

var _ = Describe("Manager failure routing", func() {
	var (
		mock sqlmock.Sqlmock
		mgr  *lifecycle.Manager
		ctx  context.Context
		now  time.Time
	)

	taskColumns := []string{
		"id", "service_id", "code_hash", "code_version", "retries",
		"retry_backoff", "retry_delay_ms", "max_retry_delay_ms",
		"priority", "fatal_code_prefixes",
	}
	taskRow := func() *sqlmock.Rows {
		return sqlmock.NewRows(taskColumns).
			AddRow("render", "svc_render", "sha256:r1", 3, 2,
				"fixed", int64(5000), int64(60000), 100, []byte(`["FATAL_"]`))
	}
	failedRun := func(attempt int) *models.TaskRun {
		msg := "boom"
		return &models.TaskRun{
			ID:          "trun_failed",
			TaskID:      "render",
			Status:      models.TaskRunFailed,
			CodeVersion: 3,
			CodeHash:    "sha256:r1",
			Attempt:     attempt,
			MaxRetries:  2,
			Priority:    100,
			InputPath:   "standalone/trun_failed/input.json",
			Error:       &msg,
		}
	}

	BeforeEach(func() {
		db, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		store := repository.NewStore(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
		reg := prometheus.NewRegistry()
		met := metrics.NewMetrics("lifecycle_test", reg)
		now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		clock := ident.FixedClock{T: now}
		exec := pipeline.NewExecutor(store, objectstore.NewMemory(), nil, met, clock, zap.NewNop())
		dlqMgr := dlq.NewManager(store, met, clock, zap.NewNop())
		mgr = lifecycle.NewManager(store, exec, nil, dlqMgr, met, clock, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("schedules the next attempt with the task's backoff delay", func() {
		mock.ExpectQuery(`SELECT \* FROM tasks WHERE id`).
			WithArgs("render").
			WillReturnRows(taskRow())
		mock.ExpectExec(`INSERT INTO task_runs`).
			WithArgs(
				sqlmock.AnyArg(), // fresh run id
				"render",
				nil,
				"pending",
				3,
				"sha256:r1",
				2, // next attempt
				2, // budget stays frozen
				100,
				"standalone/trun_failed/input.json",
				nil,
				now.Add(5*time.Second),
				nil, nil, nil, nil, nil,
			).
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(mgr.RouteFailure(ctx, failedRun(1))).To(Succeed())
	})

	It("moves an exhausted failure to the dead-letter queue", func() {
		mock.ExpectQuery(`SELECT \* FROM tasks WHERE id`).
			WithArgs("render").
			WillReturnRows(taskRow())
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO dlq_items`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		// attempt 3 against retries=2: the budget is spent.
		Expect(mgr.RouteFailure(ctx, failedRun(3))).To(Succeed())
	})

	It("short-circuits retries on a fatal error code", func() {
		mock.ExpectQuery(`SELECT \* FROM tasks WHERE id`).
			WithArgs("render").
			WillReturnRows(taskRow())
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO dlq_items`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		run := failedRun(1)
		code := "FATAL_BAD_SCHEMA"
		run.ErrorCode = &code
		Expect(mgr.RouteFailure(ctx, run)).To(Succeed())
	})

	It("fails the pipeline fast and cancels the siblings", func() {
		mock.ExpectQuery(`SELECT \* FROM tasks WHERE id`).
			WithArgs("render").
			WillReturnRows(taskRow())
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO dlq_items`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectQuery(`SELECT \* FROM pipeline_runs WHERE id`).
			WithArgs("prun_1").
			WillReturnRows(sqlmock.NewRows(
				[]string{"id", "pipeline_id", "status", "failure_mode", "input_path", "structure_snapshot"}).
				AddRow("prun_1", "pl_render", "running", "fail-fast",
					"pipelines/prun_1/input.json", []byte(`{"render":{"allowedNext":null}}`)))
		mock.ExpectBegin()
		mock.ExpectExec(`SELECT id FROM pipeline_runs WHERE id = \$1 FOR UPDATE`).
			WithArgs("prun_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE task_runs`).
			WillReturnResult(sqlmock.NewResult(0, 2)) // live siblings cancelled
		mock.ExpectExec(`UPDATE pipeline_runs`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		run := failedRun(3)
		prunID := "prun_1"
		run.PipelineRunID = &prunID
		Expect(mgr.RouteFailure(ctx, run)).To(Succeed())
	})

	It("sweeps stale heartbeats into the failure path", func() {
		mock.ExpectQuery(`UPDATE task_runs tr`).
			WithArgs("HEARTBEAT_TIMEOUT").
			WillReturnRows(sqlmock.NewRows(
				[]string{"id", "task_id", "status", "attempt", "max_retries", "priority", "input_path", "code_version", "code_hash"}).
				AddRow("trun_stale", "render", "timeout", 3, 2, 100,
					"standalone/trun_stale/input.json", 3, "sha256:r1"))
		mock.ExpectQuery(`SELECT \* FROM tasks WHERE id`).
			WithArgs("render").
			WillReturnRows(taskRow())
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO dlq_items`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		swept, err := mgr.SweepTimeouts(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(swept).To(Equal(1))
	})
})
