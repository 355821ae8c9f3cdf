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

package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/metrics"
	"github.com/taskline/taskline/pkg/objectstore"
	"github.com/taskline/taskline/pkg/repository"
)

// Fan-out for one pipeline run must serialize on the pipeline run's row lock:
// two predecessors of a join completing at once must not both read the run
// set before either writes the join's run. These specs pin the lock-then-read
// ordering inside the fan-out transaction.
var _ = Describe("QueueDownstream", func() {
	var (
		mock sqlmock.Sqlmock
		exec *Executor
		ctx  context.Context
	)

	snapshotJSON := func() []byte {
		raw, err := json.Marshal(diamondSnapshot())
		Expect(err).NotTo(HaveOccurred())
		return raw
	}

	runColumns := []string{"id", "task_id", "pipeline_run_id", "status", "attempt", "input_path"}

	BeforeEach(func() {
		db, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		store := repository.NewStore(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
		exec = NewExecutor(store, objectstore.NewMemory(), nil,
			metrics.NewMetrics("fanout_test", prometheus.NewRegistry()),
			ident.FixedClock{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
			zap.NewNop())
		ctx = context.Background()

		mock.ExpectQuery(`SELECT \* FROM task_runs WHERE id`).
			WithArgs("trun_clean").
			WillReturnRows(sqlmock.NewRows(runColumns).
				AddRow("trun_clean", "clean", "prun_1", "completed", 1, "pipelines/prun_1/input.json"))
		mock.ExpectQuery(`SELECT \* FROM pipeline_runs WHERE id`).
			WithArgs("prun_1").
			WillReturnRows(sqlmock.NewRows(
				[]string{"id", "pipeline_id", "status", "failure_mode", "input_path", "structure_snapshot"}).
				AddRow("prun_1", "pl_etl", "running", "continue", "pipelines/prun_1/input.json", snapshotJSON()))
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("locks the pipeline run before promoting a satisfied join", func() {
		mock.ExpectBegin()
		mock.ExpectExec(`SELECT id FROM pipeline_runs WHERE id = \$1 FOR UPDATE`).
			WithArgs("prun_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT \* FROM task_runs\s+WHERE pipeline_run_id`).
			WithArgs("prun_1").
			WillReturnRows(sqlmock.NewRows(runColumns).
				AddRow("trun_extract", "extract", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_clean", "clean", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_enrich", "enrich", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_merge", "merge", "prun_1", "waiting", 1, "pipelines/prun_1/input.json"))
		mock.ExpectExec(`UPDATE task_runs`).
			WithArgs("trun_merge").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		// Roll-up re-reads the run set and sees the join still live.
		mock.ExpectQuery(`SELECT \* FROM pipeline_runs WHERE id`).
			WithArgs("prun_1").
			WillReturnRows(sqlmock.NewRows(
				[]string{"id", "pipeline_id", "status", "failure_mode", "input_path", "structure_snapshot"}).
				AddRow("prun_1", "pl_etl", "running", "continue", "pipelines/prun_1/input.json", snapshotJSON()))
		mock.ExpectQuery(`SELECT \* FROM task_runs\s+WHERE pipeline_run_id`).
			WithArgs("prun_1").
			WillReturnRows(sqlmock.NewRows(runColumns).
				AddRow("trun_extract", "extract", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_clean", "clean", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_enrich", "enrich", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_merge", "merge", "prun_1", "pending", 1, "pipelines/prun_1/input.json"))

		Expect(exec.QueueDownstream(ctx, "trun_clean", nil)).To(Succeed())
	})

	It("locks the pipeline run before inserting a join that has no run yet", func() {
		mock.ExpectBegin()
		mock.ExpectExec(`SELECT id FROM pipeline_runs WHERE id = \$1 FOR UPDATE`).
			WithArgs("prun_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT \* FROM task_runs\s+WHERE pipeline_run_id`).
			WithArgs("prun_1").
			WillReturnRows(sqlmock.NewRows(runColumns).
				AddRow("trun_extract", "extract", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_clean", "clean", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_enrich", "enrich", "prun_1", "completed", 1, "pipelines/prun_1/input.json"))
		mock.ExpectQuery(`SELECT \* FROM tasks WHERE id`).
			WithArgs("merge").
			WillReturnRows(sqlmock.NewRows(
				[]string{"id", "service_id", "code_hash", "code_version", "retries", "priority"}).
				AddRow("merge", "svc_etl", "sha256:merge", 1, 2, 100))
		mock.ExpectExec(`INSERT INTO task_runs`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectQuery(`SELECT \* FROM pipeline_runs WHERE id`).
			WithArgs("prun_1").
			WillReturnRows(sqlmock.NewRows(
				[]string{"id", "pipeline_id", "status", "failure_mode", "input_path", "structure_snapshot"}).
				AddRow("prun_1", "pl_etl", "running", "continue", "pipelines/prun_1/input.json", snapshotJSON()))
		mock.ExpectQuery(`SELECT \* FROM task_runs\s+WHERE pipeline_run_id`).
			WithArgs("prun_1").
			WillReturnRows(sqlmock.NewRows(runColumns).
				AddRow("trun_extract", "extract", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_clean", "clean", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_enrich", "enrich", "prun_1", "completed", 1, "pipelines/prun_1/input.json").
				AddRow("trun_merge", "merge", "prun_1", "pending", 1, "pipelines/prun_1/input.json"))

		Expect(exec.QueueDownstream(ctx, "trun_clean", nil)).To(Succeed())
	})
})
