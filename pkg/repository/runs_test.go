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

package repository_test

import (
	"context"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/repository"
)

var _ = Describe("RunRepository", func() {
	var (
		mock  sqlmock.Sqlmock
		store *repository.Store
		ctx   context.Context
	)

	BeforeEach(func() {
		db, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		store = repository.NewStore(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.ExpectClose()
		Expect(store.Close()).To(Succeed())
	})

	Describe("guarded transitions", func() {
		It("reports true when the expected-state row was advanced", func() {
			mock.ExpectExec(`UPDATE task_runs`).
				WithArgs("trun_1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			changed, err := store.Runs.MarkRunning(ctx, "trun_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())
		})

		It("reports false when the row is no longer in the expected state", func() {
			mock.ExpectExec(`UPDATE task_runs`).
				WithArgs("trun_1").
				WillReturnResult(sqlmock.NewResult(0, 0))
			changed, err := store.Runs.MarkRunning(ctx, "trun_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeFalse())
		})

		It("guards the waiting to cancelled edge", func() {
			mock.ExpectExec(`UPDATE task_runs`).
				WithArgs("trun_w").
				WillReturnResult(sqlmock.NewResult(0, 0))
			changed, err := store.Runs.CancelWaiting(ctx, "trun_w")
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeFalse())
		})
	})

	Describe("Get", func() {
		It("translates missing rows to ErrNotFound", func() {
			mock.ExpectQuery(`SELECT \* FROM task_runs WHERE id`).
				WithArgs("trun_missing").
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			_, err := store.Runs.Get(ctx, "trun_missing")
			Expect(err).To(MatchError(repository.ErrNotFound))
		})
	})

	Describe("CancelNonTerminal", func() {
		It("returns the number of cancelled rows", func() {
			mock.ExpectExec(`UPDATE task_runs`).
				WithArgs("prun_1").
				WillReturnResult(sqlmock.NewResult(0, 3))
			n, err := store.Runs.CancelNonTerminal(ctx, "prun_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(3)))
		})
	})

	Describe("CountByStatus", func() {
		It("maps grouped rows into the status map", func() {
			mock.ExpectQuery(`SELECT status, COUNT\(\*\) AS n FROM task_runs`).
				WillReturnRows(sqlmock.NewRows([]string{"status", "n"}).
					AddRow("pending", 4).
					AddRow("running", 2))
			counts, err := store.Runs.CountByStatus(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(counts).To(HaveKeyWithValue(models.TaskRunPending, 4))
			Expect(counts).To(HaveKeyWithValue(models.TaskRunRunning, 2))
			Expect(counts).NotTo(HaveKey(models.TaskRunFailed))
		})
	})

	Describe("InTx", func() {
		It("rolls the transaction back when the callback fails", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`UPDATE task_runs`).
				WithArgs("trun_1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectRollback()

			err := store.InTx(ctx, func(tx *repository.Store) error {
				_, err := tx.Runs.MarkRunning(ctx, "trun_1")
				Expect(err).NotTo(HaveOccurred())
				return context.Canceled
			})
			Expect(err).To(MatchError(context.Canceled))
		})

		It("commits when the callback succeeds", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`UPDATE task_runs`).
				WithArgs("trun_1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			err := store.InTx(ctx, func(tx *repository.Store) error {
				_, err := tx.Runs.MarkRunning(ctx, "trun_1")
				return err
			})
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
