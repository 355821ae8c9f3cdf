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

package tempupload_test

import (
	"context"
	"errors"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/objectstore"
	"github.com/taskline/taskline/pkg/repository"
	"github.com/taskline/taskline/pkg/tempupload"
)

var _ = Describe("Manager.Create", func() {
	var (
		mock  sqlmock.Sqlmock
		store *repository.Store
		blobs *objectstore.Memory
		mgr   *tempupload.Manager
		ctx   context.Context
		now   time.Time
	)

	BeforeEach(func() {
		db, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		store = repository.NewStore(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
		blobs = objectstore.NewMemory()
		now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
		mgr = tempupload.NewManager(store, blobs, tempupload.Options{
			DefaultTTL: time.Hour,
			BackendID:  "default",
		}, ident.FixedClock{T: now}, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("stores the blob and the record with the configured TTL", func() {
		mock.ExpectExec(`INSERT INTO temp_uploads`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		upload, err := mgr.Create(ctx, "report.pdf", "application/pdf", []byte("content"))
		Expect(err).NotTo(HaveOccurred())
		Expect(upload.ID).To(HavePrefix("tmp_"))
		Expect(upload.OriginalFilename).To(Equal("report.pdf"))
		Expect(upload.SizeBytes).To(Equal(int64(7)))
		Expect(upload.ExpiresAt).To(Equal(now.Add(time.Hour)))
		Expect(blobs.Len()).To(Equal(1))

		data, err := blobs.Get(ctx, upload.StoragePath)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("content")))
	})

	It("removes the blob when the record insert fails", func() {
		mock.ExpectExec(`INSERT INTO temp_uploads`).
			WillReturnError(errors.New("constraint violated"))

		_, err := mgr.Create(ctx, "report.pdf", "application/pdf", []byte("content"))
		Expect(err).To(HaveOccurred())
		Expect(blobs.Len()).To(BeZero())
	})
})

var _ = Describe("Manager.SweepExpired", func() {
	It("deletes blobs and stamps rows, skipping undeletable blobs", func() {
		db, mock, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		store := repository.NewStore(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
		blobs := objectstore.NewMemory()
		mgr := tempupload.NewManager(store, blobs, tempupload.Options{
			BatchSize: 10,
		}, ident.RealClock{}, zap.NewNop())
		ctx := context.Background()

		Expect(blobs.Put(ctx, "temp-uploads/tmp_a/a.txt", []byte("a"))).To(Succeed())

		mock.ExpectQuery(`SELECT \* FROM temp_uploads`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "storage_path"}).
				AddRow("tmp_a", "temp-uploads/tmp_a/a.txt"))
		mock.ExpectExec(`UPDATE temp_uploads SET deleted_at`).
			WithArgs("tmp_a").
			WillReturnResult(sqlmock.NewResult(0, 1))

		deleted, err := mgr.SweepExpired(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(deleted).To(Equal(1))
		Expect(blobs.Len()).To(BeZero())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
