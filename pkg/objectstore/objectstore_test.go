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

package objectstore_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskline/taskline/pkg/objectstore"
)

// storeContract runs the behavior every provider must share.
func storeContract(newStore func() objectstore.Store) {
	var (
		store objectstore.Store
		ctx   context.Context
	)

	BeforeEach(func() {
		store = newStore()
		ctx = context.Background()
	})

	It("round-trips a blob", func() {
		Expect(store.Put(ctx, "a/b.json", []byte(`{"x":1}`))).To(Succeed())
		got, err := store.Get(ctx, "a/b.json")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte(`{"x":1}`)))
	})

	It("returns ErrNotFound for a missing key", func() {
		_, err := store.Get(ctx, "missing")
		Expect(err).To(MatchError(objectstore.ErrNotFound))
	})

	It("overwrites on Put", func() {
		Expect(store.Put(ctx, "k", []byte("one"))).To(Succeed())
		Expect(store.Put(ctx, "k", []byte("two"))).To(Succeed())
		got, err := store.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("two")))
	})

	It("deletes idempotently", func() {
		Expect(store.Put(ctx, "k", []byte("v"))).To(Succeed())
		Expect(store.Delete(ctx, "k")).To(Succeed())
		Expect(store.Delete(ctx, "k")).To(Succeed())
		_, err := store.Get(ctx, "k")
		Expect(err).To(MatchError(objectstore.ErrNotFound))
	})

	It("lists by prefix", func() {
		Expect(store.Put(ctx, "runs/p1/a", []byte("1"))).To(Succeed())
		Expect(store.Put(ctx, "runs/p1/b", []byte("2"))).To(Succeed())
		Expect(store.Put(ctx, "runs/p2/c", []byte("3"))).To(Succeed())
		keys, err := store.List(ctx, "runs/p1/")
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(ConsistOf("runs/p1/a", "runs/p1/b"))
	})
}

var _ = Describe("Memory store", func() {
	storeContract(func() objectstore.Store { return objectstore.NewMemory() })
})

var _ = Describe("Local store", func() {
	storeContract(func() objectstore.Store {
		store, err := objectstore.NewLocal(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		return store
	})

	It("rejects traversal outside the root", func() {
		store, err := objectstore.NewLocal(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Put(context.Background(), "../escape", []byte("x"))).NotTo(Succeed())
	})
})

var _ = Describe("blob layout", func() {
	It("keeps the canonical paths stable", func() {
		Expect(objectstore.PipelineInputPath("prun_1")).To(Equal("pipelines/prun_1/input.json"))
		Expect(objectstore.StandaloneInputPath("trun_1")).To(Equal("standalone/trun_1/input.json"))
		Expect(objectstore.RunOutputPath("prun_1", "trun_1")).To(Equal("runs/prun_1/outputs/trun_1.json"))
		Expect(objectstore.RunLogsPath("prun_1", "trun_1")).To(Equal("runs/prun_1/logs/trun_1.jsonl"))
		Expect(objectstore.PipelineOutputPath("prun_1")).To(Equal("runs/prun_1/output.json"))
		Expect(objectstore.TempUploadPath("tmp_1", "report.pdf")).To(Equal("temp-uploads/tmp_1/report.pdf"))
	})
})
