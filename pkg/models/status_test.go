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

package models_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskline/taskline/pkg/models"
)

var _ = Describe("TaskRunStatus", func() {
	It("marks exactly the four final states terminal", func() {
		Expect(models.TaskRunCompleted.Terminal()).To(BeTrue())
		Expect(models.TaskRunFailed.Terminal()).To(BeTrue())
		Expect(models.TaskRunTimeout.Terminal()).To(BeTrue())
		Expect(models.TaskRunCancelled.Terminal()).To(BeTrue())
		Expect(models.TaskRunPending.Terminal()).To(BeFalse())
		Expect(models.TaskRunWaiting.Terminal()).To(BeFalse())
		Expect(models.TaskRunRunning.Terminal()).To(BeFalse())
	})

	It("allows only forward lifecycle edges", func() {
		Expect(models.TaskRunWaiting.CanTransition(models.TaskRunPending)).To(BeTrue())
		Expect(models.TaskRunPending.CanTransition(models.TaskRunRunning)).To(BeTrue())
		Expect(models.TaskRunRunning.CanTransition(models.TaskRunCompleted)).To(BeTrue())
		Expect(models.TaskRunRunning.CanTransition(models.TaskRunTimeout)).To(BeTrue())

		Expect(models.TaskRunCompleted.CanTransition(models.TaskRunRunning)).To(BeFalse())
		Expect(models.TaskRunWaiting.CanTransition(models.TaskRunRunning)).To(BeFalse())
		Expect(models.TaskRunPending.CanTransition(models.TaskRunCompleted)).To(BeFalse())
	})
})

var _ = Describe("OrchestratorMode", func() {
	It("requires the drain phase before maintenance", func() {
		Expect(models.ModeRunning.CanTransition(models.ModeMaintenance)).To(BeFalse())
		Expect(models.ModeRunning.CanTransition(models.ModeWaitingForMaintenance)).To(BeTrue())
		Expect(models.ModeWaitingForMaintenance.CanTransition(models.ModeMaintenance)).To(BeTrue())
	})

	It("allows abandoning the drain and exiting maintenance", func() {
		Expect(models.ModeWaitingForMaintenance.CanTransition(models.ModeRunning)).To(BeTrue())
		Expect(models.ModeMaintenance.CanTransition(models.ModeRunning)).To(BeTrue())
		Expect(models.ModeMaintenance.CanTransition(models.ModeWaitingForMaintenance)).To(BeFalse())
	})
})

var _ = Describe("Task", func() {
	It("matches fatal error codes by prefix", func() {
		t := &models.Task{FatalCodePrefixes: models.StringSlice{"FATAL_", "PERM_"}}
		Expect(t.IsFatalCode("FATAL_BAD_CONFIG")).To(BeTrue())
		Expect(t.IsFatalCode("PERM_DENIED")).To(BeTrue())
		Expect(t.IsFatalCode("TRANSIENT_IO")).To(BeFalse())
		Expect(t.IsFatalCode("")).To(BeFalse())
	})

	It("never matches with an empty prefix list", func() {
		t := &models.Task{FatalCodePrefixes: models.StringSlice{}}
		Expect(t.IsFatalCode("FATAL_ANYTHING")).To(BeFalse())
	})

	It("budgets attempts as retries plus one", func() {
		Expect((&models.Task{Retries: 3}).MaxAttempts()).To(Equal(4))
		Expect((&models.Task{}).MaxAttempts()).To(Equal(1))
	})
})

var _ = Describe("StructureSnapshot", func() {
	snapshot := models.StructureSnapshot{
		"extract": {AllowedNext: models.StringSlice{"clean", "enrich"}},
		"clean":   {AllowedNext: models.StringSlice{"merge"}},
		"enrich":  {AllowedNext: models.StringSlice{"merge"}},
		"merge":   {},
	}

	It("derives predecessors from the forward edges", func() {
		Expect(snapshot.Predecessors("merge")).To(ConsistOf("clean", "enrich"))
		Expect(snapshot.Predecessors("clean")).To(ConsistOf("extract"))
		Expect(snapshot.Predecessors("extract")).To(BeEmpty())
	})
})

var _ = Describe("FailureMode", func() {
	It("recognizes the three modes and nothing else", func() {
		Expect(models.FailFast.Valid()).To(BeTrue())
		Expect(models.Continue.Valid()).To(BeTrue())
		Expect(models.PartialMerge.Valid()).To(BeTrue())
		Expect(models.FailureMode("retry-all").Valid()).To(BeFalse())
	})
})
