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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskline/taskline/pkg/apierrors"
	"github.com/taskline/taskline/pkg/models"
)

// diamond: extract fans out to clean and enrich, both feed merge.
func diamondSnapshot() models.StructureSnapshot {
	return models.StructureSnapshot{
		"extract": {AllowedNext: models.StringSlice{"clean", "enrich"}},
		"clean":   {AllowedNext: models.StringSlice{"merge"}},
		"enrich":  {AllowedNext: models.StringSlice{"merge"}},
		"merge":   {AllowedNext: nil},
	}
}

func run(taskID string, status models.TaskRunStatus, attempt int) *models.TaskRun {
	return &models.TaskRun{ID: "trun_" + taskID, TaskID: taskID, Status: status, Attempt: attempt}
}

var _ = Describe("ValidateSelectedNext", func() {
	snapshot := diamondSnapshot()

	It("accepts a narrowing selection", func() {
		Expect(ValidateSelectedNext(snapshot, "extract", []string{"clean"})).To(Succeed())
	})

	It("accepts the full allowed set", func() {
		Expect(ValidateSelectedNext(snapshot, "extract", []string{"clean", "enrich"})).To(Succeed())
	})

	It("accepts an empty selection", func() {
		Expect(ValidateSelectedNext(snapshot, "extract", []string{})).To(Succeed())
	})

	It("rejects a widening selection with the invalid ids named", func() {
		err := ValidateSelectedNext(snapshot, "clean", []string{"merge", "extract"})
		Expect(err).To(HaveOccurred())
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeInvalidNextTasks))
		Expect(err.Error()).To(ContainSubstring("extract"))
	})
})

var _ = Describe("effectiveNext", func() {
	snapshot := diamondSnapshot()

	It("returns the full allowed set for a nil selection", func() {
		Expect(effectiveNext(snapshot, "extract", nil)).
			To(Equal([]string{"clean", "enrich"}))
	})

	It("intersects a selection with the allowed set", func() {
		Expect(effectiveNext(snapshot, "extract", []string{"enrich", "bogus"})).
			To(Equal([]string{"enrich"}))
	})

	It("treats an empty selection as stop", func() {
		Expect(effectiveNext(snapshot, "extract", []string{})).To(BeEmpty())
	})
})

var _ = Describe("latestByTask", func() {
	It("keeps only the newest attempt per task", func() {
		runs := []*models.TaskRun{
			run("extract", models.TaskRunFailed, 1),
			run("extract", models.TaskRunCompleted, 2),
			run("clean", models.TaskRunRunning, 1),
		}
		latest := latestByTask(runs)
		Expect(latest).To(HaveLen(2))
		Expect(latest["extract"].Attempt).To(Equal(2))
		Expect(latest["extract"].Status).To(Equal(models.TaskRunCompleted))
	})
})

var _ = Describe("fan-in readiness", func() {
	snapshot := diamondSnapshot()

	It("is not ready while a created predecessor is still live", func() {
		state := &runState{latest: map[string]*models.TaskRun{
			"extract": run("extract", models.TaskRunCompleted, 1),
			"clean":   run("clean", models.TaskRunCompleted, 1),
			"enrich":  run("enrich", models.TaskRunRunning, 1),
		}}
		Expect(state.ready(snapshot, "merge")).To(BeFalse())
	})

	It("is not ready while an uncreated predecessor is still reachable", func() {
		// enrich has no run yet but extract is still running, so it may
		// still be produced.
		state := &runState{latest: map[string]*models.TaskRun{
			"extract": run("extract", models.TaskRunRunning, 1),
			"clean":   run("clean", models.TaskRunCompleted, 1),
		}}
		Expect(state.ready(snapshot, "merge")).To(BeFalse())
	})

	It("becomes ready when every created predecessor completed and the rest are unreachable", func() {
		// extract completed selecting only clean; enrich will never exist.
		extract := run("extract", models.TaskRunCompleted, 1)
		extract.SelectedNext = models.StringSlice{"clean"}
		state := &runState{latest: map[string]*models.TaskRun{
			"extract": extract,
			"clean":   run("clean", models.TaskRunCompleted, 1),
		}}
		Expect(state.ready(snapshot, "merge")).To(BeTrue())
	})

	It("is ready when all predecessors completed", func() {
		state := &runState{latest: map[string]*models.TaskRun{
			"extract": run("extract", models.TaskRunCompleted, 1),
			"clean":   run("clean", models.TaskRunCompleted, 1),
			"enrich":  run("enrich", models.TaskRunCompleted, 1),
		}}
		Expect(state.ready(snapshot, "merge")).To(BeTrue())
	})
})

var _ = Describe("fan-in blocking", func() {
	snapshot := diamondSnapshot()

	It("blocks when a created predecessor ended terminal without completing", func() {
		state := &runState{latest: map[string]*models.TaskRun{
			"extract": run("extract", models.TaskRunCompleted, 1),
			"clean":   run("clean", models.TaskRunCompleted, 1),
			"enrich":  run("enrich", models.TaskRunFailed, 1),
		}}
		Expect(state.blocked(snapshot, "merge")).To(BeTrue())
		Expect(state.ready(snapshot, "merge")).To(BeFalse())
	})

	It("does not block on a retryable predecessor still pending", func() {
		state := &runState{latest: map[string]*models.TaskRun{
			"extract": run("extract", models.TaskRunCompleted, 1),
			"clean":   run("clean", models.TaskRunCompleted, 1),
			"enrich":  run("enrich", models.TaskRunPending, 2),
		}}
		Expect(state.blocked(snapshot, "merge")).To(BeFalse())
	})
})

var _ = Describe("sink detection", func() {
	snapshot := diamondSnapshot()

	It("treats a task whose successor completed as interior", func() {
		clean := run("clean", models.TaskRunCompleted, 1)
		latest := map[string]*models.TaskRun{
			"clean": clean,
			"merge": run("merge", models.TaskRunCompleted, 1),
		}
		Expect(hasLiveSuccessor(snapshot, latest, "clean", clean)).To(BeTrue())
	})

	It("treats a task with no completed successor as a sink", func() {
		merge := run("merge", models.TaskRunCompleted, 1)
		latest := map[string]*models.TaskRun{"merge": merge}
		Expect(hasLiveSuccessor(snapshot, latest, "merge", merge)).To(BeFalse())
	})
})
