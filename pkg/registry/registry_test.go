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

package registry

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskline/taskline/pkg/models"
)

func validRequest() *RegisterRequest {
	return &RegisterRequest{
		ServiceID: "svc_reporting",
		Version:   "1.4.0",
		BaseURL:   "http://reporting:8080",
		Tasks: []TaskSpec{
			{ID: "render", CodeHash: "abc123"},
			{ID: "publish", CodeHash: "def456"},
		},
		Pipelines: []PipelineSpec{
			{ID: "daily-report", EntryTaskIDs: []string{"render"}},
		},
	}
}

var _ = Describe("validateRequest", func() {
	It("accepts a well-formed request", func() {
		Expect(validateRequest(validRequest())).To(Succeed())
	})

	It("requires serviceId and baseUrl", func() {
		req := validRequest()
		req.ServiceID = ""
		Expect(validateRequest(req)).To(MatchError(ContainSubstring("serviceId")))

		req = validRequest()
		req.BaseURL = ""
		Expect(validateRequest(req)).To(MatchError(ContainSubstring("baseUrl")))
	})

	It("rejects duplicate task ids", func() {
		req := validRequest()
		req.Tasks = append(req.Tasks, TaskSpec{ID: "render", CodeHash: "zzz"})
		Expect(validateRequest(req)).To(MatchError(ContainSubstring("submitted twice")))
	})

	It("rejects a task without a codeHash", func() {
		req := validRequest()
		req.Tasks[0].CodeHash = ""
		Expect(validateRequest(req)).To(MatchError(ContainSubstring("codeHash")))
	})

	It("rejects unknown backoff curves", func() {
		req := validRequest()
		req.Tasks[0].RetryBackoff = "fibonacci"
		Expect(validateRequest(req)).To(MatchError(ContainSubstring("retryBackoff")))
	})

	It("rejects a malformed input schema", func() {
		req := validRequest()
		req.Tasks[0].InputSchema = json.RawMessage(`{"fields":{"x":{"type":"nope"}}}`)
		Expect(validateRequest(req)).To(MatchError(ContainSubstring("inputSchema")))
	})

	It("rejects a pipeline without entry tasks", func() {
		req := validRequest()
		req.Pipelines[0].EntryTaskIDs = nil
		Expect(validateRequest(req)).To(MatchError(ContainSubstring("entryTaskIds")))
	})

	It("rejects duplicate pipeline ids", func() {
		req := validRequest()
		req.Pipelines = append(req.Pipelines, req.Pipelines[0])
		Expect(validateRequest(req)).To(MatchError(ContainSubstring("submitted twice")))
	})
})

var _ = Describe("specToTask", func() {
	It("applies defaults for omitted knobs", func() {
		t := specToTask("svc_x", TaskSpec{ID: "render", CodeHash: "abc"})
		Expect(t.TimeoutSeconds).To(Equal(DefaultTimeoutSeconds))
		Expect(t.HeartbeatIntervalMs).To(Equal(int64(DefaultHeartbeatIntervalMs)))
		Expect(t.RetryDelayMs).To(Equal(int64(DefaultRetryDelayMs)))
		Expect(t.MaxRetryDelayMs).To(Equal(int64(DefaultMaxRetryDelayMs)))
		Expect(t.RetryBackoff).To(Equal(models.BackoffFixed))
		Expect(t.FatalCodePrefixes).To(Equal(models.StringSlice(DefaultFatalPrefixes)))
	})

	It("keeps explicit values", func() {
		t := specToTask("svc_x", TaskSpec{
			ID: "render", CodeHash: "abc",
			TimeoutSeconds: 60, RetryBackoff: "exponential",
			RetryDelayMs: 500, MaxRetryDelayMs: 10_000,
			FatalCodePrefixes: []string{"PERM_"},
		})
		Expect(t.TimeoutSeconds).To(Equal(60))
		Expect(t.RetryBackoff).To(Equal(models.BackoffExponential))
		Expect(t.RetryDelayMs).To(Equal(int64(500)))
		Expect(t.FatalCodePrefixes).To(Equal(models.StringSlice{"PERM_"}))
	})

	It("treats an explicit empty fatal prefix list as disabled", func() {
		t := specToTask("svc_x", TaskSpec{ID: "render", CodeHash: "abc", FatalCodePrefixes: []string{}})
		Expect(t.FatalCodePrefixes).To(BeEmpty())
		Expect(t.FatalCodePrefixes).NotTo(BeNil())
	})
})
