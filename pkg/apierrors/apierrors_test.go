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

package apierrors_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskline/taskline/pkg/apierrors"
)

var _ = Describe("Error", func() {
	It("formats code and message", func() {
		err := apierrors.NotFound("run %s not found", "trun_x")
		Expect(err.Error()).To(Equal("NOT_FOUND: run trun_x not found"))
		Expect(err.Status).To(Equal(http.StatusNotFound))
	})

	It("wraps and unwraps a cause", func() {
		cause := errors.New("connection refused")
		err := apierrors.Unavailable("database unreachable").WithCause(cause)
		Expect(errors.Is(err, cause)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("connection refused"))
	})

	It("keeps the original copy unchanged when attaching a cause", func() {
		base := apierrors.Internal("boom")
		wrapped := base.WithCause(errors.New("disk full"))
		Expect(base.Unwrap()).To(BeNil())
		Expect(wrapped.Unwrap()).NotTo(BeNil())
	})
})

var _ = Describe("CodeOf", func() {
	It("extracts the code from coded errors, wrapped included", func() {
		err := fmt.Errorf("trigger: %w", apierrors.Conflict("already running"))
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeConflict))
	})

	It("maps plain errors to INTERNAL_ERROR", func() {
		Expect(apierrors.CodeOf(errors.New("oops"))).To(Equal(apierrors.CodeInternal))
	})
})

var _ = Describe("WriteProblem", func() {
	It("renders a coded error as problem+json", func() {
		rec := httptest.NewRecorder()
		err := apierrors.Validation("bad input").
			WithFields(map[string]string{"count": "below minimum 1"})
		apierrors.WriteProblem(rec, err)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/problem+json"))

		var prob apierrors.Problem
		Expect(json.Unmarshal(rec.Body.Bytes(), &prob)).To(Succeed())
		Expect(prob.Code).To(Equal(apierrors.CodeValidationFailed))
		Expect(prob.Detail).To(Equal("bad input"))
		Expect(prob.Fields).To(HaveKeyWithValue("count", "below minimum 1"))
	})

	It("renders plain errors as 500", func() {
		rec := httptest.NewRecorder()
		apierrors.WriteProblem(rec, errors.New("oops"))
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
	})
})
