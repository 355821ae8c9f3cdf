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

package retry_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/retry"
)

var _ = Describe("Delay", func() {
	Context("with fixed backoff", func() {
		It("waits the base delay for every attempt", func() {
			base := 5 * time.Second
			Expect(retry.Delay(2, models.BackoffFixed, base, time.Minute)).To(Equal(base))
			Expect(retry.Delay(3, models.BackoffFixed, base, time.Minute)).To(Equal(base))
			Expect(retry.Delay(10, models.BackoffFixed, base, time.Minute)).To(Equal(base))
		})

		It("caps the base at the maximum", func() {
			Expect(retry.Delay(2, models.BackoffFixed, time.Minute, 10*time.Second)).
				To(Equal(10 * time.Second))
		})
	})

	Context("with exponential backoff", func() {
		It("doubles from the base starting at the second retry", func() {
			base := time.Second
			Expect(retry.Delay(2, models.BackoffExponential, base, time.Hour)).To(Equal(1 * time.Second))
			Expect(retry.Delay(3, models.BackoffExponential, base, time.Hour)).To(Equal(2 * time.Second))
			Expect(retry.Delay(4, models.BackoffExponential, base, time.Hour)).To(Equal(4 * time.Second))
			Expect(retry.Delay(5, models.BackoffExponential, base, time.Hour)).To(Equal(8 * time.Second))
		})

		It("caps the curve at the maximum", func() {
			Expect(retry.Delay(20, models.BackoffExponential, time.Second, 30*time.Second)).
				To(Equal(30 * time.Second))
		})
	})

	It("returns zero when no base delay is configured", func() {
		Expect(retry.Delay(2, models.BackoffExponential, 0, time.Minute)).To(BeZero())
	})

	It("treats a missing maximum as the base", func() {
		Expect(retry.Delay(5, models.BackoffExponential, time.Second, 0)).To(Equal(time.Second))
	})
})

var _ = Describe("DelayForTask", func() {
	It("reads the curve from the task definition", func() {
		task := &models.Task{
			RetryBackoff:    models.BackoffExponential,
			RetryDelayMs:    1000,
			MaxRetryDelayMs: 300000,
		}
		Expect(retry.DelayForTask(task, 2)).To(Equal(1 * time.Second))
		Expect(retry.DelayForTask(task, 4)).To(Equal(4 * time.Second))
	})
})
