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

package idempotency_test

import (
	"crypto/sha256"
	"encoding/hex"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskline/taskline/pkg/idempotency"
)

var _ = Describe("Key", func() {
	It("is SHA-256 over taskId:userKey, hex encoded", func() {
		sum := sha256.Sum256([]byte("render-report:order-42"))
		Expect(idempotency.Key("render-report", "order-42")).
			To(Equal(hex.EncodeToString(sum[:])))
	})

	It("is deterministic and 64 characters long", func() {
		a := idempotency.Key("t", "k")
		b := idempotency.Key("t", "k")
		Expect(a).To(Equal(b))
		Expect(a).To(HaveLen(64))
	})

	It("scopes keys to the task", func() {
		Expect(idempotency.Key("task-a", "same")).
			NotTo(Equal(idempotency.Key("task-b", "same")))
	})
})
