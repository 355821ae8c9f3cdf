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

package ident_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskline/taskline/pkg/ident"
)

var _ = Describe("NewID", func() {
	It("carries the prefix and a 26-character body", func() {
		id := ident.NewID(ident.PrefixTaskRun)
		Expect(id).To(HavePrefix("trun_"))
		body := strings.TrimPrefix(id, "trun_")
		Expect(body).To(HaveLen(26))
		Expect(body).To(Equal(strings.ToLower(body)))
	})

	It("produces unique values", func() {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			id := ident.NewID(ident.PrefixDLQ)
			Expect(seen[id]).To(BeFalse())
			seen[id] = true
		}
	})
})

var _ = Describe("HasPrefix", func() {
	It("matches the full prefix with its separator", func() {
		Expect(ident.HasPrefix("tmp_abc", ident.PrefixTempUpload)).To(BeTrue())
		Expect(ident.HasPrefix("tmpX_abc", ident.PrefixTempUpload)).To(BeFalse())
		Expect(ident.HasPrefix("trun_abc", ident.PrefixTempUpload)).To(BeFalse())
		Expect(ident.HasPrefix("tmp_", ident.PrefixTempUpload)).To(BeFalse())
	})
})
