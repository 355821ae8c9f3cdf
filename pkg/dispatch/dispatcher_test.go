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

package dispatch_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/taskline/taskline/pkg/dispatch"
)

var _ = Describe("FindTempUploadIDs", func() {
	decode := func(doc string) any {
		var v any
		ExpectWithOffset(1, json.Unmarshal([]byte(doc), &v)).To(Succeed())
		return v
	}

	It("finds ids nested anywhere in the document", func() {
		doc := decode(`{
			"report": {"attachment": "tmp_aaaaaaaaaaaaaaaaaaaaaaaaaa"},
			"extras": ["tmp_bbbbbbbbbbbbbbbbbbbbbbbbbb", "plain string"],
			"count": 3
		}`)
		Expect(dispatch.FindTempUploadIDs(doc)).To(ConsistOf(
			"tmp_aaaaaaaaaaaaaaaaaaaaaaaaaa",
			"tmp_bbbbbbbbbbbbbbbbbbbbbbbbbb",
		))
	})

	It("deduplicates repeated ids", func() {
		doc := decode(`["tmp_cccccccccccccccccccccccccc", "tmp_cccccccccccccccccccccccccc"]`)
		Expect(dispatch.FindTempUploadIDs(doc)).To(HaveLen(1))
	})

	It("ignores strings with other prefixes", func() {
		doc := decode(`{"run": "trun_aaaaaaaaaaaaaaaaaaaaaaaaaa", "tmpdir": "tmpfiles"}`)
		Expect(dispatch.FindTempUploadIDs(doc)).To(BeEmpty())
	})

	It("handles scalar documents", func() {
		Expect(dispatch.FindTempUploadIDs(decode(`"tmp_dddddddddddddddddddddddddd"`))).To(HaveLen(1))
		Expect(dispatch.FindTempUploadIDs(decode(`42`))).To(BeEmpty())
		Expect(dispatch.FindTempUploadIDs(nil)).To(BeEmpty())
	})
})
