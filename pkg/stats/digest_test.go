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

package stats

import (
	"github.com/influxdata/tdigest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("digest round trip", func() {
	It("serializes an empty digest to nil", func() {
		td := tdigest.NewWithCompression(digestCompression)
		Expect(serializeDigest(td)).To(BeNil())
		Expect(serializeDigest(nil)).To(BeNil())
	})

	It("preserves quantiles across a round trip", func() {
		td := tdigest.NewWithCompression(digestCompression)
		for i := 1; i <= 1000; i++ {
			td.Add(float64(i), 1)
		}
		raw := serializeDigest(td)
		Expect(raw).NotTo(BeNil())

		restored := deserializeDigest(raw)
		Expect(restored.Count()).To(Equal(td.Count()))
		Expect(restored.Quantile(0.5)).To(BeNumerically("~", td.Quantile(0.5), 25))
		Expect(restored.Quantile(0.95)).To(BeNumerically("~", td.Quantile(0.95), 25))
	})

	It("tolerates garbage payloads by returning an empty digest", func() {
		Expect(deserializeDigest([]byte(`not json`)).Count()).To(BeZero())
		Expect(deserializeDigest(nil).Count()).To(BeZero())
	})

	It("computes p50/p95/p99 from a stored digest", func() {
		td := tdigest.NewWithCompression(digestCompression)
		for i := 1; i <= 100; i++ {
			td.Add(float64(i), 1)
		}
		p50, p95, p99 := quantiles(serializeDigest(td))
		Expect(p50).To(BeNumerically("~", 50, 5))
		Expect(p95).To(BeNumerically("~", 95, 5))
		Expect(p99).To(BeNumerically("~", 99, 5))
		Expect(p50).To(BeNumerically("<", p95))
		Expect(p95).To(BeNumerically("<=", p99))
	})
})

var _ = Describe("summarize", func() {
	It("returns zeros for an empty window", func() {
		s := summarize(nil)
		Expect(s.TotalCreated).To(BeZero())
		Expect(s.SuccessRate).To(BeZero())
	})

	It("totals counters and counts timeouts as failures", func() {
		s := summarize([]BucketView{
			{Created: 10, Completed: 7, Failed: 2, Timeout: 1, DLQDelta: 3},
			{Created: 5, Completed: 5},
		})
		Expect(s.TotalCreated).To(Equal(15))
		Expect(s.TotalCompleted).To(Equal(12))
		Expect(s.TotalFailed).To(Equal(3))
		Expect(s.TotalDLQ).To(Equal(3))
		Expect(s.SuccessRate).To(BeNumerically("~", 12.0/15.0, 1e-9))
	})

	It("weights averages by per-bucket sample counts", func() {
		s := summarize([]BucketView{
			{Created: 1, Completed: 1, RuntimeAvgMs: 100, WaitAvgMs: 10},
			{Created: 3, Completed: 3, RuntimeAvgMs: 200, WaitAvgMs: 30},
		})
		// (100*1 + 200*3) / 4
		Expect(s.AvgRuntimeMs).To(BeNumerically("~", 175, 1e-9))
		// (10*1 + 30*3) / 4
		Expect(s.AvgWaitMs).To(BeNumerically("~", 25, 1e-9))
	})
})
