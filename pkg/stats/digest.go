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
	"encoding/json"

	"github.com/influxdata/tdigest"
)

// digestCompression bounds the centroid count per stored digest.
const digestCompression = 100

// centroid is the persisted form of one t-digest centroid.
type centroid struct {
	Mean   float64 `json:"m"`
	Weight float64 `json:"w"`
}

// serializeDigest flattens a t-digest to its centroid list. Returns nil for
// an empty digest so empty buckets stay small.
func serializeDigest(td *tdigest.TDigest) json.RawMessage {
	if td == nil || td.Count() == 0 {
		return nil
	}
	list := td.Centroids()
	out := make([]centroid, 0, len(list))
	for _, c := range list {
		out = append(out, centroid{Mean: c.Mean, Weight: c.Weight})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return raw
}

// deserializeDigest rebuilds a t-digest from its stored centroid list.
func deserializeDigest(raw json.RawMessage) *tdigest.TDigest {
	td := tdigest.NewWithCompression(digestCompression)
	if len(raw) == 0 {
		return td
	}
	var list []centroid
	if err := json.Unmarshal(raw, &list); err != nil {
		return td
	}
	for _, c := range list {
		td.Add(c.Mean, c.Weight)
	}
	return td
}

// quantiles returns p50/p95/p99 of a stored digest, or zeros when empty.
func quantiles(raw json.RawMessage) (p50, p95, p99 float64) {
	td := deserializeDigest(raw)
	if td.Count() == 0 {
		return 0, 0, 0
	}
	return td.Quantile(0.50), td.Quantile(0.95), td.Quantile(0.99)
}
