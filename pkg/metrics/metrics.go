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

// Package metrics defines the orchestrator's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the orchestrator emits. NewMetrics always
// returns a valid *Metrics (never nil).
type Metrics struct {
	Dispatches        *prometheus.CounterVec   // labels: task_id, outcome
	DispatchDuration  *prometheus.HistogramVec // labels: task_id
	RetriesScheduled  *prometheus.CounterVec   // labels: task_id
	DLQInserts        *prometheus.CounterVec   // labels: task_id
	PollClaims        prometheus.Counter
	PollDuration      prometheus.Histogram
	HeartbeatTimeouts *prometheus.CounterVec // labels: task_id
	IdempotencyHits   *prometheus.CounterVec // labels: task_id
	QueueDepth        *prometheus.GaugeVec   // labels: status
	BucketBuilds      *prometheus.CounterVec // labels: scope, bucket_size
	CacheHits         *prometheus.CounterVec // labels: cache
	CacheMisses       *prometheus.CounterVec // labels: cache
}

// NewMetrics registers all instruments on reg under the given namespace.
// Pass a fresh prometheus.NewRegistry() in tests to avoid duplicate
// registration panics across suites.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		}, labels)
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		Dispatches:        factory("dispatches_total", "Worker dispatch attempts by outcome.", "task_id", "outcome"),
		RetriesScheduled:  factory("retries_scheduled_total", "Retry attempts scheduled.", "task_id"),
		DLQInserts:        factory("dlq_inserts_total", "Exhausted failures moved to the DLQ.", "task_id"),
		HeartbeatTimeouts: factory("heartbeat_timeouts_total", "Runs marked timeout for missed heartbeats.", "task_id"),
		IdempotencyHits:   factory("idempotency_hits_total", "Dispatches skipped via the idempotency cache.", "task_id"),
		BucketBuilds:      factory("stats_bucket_builds_total", "Statistics bucket rebuilds.", "scope", "bucket_size"),
		CacheHits:         factory("cache_hits_total", "Cache hits by tier.", "cache"),
		CacheMisses:       factory("cache_misses_total", "Cache misses by tier.", "cache"),
	}

	m.DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Outbound worker POST duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task_id"})
	m.PollClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_claims_total",
		Help:      "Ready runs claimed by the poller.",
	})
	m.PollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Duration of one poller pass.",
		Buckets:   prometheus.DefBuckets,
	})
	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Task runs by non-terminal status.",
	}, []string{"status"})

	reg.MustRegister(m.DispatchDuration, m.PollClaims, m.PollDuration, m.QueueDepth)
	return m
}
