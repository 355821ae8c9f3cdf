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

// Package stats builds and serves time-bucketed rollups of run activity.
// Buckets are built lazily on query, persisted, and reused; only the
// trailing bucket is rebuilt, at most once per minute. Percentiles come from
// t-digests stored alongside the counters.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/influxdata/tdigest"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/taskline/taskline/pkg/apierrors"
	"github.com/taskline/taskline/pkg/ident"
	"github.com/taskline/taskline/pkg/metrics"
	"github.com/taskline/taskline/pkg/models"
	"github.com/taskline/taskline/pkg/repository"
)

// trailingRebuildAge is how stale the current bucket may get before a query
// rebuilds it.
const trailingRebuildAge = 60 * time.Second

// payload is the JSON document stored in a bucket row.
type payload struct {
	Created        int            `json:"created"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Timeout        int            `json:"timeout"`
	Cancelled      int            `json:"cancelled"`
	Retries        int            `json:"retries"`
	RetrySuccesses int            `json:"retrySuccesses"`
	ErrorsByCode   map[string]int `json:"errorsByCode,omitempty"`

	RuntimeDigest json.RawMessage `json:"runtimeDigest,omitempty"`
	RuntimeCount  int             `json:"runtimeCount"`
	RuntimeSumMs  float64         `json:"runtimeSumMs"`
	RuntimeMinMs  float64         `json:"runtimeMinMs"`
	RuntimeMaxMs  float64         `json:"runtimeMaxMs"`

	WaitDigest json.RawMessage `json:"waitDigest,omitempty"`
	WaitCount  int             `json:"waitCount"`
	WaitSumMs  float64         `json:"waitSumMs"`

	PipelinesCreated   int     `json:"pipelinesCreated"`
	PipelinesCompleted int     `json:"pipelinesCompleted"`
	PipelinesFailed    int     `json:"pipelinesFailed"`
	PipelineRuntimeSum float64 `json:"pipelineRuntimeSumMs"`
	PipelineRuntimeN   int     `json:"pipelineRuntimeCount"`

	QueuePendingAtEnd int `json:"queuePendingAtEnd"`
	QueueRunningAtEnd int `json:"queueRunningAtEnd"`
	DLQDelta          int `json:"dlqDelta"`
}

// Request selects a bucketed window.
type Request struct {
	Scope      models.StatsScope
	ScopeID    string
	From       time.Time
	To         time.Time
	BucketSize models.BucketSize
}

// BucketView is one bucket as served to clients: stored counters plus
// percentiles computed from the digests at query time.
type BucketView struct {
	Timestamp      time.Time      `json:"timestamp"`
	IsComplete     bool           `json:"isComplete"`
	Created        int            `json:"created"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Timeout        int            `json:"timeout"`
	Cancelled      int            `json:"cancelled"`
	Retries        int            `json:"retries"`
	RetrySuccesses int            `json:"retrySuccesses"`
	ErrorsByCode   map[string]int `json:"errorsByCode,omitempty"`

	RuntimeP50Ms float64 `json:"runtimeP50Ms"`
	RuntimeP95Ms float64 `json:"runtimeP95Ms"`
	RuntimeP99Ms float64 `json:"runtimeP99Ms"`
	RuntimeAvgMs float64 `json:"runtimeAvgMs"`
	RuntimeMinMs float64 `json:"runtimeMinMs"`
	RuntimeMaxMs float64 `json:"runtimeMaxMs"`

	WaitP50Ms float64 `json:"waitP50Ms"`
	WaitP95Ms float64 `json:"waitP95Ms"`
	WaitP99Ms float64 `json:"waitP99Ms"`
	WaitAvgMs float64 `json:"waitAvgMs"`

	PipelinesCreated   int `json:"pipelinesCreated"`
	PipelinesCompleted int `json:"pipelinesCompleted"`
	PipelinesFailed    int `json:"pipelinesFailed"`

	QueuePendingAtEnd int `json:"queuePendingAtEnd"`
	QueueRunningAtEnd int `json:"queueRunningAtEnd"`
	DLQDelta          int `json:"dlqDelta"`
}

// Summary accumulates across the returned buckets, averages weighted by
// per-bucket counts.
type Summary struct {
	TotalCreated   int     `json:"totalCreated"`
	TotalCompleted int     `json:"totalCompleted"`
	TotalFailed    int     `json:"totalFailed"`
	SuccessRate    float64 `json:"successRate"`
	AvgRuntimeMs   float64 `json:"avgRuntimeMs"`
	AvgWaitMs      float64 `json:"avgWaitMs"`
	TotalDLQ       int     `json:"totalDlq"`
}

// Response is the bucketed statistics reply.
type Response struct {
	Scope      models.StatsScope `json:"scope"`
	ScopeID    string            `json:"scopeId,omitempty"`
	BucketSize models.BucketSize `json:"bucketSize"`
	Buckets    []BucketView      `json:"buckets"`
	Summary    Summary           `json:"summary"`
}

// Aggregator builds and serves statistics buckets.
type Aggregator struct {
	store   *repository.Store
	metrics *metrics.Metrics
	clock   ident.Clock
	logger  *zap.Logger
	group   singleflight.Group
}

func NewAggregator(store *repository.Store, m *metrics.Metrics, clock ident.Clock, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, metrics: m, clock: clock, logger: logger}
}

// Query returns the buckets covering [From, To] at the requested
// granularity, building any that are missing or stale.
func (a *Aggregator) Query(ctx context.Context, req Request) (*Response, error) {
	if !req.Scope.Valid() {
		return nil, apierrors.Validation("unknown scope %q", req.Scope)
	}
	if req.Scope != models.ScopeSystem && req.ScopeID == "" {
		return nil, apierrors.Validation("scope %s requires scopeId", req.Scope)
	}
	width := req.BucketSize.Duration()
	if width == 0 {
		return nil, apierrors.Validation("unknown bucket size %q", req.BucketSize)
	}
	if !req.To.After(req.From) {
		return nil, apierrors.Validation("to must be after from")
	}

	resp := &Response{Scope: req.Scope, ScopeID: req.ScopeID, BucketSize: req.BucketSize}
	now := a.clock.Now()

	for ts := req.From.UTC().Truncate(width); ts.Before(req.To); ts = ts.Add(width) {
		if ts.After(now) {
			break
		}
		bucket, err := a.ensureBucket(ctx, req, ts, width, now)
		if err != nil {
			return nil, err
		}
		view, err := toView(bucket)
		if err != nil {
			return nil, err
		}
		resp.Buckets = append(resp.Buckets, *view)
	}

	resp.Summary = summarize(resp.Buckets)
	return resp, nil
}

// ensureBucket returns the persisted bucket, rebuilding when absent or when
// it is the trailing bucket and went stale. Concurrent queries for the same
// bucket share one build.
func (a *Aggregator) ensureBucket(ctx context.Context, req Request, ts time.Time, width time.Duration, now time.Time) (*models.StatisticsBucket, error) {
	existing, err := a.store.Stats.GetBucket(ctx, ts, req.BucketSize, req.Scope, req.ScopeID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		trailing := !existing.IsComplete
		if !trailing || now.Sub(existing.LastBuiltAt) < trailingRebuildAge {
			return existing, nil
		}
	}

	key := fmt.Sprintf("%s|%s|%s|%d", req.Scope, req.ScopeID, req.BucketSize, ts.Unix())
	built, err, _ := a.group.Do(key, func() (any, error) {
		return a.buildBucket(ctx, req, ts, width, now)
	})
	if err != nil {
		return nil, err
	}
	return built.(*models.StatisticsBucket), nil
}

// buildBucket scans the window and persists the rollup.
func (a *Aggregator) buildBucket(ctx context.Context, req Request, ts time.Time, width time.Duration, now time.Time) (*models.StatisticsBucket, error) {
	end := ts.Add(width)
	p := payload{ErrorsByCode: map[string]int{}}

	runs, err := a.store.Stats.TaskRunsInWindow(ctx, ts, end, req.Scope, req.ScopeID)
	if err != nil {
		return nil, err
	}
	runtimeTD := tdigest.NewWithCompression(digestCompression)
	waitTD := tdigest.NewWithCompression(digestCompression)
	for _, run := range runs {
		p.Created++
		switch run.Status {
		case models.TaskRunCompleted:
			p.Completed++
			if run.Attempt > 1 {
				p.RetrySuccesses++
			}
		case models.TaskRunFailed:
			p.Failed++
		case models.TaskRunTimeout:
			p.Timeout++
		case models.TaskRunCancelled:
			p.Cancelled++
		}
		if run.Attempt > 1 {
			p.Retries++
		}
		if run.ErrorCode != nil {
			p.ErrorsByCode[*run.ErrorCode]++
		}
		if run.StartedAt != nil && run.CompletedAt != nil {
			if ms := float64(run.CompletedAt.Sub(*run.StartedAt).Milliseconds()); ms >= 0 {
				runtimeTD.Add(ms, 1)
				p.RuntimeCount++
				p.RuntimeSumMs += ms
				if p.RuntimeCount == 1 || ms < p.RuntimeMinMs {
					p.RuntimeMinMs = ms
				}
				if ms > p.RuntimeMaxMs {
					p.RuntimeMaxMs = ms
				}
			}
		}
		if run.StartedAt != nil {
			if ms := float64(run.StartedAt.Sub(run.CreatedAt).Milliseconds()); ms >= 0 {
				waitTD.Add(ms, 1)
				p.WaitCount++
				p.WaitSumMs += ms
			}
		}
	}
	p.RuntimeDigest = serializeDigest(runtimeTD)
	p.WaitDigest = serializeDigest(waitTD)

	if req.Scope == models.ScopeSystem || req.Scope == models.ScopePipeline {
		pipelineID := ""
		if req.Scope == models.ScopePipeline {
			pipelineID = req.ScopeID
		}
		pruns, err := a.store.Stats.PipelineRunsInWindow(ctx, ts, end, pipelineID)
		if err != nil {
			return nil, err
		}
		for _, prun := range pruns {
			p.PipelinesCreated++
			switch prun.Status {
			case models.PipelineRunCompleted:
				p.PipelinesCompleted++
			case models.PipelineRunFailed:
				p.PipelinesFailed++
			}
			if prun.StartedAt != nil && prun.CompletedAt != nil {
				if ms := float64(prun.CompletedAt.Sub(*prun.StartedAt).Milliseconds()); ms >= 0 {
					p.PipelineRuntimeSum += ms
					p.PipelineRuntimeN++
				}
			}
		}
	}

	depthAt := end
	if depthAt.After(now) {
		depthAt = now
	}
	pending, running, err := a.store.Stats.QueueDepthAt(ctx, depthAt)
	if err != nil {
		return nil, err
	}
	p.QueuePendingAtEnd = pending
	p.QueueRunningAtEnd = running

	dlqTask := ""
	if req.Scope == models.ScopeTask {
		dlqTask = req.ScopeID
	}
	dlqDelta, err := a.store.DLQ.CountSince(ctx, ts, end, dlqTask)
	if err != nil {
		return nil, err
	}
	p.DLQDelta = dlqDelta

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode bucket payload: %w", err)
	}
	bucket := &models.StatisticsBucket{
		BucketTimestamp: ts,
		BucketSize:      req.BucketSize,
		Scope:           req.Scope,
		ScopeID:         req.ScopeID,
		Payload:         raw,
		IsComplete:      !end.After(now),
		LastBuiltAt:     now,
	}
	if err := a.store.Stats.UpsertBucket(ctx, bucket); err != nil {
		return nil, err
	}
	a.metrics.BucketBuilds.WithLabelValues(string(req.Scope), string(req.BucketSize)).Inc()
	return bucket, nil
}

func toView(b *models.StatisticsBucket) (*BucketView, error) {
	var p payload
	if err := json.Unmarshal(b.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode bucket payload: %w", err)
	}
	v := &BucketView{
		Timestamp:          b.BucketTimestamp,
		IsComplete:         b.IsComplete,
		Created:            p.Created,
		Completed:          p.Completed,
		Failed:             p.Failed,
		Timeout:            p.Timeout,
		Cancelled:          p.Cancelled,
		Retries:            p.Retries,
		RetrySuccesses:     p.RetrySuccesses,
		ErrorsByCode:       p.ErrorsByCode,
		RuntimeMinMs:       p.RuntimeMinMs,
		RuntimeMaxMs:       p.RuntimeMaxMs,
		PipelinesCreated:   p.PipelinesCreated,
		PipelinesCompleted: p.PipelinesCompleted,
		PipelinesFailed:    p.PipelinesFailed,
		QueuePendingAtEnd:  p.QueuePendingAtEnd,
		QueueRunningAtEnd:  p.QueueRunningAtEnd,
		DLQDelta:           p.DLQDelta,
	}
	v.RuntimeP50Ms, v.RuntimeP95Ms, v.RuntimeP99Ms = quantiles(p.RuntimeDigest)
	v.WaitP50Ms, v.WaitP95Ms, v.WaitP99Ms = quantiles(p.WaitDigest)
	if p.RuntimeCount > 0 {
		v.RuntimeAvgMs = p.RuntimeSumMs / float64(p.RuntimeCount)
	}
	if p.WaitCount > 0 {
		v.WaitAvgMs = p.WaitSumMs / float64(p.WaitCount)
	}
	return v, nil
}

// summarize folds bucket views into window totals; averages are weighted by
// the per-bucket sample counts.
func summarize(buckets []BucketView) Summary {
	var s Summary
	var runtimeWeighted, waitWeighted float64
	var runtimeN, waitN int
	for _, b := range buckets {
		s.TotalCreated += b.Created
		s.TotalCompleted += b.Completed
		s.TotalFailed += b.Failed + b.Timeout
		s.TotalDLQ += b.DLQDelta
		n := b.Completed + b.Failed + b.Timeout
		runtimeWeighted += b.RuntimeAvgMs * float64(n)
		runtimeN += n
		waitWeighted += b.WaitAvgMs * float64(b.Created)
		waitN += b.Created
	}
	if done := s.TotalCompleted + s.TotalFailed; done > 0 {
		s.SuccessRate = float64(s.TotalCompleted) / float64(done)
	}
	if runtimeN > 0 {
		s.AvgRuntimeMs = runtimeWeighted / float64(runtimeN)
	}
	if waitN > 0 {
		s.AvgWaitMs = waitWeighted / float64(waitN)
	}
	return s
}

// QueueStats is the realtime queue snapshot.
type QueueStats struct {
	Pending       int                            `json:"pending"`
	Running       int                            `json:"running"`
	Waiting       int                            `json:"waiting"`
	PerTask       []repository.QueueBreakdownRow `json:"perTask"`
	OldestPending *time.Time                     `json:"oldestPending,omitempty"`
	AvgWaitLastHr *float64                       `json:"avgWaitMsLastHour,omitempty"`
}

// Queue returns live depths, the per-task breakdown, the oldest pending
// enqueue time, and the mean wait over the trailing hour.
func (a *Aggregator) Queue(ctx context.Context) (*QueueStats, error) {
	counts, err := a.store.Runs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	perTask, err := a.store.Stats.QueueBreakdown(ctx)
	if err != nil {
		return nil, err
	}
	oldest, err := a.store.Runs.OldestPendingSince(ctx)
	if err != nil {
		return nil, err
	}
	avgWait, err := a.store.Stats.AverageWaitSince(ctx, a.clock.Now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Pending:       counts[models.TaskRunPending],
		Running:       counts[models.TaskRunRunning],
		Waiting:       counts[models.TaskRunWaiting],
		PerTask:       perTask,
		OldestPending: oldest,
		AvgWaitLastHr: avgWait,
	}
	a.metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	a.metrics.QueueDepth.WithLabelValues("running").Set(float64(stats.Running))
	a.metrics.QueueDepth.WithLabelValues("waiting").Set(float64(stats.Waiting))
	return stats, nil
}
