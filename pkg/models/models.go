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

// Package models holds the persisted entities of the orchestrator and the
// wire contracts exchanged with workers. The orchestrator owns every mutation;
// workers only append through the heartbeat and completion callbacks.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Service is one registered worker instance. Never deleted; a service that
// stops registering simply goes stale (LastSeenAt ages out).
type Service struct {
	ID           string    `db:"id" json:"id"`
	Version      string    `db:"version" json:"version"`
	BaseURL      string    `db:"base_url" json:"baseUrl"`
	RegisteredAt time.Time `db:"registered_at" json:"registeredAt"`
	LastSeenAt   time.Time `db:"last_seen_at" json:"lastSeenAt"`
}

// Task is one logical unit of work registered by a service.
type Task struct {
	ID                   string          `db:"id" json:"id"`
	ServiceID            string          `db:"service_id" json:"serviceId"`
	CodeHash             string          `db:"code_hash" json:"codeHash"`
	CodeVersion          int             `db:"code_version" json:"codeVersion"`
	AllowedNext          StringSlice     `db:"allowed_next" json:"allowedNext"`
	TimeoutSeconds       int             `db:"timeout_seconds" json:"timeout"`
	Retries              int             `db:"retries" json:"retries"`
	RetryBackoff         RetryBackoff    `db:"retry_backoff" json:"retryBackoff"`
	RetryDelayMs         int64           `db:"retry_delay_ms" json:"retryDelayMs"`
	MaxRetryDelayMs      int64           `db:"max_retry_delay_ms" json:"maxRetryDelayMs"`
	HeartbeatIntervalMs  int64           `db:"heartbeat_interval_ms" json:"heartbeatIntervalMs"`
	Concurrency          int             `db:"concurrency" json:"concurrency"` // 0 = unlimited
	Priority             int             `db:"priority" json:"priority"`       // lower = earlier
	IdempotencyTTLSecs   int64           `db:"idempotency_ttl_seconds" json:"idempotencyTTLSeconds"`
	FatalCodePrefixes    StringSlice     `db:"fatal_code_prefixes" json:"fatalCodePrefixes"`
	InputSchema          json.RawMessage `db:"input_schema" json:"inputSchema,omitempty"`
	Description          string          `db:"description" json:"description"`
	CreatedAt            time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updatedAt"`
}

// IsFatalCode reports whether an errorCode short-circuits retries straight
// to the dead-letter queue for this task. An empty prefix list disables the
// convention entirely.
func (t *Task) IsFatalCode(code string) bool {
	if code == "" {
		return false
	}
	for _, p := range t.FatalCodePrefixes {
		if p != "" && len(code) >= len(p) && code[:len(p)] == p {
			return true
		}
	}
	return false
}

// MaxAttempts is the total attempt budget: the first try plus retries.
func (t *Task) MaxAttempts() int { return t.Retries + 1 }

// TaskCodeHistory is an append-only record of code hash changes.
type TaskCodeHistory struct {
	TaskID         string    `db:"task_id" json:"taskId"`
	CodeVersion    int       `db:"code_version" json:"codeVersion"`
	CodeHash       string    `db:"code_hash" json:"codeHash"`
	ServiceVersion string    `db:"service_version" json:"serviceVersion"`
	RecordedAt     time.Time `db:"recorded_at" json:"recordedAt"`
}

// Pipeline is a DAG definition. Edges live on the task definitions
// (allowedNext); the pipeline names its entry points.
type Pipeline struct {
	ID              string      `db:"id" json:"id"`
	Name            string      `db:"name" json:"name"`
	EntryTaskIDs    StringSlice `db:"entry_task_ids" json:"entryTaskIds"`
	PipelineVersion string      `db:"pipeline_version" json:"pipelineVersion"`
	Description     string      `db:"description" json:"description"`
	CreatedAt       time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updatedAt"`
}

// StructureSnapshot freezes the DAG shape onto a pipeline run at trigger
// time, isolating in-flight runs from subsequent pipeline edits.
type StructureSnapshot map[string]SnapshotNode

// SnapshotNode is the per-task slice of the frozen structure.
type SnapshotNode struct {
	AllowedNext StringSlice `json:"allowedNext"`
}

func (s StructureSnapshot) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *StructureSnapshot) Scan(src any) error {
	return scanJSON(src, s)
}

// Predecessors returns the task ids whose allowedNext contains taskID.
func (s StructureSnapshot) Predecessors(taskID string) []string {
	var preds []string
	for id, node := range s {
		if node.AllowedNext.Contains(taskID) {
			preds = append(preds, id)
		}
	}
	return preds
}

// PipelineRun is one execution of a pipeline.
type PipelineRun struct {
	ID              string            `db:"id" json:"id"`
	PipelineID      string            `db:"pipeline_id" json:"pipelineId"`
	Status          PipelineRunStatus `db:"status" json:"status"`
	FailureMode     FailureMode       `db:"failure_mode" json:"failureMode"`
	InputPath       string            `db:"input_path" json:"inputPath"`
	OutputPath      *string           `db:"output_path" json:"outputPath,omitempty"`
	Snapshot        StructureSnapshot `db:"structure_snapshot" json:"structureSnapshot"`
	PipelineVersion string            `db:"pipeline_version" json:"pipelineVersion"`
	Error           *string           `db:"error" json:"error,omitempty"`
	Metadata        JSONMap           `db:"metadata" json:"metadata,omitempty"`
	StartedAt       *time.Time        `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updatedAt"`
}

// TaskRun is one concrete attempt of a task. Exactly one row per attempt;
// retries insert a fresh row rather than mutating the failed one.
type TaskRun struct {
	ID             string        `db:"id" json:"id"`
	TaskID         string        `db:"task_id" json:"taskId"`
	PipelineRunID  *string       `db:"pipeline_run_id" json:"pipelineRunId,omitempty"`
	Status         TaskRunStatus `db:"status" json:"status"`
	CodeVersion    int           `db:"code_version" json:"codeVersion"`
	CodeHash       string        `db:"code_hash" json:"codeHash"`
	Attempt        int           `db:"attempt" json:"attempt"`
	MaxRetries     int           `db:"max_retries" json:"maxRetries"`
	Priority       int           `db:"priority" json:"priority"`
	InputPath      string        `db:"input_path" json:"inputPath"`
	OutputPath     *string       `db:"output_path" json:"outputPath,omitempty"`
	OutputSize     *int64        `db:"output_size" json:"outputSize,omitempty"`
	Assets         AssetMap      `db:"assets" json:"assets,omitempty"`
	LogsPath       *string       `db:"logs_path" json:"logsPath,omitempty"`
	Error          *string       `db:"error" json:"error,omitempty"`
	ErrorCode      *string       `db:"error_code" json:"errorCode,omitempty"`
	IdempotencyKey *string       `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	ScheduledAt    time.Time     `db:"scheduled_at" json:"scheduledAt"`
	StartedAt      *time.Time    `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt    *time.Time    `db:"completed_at" json:"completedAt,omitempty"`
	HeartbeatAt    *time.Time    `db:"heartbeat_at" json:"heartbeatAt,omitempty"`
	SelectedNext   StringSlice   `db:"selected_next" json:"selectedNext,omitempty"`
	Metadata       JSONMap       `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updatedAt"`
}

// DLQItem preserves an exhausted failure verbatim until purge retention
// elapses. Append only; replay mints a fresh TaskRun with attempt=1.
type DLQItem struct {
	ID            string     `db:"id" json:"id"`
	TaskRunID     string     `db:"task_run_id" json:"taskRunId"`
	TaskID        string     `db:"task_id" json:"taskId"`
	PipelineRunID *string    `db:"pipeline_run_id" json:"pipelineRunId,omitempty"`
	CodeVersion   int        `db:"code_version" json:"codeVersion"`
	CodeHash      string     `db:"code_hash" json:"codeHash"`
	Error         string     `db:"error" json:"error"`
	Attempts      int        `db:"attempts" json:"attempts"`
	InputPath     string     `db:"input_path" json:"inputPath"`
	FailedAt      time.Time  `db:"failed_at" json:"failedAt"`
	RetriedAt     *time.Time `db:"retried_at" json:"retriedAt,omitempty"`
}

// IdempotencyEntry is one cached successful output. The key column is
// SHA-256(taskId + ":" + userKey); a hit additionally requires matching
// taskId and codeVersion and a live expiry.
type IdempotencyEntry struct {
	Key              string    `db:"key" json:"key"`
	TaskID           string    `db:"task_id" json:"taskId"`
	CodeVersion      int       `db:"code_version" json:"codeVersion"`
	OutputPath       string    `db:"output_path" json:"outputPath"`
	OutputSize       *int64    `db:"output_size" json:"outputSize,omitempty"`
	Assets           AssetMap  `db:"assets" json:"assets,omitempty"`
	OriginatingRunID string    `db:"originating_run_id" json:"originatingRunId"`
	InsertedAt       time.Time `db:"inserted_at" json:"insertedAt"`
	ExpiresAt        time.Time `db:"expires_at" json:"expiresAt"`
}

// OrchestratorState is the process-wide singleton row keyed by "singleton".
type OrchestratorState struct {
	ID                string           `db:"id" json:"id"`
	Mode              OrchestratorMode `db:"mode" json:"mode"`
	ModeChangedAt     time.Time        `db:"mode_changed_at" json:"modeChangedAt"`
	PendingTasksCount int              `db:"pending_tasks_count" json:"pendingTasksCount"`
	RunningTasksCount int              `db:"running_tasks_count" json:"runningTasksCount"`
	Metadata          JSONMap          `db:"metadata" json:"metadata,omitempty"`
}

// TempUpload tracks a blob uploaded ahead of a trigger. A dispatch that finds
// the id inside an input claims it; unclaimed blobs are deleted at expiry and
// the row archived later.
type TempUpload struct {
	ID               string     `db:"id" json:"id"`
	StoragePath      string     `db:"storage_path" json:"storagePath"`
	StorageBackendID string     `db:"storage_backend_id" json:"storageBackendId"`
	OriginalFilename string     `db:"original_filename" json:"originalFilename"`
	MimeType         string     `db:"mime_type" json:"mimeType"`
	SizeBytes        int64      `db:"size_bytes" json:"size"`
	UploadedAt       time.Time  `db:"uploaded_at" json:"uploadedAt"`
	ExpiresAt        time.Time  `db:"expires_at" json:"expiresAt"`
	ClaimedByRunID   *string    `db:"claimed_by_run_id" json:"claimedByRunId,omitempty"`
	DeletedAt        *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
}

// StatsScope is the statistics aggregation axis.
type StatsScope string

const (
	ScopeSystem   StatsScope = "system"
	ScopeService  StatsScope = "service"
	ScopeTask     StatsScope = "task"
	ScopePipeline StatsScope = "pipeline"
)

// Valid reports whether s is a recognized scope.
func (s StatsScope) Valid() bool {
	switch s {
	case ScopeSystem, ScopeService, ScopeTask, ScopePipeline:
		return true
	}
	return false
}

// BucketSize is the statistics bucket granularity.
type BucketSize string

const (
	Bucket1m BucketSize = "1m"
	Bucket1h BucketSize = "1h"
	Bucket1d BucketSize = "1d"
)

// Duration returns the bucket width, or zero for an unknown size.
func (b BucketSize) Duration() time.Duration {
	switch b {
	case Bucket1m:
		return time.Minute
	case Bucket1h:
		return time.Hour
	case Bucket1d:
		return 24 * time.Hour
	}
	return 0
}

// StatisticsBucket is one persisted rollup row. The payload is an opaque
// JSON document owned by the stats package (counters, sums, serialized
// t-digests); the repository only addresses rows by their composite key.
type StatisticsBucket struct {
	BucketTimestamp time.Time       `db:"bucket_timestamp" json:"bucketTimestamp"`
	BucketSize      BucketSize      `db:"bucket_size" json:"bucketSize"`
	Scope           StatsScope      `db:"scope" json:"scope"`
	ScopeID         string          `db:"scope_id" json:"scopeId,omitempty"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	IsComplete      bool            `db:"is_complete" json:"isComplete"`
	LastBuiltAt     time.Time       `db:"last_built_at" json:"lastBuiltAt"`
}

// PreviousAttempt summarizes one earlier attempt for the dispatch payload.
type PreviousAttempt struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
