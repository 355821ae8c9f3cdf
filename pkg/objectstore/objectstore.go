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

// Package objectstore is the blob port of the orchestrator. Paths are opaque
// forward-slash keys; the orchestrator never interprets blob contents beyond
// the JSON inputs it writes itself.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get for a missing key, regardless of provider.
var ErrNotFound = errors.New("objectstore: key not found")

// Store is the minimal blob capability the core depends on.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Canonical blob layout. Every path the orchestrator writes comes from here.
func PipelineInputPath(pipelineRunID string) string {
	return fmt.Sprintf("pipelines/%s/input.json", pipelineRunID)
}

func StandaloneInputPath(taskRunID string) string {
	return fmt.Sprintf("standalone/%s/input.json", taskRunID)
}

func RunOutputPath(pipelineRunID, taskRunID string) string {
	return fmt.Sprintf("runs/%s/outputs/%s.json", pipelineRunID, taskRunID)
}

func RunAssetPath(pipelineRunID, taskRunID, key string) string {
	return fmt.Sprintf("runs/%s/assets/%s/%s", pipelineRunID, taskRunID, key)
}

func RunLogsPath(pipelineRunID, taskRunID string) string {
	return fmt.Sprintf("runs/%s/logs/%s.jsonl", pipelineRunID, taskRunID)
}

func PipelineOutputPath(pipelineRunID string) string {
	return fmt.Sprintf("runs/%s/output.json", pipelineRunID)
}

func TempUploadPath(tempUploadID, originalFilename string) string {
	return fmt.Sprintf("temp-uploads/%s/%s", tempUploadID, originalFilename)
}
