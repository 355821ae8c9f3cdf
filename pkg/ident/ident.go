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

// Package ident provides prefixed random identifiers and an injectable clock.
//
// Identifiers look like "trun_01hqv8x2m9k4c7p3w5n6r8t0za": a short type prefix,
// an underscore, and 26 lowercase base32 characters derived from UUID
// randomness. The prefix makes IDs self-describing in logs and database rows.
package ident

import (
	"encoding/base32"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known ID prefixes. Kept as constants so callers cannot typo them.
const (
	PrefixPipelineRun = "prun"
	PrefixTaskRun     = "trun"
	PrefixDLQ         = "dlq"
	PrefixTempUpload  = "tmp"
	PrefixService     = "svc"
	PrefixToken       = "stok"
)

// base32 without padding, lowercased. 16 random bytes encode to 26 chars.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a fresh identifier with the given prefix.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + strings.ToLower(encoding.EncodeToString(u[:]))
}

// HasPrefix reports whether id carries the given type prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_") && len(id) > len(prefix)+1
}

// Clock abstracts wall time so components can be tested deterministically.
// The monotonic component of time.Time is preserved by Now(), which is what
// duration arithmetic in the poller and monitors relies on.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FixedClock returns a Clock frozen at t. Test helper.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
