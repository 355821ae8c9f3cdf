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

// Package retry computes retry delays for failed task attempts. Pure
// functions; the scheduling itself happens in the lifecycle manager.
package retry

import (
	"time"

	"github.com/taskline/taskline/pkg/models"
)

// Delay returns how long to wait before the given attempt number runs.
// attempt is the number of the attempt being scheduled (2 for the first
// retry). Exponential doubles from the base per completed failure and is
// capped at max; fixed always waits the base, also capped.
func Delay(attempt int, backoff models.RetryBackoff, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max <= 0 {
		max = base
	}
	d := base
	if backoff == models.BackoffExponential {
		// attempt 2 waits base, attempt 3 waits 2*base, then 4*base...
		for i := 2; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
	}
	if d > max {
		return max
	}
	return d
}

// DelayForTask reads the curve from a task definition.
func DelayForTask(t *models.Task, attempt int) time.Duration {
	return Delay(attempt, t.RetryBackoff,
		time.Duration(t.RetryDelayMs)*time.Millisecond,
		time.Duration(t.MaxRetryDelayMs)*time.Millisecond)
}
