// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry provides bounded polling for slow remote operations.
//
// Remote provisioning and data sync operations expose no completion
// callback, only a status endpoint. Poll checks such a status with a delay
// proportional to the time already spent waiting, so cheap operations are
// observed quickly while long ones are not hammered.
package retry

import (
	"context"
	"time"

	"github.com/tombee/batchflow/pkg/errors"
)

// Condition reports whether the awaited operation has finished.
// Returning an error aborts the poll immediately.
type Condition func(ctx context.Context) (bool, error)

// Options controls the polling cadence.
type Options struct {
	// Operation describes what is being awaited, used in the exhaustion error.
	Operation string

	// OverheadRate bounds the waiting overhead relative to the operation
	// duration. The next delay is elapsed * OverheadRate.
	OverheadRate float64

	// Timeout is the overall deadline. Zero means no deadline beyond ctx.
	Timeout time.Duration

	// FirstDelay is the delay before the second check. It also acts as the
	// minimum delay between checks. Zero defaults to 500ms.
	FirstDelay time.Duration

	// MaxDelay caps the delay between checks. Zero means uncapped.
	MaxDelay time.Duration
}

// Poll invokes cond until it reports true, the context is cancelled, or the
// overall timeout elapses. The first check happens immediately.
func Poll(ctx context.Context, opts Options, cond Condition) error {
	firstDelay := opts.FirstDelay
	if firstDelay <= 0 {
		firstDelay = 500 * time.Millisecond
	}

	start := time.Now()
	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		elapsed := time.Since(start)
		if opts.Timeout > 0 && elapsed >= opts.Timeout {
			return &errors.RetryExhaustedError{Operation: opts.Operation, Timeout: opts.Timeout}
		}

		delay := time.Duration(float64(elapsed) * opts.OverheadRate)
		if delay < firstDelay {
			delay = firstDelay
		}
		if opts.MaxDelay > 0 && delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		if opts.Timeout > 0 {
			if remaining := opts.Timeout - elapsed; delay > remaining {
				delay = remaining
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
