// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"time"
)

// =============================================================================
// Interfaces
// =============================================================================

// Sweeper performs one eviction pass.
//
// # Description
//
// Implementations find idle items, remove the ones that are safe to
// remove, and report what they did. The scheduler calls Sweep on every
// tick; RunNow calls it on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// Scheduler runs a Sweeper in the background.
//
// # Description
//
// Uses the ticker + done channel pattern. Start launches one goroutine
// that sweeps immediately and then on every interval until Stop is
// called or the context passed to Start is cancelled.
//
// # Limitations
//
//   - Only one scheduler should run per orchestrator instance.
//   - State is not persisted between restarts.
type Scheduler interface {
	// Start begins the background loop. It errors if already running.
	Start(ctx context.Context) error

	// Stop signals the loop and waits for the current pass to finish.
	// Safe to call multiple times.
	Stop() error

	// RunNow performs one pass immediately.
	RunNow(ctx context.Context) (SweepResult, error)
}

// =============================================================================
// Results
// =============================================================================

// SweepResult summarizes one pass.
//
// # Fields
//
//   - Found: Items past their idle limit.
//   - Evicted: Items removed.
//   - Skipped: Expired items kept because they were in use.
//   - StartTime, EndTime: Wall-clock bounds of the pass.
type SweepResult struct {
	Found     int
	Evicted   int
	Skipped   int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the time taken by the pass.
func (r *SweepResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// DurationMs returns Duration in milliseconds.
func (r *SweepResult) DurationMs() int64 {
	return r.Duration().Milliseconds()
}
