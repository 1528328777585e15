// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl evicts idle sessions on a background schedule.
package ttl

import (
	"time"
)

// =============================================================================
// Idle Filter
// =============================================================================

// IdleFilter decides whether an item has been idle past its limit.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type IdleFilter interface {
	// IsExpired reports whether lastActive is older than the idle limit.
	// A zero lastActive never expires.
	IsExpired(lastActive time.Time) bool
}

// idleFilter implements IdleFilter with a clock skew tolerance.
//
// # Fields
//
//   - idle: Maximum idle time.
//   - clockSkewTolerance: Extra grace added to idle.
//   - now: Time source, overridable in tests.
type idleFilter struct {
	idle               time.Duration
	clockSkewTolerance time.Duration
	now                func() time.Time
}

// NewIdleFilter creates a filter for the given idle limit.
//
// # Description
//
// An item is expired once now - lastActive exceeds idle plus the clock
// skew tolerance. A non-positive idle disables expiry.
//
// # Inputs
//
//   - idle: Maximum idle time.
//   - clockSkewTolerance: Grace period. If 0, defaults to 5 seconds.
//
// # Outputs
//
//   - IdleFilter: Ready to use.
//
// # Example
//
//	filter := NewIdleFilter(30*time.Minute, 0)
//	if filter.IsExpired(info.LastActive) {
//	    // evict
//	}
func NewIdleFilter(idle, clockSkewTolerance time.Duration) IdleFilter {
	return newIdleFilter(idle, clockSkewTolerance, time.Now)
}

func newIdleFilter(idle, clockSkewTolerance time.Duration, now func() time.Time) *idleFilter {
	if clockSkewTolerance == 0 {
		clockSkewTolerance = 5 * time.Second
	}
	return &idleFilter{
		idle:               idle,
		clockSkewTolerance: clockSkewTolerance,
		now:                now,
	}
}

// IsExpired reports whether lastActive is past the idle limit.
func (f *idleFilter) IsExpired(lastActive time.Time) bool {
	if f.idle <= 0 || lastActive.IsZero() {
		return false
	}
	return f.now().Sub(lastActive) > f.idle+f.clockSkewTolerance
}
