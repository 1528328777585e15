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
	"log/slog"
	"time"
)

// =============================================================================
// Session Sweeper
// =============================================================================

// SessionEvicter is the store side of session eviction. EvictIdle removes
// every session for which expired returns true unless it is in use, and
// reports the counts.
type SessionEvicter interface {
	EvictIdle(expired func(lastActive time.Time) bool) (evicted, skipped int)
}

// EvictionObserver receives the outcome of every pass. Used for metrics.
type EvictionObserver func(result SweepResult)

// sessionSweeper adapts a SessionEvicter and an IdleFilter to Sweeper.
type sessionSweeper struct {
	store    SessionEvicter
	filter   IdleFilter
	observer EvictionObserver
}

// NewSessionSweeper creates a Sweeper for idle sessions.
//
// # Inputs
//
//   - store: Session store. Sessions with a turn in flight are skipped.
//   - filter: Decides which sessions are idle.
//   - observer: Optional callback receiving every result. May be nil.
func NewSessionSweeper(store SessionEvicter, filter IdleFilter, observer EvictionObserver) Sweeper {
	return &sessionSweeper{store: store, filter: filter, observer: observer}
}

// Sweep runs one eviction pass.
func (s *sessionSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	result := SweepResult{StartTime: time.Now()}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	evicted, skipped := s.store.EvictIdle(s.filter.IsExpired)
	result.Evicted = evicted
	result.Skipped = skipped
	result.Found = evicted + skipped
	result.EndTime = time.Now()

	if skipped > 0 {
		slog.Debug("ttl.sweeper: kept expired sessions with a turn in flight", "count", skipped)
	}
	if s.observer != nil {
		s.observer(result)
	}
	return result, nil
}
