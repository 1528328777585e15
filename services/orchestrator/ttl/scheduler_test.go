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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeEvicter struct {
	mu       sync.Mutex
	calls    int
	evicted  int
	skipped  int
	lastSeen []time.Time
}

func (f *fakeEvicter) EvictIdle(expired func(time.Time) bool) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	n := 0
	for _, last := range f.lastSeen {
		if expired(last) {
			n++
		}
	}
	return n, f.skipped
}

func (f *fakeEvicter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSessionSweeper_ReportsCounts(t *testing.T) {
	now := time.Now()
	store := &fakeEvicter{
		skipped:  1,
		lastSeen: []time.Time{now.Add(-time.Hour), now.Add(-2 * time.Hour), now},
	}
	var observed SweepResult
	sweeper := NewSessionSweeper(store, NewIdleFilter(30*time.Minute, 0), func(r SweepResult) { observed = r })

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Evicted)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 3, result.Found)
	assert.Equal(t, result, observed)
}

func TestSessionSweeper_CancelledContext(t *testing.T) {
	store := &fakeEvicter{}
	sweeper := NewSessionSweeper(store, NewIdleFilter(time.Minute, 0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sweeper.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Calls())
}

func TestScheduler_SweepsOnStartAndTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &fakeEvicter{}
	s := NewScheduler(NewSessionSweeper(store, NewIdleFilter(time.Minute, 0), nil),
		SchedulerConfig{Interval: 10 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return store.Calls() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestScheduler_DoubleStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(NewSessionSweeper(&fakeEvicter{}, NewIdleFilter(time.Minute, 0), nil),
		SchedulerConfig{Interval: time.Hour})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(NewSessionSweeper(&fakeEvicter{}, NewIdleFilter(time.Minute, 0), nil),
		SchedulerConfig{Interval: time.Hour})
	require.NoError(t, s.Start(ctx))

	cancel()
	require.NoError(t, s.Stop())
}

func TestScheduler_RunNow(t *testing.T) {
	store := &fakeEvicter{lastSeen: []time.Time{time.Now().Add(-time.Hour)}}
	s := NewScheduler(NewSessionSweeper(store, NewIdleFilter(time.Minute, 0), nil), SchedulerConfig{})

	result, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evicted)
	assert.GreaterOrEqual(t, result.DurationMs(), int64(0))
}
