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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Scheduler Implementation
// =============================================================================

// SchedulerConfig holds configuration for the eviction scheduler.
//
// # Fields
//
//   - Interval: How often to sweep. Default: 1 minute.
//   - SweepTimeout: Upper bound for one pass. Default: 30 seconds.
type SchedulerConfig struct {
	Interval     time.Duration
	SweepTimeout time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
//
// # Examples
//
//	config := DefaultSchedulerConfig()
//	config.Interval = 5 * time.Minute
//	scheduler := NewScheduler(sweeper, config)
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:     time.Minute,
		SweepTimeout: 30 * time.Second,
	}
}

// scheduler implements Scheduler.
//
// # Fields
//
//   - sweeper: Performs one pass.
//   - config: Scheduler configuration.
//   - done: Closed by Stop.
//   - wg: Tracks the loop goroutine so Stop can wait for it.
//   - mu: Protects running and done.
//
// # Thread Safety
//
// All public methods are thread-safe.
type scheduler struct {
	sweeper Sweeper
	config  SchedulerConfig
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler around sweeper.
//
// # Description
//
// Zero config fields are replaced by DefaultSchedulerConfig values.
//
// # Inputs
//
//   - sweeper: The pass to run on every tick.
//   - config: Interval and per-pass timeout.
//
// # Outputs
//
//   - Scheduler: Ready to Start().
//
// # Examples
//
//	sweeper := NewSessionSweeper(store, NewIdleFilter(30*time.Minute, 0), nil)
//	scheduler := NewScheduler(sweeper, DefaultSchedulerConfig())
//	if err := scheduler.Start(ctx); err != nil {
//	    return err
//	}
//	defer scheduler.Stop()
func NewScheduler(sweeper Sweeper, config SchedulerConfig) Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = defaults.SweepTimeout
	}
	return &scheduler{
		sweeper: sweeper,
		config:  config,
		done:    make(chan struct{}),
	}
}

// Start begins the background loop.
//
// # Inputs
//
//   - ctx: When cancelled, the loop stops.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset done channel for potential restart
	done := s.done
	s.mu.Unlock()

	slog.Info("Session eviction scheduler starting",
		"interval", s.config.Interval.String(),
		"sweep_timeout", s.config.SweepTimeout.String(),
	)

	s.wg.Add(1)
	go s.runLoop(ctx, done)
	return nil
}

// Stop signals the loop and waits for it to exit.
func (s *scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil // Already stopped
	}
	slog.Info("Session eviction scheduler stopping")
	close(s.done)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// RunNow performs one pass immediately. It does not change the timing of
// scheduled passes.
func (s *scheduler) RunNow(ctx context.Context) (SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.SweepTimeout)
	defer cancel()
	return s.sweeper.Sweep(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

// runLoop sweeps once on start and then on every tick until stopped.
func (s *scheduler) runLoop(ctx context.Context, done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.executeSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Session eviction scheduler stopped (context cancelled)")
			return
		case <-done:
			slog.Info("Session eviction scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeSweep(ctx)
		}
	}
}

// executeSweep runs one pass and logs the outcome. Errors never stop the
// loop.
func (s *scheduler) executeSweep(ctx context.Context) {
	result, err := s.RunNow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Session eviction pass failed", "error", err)
		}
		return
	}

	// Only log if something was found
	if result.Found > 0 {
		slog.Info("Session eviction pass completed",
			"found", result.Found,
			"evicted", result.Evicted,
			"skipped", result.Skipped,
			"duration_ms", result.DurationMs(),
		)
	} else {
		slog.Debug("Session eviction pass completed (no idle sessions)")
	}
}
