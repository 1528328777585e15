// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sessions

import (
	"context"
	"sync"
)

// TurnSlots is an arena of single-slot semaphores keyed by session id.
//
// # Description
//
// A turn holds its session's slot from the moment the user utterance is
// accepted until the turn is finalized, short-circuited, fails, or is
// abandoned. A second turn for the same session waits in Acquire.
// Different sessions never contend.
//
// Slots are created on demand and dropped when nobody holds or waits for
// them, so the arena does not grow with the number of sessions ever seen.
//
// # Thread Safety
//
// Safe for concurrent use.
type TurnSlots struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewTurnSlots creates an empty arena.
func NewTurnSlots() *TurnSlots {
	return &TurnSlots{slots: make(map[string]*slot)}
}

// Acquire blocks until the session's slot is free or ctx is done. The
// returned release func is idempotent.
func (t *TurnSlots) Acquire(ctx context.Context, sessionID string) (release func(), err error) {
	s := t.ref(sessionID)

	select {
	case s.ch <- struct{}{}:
		return t.releaser(sessionID, s), nil
	case <-ctx.Done():
		t.unref(sessionID, s)
		return nil, ctx.Err()
	}
}

// TryAcquire takes the slot only if it is free right now.
func (t *TurnSlots) TryAcquire(sessionID string) (release func(), ok bool) {
	s := t.ref(sessionID)

	select {
	case s.ch <- struct{}{}:
		return t.releaser(sessionID, s), true
	default:
		t.unref(sessionID, s)
		return nil, false
	}
}

// Held reports whether a turn currently holds the session's slot.
func (t *TurnSlots) Held(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[sessionID]
	return ok && len(s.ch) > 0
}

func (t *TurnSlots) ref(sessionID string) *slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[sessionID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		t.slots[sessionID] = s
	}
	s.refs++
	return s
}

func (t *TurnSlots) unref(sessionID string, s *slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(t.slots, sessionID)
	}
}

func (t *TurnSlots) releaser(sessionID string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			t.unref(sessionID, s)
		})
	}
}
