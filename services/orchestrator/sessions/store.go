// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions holds per-session transcripts and the per-session turn
// slot that keeps turns of one session strictly sequential.
package sessions

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

var (
	// ErrNotFound is returned for a session key with no transcript.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTranscript is returned by Replace when the turns do not
	// start with exactly one system turn.
	ErrInvalidTranscript = errors.New("transcript must start with a single system turn")

	// ErrSystemTurn is returned by Append for a system turn.
	ErrSystemTurn = errors.New("system turn can only be the first turn")
)

// Info is a read-only summary of one session.
type Info struct {
	SessionID      string
	ConversationID string
	Turns          int
	CreatedAt      time.Time
	LastActive     time.Time
}

type entry struct {
	conversationID string
	turns          []datatypes.Turn
	createdAt      time.Time
	lastActive     time.Time
}

func (e *entry) info(id string) Info {
	return Info{
		SessionID:      id,
		ConversationID: e.conversationID,
		Turns:          len(e.turns),
		CreatedAt:      e.createdAt,
		LastActive:     e.lastActive,
	}
}

// StoreOptions configures a Store. Zero values get defaults.
type StoreOptions struct {
	// SystemPrompt returns the persona text for new sessions. It is read
	// once per session, so a reloaded persona only affects new sessions.
	SystemPrompt func() string

	// Slots is consulted by EvictIdle so that a session with a turn in
	// flight is never evicted.
	Slots *TurnSlots

	// Now and NewConversationID are overridable in tests.
	Now               func() time.Time
	NewConversationID func() string

	Logger *slog.Logger
}

// Store is the in-process transcript store.
//
// # Description
//
// Holds one ordered transcript per session key. The first turn of every
// transcript is the system turn; it is written by GetOrCreate and can be
// neither appended again nor removed by Reset. All returned turns are
// copies, so callers can never mutate stored state.
//
// Lifecycle hooks registered with OnCreate and OnEvict run after the
// store lock is released.
//
// # Thread Safety
//
// Safe for concurrent use. Mutual exclusion between turns of one session
// is the caller's job through TurnSlots.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	systemPrompt func() string
	slots        *TurnSlots
	now          func() time.Time
	newConvID    func() string
	logger       *slog.Logger

	hookMu   sync.RWMutex
	onCreate []func(Info)
	onEvict  []func(Info)
}

// NewStore creates an empty store.
func NewStore(opts StoreOptions) *Store {
	s := &Store{
		sessions:     make(map[string]*entry),
		systemPrompt: opts.SystemPrompt,
		slots:        opts.Slots,
		now:          opts.Now,
		newConvID:    opts.NewConversationID,
		logger:       opts.Logger,
	}
	if s.systemPrompt == nil {
		s.systemPrompt = func() string { return "" }
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newConvID == nil {
		s.newConvID = func() string { return uuid.NewString() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// OnCreate registers a hook run after a session is created.
func (s *Store) OnCreate(fn func(Info)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onCreate = append(s.onCreate, fn)
}

// OnEvict registers a hook run after a session is removed by Delete or
// EvictIdle.
func (s *Store) OnEvict(fn func(Info)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onEvict = append(s.onEvict, fn)
}

// GetOrCreate returns the session, creating it with its system turn on
// first use. created reports whether this call created it.
func (s *Store) GetOrCreate(sessionID string) (info Info, created bool, err error) {
	if err := datatypes.ValidateSessionID(sessionID); err != nil {
		return Info{}, false, err
	}

	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		now := s.now()
		e = &entry{
			conversationID: s.newConvID(),
			turns: []datatypes.Turn{{
				Role:      datatypes.RoleSystem,
				Content:   s.systemPrompt(),
				CreatedAt: now,
			}},
			createdAt:  now,
			lastActive: now,
		}
		s.sessions[sessionID] = e
	}
	info = e.info(sessionID)
	s.mu.Unlock()

	if !ok {
		s.logger.Info("Session created",
			"session_id", sessionID,
			"conversation_id", info.ConversationID)
		s.fire(s.createHooks(), info)
	}
	return info, !ok, nil
}

// Get returns the session summary.
func (s *Store) Get(sessionID string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	return e.info(sessionID), true
}

// Append adds turns at the end of the transcript.
func (s *Store) Append(sessionID string, turns ...datatypes.Turn) error {
	for _, t := range turns {
		if t.Role == datatypes.RoleSystem {
			return ErrSystemTurn
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	for _, t := range turns {
		t = t.Clone()
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		e.turns = append(e.turns, t)
	}
	e.lastActive = now
	return nil
}

// Snapshot returns a copy of the transcript and the current conversation
// id.
func (s *Store) Snapshot(sessionID string) ([]datatypes.Turn, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, "", ErrNotFound
	}
	out := make([]datatypes.Turn, len(e.turns))
	for i, t := range e.turns {
		out[i] = t.Clone()
	}
	return out, e.conversationID, nil
}

// Replace swaps the whole transcript. turns must start with exactly one
// system turn.
func (s *Store) Replace(sessionID string, turns []datatypes.Turn) error {
	if err := checkTranscript(turns); err != nil {
		return err
	}
	cp := make([]datatypes.Turn, len(turns))
	for i, t := range turns {
		cp[i] = t.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.turns = cp
	e.lastActive = s.now()
	return nil
}

// Reset truncates the transcript to its system turn and rotates the
// conversation id. It returns the new id.
func (s *Store) Reset(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	e.turns = e.turns[:1:1]
	e.conversationID = s.newConvID()
	e.lastActive = s.now()
	return e.conversationID, nil
}

// Delete removes a session. It reports whether the session existed.
func (s *Store) Delete(sessionID string) bool {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if ok {
		s.fire(s.evictHooks(), e.info(sessionID))
	}
	return ok
}

// EvictIdle removes every session whose last activity satisfies expired
// and whose turn slot is free. It returns how many sessions were evicted
// and how many expired sessions were skipped because a turn was in
// flight.
func (s *Store) EvictIdle(expired func(lastActive time.Time) bool) (evicted, skipped int) {
	var gone []Info

	s.mu.Lock()
	for id, e := range s.sessions {
		if !expired(e.lastActive) {
			continue
		}
		if s.slots != nil && s.slots.Held(id) {
			skipped++
			continue
		}
		delete(s.sessions, id)
		gone = append(gone, e.info(id))
	}
	s.mu.Unlock()

	hooks := s.evictHooks()
	for _, info := range gone {
		s.logger.Info("Session evicted",
			"session_id", info.SessionID,
			"conversation_id", info.ConversationID,
			"idle", s.now().Sub(info.LastActive).Round(time.Second).String())
		s.fire(hooks, info)
	}
	return len(gone), skipped
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) createHooks() []func(Info) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.onCreate
}

func (s *Store) evictHooks() []func(Info) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.onEvict
}

func (s *Store) fire(hooks []func(Info), info Info) {
	for _, fn := range hooks {
		fn(info)
	}
}

func checkTranscript(turns []datatypes.Turn) error {
	if len(turns) == 0 || turns[0].Role != datatypes.RoleSystem {
		return ErrInvalidTranscript
	}
	for _, t := range turns[1:] {
		if t.Role == datatypes.RoleSystem {
			return ErrInvalidTranscript
		}
	}
	return nil
}
