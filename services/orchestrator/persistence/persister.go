// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persistence stores finished transcripts outside the process.
//
// # Description
//
// Every backend has append-or-replace semantics keyed by conversation id:
// persisting the same conversation twice leaves one record holding the
// latest transcript. The conversation id is stable for a session until
// the session is reset, so a reset starts a new record and the old one is
// kept.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

// ErrNoConversationID is returned when the key is empty.
var ErrNoConversationID = errors.New("persistence: conversation id is required")

// Persister stores one transcript per conversation id.
type Persister interface {
	// Persist writes turns under conversationID, replacing any earlier
	// version.
	Persist(ctx context.Context, conversationID string, turns []datatypes.Turn) error

	// Name labels the backend in logs and metrics.
	Name() string
}

// Record is the stored document.
type Record struct {
	ConversationID string           `json:"conversation_id"`
	Turns          []datatypes.Turn `json:"turns"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func newRecord(conversationID string, turns []datatypes.Turn, now time.Time) (Record, error) {
	if conversationID == "" {
		return Record{}, ErrNoConversationID
	}
	return Record{ConversationID: conversationID, Turns: turns, UpdatedAt: now.UTC()}, nil
}

func (r Record) marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	return b, nil
}

// Noop discards transcripts.
type Noop struct{}

// Persist implements Persister.
func (Noop) Persist(context.Context, string, []datatypes.Turn) error { return nil }

// Name implements Persister.
func (Noop) Name() string { return "none" }
