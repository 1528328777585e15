// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures shared by the concierge
// orchestrator: transcript turns, routing decisions, stream frames, the
// error taxonomy and the HTTP request/response bodies.
package datatypes

import (
	"slices"
	"strconv"
	"time"
)

// =============================================================================
// Roles
// =============================================================================

// Role identifies who produced a Turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleMeta turns carry per-turn flags. They are never sent to a model.
	RoleMeta Role = "meta"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleMeta:
		return true
	}
	return false
}

// =============================================================================
// Turns
// =============================================================================

// Turn is one entry of a Transcript.
//
// # Fields
//
//   - Role: system, user, assistant or meta.
//   - Content: text. Assistant content is display markup once finalized.
//   - Flags: key/value flags, only set on meta turns.
//   - CreatedAt: append time, UTC.
type Turn struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content,omitempty"`
	Flags     map[string]string `json:"flags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Clone returns a deep copy of t. Flags maps are never shared between
// copies handed out by the store.
func (t Turn) Clone() Turn {
	if t.Flags != nil {
		flags := make(map[string]string, len(t.Flags))
		for k, v := range t.Flags {
			flags[k] = v
		}
		t.Flags = flags
	}
	return t
}

// Message is the model-facing projection of a Turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Project returns the model-facing messages for turns, dropping meta turns.
func Project(turns []Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleMeta {
			continue
		}
		out = append(out, Message{Role: string(t.Role), Content: t.Content})
	}
	return out
}

// =============================================================================
// Turn Flags
// =============================================================================

// Flag keys stored on meta turns.
const (
	FlagSuggestQuestions = "suggest_questions"
	FlagPlayAudio        = "play_audio_response"
	FlagLanguage         = "language"
	FlagDecision         = "routing_decision"
)

// DefaultLanguage is used when a request carries no language flag.
const DefaultLanguage = "sr"

// TurnFlags are the per-turn options a client sends with an utterance.
type TurnFlags struct {
	SuggestQuestions bool
	PlayAudio        bool
	Language         string
}

// Lang returns the language flag, or DefaultLanguage when it is unset or
// not one of SupportedLanguages.
func (f TurnFlags) Lang() string {
	if !slices.Contains(SupportedLanguages, f.Language) {
		return DefaultLanguage
	}
	return f.Language
}

// MetaTurn renders f (plus the routing decision) as a meta Turn.
func (f TurnFlags) MetaTurn(decision RoutingDecision, now time.Time) Turn {
	return Turn{
		Role: RoleMeta,
		Flags: map[string]string{
			FlagSuggestQuestions: strconv.FormatBool(f.SuggestQuestions),
			FlagPlayAudio:        strconv.FormatBool(f.PlayAudio),
			FlagLanguage:         f.Lang(),
			FlagDecision:         decision.String(),
		},
		CreatedAt: now,
	}
}

// FlagsFromMeta reads TurnFlags back out of a meta Turn.
func FlagsFromMeta(t Turn) TurnFlags {
	suggest, _ := strconv.ParseBool(t.Flags[FlagSuggestQuestions])
	audio, _ := strconv.ParseBool(t.Flags[FlagPlayAudio])
	return TurnFlags{
		SuggestQuestions: suggest,
		PlayAudio:        audio,
		Language:         t.Flags[FlagLanguage],
	}
}
