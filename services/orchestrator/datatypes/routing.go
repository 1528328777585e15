// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "fmt"

// =============================================================================
// Routing Decision
// =============================================================================

// RoutingDecision is how one user utterance is handled. It is computed
// fresh for every turn.
type RoutingDecision int

const (
	// DirectAnswer sends the transcript to the model unchanged.
	DirectAnswer RoutingDecision = iota

	// RetrieveContext augments the utterance with retrieved context first.
	RetrieveContext

	// ScheduleMeeting skips the model and returns the booking link.
	ScheduleMeeting
)

// String returns the wire name of the decision.
func (d RoutingDecision) String() string {
	switch d {
	case DirectAnswer:
		return "direct_answer"
	case RetrieveContext:
		return "retrieve_context"
	case ScheduleMeeting:
		return "schedule_meeting"
	default:
		return fmt.Sprintf("routing_decision(%d)", int(d))
	}
}

// MarshalText encodes the decision by name for JSON bodies.
func (d RoutingDecision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a decision name written by MarshalText.
func (d *RoutingDecision) UnmarshalText(text []byte) error {
	for _, c := range []RoutingDecision{DirectAnswer, RetrieveContext, ScheduleMeeting} {
		if c.String() == string(text) {
			*d = c
			return nil
		}
	}
	return fmt.Errorf("unknown routing decision %q", text)
}

// =============================================================================
// Context Result
// =============================================================================

// ContextResult is what the retrieval collaborator returns: either text
// to inject into the prompt, or a request to run the scheduling flow.
//
// The zero value is empty text.
type ContextResult struct {
	text       string
	scheduling bool
}

// TextContext returns a ContextResult carrying retrieved text. Empty text
// means nothing relevant was found.
func TextContext(text string) ContextResult {
	return ContextResult{text: text}
}

// SchedulingRequested returns the ContextResult that diverts the turn to
// the scheduling short-circuit.
func SchedulingRequested() ContextResult {
	return ContextResult{scheduling: true}
}

// IsScheduling reports whether the collaborator asked for scheduling.
func (r ContextResult) IsScheduling() bool { return r.scheduling }

// Text returns the retrieved text. It is empty for scheduling results.
func (r ContextResult) Text() string { return r.text }

// =============================================================================
// Routing Outcome
// =============================================================================

// OutcomeKind tells the transport what begin_turn decided.
type OutcomeKind string

const (
	// OutcomeStream means a pending turn is waiting for stream_turn.
	OutcomeStream OutcomeKind = "streaming"

	// OutcomeSchedule means the turn was answered with the booking link.
	OutcomeSchedule OutcomeKind = "scheduling"
)

// RoutingOutcome is the result of begin_turn.
type RoutingOutcome struct {
	Kind           OutcomeKind
	Decision       RoutingDecision
	ConversationID string

	// SchedulingLink and SchedulingMessage are set for OutcomeSchedule.
	SchedulingLink    string
	SchedulingMessage string
}
