// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing classifies a user utterance into a RoutingDecision.
//
// # Description
//
// The Router asks the language model for a JSON object naming one tool
// and maps the tool to a decision:
//
//	Hybrid   -> RetrieveContext
//	Calendly -> ScheduleMeeting
//	None     -> DirectAnswer
//
// The tie-break between scheduling and retrieval lives in the instruction
// text, not in code.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianConcierge/services/llm"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/observability"
)

// Tool names of the classification contract.
const (
	ToolHybrid   = "Hybrid"
	ToolCalendly = "Calendly"
	ToolNone     = "None"
)

// JSONRequestPrefix is prepended to the utterance in the classification
// request.
const JSONRequestPrefix = "Please provide the response in JSON format: "

// DefaultInstruction is the classification system instruction.
const DefaultInstruction = `You are a router for the website assistant of the company Positive.
Choose exactly one tool for the user's message and answer with a JSON object of the form {"tool": "<name>"}.

Tools:
- "Hybrid": questions about the company, its services, products, projects, references, contacts or anything that needs company knowledge.
- "Calendly": the user wants to schedule, book or arrange a meeting, call, appointment or consultation.
- "None": greetings, small talk, thanks, or questions that need no company knowledge.

Rules:
- Scheduling cues always win. If the message mentions a meeting or booking (for example "sastanak", "zakazati", "zakažem", "zakazivanje", "termin", "meeting", "book", "appointment", "schedule a call"), answer "Calendly" even when the message also asks about the company.
- Messages may be in Serbian (Latin or Cyrillic) or English.
- Answer with the JSON object only.`

// Classifier is the routing contract used by the conversation service.
type Classifier interface {
	Classify(ctx context.Context, utterance string) (datatypes.RoutingDecision, error)
}

// choiceSource records how a tool name was found in the model output.
type choiceSource int

const (
	// sourceKeyed means the "tool" key was present.
	sourceKeyed choiceSource = iota

	// sourceSingleValue means the object had one key other than "tool" and
	// its value was used.
	sourceSingleValue
)

// toolChoice is the parsed classification result.
type toolChoice struct {
	Tool   string
	Source choiceSource
}

// Router implements Classifier on top of an LLMClient.
type Router struct {
	client      llm.LLMClient
	instruction string
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithInstruction overrides DefaultInstruction.
func WithInstruction(instruction string) RouterOption {
	return func(r *Router) {
		if strings.TrimSpace(instruction) != "" {
			r.instruction = instruction
		}
	}
}

// WithMetrics records classifier fallbacks.
func WithMetrics(m *observability.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a Router.
func NewRouter(client llm.LLMClient, opts ...RouterOption) *Router {
	r := &Router{
		client:      client,
		instruction: DefaultInstruction,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Classify returns the decision for utterance.
//
// # Description
//
// A fresh classification is made for every call; nothing is cached. On any
// failure other than context cancellation Classify returns DirectAnswer
// together with a KindClassification *TurnError wrapping the cause, so
// callers can log it and continue with the direct path.
//
// # Outputs
//
//   - RoutingDecision: Always usable, DirectAnswer on failure.
//   - error: nil, a ClassificationError, or the context error.
func (r *Router) Classify(ctx context.Context, utterance string) (datatypes.RoutingDecision, error) {
	temperature := float32(0)
	raw, err := r.client.ChatJSON(ctx, []datatypes.Message{
		{Role: string(datatypes.RoleSystem), Content: r.instruction},
		{Role: string(datatypes.RoleUser), Content: JSONRequestPrefix + utterance},
	}, llm.GenerationParams{Temperature: &temperature})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return datatypes.DirectAnswer, ctxErr
		}
		return r.fallback("upstream", datatypes.NewClassificationError("classifier call failed", err))
	}

	choice, err := parseToolChoice(raw)
	if err != nil {
		return r.fallback("parse", err)
	}

	decision, ok := decisionForTool(choice.Tool)
	if !ok {
		return r.fallback("unknown_tool",
			datatypes.NewClassificationError(fmt.Sprintf("unknown tool %q", choice.Tool), nil))
	}
	if choice.Source == sourceSingleValue {
		r.logger.Debug("Classifier answered without the tool key, used its single value",
			"tool", choice.Tool)
	}
	return decision, nil
}

func (r *Router) fallback(reason string, err error) (datatypes.RoutingDecision, error) {
	r.metrics.RecordClassificationFallback(reason)
	r.logger.Warn("Classification failed, degrading to direct answer",
		"reason", reason, "error", err)
	return datatypes.DirectAnswer, err
}

// parseToolChoice extracts the tool name from the model output.
//
// The "tool" key wins. Without it the object must hold exactly one string
// value, which is used instead. Anything else is a ClassificationError.
func parseToolChoice(raw string) (toolChoice, error) {
	body := stripCodeFence(strings.TrimSpace(raw))
	if body == "" {
		return toolChoice{}, datatypes.NewClassificationError("empty classifier output", nil)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return toolChoice{}, datatypes.NewClassificationError("classifier output is not a JSON object", err)
	}

	if v, ok := obj["tool"]; ok {
		tool, err := stringValue(v)
		if err != nil {
			return toolChoice{}, datatypes.NewClassificationError(`"tool" is not a string`, err)
		}
		return toolChoice{Tool: tool, Source: sourceKeyed}, nil
	}

	if len(obj) != 1 {
		return toolChoice{}, datatypes.NewClassificationError(
			fmt.Sprintf("no tool key and %d values", len(obj)), nil)
	}
	var only json.RawMessage
	for _, v := range obj {
		only = v
	}
	tool, err := stringValue(only)
	if err != nil {
		return toolChoice{}, datatypes.NewClassificationError("single value is not a string", err)
	}
	return toolChoice{Tool: tool, Source: sourceSingleValue}, nil
}

func stringValue(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// stripCodeFence removes a ```json ... ``` wrapper some models add even in
// JSON mode.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func decisionForTool(tool string) (datatypes.RoutingDecision, bool) {
	switch strings.ToLower(tool) {
	case strings.ToLower(ToolHybrid):
		return datatypes.RetrieveContext, true
	case strings.ToLower(ToolCalendly):
		return datatypes.ScheduleMeeting, true
	case strings.ToLower(ToolNone), "direct", "":
		return datatypes.DirectAnswer, true
	}
	return datatypes.DirectAnswer, false
}
