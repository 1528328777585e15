// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval fetches grounding context for RetrieveContext turns.
//
// # Description
//
// A Retriever returns a tagged datatypes.ContextResult: retrieved text, or
// a request to divert the turn to the scheduling flow. Backends decide
// when to return SchedulingRequested; callers never compare retrieved
// text against magic values.
//
// The Augmenter wraps a Retriever for the conversation service. It
// records metrics and degrades any retrieval failure to empty context so
// the turn still gets an answer.
package retrieval

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/observability"
)

// DefaultCollection is the retrieval namespace the site content lives in.
const DefaultCollection = "embedding-za-sajt"

// Retriever queries the retrieval service with a raw utterance.
//
// Empty text is a valid result meaning nothing relevant was found.
type Retriever interface {
	Retrieve(ctx context.Context, utterance string) (datatypes.ContextResult, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, utterance string) (datatypes.ContextResult, error)

// Retrieve calls f.
func (f RetrieverFunc) Retrieve(ctx context.Context, utterance string) (datatypes.ContextResult, error) {
	return f(ctx, utterance)
}

// Augmenter produces the context for one RetrieveContext turn.
type Augmenter struct {
	retriever Retriever
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewAugmenter wraps retriever. metrics may be nil.
func NewAugmenter(retriever Retriever, metrics *observability.Metrics, logger *slog.Logger) *Augmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Augmenter{retriever: retriever, metrics: metrics, logger: logger}
}

// Augment returns the context for utterance.
//
// # Description
//
// Calls the retriever once. A retrieval error is logged and returned as
// empty text so the turn proceeds without context; only cancellation of
// ctx is reported to the caller.
//
// # Outputs
//
//   - datatypes.ContextResult: Text (possibly empty) or SchedulingRequested.
//   - error: ctx.Err() when the caller gave up, nil otherwise.
func (a *Augmenter) Augment(ctx context.Context, utterance string) (datatypes.ContextResult, error) {
	res, err := a.retriever.Retrieve(ctx, utterance)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return datatypes.ContextResult{}, ctxErr
		}
		a.metrics.RecordRetrieval(observability.RetrievalError)
		a.logger.Warn("Retrieval failed, continuing without context", "error", err)
		return datatypes.TextContext(""), nil
	}

	switch {
	case res.IsScheduling():
		a.metrics.RecordRetrieval(observability.RetrievalScheduling)
	case strings.TrimSpace(res.Text()) == "":
		a.metrics.RecordRetrieval(observability.RetrievalEmpty)
	default:
		a.metrics.RecordRetrieval(observability.RetrievalText)
	}
	return res, nil
}

// BuildPrompt returns the model-facing version of utterance. The
// transcript keeps the original utterance; this text is only sent to the
// model for the current turn.
//
// # Examples
//
//	BuildPrompt("Sajber bezbednost podrazumeva...", "Šta je sajber bezbednost?")
//	// "Context:\nSajber bezbednost podrazumeva...\n\nQuestion: Šta je sajber bezbednost?"
func BuildPrompt(retrieved, utterance string) string {
	if strings.TrimSpace(retrieved) == "" {
		return utterance
	}
	return "Context:\n" + retrieved + "\n\nQuestion: " + utterance
}
