// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

// ActionSchedule is the RAG engine action that requests the scheduling
// flow instead of returning context.
const ActionSchedule = "schedule"

// RAGEngineRequest is the body of POST /rag/retrieve.
type RAGEngineRequest struct {
	Query      string `json:"query"`
	Collection string `json:"collection"`
	MaxChunks  int    `json:"max_chunks,omitempty"`
}

// RAGEngineResponse is the RAG engine reply.
type RAGEngineResponse struct {
	// Action is "context" (or empty) for text, "schedule" for booking.
	Action  string `json:"action"`
	Context string `json:"context"`
}

// RAGEngineRetriever calls a remote retrieval engine over HTTP.
type RAGEngineRetriever struct {
	baseURL    string
	collection string
	maxChunks  int
	httpClient *http.Client
}

// NewRAGEngineRetriever creates a retriever for the engine at baseURL.
// A nil httpClient gets a client with a 30s timeout.
func NewRAGEngineRetriever(baseURL, collection string, maxChunks int, httpClient *http.Client) *RAGEngineRetriever {
	if collection == "" {
		collection = DefaultCollection
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RAGEngineRetriever{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		collection: collection,
		maxChunks:  maxChunks,
		httpClient: httpClient,
	}
}

// Retrieve implements Retriever.
//
// # Description
//
// Posts the raw utterance and the collection id to /rag/retrieve. A
// non-200 status becomes a *RetrievalError; the call is never retried
// here.
func (r *RAGEngineRetriever) Retrieve(ctx context.Context, utterance string) (datatypes.ContextResult, error) {
	ctx, span := tracer.Start(ctx, "RAGEngineRetriever.Retrieve")
	defer span.End()

	retrievalURL := r.baseURL + "/rag/retrieve"
	span.SetAttributes(
		attribute.String("retrieval.url", retrievalURL),
		attribute.String("retrieval.collection", r.collection),
	)

	payloadBytes, err := json.Marshal(RAGEngineRequest{
		Query:      utterance,
		Collection: r.collection,
		MaxChunks:  r.maxChunks,
	})
	if err != nil {
		return datatypes.ContextResult{}, fmt.Errorf("failed to marshal retrieval request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, retrievalURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return datatypes.ContextResult{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return datatypes.ContextResult{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return datatypes.ContextResult{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		span.SetAttributes(
			attribute.Int("retrieval.status_code", resp.StatusCode),
			attribute.String("retrieval.error_body", string(body)),
		)
		span.SetStatus(codes.Error, "non-200 status")
		return datatypes.ContextResult{}, &RetrievalError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  isRetryableStatusCode(resp.StatusCode),
		}
	}

	var parsed RAGEngineResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return datatypes.ContextResult{}, fmt.Errorf("failed to parse retrieval response: %w", err)
	}

	if strings.EqualFold(parsed.Action, ActionSchedule) {
		span.SetAttributes(attribute.Bool("retrieval.scheduling", true))
		return datatypes.SchedulingRequested(), nil
	}
	span.SetAttributes(attribute.Int("retrieval.context_bytes", len(parsed.Context)))
	return datatypes.TextContext(parsed.Context), nil
}

// isRetryableStatusCode reports whether a retry could succeed (502, 503
// or 504).
func isRetryableStatusCode(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RetrievalError is a non-200 reply from the RAG engine.
type RetrievalError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface for RetrievalError.
func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval error (status %d): %s", e.StatusCode, e.Message)
}
