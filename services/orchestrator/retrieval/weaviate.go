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
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("concierge.retrieval")

// DefaultSchedulingSentinel is the chunk text the knowledge base uses to
// mark booking requests.
const DefaultSchedulingSentinel = "https://outlook.office365.com/book/Chatbot@positive.rs/"

// WeaviateConfig configures WeaviateRetriever.
type WeaviateConfig struct {
	// Collection is the retrieval namespace, e.g. "embedding-za-sajt".
	Collection string

	// Limit is the number of chunks joined into the context. Default 4.
	Limit int

	// Alpha weights vector against keyword search. Default 0.5.
	Alpha float32

	// SchedulingSentinel is the chunk text that diverts the turn to the
	// scheduling flow.
	SchedulingSentinel string
}

// WeaviateRetriever runs a hybrid query against one Weaviate class.
type WeaviateRetriever struct {
	client    *weaviate.Client
	className string
	config    WeaviateConfig
}

// NewWeaviateRetriever creates a retriever for config.Collection.
func NewWeaviateRetriever(client *weaviate.Client, config WeaviateConfig) *WeaviateRetriever {
	if config.Collection == "" {
		config.Collection = DefaultCollection
	}
	if config.Limit <= 0 {
		config.Limit = 4
	}
	if config.Alpha <= 0 || config.Alpha > 1 {
		config.Alpha = 0.5
	}
	if config.SchedulingSentinel == "" {
		config.SchedulingSentinel = DefaultSchedulingSentinel
	}
	return &WeaviateRetriever{
		client:    client,
		className: ClassName(config.Collection),
		config:    config,
	}
}

// ClassName converts a collection id into a Weaviate class name.
//
// # Examples
//
//	ClassName("embedding-za-sajt") // "EmbeddingZaSajt"
func ClassName(collection string) string {
	var b strings.Builder
	upper := true
	for _, r := range collection {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Retrieve implements Retriever.
//
// # Description
//
// Runs a hybrid (BM25 + vector) query for utterance and joins the chunk
// contents with blank lines. A chunk whose whole text is the scheduling
// sentinel turns the result into SchedulingRequested.
func (w *WeaviateRetriever) Retrieve(ctx context.Context, utterance string) (datatypes.ContextResult, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.class", w.className),
		attribute.Int("retrieval.limit", w.config.Limit),
	)

	hybrid := w.client.GraphQL().HybridArgumentBuilder().
		WithQuery(utterance).
		WithAlpha(w.config.Alpha)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional { id score }"},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithHybrid(hybrid).
		WithLimit(w.config.Limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return datatypes.ContextResult{}, fmt.Errorf("hybrid query: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.KnowledgeQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad response")
		return datatypes.ContextResult{}, err
	}

	chunks := parsed.Get[w.className]
	span.SetAttributes(attribute.Int("retrieval.chunks_count", len(chunks)))

	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		text := strings.TrimSpace(c.Content)
		if text == w.config.SchedulingSentinel {
			span.SetAttributes(attribute.Bool("retrieval.scheduling", true))
			return datatypes.SchedulingRequested(), nil
		}
		if text != "" {
			texts = append(texts, text)
		}
	}
	return datatypes.TextContext(strings.Join(texts, "\n\n")), nil
}
