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

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// TranscriptClass is the Weaviate class holding persisted transcripts.
const TranscriptClass = "Transcript"

// GetTranscriptSchema returns the class for persisted transcripts. One
// object per conversation id; turns are stored as a JSON document.
func GetTranscriptSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       TranscriptClass,
		Description: "A full chat transcript keyed by conversation id.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "conversation_id",
				DataType:        []string{"text"},
				Description:     "Stable id of the conversation, rotated on reset.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "turns_json",
				DataType:    []string{"text"},
				Description: "JSON array of transcript turns.",
			},
			{
				Name:            "turn_count",
				DataType:        []string{"int"},
				Description:     "Number of turns, meta turns included.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "updated_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of the last write.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// GetKnowledgeSchema returns the retrieval collection class. The
// vectorizer is left to the deployment; the concierge only queries it.
func GetKnowledgeSchema(className string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       className,
		Description: "Knowledge base chunks used to ground answers.",
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "Chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Page or document the chunk came from.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureWeaviateSchema creates any missing class. Existing classes are
// left untouched.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client, classes ...*models.Class) error {
	for _, class := range classes {
		// ClassGetter errors when the class is missing.
		if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			slog.Debug("Schema already exists", "class", class.Class)
			continue
		}
		slog.Info("Schema not found, creating it", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", class.Class, err)
		}
	}
	return nil
}
