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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse decodes resp.Data into T.
//
// # Description
//
// Round-trips the untyped GraphQL payload through JSON so callers get
// typed structs instead of map[string]interface{} probing. GraphQL errors
// reported by Weaviate are returned as an error.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, errors.New("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

// KnowledgeQueryResponse is the Get payload of a retrieval query. The
// class name varies, so results are keyed by it.
type KnowledgeQueryResponse struct {
	Get map[string][]KnowledgeResult `json:"Get"`
}

// KnowledgeResult is one retrieved chunk.
type KnowledgeResult struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	Additional struct {
		ID    string `json:"id"`
		Score string `json:"score"`
	} `json:"_additional"`
}

// TranscriptProperties is the property map of a Transcript object.
type TranscriptProperties struct {
	ConversationID string `json:"conversation_id"`
	TurnsJSON      string `json:"turns_json"`
	TurnCount      int    `json:"turn_count"`
	UpdatedAt      int64  `json:"updated_at"`
}

// ToMap converts the properties for the Weaviate data API.
func (p *TranscriptProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"conversation_id": p.ConversationID,
		"turns_json":      p.TurnsJSON,
		"turn_count":      p.TurnCount,
		"updated_at":      p.UpdatedAt,
	}
}
