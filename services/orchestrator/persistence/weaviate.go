// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

// transcriptNamespace seeds the name-based object ids.
var transcriptNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://aleutian.ai/concierge/transcript"))

// WeaviatePersister stores one Transcript object per conversation id.
type WeaviatePersister struct {
	client *weaviate.Client
	now    func() time.Time
}

// NewWeaviatePersister creates the persister. The Transcript class must
// exist; see datatypes.EnsureWeaviateSchema.
func NewWeaviatePersister(client *weaviate.Client) *WeaviatePersister {
	return &WeaviatePersister{client: client, now: time.Now}
}

// ObjectID returns the Weaviate id for a conversation. The same id always
// maps to the same object, which gives replace semantics.
func ObjectID(conversationID string) string {
	return uuid.NewSHA1(transcriptNamespace, []byte(conversationID)).String()
}

// Persist implements Persister.
//
// # Description
//
// Checks whether the object exists, then replaces it with a full update
// or creates it. Two writers racing on the same new conversation both
// target the same id, so the loser's create fails instead of duplicating.
func (p *WeaviatePersister) Persist(ctx context.Context, conversationID string, turns []datatypes.Turn) error {
	rec, err := newRecord(conversationID, turns, p.now())
	if err != nil {
		return err
	}
	turnsJSON, err := json.Marshal(rec.Turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	props := &datatypes.TranscriptProperties{
		ConversationID: conversationID,
		TurnsJSON:      string(turnsJSON),
		TurnCount:      len(turns),
		UpdatedAt:      rec.UpdatedAt.UnixMilli(),
	}
	id := ObjectID(conversationID)

	exists, err := p.client.Data().Checker().
		WithClassName(datatypes.TranscriptClass).
		WithID(id).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("check transcript %s: %w", conversationID, err)
	}

	if exists {
		err = p.client.Data().Updater().
			WithClassName(datatypes.TranscriptClass).
			WithID(id).
			WithProperties(props.ToMap()).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("replace transcript %s: %w", conversationID, err)
		}
		return nil
	}

	_, err = p.client.Data().Creator().
		WithClassName(datatypes.TranscriptClass).
		WithID(id).
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("create transcript %s: %w", conversationID, err)
	}
	return nil
}

// Name implements Persister.
func (p *WeaviatePersister) Name() string { return "weaviate" }
