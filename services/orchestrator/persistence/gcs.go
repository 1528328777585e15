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
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

// GCSPersister writes transcripts as JSON objects to a bucket.
type GCSPersister struct {
	bucket *storage.BucketHandle
	prefix string
	now    func() time.Time
}

// NewGCSPersister writes under gs://<bucket>/<prefix><conversation id>.json.
// An empty prefix means "transcripts/".
func NewGCSPersister(client *storage.Client, bucket, prefix string) *GCSPersister {
	if prefix == "" {
		prefix = "transcripts/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSPersister{bucket: client.Bucket(bucket), prefix: prefix, now: time.Now}
}

// ObjectName returns the object path for a conversation.
func (p *GCSPersister) ObjectName(conversationID string) string {
	return p.prefix + conversationID + ".json"
}

// Persist implements Persister. Object writes are atomic, so an upload
// replaces any earlier version in one step.
func (p *GCSPersister) Persist(ctx context.Context, conversationID string, turns []datatypes.Turn) error {
	rec, err := newRecord(conversationID, turns, p.now())
	if err != nil {
		return err
	}
	body, err := rec.marshal()
	if err != nil {
		return err
	}

	writer := p.bucket.Object(p.ObjectName(conversationID)).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(body); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write transcript %s: %w", conversationID, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("upload transcript %s: %w", conversationID, err)
	}
	return nil
}

// Name implements Persister.
func (p *GCSPersister) Name() string { return "gcs" }
