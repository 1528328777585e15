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
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

var sampleTurns = []datatypes.Turn{
	{Role: datatypes.RoleSystem, Content: "persona"},
	{Role: datatypes.RoleUser, Content: "Šta je sajber bezbednost?"},
	{Role: datatypes.RoleMeta, Flags: map[string]string{datatypes.FlagPlayAudio: "false"}},
	{Role: datatypes.RoleAssistant, Content: "<strong>Positive</strong> nudi..."},
}

func TestBadgerPersister_AppendOrReplace(t *testing.T) {
	p, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.Persist(ctx, "conv-1", sampleTurns[:2]))
	require.NoError(t, p.Persist(ctx, "conv-1", sampleTurns))
	require.NoError(t, p.Persist(ctx, "conv-2", sampleTurns[:1]))

	rec, err := p.Load("conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", rec.ConversationID)
	require.Len(t, rec.Turns, 4)
	assert.Equal(t, datatypes.RoleAssistant, rec.Turns[3].Role)
	assert.Equal(t, "false", rec.Turns[2].Flags[datatypes.FlagPlayAudio])

	other, err := p.Load("conv-2")
	require.NoError(t, err)
	assert.Len(t, other.Turns, 1)

	_, err = p.Load("missing")
	assert.Error(t, err)
	assert.Equal(t, "badger", p.Name())
}

func TestBadgerPersister_RequiresID(t *testing.T) {
	p, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer p.Close()

	assert.ErrorIs(t, p.Persist(context.Background(), "", sampleTurns), ErrNoConversationID)
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestObjectID_Stable(t *testing.T) {
	assert.Equal(t, ObjectID("conv-1"), ObjectID("conv-1"))
	assert.NotEqual(t, ObjectID("conv-1"), ObjectID("conv-2"))
	assert.Len(t, ObjectID("conv-1"), 36)
}

func TestGCSPersister_ObjectName(t *testing.T) {
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "transcripts/conv-1.json", NewGCSPersister(client, "b", "").ObjectName("conv-1"))
	assert.Equal(t, "chat/conv-1.json", NewGCSPersister(client, "b", "chat").ObjectName("conv-1"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	p, closeFn, err := Open(ctx, Config{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "none", p.Name())
	assert.NoError(t, closeFn())

	_, _, err = Open(ctx, Config{Backend: "weaviate"}, nil, nil)
	assert.Error(t, err)

	_, _, err = Open(ctx, Config{Backend: "gcs"}, nil, nil)
	assert.Error(t, err)

	_, _, err = Open(ctx, Config{Backend: "s3"}, nil, nil)
	assert.Error(t, err)

	dir := t.TempDir()
	p, closeFn, err = Open(ctx, Config{Backend: "badger", BadgerPath: dir}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "badger", p.Name())
	assert.NoError(t, closeFn())
}

// fakeWeaviate records object API calls and tracks which ids exist. It
// reports a server version on /v1/meta so the client addresses objects
// by class.
type fakeWeaviate struct {
	mu      sync.Mutex
	calls   []string
	objects map[string]map[string]any
}

func (f *fakeWeaviate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/v1/meta" {
		_, _ = io.WriteString(w, `{"version":"1.25.0"}`)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/v1/objects") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	f.calls = append(f.calls, r.Method)

	body, _ := io.ReadAll(r.Body)
	var obj map[string]any
	_ = json.Unmarshal(body, &obj)

	id := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	switch r.Method {
	case http.MethodHead:
		if _, ok := f.objects[id]; ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodPost:
		id, _ = obj["id"].(string)
		f.objects[id] = obj
		_ = json.NewEncoder(w).Encode(obj)
	case http.MethodPut:
		f.objects[id] = obj
		_ = json.NewEncoder(w).Encode(obj)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestWeaviatePersister_CreateThenReplace(t *testing.T) {
	fake := &fakeWeaviate{objects: map[string]map[string]any{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client, err := weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: u.Scheme})
	require.NoError(t, err)

	p := NewWeaviatePersister(client)
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }

	ctx := context.Background()
	require.NoError(t, p.Persist(ctx, "conv-1", sampleTurns[:2]))
	require.NoError(t, p.Persist(ctx, "conv-1", sampleTurns))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{http.MethodHead, http.MethodPost, http.MethodHead, http.MethodPut}, fake.calls)
	require.Len(t, fake.objects, 1)

	stored := fake.objects[ObjectID("conv-1")]
	require.NotNil(t, stored)
	props, ok := stored["properties"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "conv-1", props["conversation_id"])
	assert.Equal(t, float64(4), props["turn_count"])
	assert.Equal(t, float64(1700000000000), props["updated_at"])
}
