// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConcierge/services/llm"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/finalizer"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/responder"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/sessions"
)

// =============================================================================
// Live service wiring
// =============================================================================

// scriptedLLM streams fixed tokens and records what it was asked.
type scriptedLLM struct {
	mu       sync.Mutex
	tokens   []string
	messages [][]datatypes.Message
}

func (l *scriptedLLM) Chat(context.Context, []datatypes.Message, llm.GenerationParams) (string, error) {
	return "", nil
}

func (l *scriptedLLM) ChatJSON(context.Context, []datatypes.Message, llm.GenerationParams) (string, error) {
	return `{"tool":"None"}`, nil
}

func (l *scriptedLLM) ChatStream(_ context.Context, msgs []datatypes.Message, _ llm.GenerationParams, cb llm.StreamCallback) error {
	l.mu.Lock()
	l.messages = append(l.messages, msgs)
	l.mu.Unlock()
	for _, tok := range l.tokens {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	return cb(llm.StreamEvent{Type: llm.StreamEventDone})
}

func (l *scriptedLLM) lastUserMessage() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.messages[len(l.messages)-1]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == string(datatypes.RoleUser) {
			return msgs[i].Content
		}
	}
	return ""
}

type directRouter struct{}

func (directRouter) Classify(context.Context, string) (datatypes.RoutingDecision, error) {
	return datatypes.DirectAnswer, nil
}

type constSpeech struct{}

func (constSpeech) Encode(context.Context, string) (string, error) { return "bXAz", nil }

func newLiveRouter(t *testing.T) (http.Handler, *conversation.Service, *scriptedLLM) {
	t.Helper()
	model := &scriptedLLM{tokens: []string{"Zdravo, ", "kako ", "mogu ", "da pomognem?"}}
	slots := sessions.NewTurnSlots()
	store := sessions.NewStore(sessions.StoreOptions{
		SystemPrompt: func() string { return "persona" },
		Slots:        slots,
	})
	fin := finalizer.New(finalizer.Config{Store: store, Speech: constSpeech{}})
	svc := conversation.New(conversation.Options{
		Store:     store,
		Slots:     slots,
		Router:    directRouter{},
		Responder: responder.New(model, responder.WithMinFrameInterval(0)),
		Finalizer: fin,
	})
	t.Cleanup(func() {
		svc.Close()
		fin.Wait()
	})
	return newTestRouter(NewChatHandler(svc)), svc, model
}

// readUntilFinal decodes SSE data events the way the browser client does:
// it stops at the first frame whose content has no cursor glyph.
func readUntilFinal(t *testing.T, body string) datatypes.FrameEvent {
	t.Helper()
	for _, event := range strings.Split(body, "\n\n") {
		data, ok := strings.CutPrefix(event, "data: ")
		if !ok {
			continue
		}
		var f datatypes.FrameEvent
		require.NoError(t, json.Unmarshal([]byte(data), &f))
		if !strings.HasSuffix(f.Content, datatypes.CursorGlyph) {
			return f
		}
	}
	t.Fatalf("stream ended without a final frame: %q", body)
	return datatypes.FrameEvent{}
}

// =============================================================================
// Tests
// =============================================================================

func TestLiveTurn_AudioReachableAfterFinalFrame(t *testing.T) {
	r, _, _ := newLiveRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(
		`{"message":{"role":"user","content":"Zdravo"},"play_audio_response":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, "s1")
	w := serve(r, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(r, httptest.NewRequest(http.MethodGet, "/chat/stream?session_id=s1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	final := readUntilFinal(t, w.Body.String())
	assert.NotEmpty(t, final.Content)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/chat/audio?session_id=s1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.AudioResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "bXAz", resp.Audio)
}

func TestLiveTurn_NoAudioUnlessRequested(t *testing.T) {
	r, _, _ := newLiveRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(
		`{"message":{"role":"user","content":"Zdravo"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, "s1")
	require.Equal(t, http.StatusOK, serve(r, req).Code)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/chat/stream?session_id=s1", nil))
	readUntilFinal(t, w.Body.String())
	assert.NotContains(t, w.Body.String(), `"audio"`)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/chat/audio?session_id=s1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"session_id":"s1","audio":""}`, w.Body.String())
}

func TestLiveUpload_DocumentReachesPromptOnly(t *testing.T) {
	r, svc, model := newLiveRouter(t)

	w := serve(r, documentUpload(t, "s1",
		map[string]string{"message": "Koliko košta revizija?"},
		uploadPart{"text/plain", "ponuda.txt", "Revizija: 100 EUR"},
	))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(r, httptest.NewRequest(http.MethodGet, "/chat/stream?session_id=s1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	readUntilFinal(t, w.Body.String())

	prompt := model.lastUserMessage()
	assert.Contains(t, prompt, "Revizija: 100 EUR")
	assert.True(t, strings.HasSuffix(prompt, "Koliko košta revizija?"), prompt)

	turns, _, err := svc.Transcript("s1")
	require.NoError(t, err)
	var users []string
	for _, turn := range turns {
		if turn.Role == datatypes.RoleUser {
			users = append(users, turn.Content)
		}
	}
	assert.Equal(t, []string{"Koliko košta revizija?"}, users)
}

func TestLiveUpload_RejectedLeavesTranscriptUntouched(t *testing.T) {
	r, svc, _ := newLiveRouter(t)

	w := serve(r, documentUpload(t, "s1",
		map[string]string{"message": "Pročitaj ponudu"},
		uploadPart{"application/pdf", "ponuda.pdf", "%PDF-1.7"},
	))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	_, _, err := svc.Transcript("s1")
	assert.ErrorIs(t, err, sessions.ErrNotFound)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/chat/stream?session_id=s1", nil))
	assert.Contains(t, w.Body.String(), "no pending turn for this session")
}
