// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

// =============================================================================
// Helpers
// =============================================================================

func newMockOpenAIServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *OpenAIClient) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1",
		Model:   "test-model",
	})
	require.NoError(t, err)
	return server, client
}

func writeStreamChunks(w http.ResponseWriter, deltas ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, d := range deltas {
		content, _ := json.Marshal(d)
		fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"test-model\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%s}}]}\n\n", content)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func writeQuotaError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprint(w, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","param":null,"code":"insufficient_quota"}}`)
}

var testMessages = []datatypes.Message{
	{Role: "system", Content: "persona"},
	{Role: "user", Content: "Šta je sajber bezbednost?"},
}

// =============================================================================
// Streaming
// =============================================================================

func TestOpenAIChatStream_DeliversTokensThenDone(t *testing.T) {
	_, client := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"stream":true`)
		writeStreamChunks(w, "Kompanija ", "**Posi", "tive**", "")
	})

	var tokens []string
	var done int
	err := client.ChatStream(context.Background(), testMessages, GenerationParams{}, func(e StreamEvent) error {
		switch e.Type {
		case StreamEventToken:
			tokens = append(tokens, e.Content)
		case StreamEventDone:
			done++
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Kompanija ", "**Posi", "tive**"}, tokens)
	assert.Equal(t, 1, done)
}

func TestOpenAIChatStream_CallbackErrorStops(t *testing.T) {
	_, client := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeStreamChunks(w, "a", "b", "c")
	})

	errStop := errors.New("client went away")
	calls := 0
	err := client.ChatStream(context.Background(), testMessages, GenerationParams{}, func(e StreamEvent) error {
		calls++
		return errStop
	})

	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 1, calls)
}

func TestOpenAIChatStream_QuotaExceeded(t *testing.T) {
	_, client := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeQuotaError(w)
	})

	err := client.ChatStream(context.Background(), testMessages, GenerationParams{}, func(StreamEvent) error {
		t.Fatal("callback must not run")
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrQuotaExceeded)
	assert.Equal(t, "You exceeded your current quota", datatypes.ClientDetail(err))
}

func TestOpenAIChatStream_ServerError(t *testing.T) {
	_, client := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
	})

	err := client.ChatStream(context.Background(), testMessages, GenerationParams{}, func(StreamEvent) error { return nil })
	assert.ErrorIs(t, err, datatypes.ErrUpstreamService)
}

func TestOpenAIChatStream_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: url + "/v1"})
	require.NoError(t, err)

	err = client.ChatStream(context.Background(), testMessages, GenerationParams{}, func(StreamEvent) error { return nil })
	assert.ErrorIs(t, err, datatypes.ErrUpstreamConnection)
}

func TestOpenAIChatStream_CancelledContext(t *testing.T) {
	_, client := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeStreamChunks(w, "a")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.ChatStream(ctx, testMessages, GenerationParams{}, func(StreamEvent) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Blocking and JSON
// =============================================================================

func TestOpenAIChatJSON_RequestsJSONObject(t *testing.T) {
	_, client := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		format, _ := req["response_format"].(map[string]any)
		assert.Equal(t, "json_object", format["type"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"tool\":\"Hybrid\"}"},"finish_reason":"stop"}]}`)
	})

	out, err := client.ChatJSON(context.Background(), testMessages, GenerationParams{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tool":"Hybrid"}`, out)
}

func TestOpenAIChat_AppliesParams(t *testing.T) {
	_, client := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.InDelta(t, 0.3, req["temperature"], 0.0001)
		assert.EqualValues(t, 120, req["max_completion_tokens"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"1. Prvo\n2. Drugo"},"finish_reason":"stop"}]}`)
	})

	temp := float32(0.3)
	maxTokens := 120
	out, err := client.Chat(context.Background(), testMessages, GenerationParams{Temperature: &temp, MaxTokens: &maxTokens})
	require.NoError(t, err)
	assert.Equal(t, "1. Prvo\n2. Drugo", out)
}

// =============================================================================
// Speech
// =============================================================================

func TestOpenAISynthesize(t *testing.T) {
	_, client := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tts-1", req["model"])
		assert.Equal(t, "alloy", req["voice"])
		assert.Equal(t, "Zdravo", req["input"])

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-mp3"))
	})

	audio, err := client.Synthesize(context.Background(), "Zdravo")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-fake-mp3"), audio)
}

func TestOpenAITranscribe(t *testing.T) {
	_, client := newMockOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "sr", r.FormValue("language"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "note.webm", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":" Želim da zakažem sastanak "}`)
	})

	text, err := client.Transcribe(context.Background(), strings.NewReader("audio"), "note.webm", "sr")
	require.NoError(t, err)
	assert.Equal(t, "Želim da zakažem sastanak", text)
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	assert.Error(t, err)
}
