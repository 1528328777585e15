// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the language-model collaborators: chat completion
// (blocking, streaming, JSON mode), speech synthesis and transcription.
package llm

import (
	"context"
	"errors"
	"io"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

// ErrStreamingNotSupported is returned by backends that cannot stream.
var ErrStreamingNotSupported = errors.New("streaming not supported by this backend")

// GenerationParams are optional sampling overrides. Nil fields keep the
// backend default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType distinguishes stream callback events.
type StreamEventType string

const (
	// StreamEventToken carries one non-empty content delta.
	StreamEventToken StreamEventType = "token"

	// StreamEventDone is sent once when the model finishes.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one callback invocation of ChatStream.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives stream events in order. Returning an error stops
// the stream, and ChatStream returns that error unchanged.
type StreamCallback func(event StreamEvent) error

// LLMClient is the chat interface every backend implements.
//
// Errors are *datatypes.TurnError values of kind QuotaExceeded,
// UpstreamConnection or UpstreamService, except context errors and
// callback errors, which are returned as is.
type LLMClient interface {
	// Chat returns the full completion for messages.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream delivers the completion token by token.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error

	// ChatJSON returns a completion constrained to a single JSON object.
	ChatJSON(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
}

// SpeechSynthesizer turns text into encoded audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Transcriber turns recorded audio into text. filename carries the
// container type, language is an optional ISO-639-1 hint.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename, language string) (string, error)
}
