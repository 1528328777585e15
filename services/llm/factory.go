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
	"fmt"
	"strings"
)

// BackendConfig selects and configures the chat backend.
type BackendConfig struct {
	// Backend is "openai" or "gemini".
	Backend string

	OpenAI OpenAIConfig

	GeminiAPIKey string
	GeminiModel  string
}

// Clients bundles the collaborators built from one BackendConfig. Speech
// and Transcriber are nil when no OpenAI key is configured.
type Clients struct {
	Chat        LLMClient
	Speech      SpeechSynthesizer
	Transcriber Transcriber
}

// NewClients builds the chat client for cfg.Backend. Speech synthesis and
// transcription always use OpenAI when a key is available, whichever
// backend serves chat.
func NewClients(ctx context.Context, cfg BackendConfig) (Clients, error) {
	var out Clients

	var openaiClient *OpenAIClient
	if cfg.OpenAI.APIKey != "" {
		c, err := NewOpenAIClient(cfg.OpenAI)
		if err != nil {
			return Clients{}, err
		}
		openaiClient = c
		out.Speech = c
		out.Transcriber = c
	}

	switch strings.ToLower(cfg.Backend) {
	case "", "openai":
		if openaiClient == nil {
			return Clients{}, fmt.Errorf("openai backend selected but OPENAI_API_KEY is not set")
		}
		out.Chat = openaiClient
	case "gemini":
		g, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return Clients{}, err
		}
		out.Chat = g
	default:
		return Clients{}, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
	return out, nil
}
