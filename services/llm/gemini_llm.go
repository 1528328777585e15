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
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient implements LLMClient for the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
}

var _ LLMClient = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini-backed client. An empty model selects
// the default.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key not set")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	slog.Info("Initializing Gemini client", "model", model)
	return &GeminiClient{client: gc, model: model}, nil
}

// Chat implements LLMClient.
func (g *GeminiClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "GeminiClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	contents, config := convertMessages(messages, params)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		return "", mapGenAIError(err)
	}
	return responseText(resp), nil
}

// ChatJSON implements LLMClient with the application/json response type.
func (g *GeminiClient) ChatJSON(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "GeminiClient.ChatJSON")
	defer span.End()

	contents, config := convertMessages(messages, params)
	config.ResponseMIMEType = "application/json"
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		span.RecordError(err)
		return "", mapGenAIError(err)
	}
	return responseText(resp), nil
}

// ChatStream implements LLMClient by ranging over GenerateContentStream.
func (g *GeminiClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "GeminiClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	contents, config := convertMessages(messages, params)
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream failed")
			return mapGenAIError(err)
		}
		text := responseText(resp)
		if text == "" {
			continue
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: text}); err != nil {
			return err
		}
	}
	return callback(StreamEvent{Type: StreamEventDone})
}

// convertMessages maps the transcript projection onto genai contents. The
// system turn becomes the system instruction, assistant turns use the
// "model" role.
func convertMessages(messages []datatypes.Message, params GenerationParams) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	var system []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch datatypes.Role(m.Role) {
		case datatypes.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case datatypes.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}},
		}
	}

	if params.Temperature != nil {
		t := *params.Temperature
		config.Temperature = &t
	}
	if params.TopP != nil {
		p := *params.TopP
		config.TopP = &p
	}
	if params.TopK != nil {
		k := float32(*params.TopK)
		config.TopK = &k
	}
	if params.MaxTokens != nil {
		config.MaxOutputTokens = int32(*params.MaxTokens)
	}
	if len(params.Stop) > 0 {
		config.StopSequences = params.Stop
	}
	return contents, config
}

// responseText concatenates the non-thought text parts of the first
// candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}
