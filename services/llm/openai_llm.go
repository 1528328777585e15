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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("concierge.llm")

// OpenAIConfig configures an OpenAIClient. Empty fields get defaults.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// Model is used for chat, streaming and JSON completions.
	Model string

	// Speech synthesis: model, voice and audio format.
	SpeechModel  string
	SpeechVoice  string
	SpeechFormat string

	TranscriptionModel string

	HTTPClient *http.Client
}

const (
	defaultOpenAIModel        = "gpt-4o-mini"
	defaultSpeechModel        = string(openai.TTSModel1)
	defaultSpeechVoice        = string(openai.VoiceAlloy)
	defaultSpeechFormat       = string(openai.SpeechResponseFormatMp3)
	defaultTranscriptionModel = openai.Whisper1
)

// OpenAIClient implements LLMClient, SpeechSynthesizer and Transcriber.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
}

var (
	_ LLMClient         = (*OpenAIClient)(nil)
	_ SpeechSynthesizer = (*OpenAIClient)(nil)
	_ Transcriber       = (*OpenAIClient)(nil)
)

// NewOpenAIClient creates the client.
//
// # Inputs
//
//   - cfg: API key (required), optional base url and model overrides.
//
// # Outputs
//
//   - *OpenAIClient: Ready to use.
//   - error: Non-nil when the API key is missing.
//
// # Examples
//
//	client, err := NewOpenAIClient(OpenAIConfig{
//	    APIKey: ResolveSecret("OPENAI_API_KEY", "openai_api_key"),
//	    Model:  "gpt-4o",
//	})
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
		slog.Warn("OpenAI model not set, defaulting", "model", cfg.Model)
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = defaultSpeechModel
	}
	if cfg.SpeechVoice == "" {
		cfg.SpeechVoice = defaultSpeechVoice
	}
	if cfg.SpeechFormat == "" {
		cfg.SpeechFormat = defaultSpeechFormat
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = defaultTranscriptionModel
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	slog.Info("Initializing OpenAI client", "model", cfg.Model, "speech_model", cfg.SpeechModel)
	return &OpenAIClient{client: openai.NewClientWithConfig(oc), cfg: cfg}, nil
}

// Model returns the chat model name.
func (o *OpenAIClient) Model() string { return o.cfg.Model }

// Chat implements LLMClient.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.cfg.Model))

	resp, err := o.client.CreateChatCompletion(ctx, o.request(messages, params))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		slog.Error("OpenAI API call failed", "error", err)
		return "", mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", datatypes.NewUpstreamServiceError("openai", errors.New("no choices returned"))
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// ChatJSON implements LLMClient using the json_object response format.
func (o *OpenAIClient) ChatJSON(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatJSON")
	defer span.End()

	req := o.request(messages, params)
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "json completion failed")
		return "", mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", datatypes.NewUpstreamServiceError("openai", errors.New("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements LLMClient.
//
// # Description
//
// Opens a streaming completion and calls callback for every non-empty
// delta, then once with StreamEventDone. Cancelling ctx aborts the
// underlying HTTP request; the context error is returned.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.cfg.Model))

	stream, err := o.client.CreateChatCompletionStream(ctx, o.request(messages, params))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return mapOpenAIError(err)
	}
	defer stream.Close()

	tokens := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream receive failed")
			return mapOpenAIError(err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		tokens++
		if err := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Choices[0].Delta.Content}); err != nil {
			return err
		}
	}

	span.SetAttributes(attribute.Int("llm.stream.tokens", tokens))
	return callback(StreamEvent{Type: StreamEventDone})
}

// Synthesize implements SpeechSynthesizer with the speech endpoint.
func (o *OpenAIClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Synthesize")
	defer span.End()

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(o.cfg.SpeechVoice),
		ResponseFormat: openai.SpeechResponseFormat(o.cfg.SpeechFormat),
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapOpenAIError(err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	return audio, nil
}

// Transcribe implements Transcriber with the transcription endpoint.
func (o *OpenAIClient) Transcribe(ctx context.Context, audio io.Reader, filename, language string) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Transcribe")
	defer span.End()

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.cfg.TranscriptionModel,
		Reader:   audio,
		FilePath: filename,
		Language: language,
	})
	if err != nil {
		span.RecordError(err)
		return "", mapOpenAIError(err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (o *OpenAIClient) request(messages []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.cfg.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}
