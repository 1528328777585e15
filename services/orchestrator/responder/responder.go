// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package responder streams one model completion as display frames.
//
// # Description
//
// The Responder keeps the raw completion text and re-renders the whole
// buffer with markup.RenderPartial on every token, because markup spans
// can straddle token boundaries. In-progress frames carry the cursor
// glyph; the last frame is rendered with markup.Render, has no cursor and
// has Done set. Frames are paced with a token-bucket limiter: a token
// that arrives too soon is folded into the next frame, which always
// carries the full buffer anyway.
package responder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianConcierge/services/llm"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/markup"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/observability"
)

var tracer = otel.Tracer("concierge.responder")

// DefaultMinFrameInterval is the minimum gap between in-progress frames.
const DefaultMinFrameInterval = 50 * time.Millisecond

// Responder drives streaming completions.
type Responder struct {
	client      llm.LLMClient
	params      llm.GenerationParams
	minInterval time.Duration
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Responder.
type Option func(*Responder)

// WithMinFrameInterval sets the pacing interval. Zero or less emits a
// frame for every token.
func WithMinFrameInterval(d time.Duration) Option {
	return func(r *Responder) { r.minInterval = d }
}

// WithParams sets the sampling parameters for every completion.
func WithParams(p llm.GenerationParams) Option {
	return func(r *Responder) { r.params = p }
}

// WithMetrics records stream metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

// New creates a Responder on top of client.
func New(client llm.LLMClient, opts ...Option) *Responder {
	r := &Responder{
		client:      client,
		minInterval: DefaultMinFrameInterval,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// streamState is the per-request buffer. It is discarded after the call.
type streamState struct {
	raw     strings.Builder
	display string
	tokens  int
	frames  int
	first   time.Time
}

// Respond streams the completion of messages into emit.
//
// # Description
//
// messages must already be the model projection (no meta turns). emit is
// called with in-progress frames and, on success, exactly one final frame
// with Done set. Respond stops promptly when ctx is cancelled or emit
// returns an error; in that case no final frame is sent and the partial
// buffer is dropped.
//
// # Outputs
//
//   - string: The final display text (empty when the model said nothing).
//   - error: The model error (a *datatypes.TurnError), ctx.Err(), or the
//     error returned by emit.
func (r *Responder) Respond(ctx context.Context, messages []datatypes.Message, emit datatypes.FrameFunc) (string, error) {
	ctx, span := tracer.Start(ctx, "Responder.Respond")
	defer span.End()

	start := r.now()
	r.metrics.StreamStarted()

	limit := rate.Inf
	if r.minInterval > 0 {
		limit = rate.Every(r.minInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	var state streamState
	err := r.client.ChatStream(ctx, messages, r.params, func(ev llm.StreamEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.Type != llm.StreamEventToken {
			return nil
		}

		if state.tokens == 0 {
			state.first = r.now()
			r.metrics.RecordTimeToFirstToken(state.first.Sub(start))
		}
		state.tokens++
		r.metrics.RecordToken()
		state.raw.WriteString(ev.Content)

		if !limiter.Allow() {
			return nil
		}
		return r.emit(&state, emit, false)
	})
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = r.emit(&state, emit, true)
	}

	span.SetAttributes(attribute.Int("stream.token_count", state.tokens))
	r.metrics.StreamEnded(r.now().Sub(start), err == nil)
	if err != nil {
		r.recordFailure(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		return "", err
	}
	return state.display, nil
}

// emit renders the buffer and sends one frame. In-progress frames whose
// content did not change are skipped.
func (r *Responder) emit(state *streamState, emit datatypes.FrameFunc, done bool) error {
	raw := state.raw.String()
	if done {
		state.display = markup.Render(raw)
		r.metrics.RecordFrame()
		return emit(datatypes.Frame{Content: state.display, Done: true})
	}

	display := markup.RenderPartial(raw)
	if state.frames > 0 && display == state.display {
		return nil
	}
	state.display = display
	state.frames++
	r.metrics.RecordFrame()
	return emit(datatypes.Frame{Content: display + datatypes.CursorGlyph})
}

func (r *Responder) recordFailure(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		r.metrics.RecordClientDisconnect()
		r.logger.Info("Stream stopped, consumer went away")
		return
	}
	kind := datatypes.KindOf(err)
	r.metrics.RecordStreamError(kind.String())
	r.logger.Error("Streaming completion failed", "error", err, "code", kind.String())
}
