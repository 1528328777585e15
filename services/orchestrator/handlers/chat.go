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
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianConcierge/services/llm"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/sessions"
)

// SessionHeader carries the session key on every chat endpoint.
const SessionHeader = "Session-ID"

// DefaultKeepAliveInterval is the SSE comment interval while a stream is
// open.
const DefaultKeepAliveInterval = 15 * time.Second

// StatusStreaming is the ChatResponse status of a turn waiting for
// /chat/stream.
const StatusStreaming = "streaming"

// =============================================================================
// Interface Definition
// =============================================================================

// TurnService is the conversation core the chat endpoints are a thin
// transport over. *conversation.Service implements it.
type TurnService interface {
	BeginTurn(ctx context.Context, sessionID, utterance string, flags datatypes.TurnFlags) (datatypes.RoutingOutcome, error)
	BeginTurnWithFiles(ctx context.Context, sessionID, utterance string, files []datatypes.Attachment, flags datatypes.TurnFlags) (datatypes.RoutingOutcome, error)
	StreamTurn(ctx context.Context, sessionID string, emit datatypes.FrameFunc) error
	FetchFollowups(ctx context.Context, sessionID string) ([]string, error)
	FetchAudio(ctx context.Context, sessionID string) (string, error)
	Reset(ctx context.Context, sessionID string) (string, error)
	Transcript(sessionID string) ([]datatypes.Turn, string, error)
}

// =============================================================================
// Handler
// =============================================================================

// ChatHandler serves the chat, upload, transcription and socket endpoints.
//
// # Thread Safety
//
// Safe for concurrent use. Per-session ordering is enforced by the
// TurnService.
type ChatHandler struct {
	svc         TurnService
	transcriber llm.Transcriber
	metrics     *observability.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	keepAlive   time.Duration
}

// ChatHandlerOption configures a ChatHandler.
type ChatHandlerOption func(*ChatHandler)

// WithTranscriber enables POST /transcribe.
func WithTranscriber(t llm.Transcriber) ChatHandlerOption {
	return func(h *ChatHandler) { h.transcriber = t }
}

// WithHandlerMetrics records keepalives and disconnects.
func WithHandlerMetrics(m *observability.Metrics) ChatHandlerOption {
	return func(h *ChatHandler) { h.metrics = m }
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *slog.Logger) ChatHandlerOption {
	return func(h *ChatHandler) { h.logger = l }
}

// WithKeepAliveInterval overrides DefaultKeepAliveInterval.
func WithKeepAliveInterval(d time.Duration) ChatHandlerOption {
	return func(h *ChatHandler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// NewChatHandler creates a ChatHandler.
//
// # Limitations
//
//   - Panics if svc is nil.
func NewChatHandler(svc TurnService, opts ...ChatHandlerOption) *ChatHandler {
	if svc == nil {
		panic("NewChatHandler: svc must not be nil")
	}
	h := &ChatHandler{
		svc:       svc,
		logger:    slog.Default(),
		tracer:    otel.Tracer("concierge.handlers"),
		keepAlive: DefaultKeepAliveInterval,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleChat serves POST /chat.
//
// # Description
//
// Begins a turn. A streamed answer is then fetched from /chat/stream; a
// scheduling request is answered here with the booking link.
//
// # Outputs
//
// 200 with ChatResponse, or an error status with {"detail": ...}.
func (h *ChatHandler) HandleChat(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()

	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, span, datatypes.NewValidationError("invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(c, span, err)
		return
	}
	sessionID := c.GetHeader(SessionHeader)
	if sessionID == "" {
		sessionID = req.SessionID
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	outcome, err := h.svc.BeginTurn(ctx, sessionID, req.Message.Content, req.Flags())
	if err != nil {
		h.fail(c, span, err)
		return
	}
	h.respondOutcome(c, sessionID, outcome)
}

// respondOutcome writes the ChatResponse of a begun turn.
func (h *ChatHandler) respondOutcome(c *gin.Context, sessionID string, outcome datatypes.RoutingOutcome) {
	resp := datatypes.ChatResponse{
		SessionID:      sessionID,
		ConversationID: outcome.ConversationID,
		Decision:       outcome.Decision,
	}
	if outcome.Kind == datatypes.OutcomeSchedule {
		resp.CalendlyURL = outcome.SchedulingLink
		resp.Content = outcome.SchedulingMessage
	} else {
		resp.Status = StatusStreaming
	}
	c.JSON(http.StatusOK, resp)
}

// HandleStream serves GET /chat/stream as Server-Sent Events.
//
// # Description
//
// Streams the pending turn of the session. Every frame is an unnamed
// event {"content": ...}; the final frame carries no cursor glyph. When
// speech was requested and succeeded, an extra {"content", "audio"} frame
// follows; clients that close at the final frame use /chat/audio.
// Failures end the stream with an "error" event. A keepalive comment is
// written every keepAlive interval.
func (h *ChatHandler) HandleStream(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleStream")
	defer span.End()

	sessionID := sessionKey(c)
	span.SetAttributes(attribute.String("session.id", sessionID))

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.fail(c, span, datatypes.NewInternalError("streaming unsupported", err))
		return
	}
	c.Status(http.StatusOK)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.keepAliveLoop(ctx, writer, stop)
	}()

	err = h.svc.StreamTurn(ctx, sessionID, func(f datatypes.Frame) error {
		return writer.WriteFrame(f.Event())
	})
	close(stop)
	wg.Wait()

	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, datatypes.KindOf(err).String())
	if ctx.Err() != nil {
		h.logger.Info("Stream client disconnected", "session_id", sessionID)
		return
	}
	h.logger.Warn("Stream ended with an error",
		"session_id", sessionID,
		"code", datatypes.KindOf(err).String(),
		"frames", writer.Frames(),
		"error", err)
	if werr := writer.WriteError(datatypes.ClientDetail(err)); werr != nil {
		h.logger.Debug("Failed to write error event", "session_id", sessionID, "error", werr)
	}
}

func (h *ChatHandler) keepAliveLoop(ctx context.Context, w SSEWriter, stop <-chan struct{}) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				return
			}
			h.metrics.RecordKeepAlive()
		}
	}
}

// HandleFollowups serves GET /chat/followups. It waits for generation
// still in flight, bounded by the request.
func (h *ChatHandler) HandleFollowups(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleFollowups")
	defer span.End()

	sessionID := sessionKey(c)
	questions, err := h.svc.FetchFollowups(ctx, sessionID)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, datatypes.FollowupsResponse{
		SessionID:          sessionID,
		SuggestedQuestions: questions,
	})
}

// HandleAudio serves GET /chat/audio. It waits for synthesis still in
// flight, bounded by the request.
func (h *ChatHandler) HandleAudio(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleAudio")
	defer span.End()

	sessionID := sessionKey(c)
	audio, err := h.svc.FetchAudio(ctx, sessionID)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	span.SetAttributes(attribute.Int("audio.base64_bytes", len(audio)))
	c.JSON(http.StatusOK, datatypes.AudioResponse{
		SessionID: sessionID,
		Audio:     audio,
	})
}

// HandleReset serves POST /chat/reset.
func (h *ChatHandler) HandleReset(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleReset")
	defer span.End()

	sessionID := sessionKey(c)
	if sessionID == "" {
		var body struct {
			SessionID string `json:"session_id"`
		}
		// An empty body falls through to the missing session error.
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			h.fail(c, span, datatypes.NewValidationError("invalid request body"))
			return
		}
		sessionID = body.SessionID
	}

	conversationID, err := h.svc.Reset(ctx, sessionID)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, datatypes.ResetResponse{
		SessionID:      sessionID,
		ConversationID: conversationID,
	})
}

// HandleTranscript serves GET /chat/transcript. Meta turns are included.
func (h *ChatHandler) HandleTranscript(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "HandleTranscript")
	defer span.End()

	sessionID := sessionKey(c)
	turns, conversationID, err := h.svc.Transcript(sessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		c.JSON(http.StatusNotFound, datatypes.ErrorEvent{Detail: "session not found"})
		return
	}
	if err != nil {
		h.fail(c, span, err)
		return
	}
	c.JSON(http.StatusOK, datatypes.TranscriptResponse{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Turns:          turns,
	})
}

// =============================================================================
// Helpers
// =============================================================================

// sessionKey reads the session key from the header, then the query.
func sessionKey(c *gin.Context) string {
	if id := c.GetHeader(SessionHeader); id != "" {
		return id
	}
	return c.Query("session_id")
}

// fail writes {"detail": ...} with the status for err's kind.
func (h *ChatHandler) fail(c *gin.Context, span trace.Span, err error) {
	kind := datatypes.KindOf(err)
	status := StatusFor(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), "code", kind.String(), "error", err)
	} else {
		h.logger.Info("Request rejected", "path", c.FullPath(), "code", kind.String(), "error", err)
	}
	c.AbortWithStatusJSON(status, datatypes.ErrorEvent{Detail: datatypes.ClientDetail(err)})
}

// StatusFor maps an error to its HTTP status.
//
//	validation          400
//	unsupported input   415
//	quota exceeded      429
//	upstream service    502
//	upstream connection 503
//	context deadline    504
//	anything else       500
func StatusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch datatypes.KindOf(err) {
	case datatypes.KindValidation:
		return http.StatusBadRequest
	case datatypes.KindUnsupportedInput:
		return http.StatusUnsupportedMediaType
	case datatypes.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case datatypes.KindUpstreamService:
		return http.StatusBadGateway
	case datatypes.KindUpstreamConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
