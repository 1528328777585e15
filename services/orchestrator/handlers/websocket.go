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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

// WSFrame is one streamed frame on the socket.
type WSFrame struct {
	Content string `json:"content"`
	Audio   string `json:"audio,omitempty"`
	Done    bool   `json:"done"`
}

// WSSchedule answers a scheduling request on the socket.
type WSSchedule struct {
	CalendlyURL string `json:"calendly_url"`
	Content     string `json:"content"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleWebSocket serves GET /ws.
//
// # Description
//
// Runs whole turns over one socket. Each client message is a
// datatypes.SocketRequest; the server answers with WSFrame objects until
// one has done=true (plus one more carrying audio when requested), a
// WSSchedule, or {"detail": ...}. A connection without ?session_id= gets
// a fresh session.
//
// A failed write means the client went away; the turn is stopped through
// the emit error and the connection closed.
func (h *ChatHandler) HandleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	sessionID := sessionKey(c)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := h.logger.With("session_id", sessionID)
	logger.Info("Websocket client connected")

	ctx := c.Request.Context()
	for {
		var req datatypes.SocketRequest
		if err := ws.ReadJSON(&req); err != nil {
			logger.Info("Websocket client disconnected", "error", err.Error())
			return
		}
		if err := req.Validate(); err != nil {
			if ws.WriteJSON(datatypes.ErrorEvent{Detail: datatypes.ClientDetail(err)}) != nil {
				return
			}
			continue
		}

		outcome, err := h.svc.BeginTurn(ctx, sessionID, req.Content, req.Flags())
		if err != nil {
			logger.Warn("Socket turn rejected", "code", datatypes.KindOf(err).String(), "error", err)
			if ws.WriteJSON(datatypes.ErrorEvent{Detail: datatypes.ClientDetail(err)}) != nil {
				return
			}
			continue
		}
		if outcome.Kind == datatypes.OutcomeSchedule {
			if ws.WriteJSON(WSSchedule{
				CalendlyURL: outcome.SchedulingLink,
				Content:     outcome.SchedulingMessage,
			}) != nil {
				return
			}
			continue
		}

		var writeErr error
		err = h.svc.StreamTurn(ctx, sessionID, func(f datatypes.Frame) error {
			writeErr = ws.WriteJSON(WSFrame{Content: f.Content, Audio: f.Audio, Done: f.Done})
			return writeErr
		})
		if writeErr != nil {
			logger.Info("Websocket client went away mid-stream", "error", writeErr)
			return
		}
		if err != nil {
			logger.Warn("Socket stream failed", "code", datatypes.KindOf(err).String(), "error", err)
			if ws.WriteJSON(datatypes.ErrorEvent{Detail: datatypes.ClientDetail(err)}) != nil {
				return
			}
		}
	}
}
