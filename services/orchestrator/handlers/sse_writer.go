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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes conversation frames as Server-Sent Events.
//
// # Description
//
// Frames are written as unnamed events so browser EventSource clients get
// them through onmessage:
//
//	data: {"content":"Kompanija <strong>Positive</strong>▌"}
//
// Errors use a named event carrying only a client-safe detail:
//
//	event: error
//	data: {"detail":"You exceeded your current quota"}
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The keepalive loop
// writes from its own goroutine while frames are being streamed.
//
// # Assumptions
//
//   - SetSSEHeaders was called before the first write.
type SSEWriter interface {
	// WriteFrame writes one frame and flushes.
	WriteFrame(frame datatypes.FrameEvent) error

	// WriteError writes the terminal error event and flushes.
	WriteError(detail string) error

	// WriteKeepAlive writes an SSE comment that clients ignore.
	WriteKeepAlive() error

	// Frames returns how many frames have been written.
	Frames() int
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	frames  int
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter.
//
// # Outputs
//
//   - SSEWriter: The writer.
//   - error: Non-nil if w does not implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteFrame(frame datatypes.FrameEvent) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	w.frames++
	return nil
}

func (w *sseWriter) WriteError(detail string) error {
	data, err := json.Marshal(datatypes.ErrorEvent{Detail: detail})
	if err != nil {
		return fmt.Errorf("marshal error event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "event: error\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write error event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// SetSSEHeaders sets the headers every event stream needs. Must be called
// before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
