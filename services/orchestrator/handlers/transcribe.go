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
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

// MaxAudioBytes is the upload limit of the transcription endpoint.
const MaxAudioBytes = 25 << 20

// audioTypes are the recording formats the transcriber accepts, keyed by
// media type, with the extension handed to the transcriber.
var audioTypes = map[string]string{
	"audio/webm":   ".webm",
	"video/webm":   ".webm",
	"audio/ogg":    ".ogg",
	"audio/wav":    ".wav",
	"audio/x-wav":  ".wav",
	"audio/wave":   ".wav",
	"audio/mpeg":   ".mp3",
	"audio/mp3":    ".mp3",
	"audio/mp4":    ".m4a",
	"audio/m4a":    ".m4a",
	"audio/x-m4a":  ".m4a",
	"audio/flac":   ".flac",
	"audio/x-flac": ".flac",
}

// HandleTranscribe serves POST /transcribe.
//
// # Description
//
// Accepts a multipart form with the recording in "file", plus
// "session_id" and an optional "language" hint, and returns the text. The
// session transcript is never touched; the client sends the text as a
// normal chat turn.
//
// # Outputs
//
//   - 200 {"transcript": ...}
//   - 415 {"detail": ...} for a file that is not a supported recording.
func (h *ChatHandler) HandleTranscribe(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleTranscribe")
	defer span.End()

	if h.transcriber == nil {
		c.JSON(http.StatusNotImplemented, datatypes.ErrorEvent{Detail: "transcription is not configured"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxAudioBytes)

	var req datatypes.TranscribeRequest
	if err := c.ShouldBind(&req); err != nil {
		h.fail(c, span, datatypes.NewValidationError("invalid multipart form"))
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.GetHeader(SessionHeader)
	}
	if err := req.Validate(); err != nil {
		h.fail(c, span, err)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		h.fail(c, span, datatypes.NewValidationError("file is required"))
		return
	}
	ext, err := audioExtension(header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int64("audio.bytes", header.Size))

	file, err := header.Open()
	if err != nil {
		h.fail(c, span, datatypes.NewInternalError("open upload", err))
		return
	}
	defer file.Close()

	text, err := h.transcriber.Transcribe(ctx, file, "recording"+ext, req.Language)
	if err != nil {
		h.fail(c, span, err)
		return
	}
	h.logger.Info("Recording transcribed",
		"session_id", req.SessionID,
		"audio_bytes", header.Size,
		"transcript_bytes", len(text))
	c.JSON(http.StatusOK, datatypes.TranscribeResponse{Transcript: text})
}

// audioExtension resolves the upload's format from its declared media
// type, falling back to the file extension for generic types.
func audioExtension(contentType, filename string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		if ext, ok := audioTypes[strings.ToLower(mediaType)]; ok {
			return ext, nil
		}
	}
	if err != nil || mediaType == "application/octet-stream" {
		ext := strings.ToLower(filepath.Ext(filename))
		for _, known := range audioTypes {
			if ext == known {
				return ext, nil
			}
		}
	}
	if contentType == "" {
		contentType = "unknown"
	}
	return "", datatypes.NewUnsupportedInputError(
		"unsupported file type %s: send a webm, ogg, wav, mp3, m4a or flac recording", contentType)
}
