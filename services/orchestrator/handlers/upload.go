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
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

const (
	// MaxUploadBytes bounds the whole multipart body of POST /upload.
	MaxUploadBytes = 10 << 20

	// MaxAttachmentBytes bounds one uploaded document.
	MaxAttachmentBytes = 1 << 20
)

// textExtensions are the document types whose bytes go to the model as
// they are.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".tsv": true,
	".json": true, ".xml": true, ".html": true, ".htm": true, ".yaml": true,
	".yml": true, ".log": true, ".rst": true,
	".py": true, ".js": true, ".ts": true, ".java": true, ".c": true,
	".cpp": true, ".h": true, ".hpp": true, ".rs": true, ".go": true,
}

// HandleUpload serves POST /upload.
//
// # Description
//
// Begins a turn with documents attached. The multipart form carries the
// documents in repeated "files" parts and the utterance in "message"; the
// session key comes from the Session-ID header or "session_id". The text
// of every document is sent to the model for this turn only, and the
// answer is then fetched from /chat/stream exactly as after POST /chat.
//
// Every file is checked before the turn begins, so a rejected upload
// leaves the transcript untouched.
//
// # Outputs
//
//   - 200 with ChatResponse.
//   - 400 {"detail": ...} for a malformed form or a missing file.
//   - 415 {"detail": ...} for a file that is not a text document.
func (h *ChatHandler) HandleUpload(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleUpload")
	defer span.End()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)

	var req datatypes.UploadRequest
	if err := c.ShouldBind(&req); err != nil {
		h.fail(c, span, datatypes.NewValidationError("invalid multipart form"))
		return
	}
	if header := c.GetHeader(SessionHeader); header != "" {
		req.SessionID = header
	}
	if err := req.Validate(); err != nil {
		h.fail(c, span, err)
		return
	}

	form, err := c.MultipartForm()
	if err != nil || len(form.File["files"]) == 0 {
		h.fail(c, span, datatypes.NewValidationError("files are required"))
		return
	}
	headers := form.File["files"]
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int("upload.files", len(headers)))

	files := make([]datatypes.Attachment, 0, len(headers))
	for _, fh := range headers {
		att, err := readAttachment(fh)
		if err != nil {
			h.logger.Warn("Upload rejected",
				"session_id", req.SessionID,
				"filename", fh.Filename,
				"error", err)
			h.fail(c, span, err)
			return
		}
		files = append(files, att)
	}

	outcome, err := h.svc.BeginTurnWithFiles(ctx, req.SessionID, req.Message, files, req.Flags())
	if err != nil {
		h.fail(c, span, err)
		return
	}
	h.logger.Info("Upload accepted", "session_id", req.SessionID, "files", len(files))
	h.respondOutcome(c, req.SessionID, outcome)
}

// readAttachment decodes one uploaded document as UTF-8 text.
func readAttachment(fh *multipart.FileHeader) (datatypes.Attachment, error) {
	name := filepath.Base(fh.Filename)
	if !isTextDocument(fh.Header.Get("Content-Type"), name) {
		return datatypes.Attachment{}, datatypes.NewUnsupportedInputError(
			"unsupported file type for %s: upload plain text, markdown, csv, json or html documents", name)
	}
	if fh.Size > MaxAttachmentBytes {
		return datatypes.Attachment{}, datatypes.NewValidationError(
			"file %s exceeds %d bytes", name, MaxAttachmentBytes)
	}

	f, err := fh.Open()
	if err != nil {
		return datatypes.Attachment{}, datatypes.NewInternalError("open upload", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxAttachmentBytes+1))
	if err != nil {
		return datatypes.Attachment{}, datatypes.NewInternalError("read upload", err)
	}
	if len(data) > MaxAttachmentBytes {
		return datatypes.Attachment{}, datatypes.NewValidationError(
			"file %s exceeds %d bytes", name, MaxAttachmentBytes)
	}
	if !utf8.Valid(data) {
		return datatypes.Attachment{}, datatypes.NewUnsupportedInputError(
			"file %s is not UTF-8 text", name)
	}
	return datatypes.Attachment{Name: name, Text: string(data)}, nil
}

// isTextDocument accepts text media types and, for generic or missing
// ones, the known text extensions.
func isTextDocument(contentType, filename string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		mediaType = strings.ToLower(mediaType)
		if strings.HasPrefix(mediaType, "text/") || mediaType == "application/json" {
			return true
		}
		if mediaType != "application/octet-stream" {
			return false
		}
	}
	return textExtensions[strings.ToLower(filepath.Ext(filename))]
}
