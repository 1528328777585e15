// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxUtteranceBytes bounds one user utterance.
	MaxUtteranceBytes = 16 * 1024

	// MaxSessionIDLength bounds the opaque session key.
	MaxSessionIDLength = 128
)

// SupportedLanguages are the language flags with localized content.
var SupportedLanguages = []string{"sr", "en"}

// =============================================================================
// Shared Validator Instance
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateMaxBytes checks byte length, not rune count, against
// MaxUtteranceBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxUtteranceBytes
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Chat Request
// =============================================================================

// ChatMessage is the message object the browser client posts.
type ChatMessage struct {
	Role    string `json:"role" validate:"omitempty,oneof=user"`
	Content string `json:"content" validate:"required,notblank,maxbytes"`
}

// ChatRequest is the body of POST /chat.
//
// # Description
//
// Carries one user utterance plus the per-turn flags. The session key
// normally travels in the Session-ID header; SessionID is the body
// fallback used by clients that cannot set headers.
//
// # Validation
//
//   - Message.Content: required, not blank, at most MaxUtteranceBytes.
//   - Message.Role: empty or "user".
//   - Language: empty, "sr" or "en".
//   - SessionID: at most MaxSessionIDLength.
//
// # Examples
//
//	req := ChatRequest{
//	    Message:          ChatMessage{Role: "user", Content: "Šta je sajber bezbednost?"},
//	    SuggestQuestions: true,
//	    Language:         "sr",
//	}
type ChatRequest struct {
	SessionID        string      `json:"session_id,omitempty" validate:"max=128"`
	Message          ChatMessage `json:"message"`
	SuggestQuestions bool        `json:"suggest_questions"`
	PlayAudio        bool        `json:"play_audio_response"`
	Language         string      `json:"language,omitempty" validate:"omitempty,oneof=sr en"`
}

// Validate checks the request with go-playground/validator and returns a
// KindValidation *TurnError naming the first bad field.
func (r *ChatRequest) Validate() error {
	return validationError(chatValidate.Struct(r))
}

// Flags returns the TurnFlags carried by the request.
func (r *ChatRequest) Flags() TurnFlags {
	return TurnFlags{
		SuggestQuestions: r.SuggestQuestions,
		PlayAudio:        r.PlayAudio,
		Language:         r.Language,
	}
}

// SocketRequest is one message received on the /ws endpoint.
type SocketRequest struct {
	Role             string `json:"role" validate:"omitempty,oneof=user"`
	Content          string `json:"content" validate:"required,notblank,maxbytes"`
	SuggestQuestions bool   `json:"suggest_questions"`
	PlayAudio        bool   `json:"play_audio_response"`
	Language         string `json:"language,omitempty" validate:"omitempty,oneof=sr en"`
}

// Validate checks the socket message.
func (r *SocketRequest) Validate() error {
	return validationError(chatValidate.Struct(r))
}

// Flags returns the TurnFlags carried by the message.
func (r *SocketRequest) Flags() TurnFlags {
	return TurnFlags{
		SuggestQuestions: r.SuggestQuestions,
		PlayAudio:        r.PlayAudio,
		Language:         r.Language,
	}
}

// UploadRequest holds the non-file fields of POST /upload. The files
// travel in the repeated "files" part.
type UploadRequest struct {
	SessionID        string `form:"session_id" validate:"required,max=128"`
	Message          string `form:"message" validate:"required,notblank,maxbytes"`
	SuggestQuestions bool   `form:"suggest_questions"`
	PlayAudio        bool   `form:"play_audio_response"`
	Language         string `form:"language" validate:"omitempty,oneof=sr en"`
}

// Validate checks the form fields.
func (r *UploadRequest) Validate() error {
	return validationError(chatValidate.Struct(r))
}

// Flags returns the TurnFlags carried by the form.
func (r *UploadRequest) Flags() TurnFlags {
	return TurnFlags{
		SuggestQuestions: r.SuggestQuestions,
		PlayAudio:        r.PlayAudio,
		Language:         r.Language,
	}
}

// Attachment is the decoded text of one uploaded document. It reaches the
// model for a single turn and is never stored in the transcript.
type Attachment struct {
	Name string
	Text string
}

// TranscribeRequest holds the non-file fields of POST /transcribe.
type TranscribeRequest struct {
	SessionID string `form:"session_id" validate:"required,max=128"`
	Language  string `form:"language" validate:"omitempty,oneof=sr en"`
}

// Validate checks the form fields.
func (r *TranscribeRequest) Validate() error {
	return validationError(chatValidate.Struct(r))
}

// ValidateSessionID rejects empty or oversized session keys.
func ValidateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return NewValidationError("session id is required")
	}
	if len(sessionID) > MaxSessionIDLength {
		return NewValidationError("session id exceeds %d characters", MaxSessionIDLength)
	}
	return nil
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return NewValidationError("invalid field %s: failed %q", fe.Namespace(), fe.Tag())
	}
	return &TurnError{Kind: KindValidation, Message: "invalid request", Err: fmt.Errorf("validate: %w", err)}
}

// =============================================================================
// Responses
// =============================================================================

// ChatResponse is the body returned by POST /chat.
type ChatResponse struct {
	Status         string          `json:"status,omitempty"`
	SessionID      string          `json:"session_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Decision       RoutingDecision `json:"decision"`
	CalendlyURL    string          `json:"calendly_url,omitempty"`
	Content        string          `json:"content,omitempty"`
}

// FollowupsResponse is the body of GET /chat/followups.
type FollowupsResponse struct {
	SessionID          string   `json:"session_id"`
	SuggestedQuestions []string `json:"suggested_questions"`
}

// AudioResponse is the body of GET /chat/audio. Audio is base64 speech
// of the latest answer, empty when none was requested or synthesis failed.
type AudioResponse struct {
	SessionID string `json:"session_id"`
	Audio     string `json:"audio"`
}

// ResetResponse is the body of POST /chat/reset.
type ResetResponse struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

// TranscriptResponse is the body of GET /chat/transcript.
type TranscriptResponse struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	Turns          []Turn `json:"turns"`
}

// TranscribeResponse is the body of POST /transcribe.
type TranscribeResponse struct {
	Transcript string `json:"transcript"`
}
