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
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorKind classifies a failure of a turn.
type ErrorKind int

const (
	// KindInternal is an unexpected failure. Logged, surfaced generically.
	KindInternal ErrorKind = iota

	// KindValidation rejects a request before any state change.
	KindValidation

	// KindClassification means the router produced no usable decision.
	// Callers degrade to DirectAnswer.
	KindClassification

	// KindQuotaExceeded is an upstream usage limit. Terminal for the turn,
	// and the upstream message is surfaced verbatim.
	KindQuotaExceeded

	// KindUpstreamConnection is a transport failure reaching a collaborator.
	KindUpstreamConnection

	// KindUpstreamService is a collaborator answering with an error.
	KindUpstreamService

	// KindUnsupportedInput rejects an input the service cannot handle
	// (e.g. an attachment type) with a descriptive result.
	KindUnsupportedInput
)

// String returns the error code used in logs, metrics and responses.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindClassification:
		return "classification_error"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindUpstreamConnection:
		return "upstream_connection_error"
	case KindUpstreamService:
		return "upstream_service_error"
	case KindUnsupportedInput:
		return "unsupported_input"
	default:
		return "internal_error"
	}
}

// TurnError is the single error type produced by the orchestrator core.
//
// # Description
//
// Every failure crossing a package boundary is a *TurnError, so the
// transport can map it to a status code and a client-safe detail without
// inspecting strings. errors.Is matches on Kind through the Err* sentinels:
//
//	if errors.Is(err, datatypes.ErrQuotaExceeded) { ... }
//
// # Fields
//
//   - Kind: the taxonomy bucket.
//   - Message: human-readable description. For quota errors this is the
//     upstream message and is shown to the client as-is.
//   - Err: the wrapped cause, may be nil.
type TurnError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements error.
func (e *TurnError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the cause.
func (e *TurnError) Unwrap() error { return e.Err }

// Is matches any *TurnError of the same Kind.
func (e *TurnError) Is(target error) bool {
	var t *TurnError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is. Do not return these directly; use the
// constructors so a message and cause are attached.
var (
	ErrInternal           = &TurnError{Kind: KindInternal}
	ErrValidation         = &TurnError{Kind: KindValidation}
	ErrClassification     = &TurnError{Kind: KindClassification}
	ErrQuotaExceeded      = &TurnError{Kind: KindQuotaExceeded}
	ErrUpstreamConnection = &TurnError{Kind: KindUpstreamConnection}
	ErrUpstreamService    = &TurnError{Kind: KindUpstreamService}
	ErrUnsupportedInput   = &TurnError{Kind: KindUnsupportedInput}
)

// NewValidationError reports bad input rejected before any state change.
func NewValidationError(format string, args ...any) error {
	return &TurnError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewClassificationError reports an unusable router result.
func NewClassificationError(message string, cause error) error {
	return &TurnError{Kind: KindClassification, Message: message, Err: cause}
}

// NewQuotaExceededError wraps an upstream quota failure. message is
// surfaced to the client verbatim.
func NewQuotaExceededError(message string, cause error) error {
	return &TurnError{Kind: KindQuotaExceeded, Message: message, Err: cause}
}

// NewUpstreamConnectionError wraps a transport failure to a collaborator.
func NewUpstreamConnectionError(collaborator string, cause error) error {
	return &TurnError{Kind: KindUpstreamConnection, Message: collaborator, Err: cause}
}

// NewUpstreamServiceError wraps an error response from a collaborator.
func NewUpstreamServiceError(collaborator string, cause error) error {
	return &TurnError{Kind: KindUpstreamService, Message: collaborator, Err: cause}
}

// NewUnsupportedInputError reports an input the service refuses.
func NewUnsupportedInputError(format string, args ...any) error {
	return &TurnError{Kind: KindUnsupportedInput, Message: fmt.Sprintf(format, args...)}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) error {
	return &TurnError{Kind: KindInternal, Message: message, Err: cause}
}

// KindOf returns the Kind of err, or KindInternal when err is not a
// *TurnError.
func KindOf(err error) ErrorKind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// ClientDetail returns the message that may be shown to an end user.
//
// Quota, validation and unsupported-input messages pass through. Upstream
// and internal failures are replaced with fixed text so internal addresses
// and provider payloads never reach the browser.
func ClientDetail(err error) string {
	var te *TurnError
	if !errors.As(err, &te) {
		return "An internal error occurred. Please try again."
	}
	switch te.Kind {
	case KindQuotaExceeded, KindValidation, KindUnsupportedInput:
		if te.Message != "" {
			return te.Message
		}
		return te.Kind.String()
	case KindUpstreamConnection:
		return "The assistant is temporarily unreachable. Please try again."
	case KindUpstreamService:
		return "The assistant service returned an error. Please try again."
	default:
		return "An internal error occurred. Please try again."
	}
}
