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
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

const quotaCode = "insufficient_quota"

// mapOpenAIError converts a go-openai error into the turn error taxonomy.
func mapOpenAIError(err error) error {
	if err == nil || isContextErr(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.Type == quotaCode || fmt.Sprint(apiErr.Code) == quotaCode {
			return datatypes.NewQuotaExceededError(apiErr.Message, err)
		}
		return datatypes.NewUpstreamServiceError("openai", err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			msg := "rate limit exceeded"
			if reqErr.Err != nil {
				msg = reqErr.Err.Error()
			}
			return datatypes.NewQuotaExceededError(msg, err)
		}
		return datatypes.NewUpstreamServiceError("openai", err)
	}

	if isConnectionErr(err) {
		return datatypes.NewUpstreamConnectionError("openai", err)
	}
	return datatypes.NewUpstreamServiceError("openai", err)
}

// mapGenAIError converts a genai error into the turn error taxonomy.
func mapGenAIError(err error) error {
	if err == nil || isContextErr(err) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || strings.EqualFold(apiErr.Status, "RESOURCE_EXHAUSTED") {
			return datatypes.NewQuotaExceededError(apiErr.Message, err)
		}
		return datatypes.NewUpstreamServiceError("gemini", err)
	}

	if isConnectionErr(err) {
		return datatypes.NewUpstreamConnectionError("gemini", err)
	}
	return datatypes.NewUpstreamServiceError("gemini", err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isConnectionErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
