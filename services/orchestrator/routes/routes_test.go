// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// nopTurns satisfies handlers.TurnService without doing anything.
type nopTurns struct{}

func (nopTurns) BeginTurn(context.Context, string, string, datatypes.TurnFlags) (datatypes.RoutingOutcome, error) {
	return datatypes.RoutingOutcome{Kind: datatypes.OutcomeStream}, nil
}

func (nopTurns) BeginTurnWithFiles(context.Context, string, string, []datatypes.Attachment, datatypes.TurnFlags) (datatypes.RoutingOutcome, error) {
	return datatypes.RoutingOutcome{}, nil
}

func (nopTurns) StreamTurn(context.Context, string, datatypes.FrameFunc) error { return nil }

func (nopTurns) FetchFollowups(context.Context, string) ([]string, error) { return []string{}, nil }

func (nopTurns) FetchAudio(context.Context, string) (string, error) { return "", nil }

func (nopTurns) Reset(context.Context, string) (string, error) { return "conv", nil }

func (nopTurns) Transcript(string) ([]datatypes.Turn, string, error) { return nil, "conv", nil }

func TestSetupRoutes_RegistersEndpoints(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, handlers.NewChatHandler(nopTurns{}), promhttp.Handler())

	want := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/chat"},
		{"GET", "/chat/stream"},
		{"GET", "/chat/followups"},
		{"GET", "/chat/audio"},
		{"POST", "/chat/reset"},
		{"GET", "/chat/transcript"},
		{"POST", "/upload"},
		{"POST", "/transcribe"},
		{"GET", "/ws"},
	}

	registered := map[string]bool{}
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, w := range want {
		assert.True(t, registered[w.method+" "+w.path], "route %s %s not registered", w.method, w.path)
	}
}

func TestSetupRoutes_NoMetricsHandler(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, handlers.NewChatHandler(nopTurns{}), nil)

	for _, r := range router.Routes() {
		assert.NotEqual(t, "/metrics", r.Path)
	}
}

func TestSetupRoutes_MetricsServesConciergeFamilies(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.RecordTurn("direct_answer")

	router := gin.New()
	SetupRoutes(router, handlers.NewChatHandler(nopTurns{}), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `concierge_turns_total{decision="direct_answer"} 1`)
}
