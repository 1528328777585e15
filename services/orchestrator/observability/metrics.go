// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the concierge.
//
// # Description
//
// Metrics cover the whole turn lifecycle:
//   - Turn counters by routing decision and classifier fallbacks
//   - Retrieval outcomes
//   - Streaming latency, tokens, frames, errors and active streams
//   - Post-processing (follow-ups, speech) and persistence outcomes
//   - Session gauge and evictions
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Every Record method is
// safe on a nil *Metrics, so components built without metrics still work.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "concierge"

// Metrics holds all Prometheus metrics of the concierge.
//
// # Fields
//
//   - TurnsTotal: Turns accepted, by routing decision.
//   - ClassificationFallbacksTotal: Router failures degraded to direct answer, by reason.
//   - RetrievalTotal: Retrieval calls by outcome (text, empty, scheduling, error).
//   - StreamDurationSeconds: Whole stream duration, by status.
//   - TimeToFirstTokenSeconds: Latency from stream start to first token.
//   - StreamTokensTotal: Tokens received from the model.
//   - FramesEmittedTotal: Frames sent to clients.
//   - StreamErrorsTotal: Terminal stream errors, by error code.
//   - ActiveStreams: Streams in flight.
//   - KeepAlivesTotal: SSE keepalive comments sent.
//   - ClientDisconnectsTotal: Streams cancelled by the client.
//   - PostprocessTotal: Follow-up and speech runs, by step and status.
//   - PersistTotal: Transcript writes, by backend and status.
//   - SessionsActive: Live sessions.
//   - SessionsEvictedTotal: Sessions removed by the idle sweeper.
type Metrics struct {
	TurnsTotal                   *prometheus.CounterVec
	ClassificationFallbacksTotal *prometheus.CounterVec
	RetrievalTotal               *prometheus.CounterVec
	StreamDurationSeconds        *prometheus.HistogramVec
	TimeToFirstTokenSeconds      prometheus.Histogram
	StreamTokensTotal            prometheus.Counter
	FramesEmittedTotal           prometheus.Counter
	StreamErrorsTotal            *prometheus.CounterVec
	ActiveStreams                prometheus.Gauge
	KeepAlivesTotal              prometheus.Counter
	ClientDisconnectsTotal       prometheus.Counter
	PostprocessTotal             *prometheus.CounterVec
	PersistTotal                 *prometheus.CounterVec
	SessionsActive               prometheus.Gauge
	SessionsEvictedTotal         prometheus.Counter
}

// DefaultMetrics is the process-wide instance set by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers the metrics with the default Prometheus registry
// and stores them in DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates the metrics and registers them with reg.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := NewMetrics(reg)
//	m.RecordTurn("retrieve_context")
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "turns_total",
			Help:      "Total user turns accepted, by routing decision",
		}, []string{"decision"}),

		ClassificationFallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "classification_fallbacks_total",
			Help:      "Router failures degraded to a direct answer, by reason",
		}, []string{"reason"}),

		RetrievalTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retrieval_total",
			Help:      "Retrieval calls by outcome",
		}, []string{"outcome"}),

		StreamDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),

		TimeToFirstTokenSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from stream start to first token in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),

		StreamTokensTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_tokens_total",
			Help:      "Tokens received from the language model",
		}),

		FramesEmittedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_emitted_total",
			Help:      "Frames sent to clients",
		}),

		StreamErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_errors_total",
			Help:      "Terminal stream errors by error code",
		}, []string{"code"}),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_streams",
			Help:      "Number of streams in flight",
		}),

		KeepAlivesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keepalives_total",
			Help:      "SSE keepalive comments sent",
		}),

		ClientDisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "client_disconnects_total",
			Help:      "Streams cancelled by client disconnect",
		}),

		PostprocessTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "postprocess_total",
			Help:      "Post-processing runs by step and status",
		}, []string{"step", "status"}),

		PersistTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persist_total",
			Help:      "Transcript persistence writes by backend and status",
		}, []string{"backend", "status"}),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		}),

		SessionsEvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed by the idle sweeper",
		}),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// RetrievalOutcome labels retrieval_total.
type RetrievalOutcome string

const (
	RetrievalText       RetrievalOutcome = "text"
	RetrievalEmpty      RetrievalOutcome = "empty"
	RetrievalScheduling RetrievalOutcome = "scheduling"
	RetrievalError      RetrievalOutcome = "error"
)

// PostprocessStep labels postprocess_total.
type PostprocessStep string

const (
	StepFollowups PostprocessStep = "followups"
	StepSpeech    PostprocessStep = "speech"
)

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn counts one accepted turn.
func (m *Metrics) RecordTurn(decision string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(decision).Inc()
}

// RecordClassificationFallback counts one router failure.
func (m *Metrics) RecordClassificationFallback(reason string) {
	if m == nil {
		return
	}
	m.ClassificationFallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordRetrieval counts one retrieval call.
func (m *Metrics) RecordRetrieval(outcome RetrievalOutcome) {
	if m == nil {
		return
	}
	m.RetrievalTotal.WithLabelValues(string(outcome)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge and records the
// duration.
func (m *Metrics) StreamEnded(d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamDurationSeconds.WithLabelValues(status(success)).Observe(d.Seconds())
}

// RecordTimeToFirstToken records first-token latency.
func (m *Metrics) RecordTimeToFirstToken(d time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.Observe(d.Seconds())
}

// RecordToken counts one model token.
func (m *Metrics) RecordToken() {
	if m == nil {
		return
	}
	m.StreamTokensTotal.Inc()
}

// RecordFrame counts one emitted frame.
func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesEmittedTotal.Inc()
}

// RecordStreamError counts one terminal stream error by code.
func (m *Metrics) RecordStreamError(code string) {
	if m == nil {
		return
	}
	m.StreamErrorsTotal.WithLabelValues(code).Inc()
}

// RecordKeepAlive counts one keepalive.
func (m *Metrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect counts one cancelled stream.
func (m *Metrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}

// RecordPostprocess counts one follow-up or speech run.
func (m *Metrics) RecordPostprocess(step PostprocessStep, ok bool) {
	if m == nil {
		return
	}
	m.PostprocessTotal.WithLabelValues(string(step), status(ok)).Inc()
}

// RecordPersist counts one transcript write.
func (m *Metrics) RecordPersist(backend string, ok bool) {
	if m == nil {
		return
	}
	m.PersistTotal.WithLabelValues(backend, status(ok)).Inc()
}

// SetSessions sets the live session gauge.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordEvictions counts evicted sessions.
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsEvictedTotal.Add(float64(n))
}
