// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics holds the OTel instruments recorded for every HTTP request.
//
// Thread Safety: Safe for concurrent use after creation.
type HTTPMetrics struct {
	// RequestsTotal counts requests by method, route and status.
	RequestsTotal metric.Int64Counter

	// RequestDuration records request duration in seconds. Streaming
	// routes record the full stream lifetime.
	RequestDuration metric.Float64Histogram

	// ActiveRequests tracks requests currently being served.
	ActiveRequests metric.Int64UpDownCounter
}

// NewHTTPMetrics registers the HTTP instruments with meter.
//
// Example:
//
//	m, err := telemetry.NewHTTPMetrics(otel.Meter("concierge"))
//	if err != nil {
//	    return err
//	}
//	router.Use(telemetry.GinMiddleware(m))
func NewHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	m := &HTTPMetrics{}
	var err error

	m.RequestsTotal, err = meter.Int64Counter(
		"concierge_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"concierge_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.ActiveRequests, err = meter.Int64UpDownCounter(
		"concierge_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	return m, nil
}

// GinMiddleware records HTTPMetrics for every request.
//
// The route template (c.FullPath) is used as the path attribute so that
// query strings and session ids never become label values.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()

		m.ActiveRequests.Add(ctx, 1)
		defer m.ActiveRequests.Add(ctx, -1)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("path", path),
			attribute.Int("status", c.Writer.Status()),
		)
		m.RequestsTotal.Add(ctx, 1, attrs)
		m.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
