// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the structured logger used by the concierge service.
//
// The logger is a thin layer over log/slog:
//
//   - stderr output, JSON or text (text is picked automatically on a terminal)
//   - optional file output, always JSON, written through a fan-out handler
//
// # Basic Usage
//
//	logger, err := logging.New(logging.Config{Level: "info", Service: "concierge"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # Security Considerations
//
// This package does NOT redact anything. Callers log metadata only:
//
//	// BAD: logs the user's words
//	logger.Info("turn", "utterance", utterance)
//
//	// GOOD
//	logger.Info("turn", "utterance_len", len(utterance))
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Configuration
// =============================================================================

// Format selects the stderr encoding.
type Format string

const (
	// FormatAuto picks text on a terminal and JSON otherwise.
	FormatAuto Format = "auto"
	// FormatJSON always writes JSON.
	FormatJSON Format = "json"
	// FormatText always writes slog's key=value text.
	FormatText Format = "text"
)

// Config configures the Logger.
//
// A zero-value Config writes Info+ JSON to stderr when stderr is not a
// terminal.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string `yaml:"level"`

	// Format is auto, json or text. Empty means auto.
	Format Format `yaml:"format"`

	// LogDir enables file logging to {LogDir}/{Service}_{date}.log.
	// Supports ~ expansion.
	LogDir string `yaml:"log_dir"`

	// Service is attached to every record as the "service" attribute.
	Service string `yaml:"service"`

	// Output overrides stderr. Used by tests.
	Output io.Writer `yaml:"-"`
}

// ParseLevel converts a config string to a slog level.
//
// # Inputs
//
//   - s: "debug", "info", "warn"/"warning", "error", case-insensitive.
//
// # Outputs
//
//   - slog.Level: the parsed level.
//   - error: non-nil for unknown names. Empty input is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the slog.Logger and the optional log file.
//
// # Thread Safety
//
// Safe for concurrent use. Close must be called once at shutdown.
type Logger struct {
	slog *slog.Logger
	file *os.File
	mu   sync.Mutex
}

// New builds a Logger from config.
//
// # Description
//
// Creates the stderr handler (or Output when set), then adds a JSON file
// handler when LogDir is configured. A file that cannot be opened is an
// error: a service asked to log to disk should not silently skip it.
//
// # Outputs
//
//   - *Logger: ready to use.
//   - error: unknown level, or the log file could not be created.
func New(config Config) (*Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	handlers := []slog.Handler{consoleHandler(out, config.Format, opts)}

	logger := &Logger{}
	if config.LogDir != "" {
		file, err := openLogFile(config.LogDir, config.Service)
		if err != nil {
			return nil, err
		}
		logger.file = file
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger, nil
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

func consoleHandler(out io.Writer, format Format, opts *slog.HandlerOptions) slog.Handler {
	switch format {
	case FormatText:
		return slog.NewTextHandler(out, opts)
	case FormatJSON:
		return slog.NewJSONHandler(out, opts)
	default:
		if isTerminal(out) {
			return slog.NewTextHandler(out, opts)
		}
		return slog.NewJSONHandler(out, opts)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	if service == "" {
		service = "concierge"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
