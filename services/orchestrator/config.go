// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianConcierge/pkg/logging"
	"github.com/AleutianAI/AleutianConcierge/pkg/telemetry"
	"github.com/AleutianAI/AleutianConcierge/services/llm"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/persistence"
)

// =============================================================================
// Configuration
// =============================================================================

// Config is the whole service configuration.
//
// # Description
//
// Loaded from YAML by LoadConfig, then overridden from the environment,
// then completed by applyConfigDefaults. API keys never live in the file;
// they come from the environment or the secrets mount.
type Config struct {
	Port    int    `yaml:"port"`
	GinMode string `yaml:"gin_mode"`

	Logging     logging.Config                `yaml:"logging"`
	Telemetry   telemetry.Config              `yaml:"telemetry"`
	LLM         LLMConfig                     `yaml:"llm"`
	Persona     PersonaConfig                 `yaml:"persona"`
	Retrieval   RetrievalConfig               `yaml:"retrieval"`
	Persistence persistence.Config            `yaml:"persistence"`
	Scheduling  conversation.SchedulingConfig `yaml:"scheduling"`
	Sessions    SessionsConfig                `yaml:"sessions"`
	Streaming   StreamingConfig               `yaml:"streaming"`
	Followups   FollowupsConfig               `yaml:"followups"`
	Speech      SpeechConfig                  `yaml:"speech"`
}

// LLMConfig selects the language-model backend.
type LLMConfig struct {
	// Backend is "openai" or "gemini".
	Backend string `yaml:"backend"`

	OpenAIModel   string `yaml:"openai_model"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	GeminiModel   string `yaml:"gemini_model"`

	SpeechModel        string `yaml:"speech_model"`
	SpeechVoice        string `yaml:"speech_voice"`
	SpeechFormat       string `yaml:"speech_format"`
	TranscriptionModel string `yaml:"transcription_model"`

	// Resolved from OPENAI_API_KEY / GEMINI_API_KEY or /run/secrets.
	OpenAIAPIKey string `yaml:"-"`
	GeminiAPIKey string `yaml:"-"`
}

// RetrievalConfig selects the retrieval collaborator.
type RetrievalConfig struct {
	// Backend is "weaviate", "rag_engine" or "none".
	Backend string `yaml:"backend"`

	WeaviateURL  string `yaml:"weaviate_url"`
	RAGEngineURL string `yaml:"rag_engine_url"`

	Collection         string  `yaml:"collection"`
	Limit              int     `yaml:"limit"`
	Alpha              float32 `yaml:"alpha"`
	SchedulingSentinel string  `yaml:"scheduling_sentinel"`
}

// SessionsConfig controls session lifetime.
type SessionsConfig struct {
	// TTL is how long an idle session is kept.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often idle sessions are looked for.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// PendingTimeout is how long a begun turn waits for its stream.
	PendingTimeout time.Duration `yaml:"pending_timeout"`
}

// StreamingConfig controls frame pacing.
type StreamingConfig struct {
	MinFrameInterval time.Duration `yaml:"min_frame_interval"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
}

// FollowupsConfig controls suggested questions.
type FollowupsConfig struct {
	Count   int           `yaml:"count"`
	Timeout time.Duration `yaml:"timeout"`
}

// SpeechConfig controls answer audio.
type SpeechConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LoadConfig reads path (optional), applies environment overrides and
// fills defaults.
//
// # Inputs
//
//   - path: YAML file. Empty means environment and defaults only.
//
// # Outputs
//
//   - Config: Complete configuration.
//   - error: Unreadable file, unknown keys, or invalid overrides.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = parseConfig(data); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.LLM.OpenAIAPIKey = llm.ResolveSecret("OPENAI_API_KEY", "openai_api_key")
	cfg.LLM.GeminiAPIKey = llm.ResolveSecret("GEMINI_API_KEY", "gemini_api_key")
	return applyConfigDefaults(cfg), nil
}

func parseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides copies set environment variables over cfg.
func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	if v := getenv("CONCIERGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("CONCIERGE_PORT: invalid port %q", v)
		}
		cfg.Port = port
	}
	if v := getenv("SESSION_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("SESSION_TTL: invalid duration %q", v)
		}
		cfg.Sessions.TTL = ttl
	}

	str("LLM_BACKEND", &cfg.LLM.Backend)
	str("OPENAI_MODEL", &cfg.LLM.OpenAIModel)
	str("WEAVIATE_URL", &cfg.Retrieval.WeaviateURL)
	str("RAG_ENGINE_URL", &cfg.Retrieval.RAGEngineURL)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("PERSISTENCE_BACKEND", &cfg.Persistence.Backend)
	str("GIN_MODE", &cfg.GinMode)
	str("LOG_LEVEL", &cfg.Logging.Level)
	return nil
}

// applyConfigDefaults fills every zero value.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "concierge"
	}

	def := telemetry.DefaultConfig()
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = def.ServiceVersion
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = def.Environment
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = def.TraceExporter
	}
	if cfg.Telemetry.MetricExporter == "" {
		cfg.Telemetry.MetricExporter = def.MetricExporter
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		cfg.Telemetry.OTLPEndpoint = def.OTLPEndpoint
	}

	if cfg.LLM.Backend == "" {
		cfg.LLM.Backend = "openai"
	}

	if cfg.Retrieval.Backend == "" {
		switch {
		case cfg.Retrieval.RAGEngineURL != "":
			cfg.Retrieval.Backend = "rag_engine"
		case cfg.Retrieval.WeaviateURL != "":
			cfg.Retrieval.Backend = "weaviate"
		default:
			cfg.Retrieval.Backend = "none"
		}
	}
	if cfg.Persistence.Backend == "" {
		cfg.Persistence.Backend = "none"
	}
	if cfg.Scheduling.Links == nil && cfg.Scheduling.Messages == nil {
		cfg.Scheduling = conversation.DefaultSchedulingConfig()
	}

	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = 30 * time.Minute
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = time.Minute
	}
	if cfg.Sessions.PendingTimeout == 0 {
		cfg.Sessions.PendingTimeout = conversation.DefaultPendingTimeout
	}
	if cfg.Streaming.MinFrameInterval == 0 {
		cfg.Streaming.MinFrameInterval = 50 * time.Millisecond
	}
	if cfg.Streaming.KeepAlive == 0 {
		cfg.Streaming.KeepAlive = 15 * time.Second
	}
	if cfg.Followups.Count == 0 {
		cfg.Followups.Count = 3
	}
	if cfg.Followups.Timeout == 0 {
		cfg.Followups.Timeout = 30 * time.Second
	}
	if cfg.Speech.Timeout == 0 {
		cfg.Speech.Timeout = 20 * time.Second
	}
	return cfg
}

// LogValue keeps secrets out of logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Port),
		slog.String("llm_backend", c.LLM.Backend),
		slog.Bool("openai_key_set", c.LLM.OpenAIAPIKey != ""),
		slog.Bool("gemini_key_set", c.LLM.GeminiAPIKey != ""),
		slog.String("retrieval", c.Retrieval.Backend),
		slog.String("persistence", c.Persistence.Backend),
		slog.Duration("session_ttl", c.Sessions.TTL),
		slog.Bool("persona_file", c.Persona.File != ""),
	)
}
