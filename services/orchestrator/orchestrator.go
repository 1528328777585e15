// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the concierge service together.
//
// # Description
//
// New builds every collaborator from a Config: telemetry, the persona,
// the session store and its eviction scheduler, the language-model
// clients, retrieval, persistence, the conversation service and the HTTP
// router. Run serves until its context is cancelled, then shuts down in
// reverse order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianConcierge/pkg/telemetry"
	"github.com/AleutianAI/AleutianConcierge/services/llm"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/finalizer"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/persistence"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/responder"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/routing"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/sessions"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/speech"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/ttl"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service is a runnable concierge instance.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts everything down.
	Run(ctx context.Context) error

	// Router returns the HTTP router. Used by tests.
	Router() *gin.Engine

	// Close releases every resource without serving. Run calls it.
	Close()
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config
	logger *slog.Logger

	router   *gin.Engine
	registry *prometheus.Registry
	metrics  *observability.Metrics

	persona        *Persona
	store          *sessions.Store
	weaviateClient *weaviate.Client
	finalizer      *finalizer.Finalizer
	conversation   *conversation.Service
	ttlScheduler   ttl.Scheduler

	persistClose      func() error
	telemetryShutdown func(context.Context) error
}

// New builds a Service from cfg. cfg should come from LoadConfig.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: A collaborator that is configured but cannot be built.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{
		config: applyConfigDefaults(cfg),
		logger: logger,
	}
	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *service) init(ctx context.Context) error {
	cfg := s.config

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	telCfg := cfg.Telemetry
	telCfg.Registerer = s.registry
	shutdown, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	s.persona, err = NewPersona(cfg.Persona, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load persona: %w", err)
	}
	if err := s.persona.Watch(); err != nil {
		s.logger.Warn("Persona hot reload disabled", "error", err)
	}

	slots := sessions.NewTurnSlots()
	s.store = sessions.NewStore(sessions.StoreOptions{
		SystemPrompt: s.persona.Prompt,
		Slots:        slots,
		Logger:       s.logger,
	})
	s.store.OnCreate(func(sessions.Info) { s.metrics.SetSessions(s.store.Len()) })
	s.store.OnEvict(func(sessions.Info) { s.metrics.SetSessions(s.store.Len()) })

	if err := s.initWeaviate(ctx); err != nil {
		s.logger.Warn("Weaviate initialization failed, continuing without it", "error", err)
	}

	clients, err := llm.NewClients(ctx, llm.BackendConfig{
		Backend: cfg.LLM.Backend,
		OpenAI: llm.OpenAIConfig{
			APIKey:             cfg.LLM.OpenAIAPIKey,
			BaseURL:            cfg.LLM.OpenAIBaseURL,
			Model:              cfg.LLM.OpenAIModel,
			SpeechModel:        cfg.LLM.SpeechModel,
			SpeechVoice:        cfg.LLM.SpeechVoice,
			SpeechFormat:       cfg.LLM.SpeechFormat,
			TranscriptionModel: cfg.LLM.TranscriptionModel,
		},
		GeminiAPIKey: cfg.LLM.GeminiAPIKey,
		GeminiModel:  cfg.LLM.GeminiModel,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	s.logger.Info("LLM backend ready",
		"backend", cfg.LLM.Backend,
		"speech", clients.Speech != nil,
		"transcription", clients.Transcriber != nil)

	persister, closePersister, err := persistence.Open(ctx, cfg.Persistence, s.weaviateClient, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	s.persistClose = closePersister

	finCfg := finalizer.Config{
		Store:           s.store,
		Followups:       finalizer.NewFollowupGenerator(clients.Chat, cfg.Followups.Count),
		Persister:       persister,
		Metrics:         s.metrics,
		Logger:          s.logger,
		FollowupTimeout: cfg.Followups.Timeout,
		SpeechTimeout:   cfg.Speech.Timeout,
	}
	if clients.Speech != nil {
		finCfg.Speech = speech.NewEncoder(clients.Speech, cfg.Speech.Timeout)
	}
	s.finalizer = finalizer.New(finCfg)

	opts := conversation.Options{
		Store: s.store,
		Slots: slots,
		Router: routing.NewRouter(clients.Chat,
			routing.WithMetrics(s.metrics),
			routing.WithLogger(s.logger)),
		Responder: responder.New(clients.Chat,
			responder.WithMinFrameInterval(cfg.Streaming.MinFrameInterval),
			responder.WithMetrics(s.metrics),
			responder.WithLogger(s.logger)),
		Finalizer:      s.finalizer,
		Scheduling:     cfg.Scheduling,
		PendingTimeout: cfg.Sessions.PendingTimeout,
		Metrics:        s.metrics,
		Logger:         s.logger,
	}
	if retriever := s.newRetriever(); retriever != nil {
		opts.Augmenter = retrieval.NewAugmenter(retriever, s.metrics, s.logger)
	}
	s.conversation = conversation.New(opts)

	sweeper := ttl.NewSessionSweeper(s.store, ttl.NewIdleFilter(cfg.Sessions.TTL, 0),
		func(r ttl.SweepResult) {
			s.metrics.RecordEvictions(r.Evicted)
			s.metrics.SetSessions(s.store.Len())
		})
	schedCfg := ttl.DefaultSchedulerConfig()
	schedCfg.Interval = cfg.Sessions.SweepInterval
	s.ttlScheduler = ttl.NewScheduler(sweeper, schedCfg)

	chatOpts := []handlers.ChatHandlerOption{
		handlers.WithHandlerMetrics(s.metrics),
		handlers.WithHandlerLogger(s.logger),
		handlers.WithKeepAliveInterval(cfg.Streaming.KeepAlive),
	}
	if clients.Transcriber != nil {
		chatOpts = append(chatOpts, handlers.WithTranscriber(clients.Transcriber))
	}
	return s.initRouter(handlers.NewChatHandler(s.conversation, chatOpts...))
}

// initWeaviate connects when retrieval or persistence uses Weaviate and
// creates the classes they need.
func (s *service) initWeaviate(ctx context.Context) error {
	cfg := s.config
	useRetrieval := cfg.Retrieval.Backend == "weaviate"
	usePersistence := cfg.Persistence.Backend == "weaviate"
	if !useRetrieval && !usePersistence {
		return nil
	}

	weaviateURL := strings.Trim(cfg.Retrieval.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		return errors.New("WEAVIATE_URL is not set")
	}
	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	var classes []*models.Class
	if useRetrieval {
		classes = append(classes, datatypes.GetKnowledgeSchema(retrieval.ClassName(s.collection())))
	}
	if usePersistence {
		classes = append(classes, datatypes.GetTranscriptSchema())
	}
	if err := datatypes.EnsureWeaviateSchema(ctx, client, classes...); err != nil {
		return err
	}

	s.weaviateClient = client
	s.logger.Info("Weaviate client initialized", "url", weaviateURL)
	return nil
}

func (s *service) collection() string {
	if s.config.Retrieval.Collection != "" {
		return s.config.Retrieval.Collection
	}
	return retrieval.DefaultCollection
}

// newRetriever returns nil when retrieval is off or its backend is
// unavailable; RetrieveContext turns are then answered without context.
func (s *service) newRetriever() retrieval.Retriever {
	cfg := s.config.Retrieval
	switch cfg.Backend {
	case "weaviate":
		if s.weaviateClient == nil {
			return nil
		}
		return retrieval.NewWeaviateRetriever(s.weaviateClient, retrieval.WeaviateConfig{
			Collection:         s.collection(),
			Limit:              cfg.Limit,
			Alpha:              cfg.Alpha,
			SchedulingSentinel: cfg.SchedulingSentinel,
		})
	case "rag_engine":
		if cfg.RAGEngineURL == "" {
			s.logger.Warn("RAG engine retrieval selected without RAG_ENGINE_URL")
			return nil
		}
		return retrieval.NewRAGEngineRetriever(cfg.RAGEngineURL, s.collection(), cfg.Limit, nil)
	default:
		s.logger.Info("Retrieval disabled")
		return nil
	}
}

func (s *service) initRouter(chat *handlers.ChatHandler) error {
	switch s.config.GinMode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
		gin.SetMode(s.config.GinMode)
	default:
		return fmt.Errorf("invalid gin mode %q", s.config.GinMode)
	}

	httpMetrics, err := telemetry.NewHTTPMetrics(otel.Meter("concierge.http"))
	if err != nil {
		return fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))
	s.router.Use(telemetry.GinMiddleware(httpMetrics))

	routes.SetupRoutes(s.router, chat, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return nil
}

// Run starts the eviction scheduler and serves HTTP until ctx is done.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.ttlScheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session eviction: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting concierge server", "config", s.config)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down concierge server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// Close stops background work, waits for in-flight follow-ups and
// releases backends.
func (s *service) Close() {
	if s.conversation != nil {
		s.conversation.Close()
	}
	if s.ttlScheduler != nil {
		if err := s.ttlScheduler.Stop(); err != nil {
			s.logger.Warn("Session eviction stop error", "error", err)
		}
	}
	if s.finalizer != nil {
		s.finalizer.Wait()
	}
	if s.persona != nil {
		s.persona.Stop()
	}
	if s.persistClose != nil {
		if err := s.persistClose(); err != nil {
			s.logger.Warn("Persistence close error", "error", err)
		}
		s.persistClose = nil
	}
	if s.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetryShutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown telemetry", "error", err)
		}
		s.telemetryShutdown = nil
	}
}

var _ Service = (*service)(nil)
