// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package substrate is the composition root of the agent operations
// substrate: it wires the packet store, graph state, kernels, hydrator,
// dispatch, research, compliance, and the HTTP boundary into one
// process. With no external engines configured the process runs in
// lightweight mode on in-memory stores and the mock LLM, which is the
// shape every test and local run uses.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSubstrate/pkg/logging"
	"github.com/AleutianAI/AleutianSubstrate/services/llm"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/compliance"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/config"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/dispatch"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/graphstate"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/hydrate"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/kernel"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/modules"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/observability"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/prune"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/recovery"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/research"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/store"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/telemetry"
)

// spanPacketTTL bounds trace_span packet freshness in the store sink.
const spanPacketTTL = 24 * time.Hour

// fallbackCacheTTL is the recovery cache entry lifetime.
const fallbackCacheTTL = time.Hour

// Service is the wired substrate process. Fields are exported for the
// CLI and for tests; construction goes through New.
type Service struct {
	Settings *config.Settings
	Logger   *logging.Logger
	Metrics  *telemetry.Metrics
	Obs      *observability.Service

	Packets store.PacketStore
	Index   store.SemanticIndex
	Graph   *graphstate.Manager

	Chat     llm.ChatClient
	Embedder llm.Embedder

	Kernels  *kernel.Loader
	Hydrator *hydrate.Hydrator

	Dispatcher *dispatch.Dispatcher
	Recovery   *recovery.Engine
	Breakers   *recovery.BreakerGroup
	Research   *research.Orchestrator
	Reporter   *compliance.Reporter
	Registry   *modules.Registry
	Pruner     *prune.Scheduler

	ledger      *kernel.Ledger
	watcher     *kernel.Watcher
	auditWorker *dispatch.AuditWorker
	pg          *store.PostgresStore
	neo         *graphstate.Neo4jStore
	tools       *dispatch.Registry
	httpServer  *http.Server
}

// New wires a substrate process from settings. A nil settings loads the
// environment. Wiring failures of optional subsystems (kernels, redis)
// degrade the module registry instead of aborting; only storage-engine
// failures are fatal.
func New(ctx context.Context, settings *config.Settings) (*Service, error) {
	if settings == nil {
		settings = config.Load()
	}

	logger := logging.InstallDefault(logging.Config{
		Level:   logging.ParseLevel(settings.Substrate.LogLevel),
		LogDir:  settings.Substrate.LogDir,
		Service: "substrate",
		JSON:    settings.Substrate.LogJSON,
	})
	slogger := logger.Slog()

	s := &Service{
		Settings: settings,
		Logger:   logger,
		Metrics:  telemetry.New(),
		Registry: modules.NewRegistry(),
	}

	s.buildLLM(slogger)

	if err := s.buildStores(ctx, slogger); err != nil {
		return nil, err
	}
	if err := s.buildGraph(ctx, slogger); err != nil {
		return nil, err
	}
	s.buildObservability(slogger)
	s.buildKernels(ctx, slogger)
	s.buildHydrator(slogger)
	s.buildDispatch(slogger)
	s.buildRecovery(slogger)
	s.buildResearch(slogger)

	s.Reporter = compliance.NewReporter(s.Packets, slogger)
	s.Registry.Register("compliance", "audit stream period reports")
	s.Registry.SetStatus("compliance", true, "")

	s.Pruner = prune.NewScheduler(s.Packets, s.Metrics,
		time.Duration(settings.Substrate.PruneIntervalSec)*time.Second,
		settings.Substrate.PruneBatchSize, slogger)
	s.Registry.Register("prune", "periodic TTL sweep")
	s.Registry.SetStatus("prune", true, "")

	slogger.Info("Substrate wired",
		"lightweight", settings.Lightweight(),
		"modules", s.Registry.Count())
	return s, nil
}

func (s *Service) buildLLM(logger *slog.Logger) {
	switch s.Settings.Substrate.LLMBackend {
	case "openai":
		chat, err := llm.NewOpenAIChat()
		if err != nil {
			logger.Warn("OpenAI chat unavailable, using mock", "error", err)
			s.Chat = llm.NewMockChat()
		} else {
			s.Chat = chat
		}
		embedder, err := llm.NewOpenAIEmbedder()
		if err != nil {
			logger.Warn("OpenAI embedder unavailable, using mock", "error", err)
			s.Embedder = llm.NewMockEmbedder(0)
		} else {
			s.Embedder = embedder
		}
	default:
		s.Chat = llm.NewMockChat()
		s.Embedder = llm.NewMockEmbedder(0)
	}
	s.Registry.Register("llm", "chat and embedding backends")
	s.Registry.SetStatus("llm", true, "backend: "+s.Settings.Substrate.LLMBackend)
}

func (s *Service) buildStores(ctx context.Context, logger *slog.Logger) error {
	s.Registry.Register("packet_store", "universal packet persistence")
	s.Registry.Register("semantic_index", "dense-vector memory index")

	if s.Settings.Lightweight() {
		mem := store.NewMemoryStore(s.Metrics)
		s.Packets = mem
		s.Index = store.NewMemoryIndex(s.Embedder.Dimension(), s.Metrics)
		s.Registry.SetStatus("packet_store", true, "in-memory")
		s.Registry.SetStatus("semantic_index", true, "in-memory")
		return nil
	}

	pg, err := store.NewPostgresStore(ctx, s.Settings.Substrate.PostgresDSN,
		s.Embedder.Dimension(), s.Metrics, logger)
	if err != nil {
		s.Registry.SetStatus("packet_store", false, err.Error())
		return fmt.Errorf("connect packet store: %w", err)
	}
	if err := pg.Setup(ctx); err != nil {
		pg.Close()
		s.Registry.SetStatus("packet_store", false, err.Error())
		return fmt.Errorf("setup packet store: %w", err)
	}
	s.pg = pg
	s.Packets = pg
	s.Index = pg
	s.Registry.SetStatus("packet_store", true, "postgres")
	s.Registry.SetStatus("semantic_index", true, "pgvector")
	return nil
}

func (s *Service) buildGraph(ctx context.Context, logger *slog.Logger) error {
	s.Registry.Register("graph_state", "agent graph state store")

	var graphStore graphstate.Store
	if s.Settings.Substrate.Neo4jURI == "" {
		graphStore = graphstate.NewMemoryGraph()
	} else {
		neo, err := graphstate.NewNeo4jStore(ctx, s.Settings.Substrate.Neo4jURI,
			s.Settings.Substrate.Neo4jUser, s.Settings.Substrate.Neo4jPassword, logger)
		if err != nil {
			s.Registry.SetStatus("graph_state", false, err.Error())
			return fmt.Errorf("connect graph state: %w", err)
		}
		s.neo = neo
		graphStore = neo
	}

	if err := graphstate.Bootstrap(ctx, graphStore); err != nil {
		s.Registry.SetStatus("graph_state", false, err.Error())
		return fmt.Errorf("bootstrap graph state: %w", err)
	}

	s.Graph = graphstate.NewManager(graphStore, s.Packets, logger)
	note := "neo4j"
	if s.neo == nil {
		note = "in-memory"
	}
	s.Registry.SetStatus("graph_state", true, note)
	return nil
}

func (s *Service) buildObservability(logger *slog.Logger) {
	var sink observability.PacketSink
	if s.Settings.Observability.SubstrateEnabled {
		sink = s.Packets
	}
	exporter := observability.BuildExporter(s.Settings.Observability, sink, spanPacketTTL, logger)
	s.Obs = observability.NewService(s.Settings.Observability, exporter, s.Metrics, logger)

	s.Registry.Register("observability", "trace and span plane")
	s.Registry.SetStatus("observability", s.Settings.Observability.Enabled, "")
}

// buildKernels runs the two-phase load. An integrity block leaves the
// subsystem registered as uninitialized with the block note; the rest
// of the process keeps running (Scenario: modified Safety kernel).
func (s *Service) buildKernels(ctx context.Context, logger *slog.Logger) {
	s.Registry.Register("kernel", "prompt kernel loader")

	if err := kernel.EnsureDefaults(s.Settings.Substrate.KernelDir); err != nil {
		logger.Error("Kernel defaults failed", "error", err)
		s.Registry.SetStatus("kernel", false, err.Error())
		return
	}
	ledger, err := kernel.OpenLedger(s.Settings.Substrate.LedgerDir)
	if err != nil {
		logger.Error("Kernel ledger failed", "error", err)
		s.Registry.SetStatus("kernel", false, err.Error())
		return
	}
	s.ledger = ledger

	loader := kernel.NewLoader(s.Settings.Substrate.KernelDir, ledger, logger)
	if _, err := loader.Load(ctx); err != nil {
		logger.Error("Kernel load failed", "error", err)
		s.Registry.SetStatus("kernel", false, err.Error())
		return
	}
	if _, err := loader.Activate(ctx); err != nil {
		note := loader.BlockNote()
		if note == "" {
			note = err.Error()
		}
		logger.Error("Kernel activation refused", "error", err)
		s.Registry.SetStatus("kernel", false, note)
		s.Kernels = loader
		return
	}
	s.Kernels = loader

	if s.Settings.Substrate.KernelHotReload {
		watcher, err := kernel.NewWatcher(loader, 0, logger)
		if err != nil {
			logger.Warn("Kernel hot reload unavailable", "error", err)
		} else {
			s.watcher = watcher
		}
	}
	s.Registry.SetStatus("kernel", true, "")
}

func (s *Service) buildHydrator(logger *slog.Logger) {
	s.Registry.Register("hydrator", "agent context assembly")

	if s.Kernels == nil {
		s.Registry.SetStatus("hydrator", false, "kernel subsystem unavailable")
		return
	}
	budget := hydrate.NewBudget(s.Settings.Observability.ContextMaxTokens, logger)
	s.Hydrator = hydrate.New(s.Graph, s.Kernels, budget, hydrate.NewAdjudicator(s.Chat), s.Obs, logger)
	s.Graph.Subscribe(s.Hydrator)
	s.Kernels.OnReload(s.Hydrator.InvalidateAll)
	s.Registry.SetStatus("hydrator", true, "")
}

func (s *Service) buildDispatch(logger *slog.Logger) {
	s.tools = buildToolRegistry(s.Packets, s.Index, s.Embedder, logger)

	auditTable, _ := s.Packets.(store.ToolAuditTable)
	s.auditWorker = dispatch.NewAuditWorker(s.Packets, auditTable, s.Metrics,
		s.Settings.Substrate.AuditQueueSize, 2, logger)
	s.Dispatcher = dispatch.NewDispatcher(s.tools, s.auditWorker, s.Metrics, s.Obs,
		time.Duration(s.Settings.Substrate.ToolTimeoutSec)*time.Second, logger)

	s.Registry.Register("dispatch", "governed tool execution")
	s.Registry.SetStatus("dispatch", true, fmt.Sprintf("%d tools", s.tools.Len()))
}

func (s *Service) buildRecovery(logger *slog.Logger) {
	breakers := recovery.NewBreakerGroup(recovery.BreakerConfig{
		Threshold:    s.Settings.Observability.CircuitBreakerThreshold,
		Window:       time.Duration(s.Settings.Observability.CircuitBreakerWindowSec) * time.Second,
		ResetTimeout: 30 * time.Second,
	}, logger)

	var cache recovery.FallbackCache
	note := "memory cache"
	if s.Settings.Substrate.RedisAddr != "" {
		cache = recovery.NewRedisCache(s.Settings.Substrate.RedisAddr, fallbackCacheTTL)
		note = "redis cache"
	} else {
		cache = recovery.NewMemoryCache()
	}

	s.Breakers = breakers
	s.Recovery = recovery.NewEngine(cache, recovery.NewSummarizer(s.Chat), s.Packets, breakers, logger)

	// Every finished span flows through the classifier so out-of-band
	// failures count against the resource's breaker.
	s.Obs.Subscribe(s.Recovery.ObserveSpan)

	s.Registry.Register("recovery", "failure recovery chains")
	s.Registry.SetStatus("recovery", true, note)
}

func (s *Service) buildResearch(logger *slog.Logger) {
	s.Research = research.NewOrchestrator(s.Packets, s.Chat, s.Dispatcher, s.Obs, research.Config{
		MaxRetries:     s.Settings.Substrate.ResearchMaxRetries,
		ScoreThreshold: s.Settings.Substrate.ResearchScoreThreshold,
	}, logger)
	s.Registry.Register("research", "long-horizon research DAG")
	s.Registry.SetStatus("research", true, "")
}

// Tools exposes the dispatch registry so deployments can add tools
// before serving.
func (s *Service) Tools() *dispatch.Registry { return s.tools }

// Router builds the gin engine with the full boundary registered.
func (s *Service) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	handlers := NewHandlers(s.Research, s.Reporter, s.Registry, s.Metrics,
		s.Packets, s.Graph, s.Logger.Slog())
	RegisterRoutes(router, handlers, s.Obs)
	return router
}

// Run serves the HTTP boundary and the background workers until ctx is
// cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	s.Pruner.Start()

	s.httpServer = &http.Server{
		Addr:              s.Settings.Substrate.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("Substrate listening", "addr", s.Settings.Substrate.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.Close(context.Background())
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.Close(shutdownCtx)
		return err
	}
}

// Close releases every component in reverse wiring order. Safe to call
// after a partial New only via the error paths of New itself.
func (s *Service) Close(ctx context.Context) {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.Pruner != nil {
		s.Pruner.Stop()
	}
	if s.auditWorker != nil {
		s.auditWorker.Close()
	}
	if s.Obs != nil {
		s.Obs.Shutdown(ctx)
	}
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.Logger.Warn("Kernel ledger close failed", "error", err)
		}
	}
	if s.neo != nil {
		if err := s.neo.Close(ctx); err != nil {
			s.Logger.Warn("Graph store close failed", "error", err)
		}
	}
	if s.pg != nil {
		s.pg.Close()
	}
	if s.Logger != nil {
		if err := s.Logger.Close(); err != nil {
			slog.Warn("Logger close failed", "error", err)
		}
	}
}
