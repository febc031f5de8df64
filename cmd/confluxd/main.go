package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kmorita/conflux/internal/agent"
	"github.com/kmorita/conflux/internal/auth"
	"github.com/kmorita/conflux/internal/config"
	"github.com/kmorita/conflux/internal/embedder"
	"github.com/kmorita/conflux/internal/ess"
	"github.com/kmorita/conflux/internal/graphstore"
	"github.com/kmorita/conflux/internal/ingestion"
	"github.com/kmorita/conflux/internal/llm"
	"github.com/kmorita/conflux/internal/memory"
	"github.com/kmorita/conflux/internal/orchestrator"
	"github.com/kmorita/conflux/internal/repository"
	"github.com/kmorita/conflux/internal/repository/postgres"
	"github.com/kmorita/conflux/internal/server"
	"github.com/kmorita/conflux/internal/service"
	"github.com/kmorita/conflux/internal/vectorstore"
)

// Exit codes: 1 for configuration failures, 2 for initialization or runtime
// failures, 130 after an interrupt.
const (
	exitConfig    = 1
	exitRuntime   = 2
	exitInterrupt = 130
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfig)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	code := run(cfg, logger)
	os.Exit(code)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(cfg *config.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting conflux",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"embed_model", cfg.EmbedModel,
		"llm_model", cfg.LLMModel,
	)
	if cfg.Environment == "production" && cfg.JWTSecret == "change-this-in-production" {
		logger.Error("refusing to start with the default JWT secret in production")
		return exitConfig
	}

	// Relational store.
	db, err := postgres.New(ctx, cfg.VectorDSN)
	if err != nil {
		logger.Error("postgres connection failed", "error", err)
		return exitRuntime
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("schema migration failed", "error", err)
		return exitRuntime
	}
	logger.Info("connected to postgres")

	tenantRepo := postgres.NewTenantRepo(db)
	documentRepo := postgres.NewDocumentRepo(db)
	sessionRepo := postgres.NewSessionRepo(db)
	bindingRepo := postgres.NewESSBindingRepo(db)

	// Vector store.
	vectors, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.EmbedDim, logger)
	if err != nil {
		logger.Error("qdrant connection failed", "error", err)
		return exitRuntime
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(ctx, cfg.EmbedDim); err != nil {
		logger.Error("qdrant collection setup failed", "error", err)
		return exitRuntime
	}
	logger.Info("connected to qdrant", "dimension", cfg.EmbedDim)

	// Graph store.
	graph, err := graphstore.NewClient(graphstore.ClientConfig{
		BaseURL:  cfg.GraphURI,
		Username: cfg.GraphUser,
		Password: cfg.GraphPassword,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("graph client setup failed", "error", err)
		return exitRuntime
	}
	defer graph.Close()

	// Optional redis for the embedding cache.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, embedding cache disabled", "error", err)
			rdb = nil
		}
	}

	// Embedding collaborator behind the tenant-scoped cache.
	rawEmbedder := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:          cfg.EmbedURL,
		Model:            cfg.EmbedModel,
		Dimension:        cfg.EmbedDim,
		BatchConcurrency: cfg.EmbedBatchWorkers,
	})
	embed := embedder.NewCachedEmbedder(rawEmbedder, rdb, embedder.DefaultCacheTTL, logger)

	// Enterprise search, optional.
	var (
		essClient *ess.Client
		bindings  *ess.BindingManager
	)
	if cfg.ESSBaseURL != "" {
		essClient, err = ess.NewClient(ess.ClientConfig{
			BaseURL:       cfg.ESSBaseURL,
			APIKey:        cfg.ESSAPIKey,
			PersonaID:     cfg.ESSPersonaID,
			ChatTimeout:   cfg.ESSTimeout,
			IngestTimeout: cfg.ESSIngestTimeout,
			MaxRetries:    cfg.ESSMaxRetries,
			Logger:        logger,
		})
		if err != nil {
			logger.Error("ess client setup failed", "error", err)
			return exitRuntime
		}
		bindings = ess.NewBindingManager(essClient, bindingRepo, logger)
		logger.Info("enterprise search enabled", "base_url", cfg.ESSBaseURL)
	} else {
		logger.Info("enterprise search disabled")
	}

	// LLM collaborator.
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.LLMURL),
		llm.WithModel(cfg.LLMModel),
	)

	// Ingestion.
	chunker := ingestion.NewChunker(ingestion.ChunkerConfig{
		TargetSize: cfg.ChunkTargetSize,
		MaxSize:    cfg.ChunkMaxSize,
		Overlap:    cfg.ChunkOverlap,
	})
	coordinator := ingestion.NewCoordinator(ingestion.CoordinatorConfig{
		Tenants:             tenantRepo,
		Documents:           documentRepo,
		Vectors:             vectors,
		Graph:               graph,
		Embedder:            embed,
		ESS:                 essClient,
		Chunker:             chunker,
		EpisodeTokenCeiling: cfg.EpisodeTokenCeil,
		Logger:              logger,
	})

	// Retrieval.
	orch := orchestrator.New(orchestrator.Config{
		Tenants:       tenantRepo,
		Vectors:       vectors,
		Graph:         graph,
		ESS:           essClient,
		Bindings:      bindings,
		Embedder:      embed,
		CCPairID:      cfg.ESSCCPairID,
		VectorTimeout: cfg.VectorTimeout,
		GraphTimeout:  cfg.GraphTimeout,
		ESSTimeout:    cfg.ESSTimeout,
		HardDeadline:  cfg.OrchestratorTimeout,
		Logger:        logger,
	})

	// Agent runtime.
	runtime := agent.NewRuntime(agent.RuntimeConfig{
		LLM:      llmClient,
		Registry: agent.NewRegistry(),
		Services: agent.Services{
			Orchestrator:  orch,
			Vectors:       vectors,
			Graph:         graph,
			ESS:           essClient,
			Bindings:      bindings,
			Embedder:      embed,
			CCPairID:      cfg.ESSCCPairID,
			ESSMaxRetries: cfg.ESSMaxRetries,
		},
		Model:  cfg.LLMModel,
		Logger: logger,
	})

	// Auth.
	tokens := auth.NewTokenManager(&auth.TokenManagerConfig{
		Secret:     cfg.JWTSecret,
		AccessTTL:  cfg.AccessTTL(),
		RefreshTTL: cfg.RefreshTTL(),
		Issuer:     "conflux",
	})
	gate := auth.NewGate(tokens, sessionRepo, logger)

	tenantSvc := service.NewTenantService(service.TenantServiceConfig{
		Tenants:   tenantRepo,
		Documents: documentRepo,
		Sessions:  sessionRepo,
		Vectors:   vectors,
		Graph:     graph,
		Bindings:  bindings,
		Logger:    logger,
	})

	conversations := memory.NewStore(memory.DefaultMaxMessages, memory.DefaultTTL)
	defer conversations.Close()

	var essProbe func(ctx context.Context) error
	if essClient != nil {
		essProbe = essClient.Probe
	}

	srv := server.New(server.Config{
		Port:         cfg.HTTPPort,
		Gate:         gate,
		Tenants:      tenantSvc,
		Coordinator:  coordinator,
		Orchestrator: orch,
		Runtime:      runtime,
		Memory:       conversations,
		Documents:    documentRepo,
		Vectors:      vectors,
		Graph:        graph,
		DB:           db,
		ESSProbe:     essProbe,
		SessionTTL:   cfg.RefreshTTL(),
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interrupted := false
	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return exitRuntime
		}
		return 0
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		interrupted = sig == syscall.SIGINT
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return exitRuntime
	}

	if interrupted {
		return exitInterrupt
	}
	return 0
}

// Compile-time interface checks.
var (
	_ repository.TenantRepository     = (*postgres.TenantRepo)(nil)
	_ repository.DocumentRepository   = (*postgres.DocumentRepo)(nil)
	_ repository.SessionRepository    = (*postgres.SessionRepo)(nil)
	_ repository.ESSBindingRepository = (*postgres.ESSBindingRepo)(nil)
	_ vectorstore.Store               = (*vectorstore.QdrantStore)(nil)
	_ graphstore.GraphStore           = (*graphstore.Client)(nil)
	_ embedder.TenantEmbedder         = (*embedder.CachedEmbedder)(nil)
	_ llm.LLM                         = (*llm.OllamaClient)(nil)
)
