// kbengine server - the query orchestration engine behind the KB support
// assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/propengine/kbengine/pkg/accounting"
	"github.com/propengine/kbengine/pkg/api"
	"github.com/propengine/kbengine/pkg/cleanup"
	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/generate"
	"github.com/propengine/kbengine/pkg/intelligence"
	"github.com/propengine/kbengine/pkg/llm"
	"github.com/propengine/kbengine/pkg/masking"
	"github.com/propengine/kbengine/pkg/metrics"
	"github.com/propengine/kbengine/pkg/orchestrator"
	"github.com/propengine/kbengine/pkg/ratelimit"
	"github.com/propengine/kbengine/pkg/retrieval"
	"github.com/propengine/kbengine/pkg/session"
	"github.com/propengine/kbengine/pkg/store"
	"github.com/propengine/kbengine/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	}

	logLevel := slog.LevelInfo
	if getEnv("LOG_LEVEL", "") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting kbengine", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	if err := store.Migrate(cfg.Postgres.DSN); err != nil {
		log.Fatalf("Failed to migrate database schema: %v", err)
	}
	durable, err := store.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer durable.Close()
	slog.Info("Connected to postgres")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Redis is the cache and rate-limit tier; the engine degrades
		// without it, so startup proceeds.
		slog.Warn("Redis unreachable at startup, continuing degraded", "error", err)
	} else {
		slog.Info("Connected to redis", "addr", cfg.Redis.Addr)
	}
	defer rdb.Close()

	index, err := retrieval.NewQdrantIndex(cfg.Qdrant)
	if err != nil {
		log.Fatalf("Failed to connect to qdrant: %v", err)
	}
	defer index.Close()
	slog.Info("Connected to qdrant", "collection", cfg.Qdrant.Collection)

	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	if apiKey == "" {
		log.Fatalf("LLM API key environment variable %s is not set", cfg.LLM.APIKeyEnv)
	}
	llmClient := llm.NewOpenAIClient(cfg.LLM, apiKey)
	embedder := llm.NewCachingEmbedder(llmClient, cfg.LLM.EmbeddingModel,
		cfg.Retrieval.EmbedCacheSize, cfg.Retrieval.EmbedCacheTTL)

	accountant := accounting.NewAccountant(cfg.Pricing)
	collector := metrics.NewCollector(durable)
	summarizer := generate.NewSummarizer(llmClient)
	sessions := session.NewStore(rdb, durable, summarizer, cfg.Session, cfg.Redis.Timeout)
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimit, cfg.Redis.Timeout)

	masker := masking.NewService(nil)

	engine := orchestrator.NewEngine(
		sessions,
		intelligence.NewAnalyzer(llmClient),
		retrieval.NewRetriever(embedder, index, cfg.Retrieval),
		generate.NewGenerator(llmClient),
		accountant,
		collector,
		orchestrator.EngineConfigFrom(cfg),
	)
	engine.SetMasker(masker)

	sweeper := cleanup.NewService(cfg.Session, durable, sessions, collector, accountant)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := api.NewServer(cfg, engine, limiter, sessions, durable, collector, accountant,
		map[string]api.Pinger{
			"postgres": durable.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	server.SetMasker(masker)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	slog.Info("Shutdown complete")
}
