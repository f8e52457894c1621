package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/alwrity/llm-router/config"
	"github.com/alwrity/llm-router/internal/credentials"
	"github.com/alwrity/llm-router/internal/gateway"
	"github.com/alwrity/llm-router/internal/provider"
	"github.com/alwrity/llm-router/internal/provider/gemini"
	"github.com/alwrity/llm-router/internal/provider/huggingface"
	"github.com/alwrity/llm-router/internal/provider/openrouter"
	"github.com/alwrity/llm-router/internal/registry"
	"github.com/alwrity/llm-router/internal/router"
	"github.com/alwrity/llm-router/internal/telemetry"
	"github.com/alwrity/llm-router/internal/usage"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logging
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-router", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	// 4. Connect PostgreSQL if configured
	ctx := context.Background()
	var sink usage.Store
	var lister gateway.RecordLister
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		store := usage.NewPostgresStore(pool)
		sink = store
		lister = store
		logger.Info("postgres connected")
	} else {
		logger.Info("POSTGRES_DSN not set, usage persistence disabled")
	}

	// 5. Connect Redis if configured
	var cache *usage.AggregateCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.Error(err))
		}
		cache = usage.NewAggregateCache(rdb, cfg.UsageCacheTTL)
		logger.Info("redis connected")
	} else {
		logger.Info("REDIS_ADDR not set, usage aggregate caching disabled")
	}

	// 6. Build the provider registry
	reg, err := registry.New(registry.Builtin(cfg.ModelOverrides())...)
	if err != nil {
		logger.Fatal("failed to build provider registry", zap.Error(err))
	}

	// 7. Init credential detection
	detector := credentials.NewDetector(reg, cfg, cfg.CredentialCacheTTL)
	if usable := detector.UsableNames(); len(usable) == 0 {
		logger.Warn("no provider credentials configured, all requests will fail")
	} else {
		logger.Info("providers ready", zap.Strings("providers", usable))
	}

	// 8. Init provider adapters
	adapters := map[string]provider.Adapter{
		registry.ProviderGemini:      gemini.New(cfg.GeminiAPIKey),
		registry.ProviderOpenRouter:  openrouter.New(cfg.OpenRouterAPIKey),
		registry.ProviderHuggingFace: huggingface.New(cfg.HFToken),
	}

	// 9. Init usage tracking
	tracker := usage.NewTracker(reg, sink, logger)
	defer tracker.Close()

	// 10. Init router
	retry := router.RetryPolicy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		JitterFactor: cfg.RetryJitterFactor,
	}
	rtr := router.New(reg, detector, adapters, retry, tracker, logger)

	// 11. Init handler
	handler := gateway.NewHandler(rtr, tracker, gateway.Options{
		Records: lister,
		Cache:   cache,
		Attribution: provider.Attribution{
			Referrer: cfg.OpenRouterReferer,
			Title:    cfg.OpenRouterTitle,
		},
		DefaultProvider: cfg.PreferredProvider,
		Logger:          logger,
	})

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-router"}`))
	})

	r.Post("/v1/generate", handler.HandleGenerate)
	r.Get("/v1/usage", handler.HandleUsage)
	r.Get("/v1/usage/records", handler.HandleUsageRecords)

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("llm router starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
