package main

import (
	"context"
	"fmt"
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
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/infergate/infergate/config"
	"github.com/infergate/infergate/internal/auth"
	"github.com/infergate/infergate/internal/catalog"
	"github.com/infergate/infergate/internal/executor"
	"github.com/infergate/infergate/internal/guardrail"
	"github.com/infergate/infergate/internal/provider"
	"github.com/infergate/infergate/internal/provider/anthropic"
	"github.com/infergate/infergate/internal/provider/azure"
	"github.com/infergate/infergate/internal/provider/gemini"
	"github.com/infergate/infergate/internal/provider/openai"
	"github.com/infergate/infergate/internal/proxy"
	"github.com/infergate/infergate/internal/registry"
	"github.com/infergate/infergate/internal/routing"
	"github.com/infergate/infergate/internal/seeder"
	"github.com/infergate/infergate/internal/telemetry"
	"github.com/infergate/infergate/internal/tokens"
	"github.com/infergate/infergate/internal/usage"
	"github.com/infergate/infergate/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Configure logging
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("infergate", proxy.Version, cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 4. Connect PostgreSQL. Optional: without it usage stays in memory and
	// requests are not authenticated.
	ctx := context.Background()
	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")
	} else {
		log.Println("POSTGRES_DSN not set, running without auth and with in-memory usage")
	}

	// 5. Connect Redis. Optional: without it auth lookups skip the cache and
	// rate limiting is off.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")
	}

	// 6. Load the model catalog and routing table
	file, err := catalog.Load(cfg.ModelsConfigPath)
	if err != nil {
		log.Fatalf("failed to load models config: %v", err)
	}
	cat := catalog.New()
	if err := cat.Replace(file.Models); err != nil {
		log.Fatalf("failed to install model catalog: %v", err)
	}
	tracker := routing.NewTracker()
	engine := routing.NewEngine(cat, tracker)
	engine.Load(file.Routers)
	log.Printf("Loaded %d models and %d routers from %s", cat.Len(), len(file.Routers), cfg.ModelsConfigPath)

	// 7. Init providers. Factories run on first use, so a missing key only
	// fails requests routed to that upstream.
	reg := registry.New()
	reg.RegisterFactory("openai", func() (provider.Provider, error) {
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		if cfg.OpenAIBaseURL != "" {
			return openai.NewWithBaseURL(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
		}
		return openai.New(cfg.OpenAIAPIKey), nil
	})
	reg.RegisterFactory("anthropic", func() (provider.Provider, error) {
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return anthropic.New(cfg.AnthropicAPIKey), nil
	})
	reg.RegisterFactory("gemini", func() (provider.Provider, error) {
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set")
		}
		return gemini.New(cfg.GeminiAPIKey), nil
	})
	reg.RegisterFactory("azure", func() (provider.Provider, error) {
		if cfg.AzureAPIKey == "" || cfg.AzureEndpoint == "" {
			return nil, fmt.Errorf("AZURE_OPENAI_API_KEY or AZURE_OPENAI_ENDPOINT is not set")
		}
		return azure.New(cfg.AzureAPIKey, cfg.AzureEndpoint, cfg.AzureAPIVersion), nil
	})

	// 8. Init usage tracking
	var store usage.Store
	if pool != nil {
		store = usage.NewPostgresStore(pool)
	} else {
		store = usage.NewMemoryStore()
	}
	recorder := usage.NewRecorder(store, 2, 1024)
	defer recorder.Close()
	costs := usage.NewCalculator(cat)

	// 9. Init auth
	var authMiddleware auth.Middleware
	if pool != nil {
		authStore := auth.NewPostgresStore(pool)
		authMiddleware = auth.NewMiddleware(authStore, rdb)

		// Seed development schema and API key if RUN_SEED=true
		if cfg.RunSeed {
			if err := seeder.EnsureSchema(ctx, pool); err != nil {
				log.Fatalf("failed to ensure schema: %v", err)
			}
			seeder.SeedDevKey(ctx, authStore)
		}
	}

	// 10. Init rate limiter
	var limiter *ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)
	}

	// 11. Init executor and handler
	exec := executor.New(engine, reg, recorder, costs, tracker)
	tracer := otel.GetTracerProvider().Tracer("infergate")
	handler := proxy.NewHandler(exec, cat, proxy.Options{
		Store:        store,
		Limiter:      limiter,
		Limits:       usage.NewChecker(store),
		Guardrails:   guardrail.DefaultChain(cfg.GuardrailsEnabled),
		Counter:      tokens.NewCounter(),
		Costs:        costs,
		Tracer:       tracer,
		DefaultModel: cfg.DefaultModel,
	})

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/health", handler.HandleHealth)

	// Protected routes
	r.Group(func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware)
		}
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
		r.Post("/v1/embeddings", handler.HandleEmbeddings)
		r.Post("/v1/images/generations", handler.HandleImages)
		r.Get("/v1/models", handler.HandleListModels)
		r.Get("/v1/models/{model}", handler.HandleGetModel)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/usage/summary", handler.HandleUsageSummary)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 190 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Inference gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
