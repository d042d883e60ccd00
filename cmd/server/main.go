// ACGN Assistant - conversational backend server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/acgn-assistant/internal/api"
	"github.com/ashureev/acgn-assistant/internal/chat"
	"github.com/ashureev/acgn-assistant/internal/config"
	"github.com/ashureev/acgn-assistant/internal/guardrail"
	"github.com/ashureev/acgn-assistant/internal/identity"
	"github.com/ashureev/acgn-assistant/internal/llm"
	"github.com/ashureev/acgn-assistant/internal/memory"
	"github.com/ashureev/acgn-assistant/internal/middleware"
	"github.com/ashureev/acgn-assistant/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Initialize the reply pipeline.
	llmClient := llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		DeepThinkModel: cfg.LLM.DeepThinkModel,
		Timeout:        cfg.LLM.Timeout,
	}, logger)
	if !llmClient.IsConfigured() {
		slog.Info("LLM client not configured, replies will use the rule fallback (DEEPSEEK_API_KEY not set)")
	}

	guardConfig := guardrail.DefaultConfig()
	guardConfig.FailOpen = cfg.Guardrail.FailOpen
	guard := guardrail.New(guardConfig)

	memoryWriter := memory.NewWriter(repo, logger)
	agent := chat.NewAgent(llmClient, logger)
	orchestrator := chat.NewOrchestrator(guard, agent, llmClient, repo, cfg.Agent.Timeout, logger)
	svc := chat.NewService(repo, orchestrator, memoryWriter, cfg.HistoryTurns, llmClient.Model, logger)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo)
	chatHandler := chat.NewHandler(svc, cfg, logger)
	wsHandler := chat.NewWebSocketHandler(svc, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start retention worker.
	store.StartRetentionWorker(ctx, repo, cfg.ConversationRetention, logger)
	slog.Info("Retention worker started", "retention", cfg.ConversationRetention)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
