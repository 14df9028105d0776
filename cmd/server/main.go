// Orchard - Gated Interactive Session Engine
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/orchardlabs/orchard/internal/access"
	"github.com/orchardlabs/orchard/internal/api"
	"github.com/orchardlabs/orchard/internal/config"
	"github.com/orchardlabs/orchard/internal/dialogue"
	"github.com/orchardlabs/orchard/internal/history"
	"github.com/orchardlabs/orchard/internal/identity"
	"github.com/orchardlabs/orchard/internal/middleware"
	"github.com/orchardlabs/orchard/internal/quota"
	"github.com/orchardlabs/orchard/internal/store"
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

	// Initialize services. The dialogue connection registry doubles as the
	// notification channel for access and quota events.
	conns := dialogue.NewConns()
	registry := access.NewRegistry(repo, conns)
	tracker := quota.NewTracker(repo, conns, quota.Limits{
		Daily:  cfg.DailyLimit,
		Hourly: cfg.HourlyLimit,
		Total:  cfg.TotalLimit,
	})
	hist := history.NewService(repo)

	sessions := dialogue.NewSessions()
	engine := dialogue.NewEngine(registry, tracker, repo, sessions)
	wsHandler := dialogue.NewWebSocketHandler(engine, conns)

	// Initialize handlers.
	handler := api.NewHandler(repo, registry, tracker, hist)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.AdminKeys, cfg.IsDevelopment()))

	// All routes use identity middleware (no auth needed).
	handler.RegisterSelfRoutes(r)
	handler.RegisterAdminRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/dialogue", wsHandler.ServeHTTP)

	// Create server. WriteTimeout stays at zero so long-lived dialogue
	// connections are not cut off mid-flow.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	access.StartTokenSweeper(ctx, registry, cfg.TokenSweepInterval)
	if cfg.SessionIdleTimeout > 0 {
		dialogue.StartIdleSweeper(ctx, sessions, cfg.SessionIdleTimeout)
	}

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
