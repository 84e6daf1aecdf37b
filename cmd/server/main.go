// voicegate - realtime voice proxy between screening clients and the
// upstream speech provider.
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
	"github.com/voxscreen/voicegate/internal/api"
	"github.com/voxscreen/voicegate/internal/auth"
	"github.com/voxscreen/voicegate/internal/bridge"
	"github.com/voxscreen/voicegate/internal/broker"
	"github.com/voxscreen/voicegate/internal/config"
	"github.com/voxscreen/voicegate/internal/lifecycle"
	"github.com/voxscreen/voicegate/internal/middleware"
	"github.com/voxscreen/voicegate/internal/session"
	"github.com/voxscreen/voicegate/internal/store"
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

	// Initialize services.
	registry := session.NewRegistry()
	credBroker := broker.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.RequestTimeout)
	recorder := lifecycle.NewRecorder(repo)
	validator := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)

	// Initialize handlers.
	apiHandler := api.NewHandler(registry, repo)
	wsHandler := bridge.NewHandler(registry, credBroker, recorder, repo, bridge.Options{
		UpstreamURL:        cfg.Upstream.RealtimeURL,
		IdleTimeout:        cfg.Bridge.IdleTimeout,
		MaxSessionDuration: cfg.Bridge.MaxSessionDuration,
		QueueSize:          cfg.Bridge.QueueSize,
		RefreshMargin:      cfg.Bridge.RefreshMargin,
		ConfigWait:         cfg.Bridge.ConfigWait,
		DialTimeout:        cfg.Bridge.DialTimeout,
		DefaultModel:       cfg.Upstream.DefaultModel,
		DefaultVoice:       cfg.Upstream.DefaultVoice,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	apiHandler.RegisterHealth(r)

	// Authenticated routes: bearer validation happens before the
	// WebSocket upgrade, so rejected attempts never allocate a session.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(validator))
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/voice", wsHandler.ServeHTTP)
	})

	// Create server.
	// Note: WebSocket sessions are long-lived (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start registry sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The force-finalize ceiling sits past the bridge's own deadline so
	// a healthy bridge always finalizes first.
	ceiling := cfg.Bridge.MaxSessionDuration + cfg.Registry.GracePeriod
	registry.StartSweeper(ctx, cfg.Registry.SweepInterval, cfg.Registry.GracePeriod, ceiling, recorder.RecordAsync)

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
