// ScriptTrack - Sales Conversation Tracking Server
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

	"github.com/coachforge/scripttrack/internal/aggregate"
	"github.com/coachforge/scripttrack/internal/api"
	"github.com/coachforge/scripttrack/internal/config"
	"github.com/coachforge/scripttrack/internal/eventlog"
	"github.com/coachforge/scripttrack/internal/ingest"
	"github.com/coachforge/scripttrack/internal/middleware"
	"github.com/coachforge/scripttrack/internal/store"
	"github.com/coachforge/scripttrack/internal/track"
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

	events, err := eventlog.New(eventlog.Config{
		Enabled:       cfg.EventLog.Enabled,
		Dir:           cfg.EventLog.Dir,
		GlobalEnabled: cfg.EventLog.GlobalEnabled,
		GlobalPath:    cfg.EventLog.GlobalPath,
		QueueSize:     cfg.EventLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize event log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := events.Close(); closeErr != nil {
			slog.Error("Failed to close event log", "error", closeErr)
		}
	}()

	// Initialize services.
	matcher := track.NewMatcher(cfg.MatchThreshold)
	var evaluator track.CheckpointEvaluator
	switch cfg.Evaluator {
	case config.EvaluatorSemantic:
		// Evidence scoring reuses the question matcher's similarity
		// until an external scorer is wired in.
		evaluator = &track.SemanticEvaluator{Score: func(requirement, text string) float64 {
			return track.Similarity(requirement, text)
		}}
	default:
		evaluator = &track.KeywordEvaluator{}
	}
	registry := track.NewRegistry(repo, events, matcher, evaluator, logger)
	engine := aggregate.New(repo, logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, registry, engine, logger)
	healthHandler := api.NewHealthHandler(baseHandler)
	trackingHandler := api.NewTrackingHandler(baseHandler)
	scriptHandler := api.NewScriptHandler(baseHandler)
	summaryHandler := api.NewSummaryHandler(baseHandler)
	wsHandler := ingest.NewWebSocketHandler(registry, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	healthHandler.RegisterHealth(r)
	trackingHandler.RegisterRoutes(r)
	scriptHandler.RegisterRoutes(r)
	summaryHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/conversations/{conversationID}", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket conversations stay open for hours
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Idle trackers are evicted periodically; persisted state survives and
	// is restored on the next utterance.
	track.StartSweeper(ctx, registry, cfg.SessionTTL)
	slog.Info("Idle session sweeper started", "session_ttl", cfg.SessionTTL)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

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
