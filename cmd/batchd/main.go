// Package main is the entry point for the batchd server: a self-hosted
// batch inference control plane in front of an Ollama-compatible engine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/mlbatch/batchd/internal/admission"
	"github.com/mlbatch/batchd/internal/blob"
	"github.com/mlbatch/batchd/internal/config"
	"github.com/mlbatch/batchd/internal/database"
	"github.com/mlbatch/batchd/internal/engine"
	"github.com/mlbatch/batchd/internal/gpu"
	"github.com/mlbatch/batchd/internal/http/handlers"
	"github.com/mlbatch/batchd/internal/http/mw"
	"github.com/mlbatch/batchd/internal/logging"
	"github.com/mlbatch/batchd/internal/metrics"
	"github.com/mlbatch/batchd/internal/registry"
	"github.com/mlbatch/batchd/internal/repository"
	"github.com/mlbatch/batchd/internal/scheduler"
	"github.com/mlbatch/batchd/internal/service"
	"github.com/mlbatch/batchd/internal/version"
	"github.com/mlbatch/batchd/internal/webhook"
)

func main() {
	// Initialize logger with TTY detection and format control
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting batchd",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.MigrateWithLogger(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	repos := repository.NewRepositories(db)

	// Local blob spool for inputs and in-flight outputs
	store, err := blob.NewLocalStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open data dir", "error", err, "dir", cfg.DataDir)
		os.Exit(1)
	}

	// Optional S3-compatible mirror for durable copies
	mirror, err := blob.NewMirror(cfg, logger)
	if err != nil {
		logger.Error("failed to configure storage mirror", "error", err)
		os.Exit(1)
	}
	if mirror.IsEnabled() {
		logger.Info("storage mirror enabled", "bucket", cfg.StorageBucket)
	}

	// Model registry, seeded with the builtin catalog on first boot
	reg := registry.New(repos.Model, logger)
	if err := reg.Seed(context.Background()); err != nil {
		logger.Error("failed to seed model registry", "error", err)
		os.Exit(1)
	}

	eng := engine.NewOllamaEngine(cfg.EngineURL)
	probe := gpu.NewSMIProbe(cfg.NvidiaSMIPath)

	dispatcher := webhook.NewDispatcher(cfg, repos, logger)
	services := service.NewServices(cfg, repos, store, mirror, reg, probe, dispatcher, logger)
	ctrl := admission.New(cfg, repos, reg, store, probe, logger)

	// Background loops: webhook retries, retention sweep, and the worker.
	// The scheduler recovers interrupted jobs before its first poll.
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)
	services.Retention.Start(ctx)

	sched := scheduler.New(cfg, repos, store, mirror, eng, probe, reg, dispatcher, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Create router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(mw.Timeout(mw.TimeoutConfig{
		Default: 30 * time.Second,
		// JSONL downloads and uploads stream arbitrarily large bodies
		SkipPatterns: []string{"/content", "/results", "/errors", "/files"},
	}))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(httprate.LimitByIP(100, time.Minute))

	humaConfig := huma.DefaultConfig("batchd", v.Version)
	humaConfig.Info.Description = "OpenAI-compatible batch inference API for a single local GPU."
	humaConfig.Servers = []*huma.Server{
		{URL: cfg.BaseURL, Description: "API Server"},
	}
	api := humachi.New(router, humaConfig)

	handlers.Register(api, router, handlers.New(cfg, services, ctrl, reg, logger))
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // JSONL downloads can be large
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down server")

		// Stop the background loops first. The scheduler finishes its
		// current chunk and commits before returning.
		cancel()
		sched.Stop()
		dispatcher.Stop()
		services.Retention.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL, "engine", cfg.EngineURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
