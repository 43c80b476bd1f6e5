// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/sift/internal/api"
	"github.com/starford/sift/internal/extract"
	"github.com/starford/sift/internal/index"
	"github.com/starford/sift/internal/mcpserver"
	"github.com/starford/sift/internal/outcome"
	"github.com/starford/sift/internal/reconcile"
	"github.com/starford/sift/internal/registry"
	"github.com/starford/sift/internal/sse"
	"github.com/starford/sift/internal/storage"
	"github.com/starford/sift/internal/store"
	"github.com/starford/sift/internal/store/mongostore"
	"github.com/starford/sift/internal/store/sqlitestore"
)

// Run ingests the configured target and, in watch mode, keeps processing
// changes until ctx is cancelled or a shutdown signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	if app.target == "" {
		return fmt.Errorf("target is required")
	}

	cfg := app.config

	level := logLevel(cfg.App.LogLevel, app.verbose, app.debug)
	logger := newLogger(os.Stderr, cfg.App.LogFormat, level)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("target", app.target),
		slog.String("driver", cfg.Store.Driver),
		slog.String("collection", cfg.Store.Collection),
		slog.Bool("watch", app.watch),
		slog.String("log_level", level.String()))

	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer backend.Close(context.Background())
	logger.Debug("Store connected", slog.String("server", backend.Describe(ctx)))

	// SSE broker receives every recorded outcome.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	recorder := outcome.NewRecorder(backend, logger)
	recorder.Subscribe(broker.PublishOutcome)

	engine := reconcile.NewEngine(backend, recorder, outcome.NewProcessSampler(), logger)
	ix := index.New(index.Config{
		Collection:  cfg.Store.Collection,
		OptionsFile: app.optionsFile,
	}, extract.Default(), registry.New(backend, logger), engine, logger)

	if app.mcp {
		source, err := storage.NewFS(app.target)
		if err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		logger.Info("Serving MCP on stdio", slog.String("root", source.Root()))
		return mcpserver.New(backend, ix, source, cfg.Store.Collection).ServeStdio()
	}
	if !app.watch {
		return ix.Run(ctx, app.target)
	}

	if fi, err := os.Stat(app.target); err == nil && !fi.IsDir() {
		return fmt.Errorf("watch: %s is not a directory", app.target)
	}
	job, err := ix.Prepare(ctx, app.target)
	if err != nil {
		return err
	}
	if err := ix.Sync(ctx, job); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	// Start file watcher with SSE callback.
	g.Go(func() error {
		return ix.Watch(gCtx, job, broker.PublishFileEvent)
	})

	var httpServer *http.Server
	if cfg.App.HTTP.Enabled() {
		httpServer = &http.Server{
			Addr:    cfg.App.HTTP.Address(),
			Handler: newStatusRouter(cfg, backend, broker, job.Root),
		}
		g.Go(func() error {
			logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}
		cancel()

		if httpServer != nil {
			logger.Info("Shutting down server...")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
			}
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Watcher stopped successfully")
	return nil
}

func newStatusRouter(cfg *Config, backend store.Backend, broker *sse.Broker, root string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := backend.Collection(cfg.Store.Collection).EstimatedCount(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	svc := api.NewService(backend, cfg.Store.Collection)
	r.Mount("/api", api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, root))
	return r
}

// openBackend connects the configured store driver.
func openBackend(ctx context.Context, cfg StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case DriverSQLite:
		return sqlitestore.Open(cfg.DSN())
	case DriverMongo:
		return mongostore.Open(ctx, mongostore.Config{
			URI:             cfg.DSN(),
			Database:        cfg.Database,
			TasksCollection: cfg.TasksCollection,
			FilesCollection: cfg.FilesCollection,
			TLSCAFile:       cfg.TLSCAFile,
			Timeout:         cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
