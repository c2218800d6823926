// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/offsync/internal/api"
	"github.com/starford/offsync/internal/content"
	"github.com/starford/offsync/internal/events"
	"github.com/starford/offsync/internal/handlers"
	"github.com/starford/offsync/internal/mcpserver"
	"github.com/starford/offsync/internal/metacache"
	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/offline"
	"github.com/starford/offsync/internal/prefetch"
	"github.com/starford/offsync/internal/registry"
	"github.com/starford/offsync/internal/remote"
	"github.com/starford/offsync/internal/service"
	"github.com/starford/offsync/internal/status"
	"github.com/starford/offsync/internal/store"
	"github.com/starford/offsync/internal/syncer"
	"github.com/starford/offsync/internal/watcher"
)

// core holds the wired components shared by every run mode.
type core struct {
	db       *store.DB
	content  *content.Store
	cache    *metacache.Cache
	bus      *events.Bus
	prefetch *prefetch.Coordinator
	syncer   *syncer.Coordinator
	svc      *service.Service
}

func newCore(cfg *Config, logger *slog.Logger) (*core, error) {
	db, err := store.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	cs, err := content.NewStore(cfg.Content.Path)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init content: %w", err)
	}

	cache, err := metacache.Open(cfg.Cache.Path, cfg.Cache.TTL, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}

	client := remote.New(cfg.Remote.BaseURL,
		remote.WithToken(cfg.Remote.Token),
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithLogger(logger),
	)

	reg := registry.New()
	if err := handlers.RegisterBuiltin(reg, client, cs, cache, logger); err != nil {
		cache.Close()
		db.Close()
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	bus := events.NewBus()
	statuses := status.NewStore(db, bus, logger)
	pf := prefetch.New(reg, statuses,
		prefetch.WithLogger(logger),
		prefetch.WithMetaCache(cache),
		prefetch.WithSiteContent(cs),
		prefetch.WithConcurrency(cfg.Prefetch.Concurrency),
		prefetch.WithUpdateChecks(cfg.Prefetch.UpdateChecks),
	)

	actions := offline.NewStore(db, logger)
	sc := syncer.New(actions, client, db,
		syncer.WithLogger(logger),
		syncer.WithEntityCache(cache),
		syncer.WithPublisher(bus),
		syncer.WithMinInterval(cfg.Sync.MinInterval),
		syncer.WithConcurrency(cfg.Sync.Concurrency),
	)

	return &core{
		db:       db,
		content:  cs,
		cache:    cache,
		bus:      bus,
		prefetch: pf,
		syncer:   sc,
		svc:      service.New(pf, actions, sc, service.WithLogger(logger), service.WithEntities(cache)),
	}, nil
}

// close stops background work before closing the stores it writes to.
func (c *core) close(logger *slog.Logger) {
	c.prefetch.Close()
	c.syncer.Close()
	c.bus.Close()
	if err := c.cache.Close(); err != nil {
		logger.Warn("close cache", slog.String("error", err.Error()))
	}
	if err := c.db.Close(); err != nil {
		logger.Warn("close store", slog.String("error", err.Error()))
	}
}

// watch reconciles stored statuses with the content directory, then keeps
// them in line until ctx is cancelled.
func (c *core) watch(ctx context.Context, logger *slog.Logger) error {
	if err := watcher.Reconcile(ctx, c.content, c.db, c.prefetch, logger, nil); err != nil {
		logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
	}
	return watcher.Watch(ctx, c.content, c.prefetch, logger, func(key models.ResourceKey) {
		logger.Info("cached package removed", slog.String("key", key.String()))
	})
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

// Run starts the HTTP application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := configured(opts, os.Stdout)
	if err != nil {
		return err
	}
	cfg := app.config

	// Initialize structured JSON logger.
	logger := newLogger(cfg, app.logOutput)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("content_path", cfg.Content.Path),
		slog.String("cache_path", cfg.Cache.Path),
		slog.String("remote", cfg.Remote.BaseURL),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c, err := newCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close(logger)

	apiRouter := api.NewRouter(c.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, c.bus)

	// Build chi router.
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
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := c.db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Keep download status in line with the content directory.
	g.Go(func() error {
		return c.watch(gCtx, logger)
	})

	// Background sync of buffered offline actions.
	g.Go(func() error {
		return c.syncer.Run(gCtx, cfg.Sync.AutoInterval)
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

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

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the run group once the server has been shut down.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools over stdio. Logs go to stderr since stdout
// carries the protocol.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := configured(opts, os.Stderr)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := newLogger(cfg, app.logOutput)
	slog.SetDefault(logger)

	c, err := newCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close(logger)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := c.watch(watchCtx, logger); err != nil {
			logger.Warn("watcher stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("Serving MCP on stdio")
	return mcpserver.New(c.svc).ServeStdio()
}
