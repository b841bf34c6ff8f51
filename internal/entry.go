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

	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/catalog"
	"github.com/starford/ansuz/internal/gitsync"
	"github.com/starford/ansuz/internal/ingest"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/metadata"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/queue"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/telegram"
	"github.com/starford/ansuz/internal/vault"
)

// shutdownGracePeriod bounds how long a termination waits for in-flight work.
// A started task runs on an uncancelable context, so a stalled pipeline step
// must not pin the process open.
const shutdownGracePeriod = 15 * time.Second

var errShutdownForced = errors.New("shutdown grace period elapsed")

// waitWithGrace waits for the worker group but gives up once force fires.
func waitWithGrace(wait func() error, force <-chan struct{}) error {
	done := make(chan error, 1)
	go func() { done <- wait() }()
	select {
	case err := <-done:
		return err
	case <-force:
		return errShutdownForced
	}
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := newLogger(app.logOutput, os.Stdout, cfg.App.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("catalog_path", cfg.Catalog.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// The vault root is the synced git clone; it must exist before start.
	v, err := vault.New(cfg.Vault.Path, cfg.Vault.NotesDir, cfg.Vault.AssetsDir)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	// Initialize SQLite catalog.
	db, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("init catalog: %w", err)
	}
	defer db.Close()

	m := metrics.New()

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	gitSvc, err := gitsync.New(ctx, v.Root(), logger, db, m, broker)
	if err != nil {
		return fmt.Errorf("init git sync: %w", err)
	}

	// Reconcile the catalog with whatever changed on disk since the last run.
	if err := catalog.Sweep(ctx, db, v, logger); err != nil {
		logger.Warn("initial catalog sweep failed", slog.String("error", err.Error()))
	}

	gen := metadata.New(metadata.Config{
		BaseURL: cfg.AI.BaseURL,
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.Model,
	}, logger)

	bot := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIBase:     cfg.Telegram.APIBase,
		MaxFileSize: cfg.Telegram.MaxFileSize(),
	}, logger)

	proc := ingest.New(ingest.Config{
		Vault:    v,
		Media:    bot,
		Replies:  bot,
		Metadata: gen,
		Sync:     gitSvc,
		Catalog:  db,
		Events:   broker,
		Metrics:  m,
		Log:      logger,
	})

	q := queue.New(logger, cfg.Queue.Capacity, proc.Process, m)
	m.RegisterQueueDepth(q.Len)

	// Periodic pull keeps the clone current with edits made elsewhere.
	driver, err := gitsync.NewDriver(gitSvc, cfg.Git.PullInterval(), cfg.Git.PullInitialDelay(), logger)
	if err != nil {
		return fmt.Errorf("init pull driver: %w", err)
	}
	if err := driver.Start(); err != nil {
		return fmt.Errorf("start pull driver: %w", err)
	}
	defer func() {
		if err := driver.Stop(); err != nil {
			logger.Error("Pull driver stop error", slog.String("error", err.Error()))
		}
	}()

	router := api.NewRouter(api.Config{
		Log:          logger,
		Queue:        q,
		Responder:    bot,
		Catalog:      db,
		Sync:         gitSvc,
		Events:       broker,
		Metrics:      m,
		SecretToken:  cfg.Telegram.WebhookSecret,
		APIToken:     cfg.Auth.APIToken(),
		AllowedUsers: cfg.Telegram.AllowedUserIDs,
		Ready:        db.Ping,
	})

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: router,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	forced := make(chan struct{})

	// Single consumer: this goroutine owns every vault write.
	g.Go(func() error {
		if err := q.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("queue worker error: %w", err)
		}
		return nil
	})

	// Watch the notes directory so edits arriving via git pull or by hand
	// reach the catalog and the SSE stream.
	g.Go(func() error {
		if err := catalog.Watch(gCtx, db, v, logger, broker.PublishNoteEvent); err != nil {
			logger.Error("Catalog watcher error", slog.String("error", err.Error()))
		}
		return nil
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

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		// Release the queue worker and the watcher. The in-flight task, if
		// any, keeps its uncancelable context; the grace timer is the
		// backstop against it never settling.
		cancel()
		time.AfterFunc(shutdownGracePeriod, func() { close(forced) })

		return nil
	})

	if err := waitWithGrace(g.Wait, forced); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP starts the MCP server on stdio with the given options. It carries
// the same ingestion pipeline as Run but no HTTP surface: tasks enter through
// MCP tool calls instead of the Telegram webhook.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Stdout carries the MCP transport, so logs go to stderr.
	logger := newLogger(app.logOutput, os.Stderr, cfg.App.LogLevel)
	slog.SetDefault(logger)

	v, err := vault.New(cfg.Vault.Path, cfg.Vault.NotesDir, cfg.Vault.AssetsDir)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	db, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("init catalog: %w", err)
	}
	defer db.Close()

	gitSvc, err := gitsync.New(ctx, v.Root(), logger, db, nil, nil)
	if err != nil {
		return fmt.Errorf("init git sync: %w", err)
	}

	if err := catalog.Sweep(ctx, db, v, logger); err != nil {
		logger.Warn("initial catalog sweep failed", slog.String("error", err.Error()))
	}

	gen := metadata.New(metadata.Config{
		BaseURL: cfg.AI.BaseURL,
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.Model,
	}, logger)

	procCfg := ingest.Config{
		Vault:    v,
		Metadata: gen,
		Sync:     gitSvc,
		Catalog:  db,
		Log:      logger,
	}
	// MCP tasks carry no chat id or media refs, so the bot client is only
	// wired when a token is configured.
	if cfg.Telegram.Token != "" {
		bot := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			APIBase:     cfg.Telegram.APIBase,
			MaxFileSize: cfg.Telegram.MaxFileSize(),
		}, logger)
		procCfg.Media = bot
		procCfg.Replies = bot
	}
	proc := ingest.New(procCfg)

	q := queue.New(logger, cfg.Queue.Capacity, proc.Process, nil)

	driver, err := gitsync.NewDriver(gitSvc, cfg.Git.PullInterval(), cfg.Git.PullInitialDelay(), logger)
	if err != nil {
		return fmt.Errorf("init pull driver: %w", err)
	}
	if err := driver.Start(); err != nil {
		return fmt.Errorf("start pull driver: %w", err)
	}
	defer func() {
		if err := driver.Stop(); err != nil {
			logger.Error("Pull driver stop error", slog.String("error", err.Error()))
		}
	}()

	srv := mcpserver.New(q, db, gitSvc)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	forced := make(chan struct{})

	g.Go(func() error {
		if err := q.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("queue worker error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// ServeStdio returns when stdin closes; release the queue worker
		// then, with the same grace backstop as the HTTP server.
		defer func() {
			cancel()
			time.AfterFunc(shutdownGracePeriod, func() { close(forced) })
		}()
		logger.Info("MCP server listening on stdio")
		if err := srv.ServeStdio(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server error: %w", err)
		}
		return nil
	})

	if err := waitWithGrace(g.Wait, forced); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("MCP server stopped")
	return nil
}

func newLogger(out io.Writer, fallback io.Writer, level slog.Level) *slog.Logger {
	if out == nil {
		out = fallback
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	}))
}
