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
	"golang.org/x/sync/errgroup"

	"github.com/starford/recordbook/internal/api"
	"github.com/starford/recordbook/internal/docservice"
	"github.com/starford/recordbook/internal/executor"
	"github.com/starford/recordbook/internal/fsm"
	"github.com/starford/recordbook/internal/index"
	"github.com/starford/recordbook/internal/mcpserver"
	"github.com/starford/recordbook/internal/models"
	"github.com/starford/recordbook/internal/ops"
	"github.com/starford/recordbook/internal/sse"
	"github.com/starford/recordbook/internal/storage"
	"github.com/starford/recordbook/internal/vcs"
)

// runtime is the wired engine shared by every command.
type runtime struct {
	cfg     *Config
	version string
	logger  *slog.Logger
	repo    *storage.FS
	db      *index.DB
	svc     *docservice.Service
}

func (rt *runtime) Close() error {
	return rt.db.Close()
}

// setup applies opts, installs the logger and wires storage, index, version
// control, executor and service. events may be nil.
func setup(ctx context.Context, events docservice.Publisher, opts ...Option) (*runtime, error) {
	app := &application{logOutput: os.Stdout, version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("repository_path", cfg.Repository.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("machines_dir", cfg.Machines.Dir),
		slog.Bool("git", cfg.Git.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(cfg.Repository.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create repository dir: %w", err)
	}

	repo, err := storage.NewFS(cfg.Repository.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var v vcs.VCS = vcs.Nop{}
	if cfg.Git.Enabled {
		git := vcs.NewGit(repo.Root(), vcs.Author{Name: cfg.Git.AuthorName, Email: cfg.Git.AuthorEmail}, vcs.WithLogger(logger))
		if err := git.Init(ctx); err != nil {
			return nil, fmt.Errorf("init git: %w", err)
		}
		v = git
	}

	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	if err := index.Sync(db, repo, logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	exec := executor.New(repo, storage.Disk{}, v, ops.New(cfg.Format), executor.WithLogger(logger))
	svc := docservice.NewService(repo, db, exec, v, fsm.NewCatalog(cfg.Machines.Dir), events, logger)

	return &runtime{cfg: cfg, version: app.version, logger: logger, repo: repo, db: db, svc: svc}, nil
}

// Run starts the HTTP server and the repository watcher.
func Run(ctx context.Context, opts ...Option) error {
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	rt, err := setup(ctx, broker, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.cfg, rt.logger

	apiRouter := api.NewRouter(rt.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", health)
	r.Get("/health/ready", health)

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// External edits reach the index and SSE clients through the watcher.
	g.Go(func() error {
		if err := index.Watch(gCtx, rt.db, rt.repo, rt.repo.Root(), logger, broker.Watcher); err != nil {
			logger.Error("watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

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

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools on stdin/stdout until the client disconnects.
func RunMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	rt, err := setup(ctx, nil, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.logger.Info("Starting MCP server on stdio")
	return mcpserver.New(rt.svc, rt.repo, rt.version).ServeStdio()
}

// Apply executes one proposal and returns its result.
func Apply(ctx context.Context, spec models.ProposalSpec, opts ...Option) (executor.Result, error) {
	p, err := spec.Proposal()
	if err != nil {
		return executor.Result{}, err
	}
	rt, err := setup(ctx, nil, opts...)
	if err != nil {
		return executor.Result{}, err
	}
	defer rt.Close()
	return rt.svc.Execute(ctx, p)
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
