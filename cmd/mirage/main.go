// Command mirage is a multi-session conversational agent server.
//
// It hosts per-chat sessions that drive an OpenAI-compatible completion
// endpoint with streaming and tool-calling, run whitelisted shell commands in
// per-chat working directories, and fan incremental output out to any number
// of SSE subscribers. Chats are persisted so they survive restarts.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/mirage"
	"github.com/nevindra/mirage/internal/config"
	"github.com/nevindra/mirage/observer"
	"github.com/nevindra/mirage/provider/openaicompat"
	"github.com/nevindra/mirage/sandbox"
	"github.com/nevindra/mirage/store/postgres"
	"github.com/nevindra/mirage/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load(os.Getenv("MIRAGE_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var tracer mirage.Tracer
	var metrics mirage.Metrics
	if cfg.Observer.Enabled {
		inst, shutdownObserver, err := observer.Init(ctx)
		if err != nil {
			logger.Error("init observer", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdownObserver(shutCtx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		tracer = observer.NewTracer()
		metrics = inst
	}

	provider := openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL,
		openaicompat.WithLogger(logger))

	exec := sandbox.NewExecutor(
		sandbox.WithTimeout(cfg.Sandbox.Timeout()),
		sandbox.WithLogger(logger))

	registry := mirage.NewRegistry(mirage.RegistryConfig{
		Store:    store,
		Provider: provider,
		NewTools: func(workDir string) *mirage.ToolRegistry {
			tools := mirage.NewToolRegistry()
			tools.Add(sandbox.NewTool(exec, workDir))
			return tools
		},
		WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
		IdleTTL:       cfg.Session.IdleTTL(),
		Logger:        logger,
		Tracer:        tracer,
		Metrics:       metrics,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     newServer(store, registry, cfg.Server.StaticDir, logger).routes(),
		IdleTimeout: 120 * time.Second,
		// No read/write timeouts: SSE streams are long-lived.
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "model", cfg.LLM.Model)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	registry.StopAll()
	logger.Info("stopped")
}

// openStore picks the backend: postgres when a URL is configured, the local
// SQLite file otherwise.
func openStore(ctx context.Context, cfg config.Config) (mirage.Store, error) {
	if cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool)
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &pooledStore{Store: s, pool: pool}, nil
	}

	s, err := sqlite.New(cfg.Database.Path, sqlite.WithLogger(slog.Default()))
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// pooledStore closes the pgx pool the postgres store runs on.
type pooledStore struct {
	*postgres.Store
	pool *pgxpool.Pool
}

func (p *pooledStore) Close() error {
	p.pool.Close()
	return nil
}
