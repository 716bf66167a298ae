// Command sandboxd is the agent sandbox credential server. It mints
// short-lived realtime credentials for voice clients and serves agent
// records, health probes and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agentsandbox/internal/agents"
	"github.com/MrWong99/agentsandbox/internal/app"
	"github.com/MrWong99/agentsandbox/internal/config"
	"github.com/MrWong99/agentsandbox/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	seed := flag.Bool("seed", false, "upsert agents.definitions into agents.postgres_dsn and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sandboxd: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sandboxd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := newLogger(os.Stderr, cfg.Server.LogFormat, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *seed {
		if err := seedAgents(ctx, cfg); err != nil {
			slog.Error("seed failed", "err", err)
			return 1
		}
		return 0
	}

	slog.Info("sandboxd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sandboxd",
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	if cfg.OpenAI.APIKey == "" {
		slog.Warn("openai.api_key is empty; callers must supply their own secret")
	}

	server, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithLevel(level))
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}
	defer func() {
		if err := server.Close(); err != nil {
			slog.Warn("close error", "err", err)
		}
	}()

	// ── Hot reload ────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	watcher, err := config.NewWatcher(*configPath, server.ApplyConfig, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		g.Go(func() error { return watcher.Run(gctx) })
		g.Go(func() error { return reloadOnHangup(gctx, watcher) })
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup rereads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			switch _, err := w.Reload(); {
			case errors.Is(err, config.ErrUnchanged):
				slog.Info("SIGHUP: config unchanged")
			case err != nil:
				slog.Warn("SIGHUP: keeping previous config", "err", err)
			}
		}
	}
}

// seedAgents writes the statically configured agents into Postgres.
func seedAgents(ctx context.Context, cfg *config.Config) error {
	if cfg.Agents.PostgresDSN == "" {
		return errors.New("agents.postgres_dsn is required for -seed")
	}
	pool, err := pgxpool.New(ctx, cfg.Agents.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	store := agents.NewPostgres(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	defs := agents.FromConfig(cfg.Agents.Definitions)
	for i := range defs {
		if err := store.Upsert(ctx, &defs[i]); err != nil {
			return err
		}
		slog.Info("agent seeded", "id", defs[i].ID, "name", defs[i].Name)
	}
	slog.Info("seed complete", "count", len(defs))
	return nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
