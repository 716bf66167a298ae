// Package app wires the agent sandbox subsystems into running programs.
//
// [Server] owns the credential server: agent source, rate limiter, token
// verifier, upstream minter, health probes and metrics. New builds every
// subsystem from config, Run serves HTTP until the context ends, and Close
// releases backing stores.
//
// [NewVoiceSession] assembles a client-side voice session from the same
// config file.
//
// For testing, inject doubles via functional options (WithMinter,
// WithAgentSource, WithLimiter). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agentsandbox/internal/agents"
	"github.com/MrWong99/agentsandbox/internal/auth"
	"github.com/MrWong99/agentsandbox/internal/config"
	"github.com/MrWong99/agentsandbox/internal/health"
	"github.com/MrWong99/agentsandbox/internal/mint"
	"github.com/MrWong99/agentsandbox/internal/observe"
	"github.com/MrWong99/agentsandbox/internal/ratelimit"
)

// sweepInterval is how often the in-memory limiter drops expired windows.
const sweepInterval = 5 * time.Minute

// Server owns all credential-server subsystem lifetimes.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	minter   mint.Minter
	agents   agents.Source
	limiter  ratelimit.Limiter
	verifier *auth.Verifier
	handler  http.Handler

	// static is set when agents come from config and can be hot-reloaded.
	static *agents.Memory

	// closers are called in order during Close.
	closers []func() error

	closeOnce sync.Once
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*Server)

// WithMinter injects an upstream minter instead of the OpenAI one.
func WithMinter(m mint.Minter) Option {
	return func(s *Server) { s.minter = m }
}

// WithAgentSource injects an agent source instead of creating one from config.
func WithAgentSource(src agents.Source) Option {
	return func(s *Server) { s.agents = src }
}

// WithLimiter injects a rate limiter instead of creating one from config.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithLevel hands the server the level variable of the installed handler so
// a reloaded log level takes effect.
func WithLevel(v *slog.LevelVar) Option {
	return func(s *Server) { s.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates a Server by wiring all subsystems together. It connects to
// Postgres and Redis when the config names them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	// ── 1. Agent source ──────────────────────────────────────────────────
	if err := s.initAgents(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("app: init agents: %w", err)
	}

	// ── 2. Rate limiter ──────────────────────────────────────────────────
	if err := s.initLimiter(); err != nil {
		s.Close()
		return nil, fmt.Errorf("app: init rate limiter: %w", err)
	}

	// ── 3. Auth + minter ─────────────────────────────────────────────────
	s.verifier = auth.NewVerifier(cfg.Auth.JWTSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
	)
	if s.minter == nil {
		var mopts []mint.MinterOption
		if cfg.OpenAI.BaseURL != "" {
			mopts = append(mopts, mint.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		s.minter = mint.NewBreaker(mint.NewOpenAIMinter(mopts...), mint.BreakerConfig{
			MaxFailures:  cfg.OpenAI.BreakerFailures,
			ResetTimeout: cfg.OpenAI.BreakerReset,
			Logger:       s.log,
		})
	}

	// ── 4. Routes ────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mint.NewServer(s.minter,
		mint.WithAgents(s.agents),
		mint.WithLimiter(s.limiter),
		mint.WithVerifier(s.verifier),
		mint.WithMetrics(s.metrics),
		mint.WithAPIKey(cfg.OpenAI.APIKey),
		mint.WithEntitlement(cfg.Auth.Entitlement),
		mint.WithSessionConfig(cfg.Session()),
	).Register(mux)
	checks := []health.Checker{
		health.PingCheck("agents", s.agents),
		health.PingCheck("ratelimit", s.limiter),
	}
	if p, ok := s.minter.(health.Pinger); ok {
		up := health.PingCheck("upstream", p)
		up.Degrades = true
		checks = append(checks, up)
	}
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.handler = observe.Middleware(s.metrics)(mux)

	return s, nil
}

func (s *Server) initAgents(ctx context.Context) error {
	if s.agents != nil {
		return nil
	}
	dsn := s.cfg.Agents.PostgresDSN
	if dsn == "" {
		s.static = agents.NewMemory(agents.FromConfig(s.cfg.Agents.Definitions)...)
		s.agents = s.static
		s.log.Info("agents loaded from config", "count", len(s.cfg.Agents.Definitions))
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	s.closers = append(s.closers, func() error { pool.Close(); return nil })

	pg := agents.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	s.agents = pg
	s.log.Info("agents served from postgres")
	return nil
}

func (s *Server) initLimiter() error {
	if s.limiter != nil {
		return nil
	}
	rl := s.cfg.RateLimit
	limits := ratelimit.Limits{Requests: rl.Requests, Window: rl.Window}
	switch rl.Backend {
	case config.RateLimitRedis:
		r, err := ratelimit.NewRedisFromURL(rl.RedisURL, limits)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, r.Close)
		s.limiter = r
	default:
		s.limiter = ratelimit.NewMemory(limits)
	}
	s.log.Info("rate limiter ready", "backend", rl.Backend, "requests", rl.Requests, "window", rl.Window)
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts the listener down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http server listening", "addr", srv.Addr, "tls", s.cfg.Server.TLS != nil)
		var err error
		if tls := s.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if m, ok := s.limiter.(*ratelimit.Memory); ok {
		g.Go(func() error {
			m.Run(gctx, sweepInterval)
			return nil
		})
	}
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable parts of a changed config. It is
// the callback handed to [config.NewWatcher].
func (s *Server) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && s.level != nil {
		s.level.Set(SlogLevel(d.NewLogLevel))
		s.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RateLimitChanged {
		s.limiter.SetLimits(ratelimit.Limits{Requests: next.RateLimit.Requests, Window: next.RateLimit.Window})
		s.log.Info("rate limits changed", "requests", next.RateLimit.Requests, "window", next.RateLimit.Window)
	}
	if d.AgentsChanged {
		if s.static == nil {
			s.log.Warn("agent definitions changed but agents are served from postgres; ignoring")
			return
		}
		s.static.Replace(agents.FromConfig(next.Agents.Definitions))
		for _, ad := range d.AgentChanges {
			s.log.Info("agent definition reloaded", "id", ad.ID, "added", ad.Added, "removed", ad.Removed)
		}
	}
}

// Close releases backing stores. It is idempotent.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, c := range s.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// SlogLevel maps a config log level onto slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
