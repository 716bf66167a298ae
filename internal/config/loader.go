package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
)

// Environment variables that override secrets after decoding.
const (
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvJWTSecret    = "SANDBOX_JWT_SECRET"
	EnvClientSecret = "SANDBOX_CLIENT_SECRET"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRateRequests    = 10
	DefaultRateWindow      = time.Minute
	DefaultEntitlement     = "realtime"
)

// validModes lists the interaction modes an agent may declare.
var validModes = []string{"voice", "text"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment. lookup is usually
// [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvOpenAIKey); ok && v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v, ok := lookup(EnvJWTSecret); ok && v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := lookup(EnvClientSecret); ok && v != "" {
		cfg.Client.Secret = v
	}
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = realtime.DefaultConfig().Model
	}
	if cfg.Realtime.Transport == "" {
		cfg.Realtime.Transport = transport.KindWebSocket
	}
	if cfg.Auth.Entitlement == "" {
		cfg.Auth.Entitlement = DefaultEntitlement
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = RateLimitMemory
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = DefaultRateRequests
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = DefaultRateWindow
	}
	if cfg.Client.Input == "" {
		cfg.Client.Input = "-"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if f := cfg.Server.LogFormat; f != "" && f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: json, text", f))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}
	if r := cfg.Server.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", *r))
	}

	if cfg.OpenAI.BreakerFailures < 0 {
		errs = append(errs, errors.New("openai.breaker_failures must not be negative"))
	}
	if cfg.OpenAI.BreakerReset < 0 {
		errs = append(errs, errors.New("openai.breaker_reset must not be negative"))
	}

	// Realtime
	rt := cfg.Realtime
	if rt.Transport != "" && !rt.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("realtime.transport %q is invalid; valid values: websocket, webrtc", rt.Transport))
	}
	if rt.URL != "" {
		if _, err := url.Parse(rt.URL); err != nil {
			errs = append(errs, fmt.Errorf("realtime.url: %w", err))
		}
	}
	if rt.ReconnectDelay < 0 {
		errs = append(errs, errors.New("realtime.reconnect_delay must not be negative"))
	}
	if rt.MaxAttempts < 0 {
		errs = append(errs, errors.New("realtime.max_attempts must not be negative"))
	}
	if rt.ErrorDisplay < 0 {
		errs = append(errs, errors.New("realtime.error_display must not be negative"))
	}
	if err := cfg.Session().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("realtime: %w", err))
	}

	// Auth
	if cfg.Auth.JWTSecret == "" {
		slog.Warn("auth.jwt_secret is empty; all callers are anonymous and only test agents are usable")
	}

	// Rate limit
	rl := cfg.RateLimit
	if rl.Backend != "" && !rl.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("rate_limit.backend %q is invalid; valid values: memory, redis", rl.Backend))
	}
	if rl.Backend == RateLimitRedis && rl.RedisURL == "" {
		errs = append(errs, errors.New("rate_limit.redis_url is required when backend is redis"))
	}
	if rl.Requests < 0 {
		errs = append(errs, errors.New("rate_limit.requests must not be negative"))
	}
	if rl.Window < 0 {
		errs = append(errs, errors.New("rate_limit.window must not be negative"))
	}

	// Agents
	if cfg.Agents.PostgresDSN != "" && len(cfg.Agents.Definitions) > 0 {
		slog.Warn("agents.postgres_dsn is set; agents.definitions are ignored")
	}
	seen := make(map[string]int, len(cfg.Agents.Definitions))
	for i, a := range cfg.Agents.Definitions {
		prefix := fmt.Sprintf("agents.definitions[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[a.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents.definitions[%d]", prefix, a.ID, prev))
			}
			seen[a.ID] = i
		}
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if a.Voice != "" && !realtime.IsValidVoice(a.Voice) {
			errs = append(errs, fmt.Errorf("%s.voice %q is invalid; valid values: %v", prefix, a.Voice, realtime.Voices))
		}
		for _, m := range a.SupportedModes {
			if !slices.Contains(validModes, m) {
				errs = append(errs, fmt.Errorf("%s.supported_modes: unknown mode %q", prefix, m))
			}
		}
	}

	// Client
	if u := cfg.Client.ServerURL; u != "" {
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("client.server_url %q must be an absolute URL", u))
		}
	}

	return errors.Join(errs...)
}
