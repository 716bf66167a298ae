// Package config provides the configuration schema, loader, hot-reload watcher
// and transport registry for the agent sandbox.
package config

import (
	"time"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// RateLimitBackend selects where rate-limit windows are counted.
type RateLimitBackend string

const (
	// RateLimitMemory counts in process. Limits are per replica.
	RateLimitMemory RateLimitBackend = "memory"

	// RateLimitRedis counts in a shared Redis instance.
	RateLimitRedis RateLimitBackend = "redis"
)

// IsValid reports whether b is a recognised backend.
func (b RateLimitBackend) IsValid() bool {
	return b == RateLimitMemory || b == RateLimitRedis
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Agents    AgentsConfig    `yaml:"agents"`
	Client    ClientConfig    `yaml:"client"`
}

// ServerConfig holds network and logging settings for the credential server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat is "json" or "text". Default: "text".
	LogFormat string `yaml:"log_format"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TraceSampleRatio is the fraction of root spans sampled, in [0, 1].
	// Nil samples everything; remote parent decisions are always honoured.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// OpenAIConfig configures the upstream realtime provider.
type OpenAIConfig struct {
	// APIKey is the long-lived upstream secret. Only the credential server
	// ever sees it. Overridden by OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the REST endpoint used to mint session credentials.
	BaseURL string `yaml:"base_url"`

	// Model is the realtime model. Default: gpt-4o-realtime-preview.
	Model string `yaml:"model"`

	// BreakerFailures is the number of consecutive upstream faults after
	// which minting is refused for BreakerReset. Defaults: 5 and 30s.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// RealtimeConfig configures the voice session.
type RealtimeConfig struct {
	// Transport selects the channel to the realtime endpoint. Default:
	// websocket.
	Transport transport.Kind `yaml:"transport"`

	// URL overrides the realtime endpoint used by the transport.
	URL string `yaml:"url"`

	// ICEServers lists STUN/TURN URLs for the webrtc transport.
	ICEServers []string `yaml:"ice_servers"`

	Voice              string              `yaml:"voice"`
	Instructions       string              `yaml:"instructions"`
	Modalities         []string            `yaml:"modalities"`
	InputAudioFormat   string              `yaml:"input_audio_format"`
	OutputAudioFormat  string              `yaml:"output_audio_format"`
	TranscriptionModel string              `yaml:"transcription_model"`
	TurnDetection      TurnDetectionConfig `yaml:"turn_detection"`

	// Temperature and MaxResponseOutputTokens are optional; zero leaves the
	// server default.
	Temperature             float64 `yaml:"temperature"`
	MaxResponseOutputTokens int     `yaml:"max_response_output_tokens"`

	// ReconnectDelay is the fixed wait before a reconnect attempt. Default: 3s.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxAttempts caps consecutive reconnect attempts. Default: 5.
	MaxAttempts int `yaml:"max_attempts"`

	// ErrorDisplay is how long a surfaced error stays visible. Default: 5s.
	ErrorDisplay time.Duration `yaml:"error_display"`

	// HalfDuplex suppresses microphone audio while the assistant speaks.
	HalfDuplex bool `yaml:"half_duplex"`
}

// TurnDetectionConfig configures server-side voice activity detection.
type TurnDetectionConfig struct {
	Type              string  `yaml:"type"`
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// Session builds the session configuration sent to the realtime endpoint.
// Unset fields keep [realtime.DefaultConfig] values.
func (c Config) Session() realtime.Config {
	rc := realtime.DefaultConfig()
	r := c.Realtime
	if c.OpenAI.Model != "" {
		rc.Model = c.OpenAI.Model
	}
	if r.Voice != "" {
		rc.Voice = r.Voice
	}
	if r.Instructions != "" {
		rc.Instructions = r.Instructions
	}
	if len(r.Modalities) > 0 {
		rc.Modalities = append([]string(nil), r.Modalities...)
	}
	if r.InputAudioFormat != "" {
		rc.InputAudioFormat = r.InputAudioFormat
	}
	if r.OutputAudioFormat != "" {
		rc.OutputAudioFormat = r.OutputAudioFormat
	}
	if r.TranscriptionModel != "" {
		rc.TranscriptionModel = r.TranscriptionModel
	}
	td := r.TurnDetection
	if td.Type != "" {
		rc.TurnDetection.Type = td.Type
	}
	if td.Threshold != 0 {
		rc.TurnDetection.Threshold = td.Threshold
	}
	if td.PrefixPaddingMs != 0 {
		rc.TurnDetection.PrefixPaddingMs = td.PrefixPaddingMs
	}
	if td.SilenceDurationMs != 0 {
		rc.TurnDetection.SilenceDurationMs = td.SilenceDurationMs
	}
	rc.Temperature = r.Temperature
	rc.MaxResponseOutputTokens = r.MaxResponseOutputTokens
	return rc
}

// AuthConfig configures verification of caller bearer tokens.
type AuthConfig struct {
	// JWTSecret is the HMAC key for caller tokens. When empty every caller is
	// anonymous and only test agents can be used. Overridden by
	// SANDBOX_JWT_SECRET.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer and Audience are checked when set.
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`

	// Entitlement is the claim value a caller needs to use non-test agents.
	// Default: "realtime".
	Entitlement string `yaml:"entitlement"`
}

// RateLimitConfig configures the per-caller credential mint limit.
type RateLimitConfig struct {
	Backend RateLimitBackend `yaml:"backend"`

	// Requests per Window. Defaults: 10 per 60s.
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`

	// RedisURL is required for the redis backend.
	RedisURL string `yaml:"redis_url"`
}

// AgentsConfig selects where agent records come from. When PostgresDSN is
// set the database is authoritative; otherwise Definitions are served.
type AgentsConfig struct {
	PostgresDSN string        `yaml:"postgres_dsn"`
	Definitions []AgentConfig `yaml:"definitions"`
}

// AgentConfig is one statically configured agent.
type AgentConfig struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Voice          string   `yaml:"voice"`
	Instructions   string   `yaml:"instructions"`
	SupportedModes []string `yaml:"supported_modes"`
	IsTestAgent    bool     `yaml:"is_test_agent"`
}

// ClientConfig configures the headless voice client.
type ClientConfig struct {
	// ServerURL is the base URL of the credential server.
	ServerURL string `yaml:"server_url"`

	// Secret is forwarded to the credential server as the upstream key.
	// Overridden by SANDBOX_CLIENT_SECRET.
	Secret string `yaml:"secret"`

	// Token is the caller's bearer token for non-test agents.
	Token string `yaml:"token"`

	// AgentID selects the agent whose instructions and voice are used.
	AgentID string `yaml:"agent_id"`

	// Input is the raw PCM16 24 kHz mono microphone source: a file path or
	// "-" for stdin. Default: "-".
	Input string `yaml:"input"`

	// Output is where remote audio is written. Empty discards it.
	Output string `yaml:"output"`
}
