package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/agentsandbox/internal/agents"
	"github.com/MrWong99/agentsandbox/internal/config"
	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/capture"
	"github.com/MrWong99/agentsandbox/pkg/realtime/clock"
	"github.com/MrWong99/agentsandbox/pkg/realtime/credential"
	"github.com/MrWong99/agentsandbox/pkg/realtime/session"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport/webrtc"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport/websocket"
)

// RegisterTransports wires the built-in transports into reg.
func RegisterTransports(reg *config.Registry) {
	reg.RegisterTransport(transport.KindWebSocket, func(rt config.RealtimeConfig, log *slog.Logger) (transport.Factory, error) {
		opts := []websocket.Option{websocket.WithLogger(log)}
		if rt.URL != "" {
			opts = append(opts, websocket.WithBaseURL(rt.URL))
		}
		return websocket.Factory(opts...), nil
	})

	reg.RegisterTransport(transport.KindWebRTC, func(rt config.RealtimeConfig, log *slog.Logger) (transport.Factory, error) {
		opts := []webrtc.Option{webrtc.WithLogger(log)}
		if rt.URL != "" {
			opts = append(opts, webrtc.WithBaseURL(rt.URL))
		}
		if len(rt.ICEServers) > 0 {
			opts = append(opts, webrtc.WithICEServers(rt.ICEServers...))
		}
		return webrtc.Factory(opts...), nil
	})

	for _, k := range reg.Transports() {
		slog.Debug("registered transport", "kind", k)
	}
}

// VoiceOption configures [NewVoiceSession].
type VoiceOption func(*voiceOptions)

type voiceOptions struct {
	log         *slog.Logger
	recorder    session.Recorder
	credentials realtime.CredentialProvider
	clock       clock.Clock
	agent       *agents.Agent
	onChange    func(session.Snapshot)
	onError     func(error)
	onAudio     func([]byte)
}

// WithVoiceLogger sets the session logger.
func WithVoiceLogger(l *slog.Logger) VoiceOption {
	return func(o *voiceOptions) { o.log = l }
}

// WithRecorder sets the session telemetry sink.
func WithRecorder(r session.Recorder) VoiceOption {
	return func(o *voiceOptions) { o.recorder = r }
}

// WithCredentials replaces the credential client built from client config.
func WithCredentials(p realtime.CredentialProvider) VoiceOption {
	return func(o *voiceOptions) { o.credentials = p }
}

// WithVoiceClock sets the session clock. Used in tests.
func WithVoiceClock(c clock.Clock) VoiceOption {
	return func(o *voiceOptions) { o.clock = c }
}

// WithAgent binds the session to an agent record: its voice and
// instructions replace the configured ones.
func WithAgent(a *agents.Agent) VoiceOption {
	return func(o *voiceOptions) { o.agent = a }
}

// WithHooks sets the session observers. Any of them may be nil.
func WithHooks(onChange func(session.Snapshot), onError func(error), onAudio func([]byte)) VoiceOption {
	return func(o *voiceOptions) {
		o.onChange = onChange
		o.onError = onError
		o.onAudio = onAudio
	}
}

// NewVoiceSession builds an idle voice session from cfg. Microphone audio is
// read from dev; the transport is looked up in reg by realtime.transport.
func NewVoiceSession(cfg *config.Config, reg *config.Registry, dev capture.Device, opts ...VoiceOption) (*session.Session, error) {
	o := &voiceOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	rt := cfg.Session()
	if a := o.agent; a != nil {
		if a.Voice != "" {
			rt.Voice = a.Voice
		}
		if a.Instructions != "" {
			rt.Instructions = a.Instructions
		}
	}

	newTransport, err := reg.CreateTransport(cfg.Realtime, o.log)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	creds := o.credentials
	if creds == nil {
		creds, err = credentialClient(cfg.Client, rt.Voice)
		if err != nil {
			return nil, err
		}
	}

	sess, err := session.New(session.Config{
		Credentials:    creds,
		NewTransport:   newTransport,
		Capture:        capture.New(dev, capture.WithLogger(o.log)),
		Realtime:       rt,
		ReconnectDelay: cfg.Realtime.ReconnectDelay,
		MaxAttempts:    cfg.Realtime.MaxAttempts,
		ErrorDisplay:   cfg.Realtime.ErrorDisplay,
		HalfDuplex:     cfg.Realtime.HalfDuplex,
		Clock:          o.clock,
		Logger:         o.log,
		Recorder:       o.recorder,
		OnChange:       o.onChange,
		OnError:        o.onError,
		OnAudio:        o.onAudio,
	})
	if err != nil {
		return nil, fmt.Errorf("app: new session: %w", err)
	}
	return sess, nil
}

func credentialClient(cc config.ClientConfig, voice string) (*credential.Client, error) {
	if cc.ServerURL == "" {
		return nil, errors.New("app: client.server_url is required to obtain credentials")
	}
	endpoint, err := url.JoinPath(cc.ServerURL, "api", "realtime", "credential")
	if err != nil {
		return nil, fmt.Errorf("app: credential endpoint: %w", err)
	}
	opts := []credential.Option{credential.WithVoice(voice)}
	if cc.Secret != "" {
		opts = append(opts, credential.WithSecret(cc.Secret))
	}
	if cc.AgentID != "" {
		opts = append(opts, credential.WithAgent(cc.AgentID))
	}
	if cc.Token != "" {
		opts = append(opts, credential.WithBearerToken(cc.Token))
	}
	return credential.New(endpoint, opts...)
}

// FetchAgent resolves id through the credential server's agent route.
func FetchAgent(ctx context.Context, hc *http.Client, serverURL, id string) (*agents.Agent, error) {
	u, err := url.JoinPath(serverURL, "api", "agents", id)
	if err != nil {
		return nil, fmt.Errorf("app: agent url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("app: agent request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("app: fetch agent %q: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("app: fetch agent %q: %w", id, agents.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("app: fetch agent %q: unexpected status %s", id, strings.TrimSpace(resp.Status))
	}

	var a agents.Agent
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, fmt.Errorf("app: decode agent %q: %w", id, err)
	}
	return &a, nil
}
