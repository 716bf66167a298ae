package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/agentsandbox/internal/agents"
	"github.com/MrWong99/agentsandbox/internal/app"
	"github.com/MrWong99/agentsandbox/internal/config"
	"github.com/MrWong99/agentsandbox/internal/observe"
	"github.com/MrWong99/agentsandbox/pkg/realtime"
	capmock "github.com/MrWong99/agentsandbox/pkg/realtime/capture/mock"
	"github.com/MrWong99/agentsandbox/pkg/realtime/session"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport/mock"
)

type fakeMinter struct {
	mu    sync.Mutex
	keys  []string
	cfgs  []realtime.Config
	value string
}

func (f *fakeMinter) Mint(_ context.Context, apiKey string, cfg realtime.Config) (realtime.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, apiKey)
	f.cfgs = append(f.cfgs, cfg)
	v := f.value
	if v == "" {
		v = "ek_app"
	}
	return realtime.Credential{Value: v, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (f *fakeMinter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a defaulted config with one test agent and one
// entitled agent.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		OpenAI: config.OpenAIConfig{APIKey: "sk-server"},
		Agents: config.AgentsConfig{
			Definitions: []config.AgentConfig{
				{ID: "demo", Name: "Demo", Voice: "coral", Instructions: "You are a demo.", IsTestAgent: true},
				{ID: "tutor", Name: "Tutor", Voice: "sage", SupportedModes: []string{"voice", "text"}},
			},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newServer(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.Server, *fakeMinter) {
	t.Helper()
	fm := &fakeMinter{}
	opts = append([]app.Option{
		app.WithMinter(fm),
		app.WithMetrics(testMetrics(t)),
		app.WithLogger(discardLogger()),
	}, opts...)
	s, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, fm
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ── Server ───────────────────────────────────────────────────────────────────

func TestNew_Routes(t *testing.T) {
	t.Parallel()
	s, fm := newServer(t, testConfig())
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"healthz", http.MethodGet, "/healthz", "", http.StatusOK},
		{"readyz", http.MethodGet, "/readyz", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"list agents", http.MethodGet, "/api/agents", "", http.StatusOK},
		{"get agent", http.MethodGet, "/api/agents/demo", "", http.StatusOK},
		{"unknown agent", http.MethodGet, "/api/agents/nope", "", http.StatusNotFound},
		{"credential", http.MethodPost, "/api/realtime/credential", `{"agent_id":"demo"}`, http.StatusOK},
		{"entitled agent anonymous", http.MethodPost, "/api/realtime/credential", `{"agent_id":"tutor"}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (body %q)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if fm.calls() != 1 {
		t.Errorf("minter calls = %d, want 1", fm.calls())
	}
	if fm.keys[0] != "sk-server" {
		t.Errorf("minted with key %q, want server key", fm.keys[0])
	}
	if fm.cfgs[0].Voice != "coral" || fm.cfgs[0].Instructions != "You are a demo." {
		t.Errorf("minted config = %+v, want agent voice and instructions", fm.cfgs[0])
	}
}

func TestNew_ListsConfiguredAgents(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, testConfig())

	rec := do(t, s.Handler(), http.MethodGet, "/api/agents", "")
	var body struct {
		Agents []agents.Agent `json:"agents"`
		Count  int            `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 {
		t.Fatalf("count = %d, want 2", body.Count)
	}
	ids := []string{body.Agents[0].ID, body.Agents[1].ID}
	if !slices.Equal(ids, []string{"demo", "tutor"}) {
		t.Errorf("ids = %v, want [demo tutor]", ids)
	}
}

func TestNew_InvalidRedisURL(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RateLimit.Backend = config.RateLimitRedis
	cfg.RateLimit.RedisURL = "not a url"

	_, err := app.New(context.Background(), cfg,
		app.WithMinter(&fakeMinter{}),
		app.WithMetrics(testMetrics(t)),
		app.WithLogger(discardLogger()),
	)
	if err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestApplyConfig_RateLimit(t *testing.T) {
	t.Parallel()
	old := testConfig()
	s, _ := newServer(t, old)

	next := testConfig()
	next.RateLimit.Requests = 1
	s.ApplyConfig(old, next, config.Diff(old, next))

	h := s.Handler()
	if rec := do(t, h, http.MethodPost, "/api/realtime/credential", `{"agent_id":"demo"}`); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/realtime/credential", `{"agent_id":"demo"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestApplyConfig_Agents(t *testing.T) {
	t.Parallel()
	old := testConfig()
	s, _ := newServer(t, old)

	next := testConfig()
	next.Agents.Definitions = append(next.Agents.Definitions, config.AgentConfig{
		ID: "guide", Name: "Guide", Voice: "verse", IsTestAgent: true,
	})
	next.Agents.Definitions[0].Voice = "ash"
	s.ApplyConfig(old, next, config.Diff(old, next))

	h := s.Handler()
	if rec := do(t, h, http.MethodGet, "/api/agents/guide", ""); rec.Code != http.StatusOK {
		t.Errorf("added agent = %d, want 200", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/api/agents/demo", "")
	var a agents.Agent
	if err := json.NewDecoder(rec.Body).Decode(&a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.Voice != "ash" {
		t.Errorf("voice = %q, want ash", a.Voice)
	}
}

func TestApplyConfig_InjectedSourceIgnoresDefinitions(t *testing.T) {
	t.Parallel()
	src := agents.NewMemory(agents.Agent{ID: "fixed", Name: "Fixed", IsTestAgent: true})
	old := testConfig()
	s, _ := newServer(t, old, app.WithAgentSource(src))

	next := testConfig()
	next.Agents.Definitions = next.Agents.Definitions[:1]
	s.ApplyConfig(old, next, config.Diff(old, next))

	list, err := src.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "fixed" {
		t.Errorf("injected source changed: %+v", list)
	}
	if rec := do(t, s.Handler(), http.MethodGet, "/api/agents/demo", ""); rec.Code != http.StatusNotFound {
		t.Errorf("config agent served = %d, want 404", rec.Code)
	}
}

func TestApplyConfig_LogLevel(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	old := testConfig()
	s, _ := newServer(t, old, app.WithLevel(&level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	s.ApplyConfig(old, next, config.Diff(old, next))

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	s, _ := newServer(t, testConfig())
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ── Voice ────────────────────────────────────────────────────────────────────

func TestRegisterTransports(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterTransports(reg)

	want := []transport.Kind{transport.KindWebRTC, transport.KindWebSocket}
	got := reg.Transports()
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Errorf("Transports() = %v, want %v", got, want)
	}
	for _, k := range want {
		if _, err := reg.CreateTransport(config.RealtimeConfig{Transport: k}, discardLogger()); err != nil {
			t.Errorf("CreateTransport(%s): %v", k, err)
		}
	}
}

// mockRegistry registers a mock factory under the websocket kind.
func mockRegistry(f *mock.Factory) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterTransport(transport.KindWebSocket, func(config.RealtimeConfig, *slog.Logger) (transport.Factory, error) {
		return f.New, nil
	})
	return reg
}

func TestNewVoiceSession_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing server url", func(t *testing.T) {
		cfg := testConfig()
		_, err := app.NewVoiceSession(cfg, mockRegistry(&mock.Factory{}), &capmock.Device{},
			app.WithVoiceLogger(discardLogger()))
		if err == nil || !strings.Contains(err.Error(), "server_url") {
			t.Errorf("err = %v, want server_url error", err)
		}
	})

	t.Run("unregistered transport", func(t *testing.T) {
		cfg := testConfig()
		cfg.Client.ServerURL = "http://127.0.0.1:1"
		cfg.Realtime.Transport = transport.KindWebRTC
		_, err := app.NewVoiceSession(cfg, mockRegistry(&mock.Factory{}), &capmock.Device{},
			app.WithVoiceLogger(discardLogger()))
		if !errors.Is(err, config.ErrTransportNotRegistered) {
			t.Errorf("err = %v, want ErrTransportNotRegistered", err)
		}
	})
}

func TestNewVoiceSession_AgentOverridesConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Realtime.Voice = "alloy"
	cfg.Realtime.Instructions = "Configured."

	factory := &mock.Factory{}
	sess, err := app.NewVoiceSession(cfg, mockRegistry(factory), &capmock.Device{},
		app.WithVoiceLogger(discardLogger()),
		app.WithAgent(&agents.Agent{ID: "tutor", Voice: "sage", Instructions: "Teach."}),
		app.WithCredentials(realtime.CredentialProviderFunc(func(context.Context) (realtime.Credential, error) {
			return realtime.Credential{Value: "ek_static"}, nil
		})),
	)
	if err != nil {
		t.Fatalf("NewVoiceSession: %v", err)
	}
	t.Cleanup(func() { _ = sess.Disconnect() })

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cfgs := factory.Last().Configs()
	if len(cfgs) != 1 {
		t.Fatalf("configs = %d, want 1", len(cfgs))
	}
	if cfgs[0].Voice != "sage" || cfgs[0].Instructions != "Teach." {
		t.Errorf("session config = voice %q instructions %q, want agent values", cfgs[0].Voice, cfgs[0].Instructions)
	}
}

// TestVoiceSession_EndToEnd runs a voice session whose credentials come from
// a live credential server.
func TestVoiceSession_EndToEnd(t *testing.T) {
	t.Parallel()
	srvCfg := testConfig()
	s, fm := newServer(t, srvCfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	agent, err := app.FetchAgent(ctx, ts.Client(), ts.URL, "demo")
	if err != nil {
		t.Fatalf("FetchAgent: %v", err)
	}
	if _, err := app.FetchAgent(ctx, ts.Client(), ts.URL, "missing"); !errors.Is(err, agents.ErrNotFound) {
		t.Errorf("FetchAgent(missing) err = %v, want ErrNotFound", err)
	}

	cliCfg := testConfig()
	cliCfg.Client.ServerURL = ts.URL
	cliCfg.Client.AgentID = "demo"

	factory := &mock.Factory{}
	dev := &capmock.Device{}
	var (
		mu     sync.Mutex
		states []realtime.ConnectionState
	)
	sess, err := app.NewVoiceSession(cliCfg, mockRegistry(factory), dev,
		app.WithVoiceLogger(discardLogger()),
		app.WithAgent(agent),
		app.WithRecorder(testMetrics(t)),
		app.WithHooks(func(snap session.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			if n := len(states); n == 0 || states[n-1] != snap.State {
				states = append(states, snap.State)
			}
		}, nil, nil),
	)
	if err != nil {
		t.Fatalf("NewVoiceSession: %v", err)
	}

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr := factory.Last()
	if creds := tr.Credentials(); len(creds) != 1 || creds[0].Value != "ek_app" {
		t.Errorf("credentials = %+v, want [ek_app]", creds)
	}
	fm.mu.Lock()
	minted := slices.Clone(fm.cfgs)
	fm.mu.Unlock()
	if len(minted) != 1 || minted[0].Voice != "coral" {
		t.Errorf("upstream mints = %+v, want one with agent voice", minted)
	}
	if dev.OpenCount() != 1 {
		t.Errorf("microphone opened %d times, want 1", dev.OpenCount())
	}

	if err := sess.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := sess.State(); got != realtime.StateClosed {
		t.Errorf("state after Disconnect = %s, want closed", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(states, realtime.StateConnected) {
		t.Errorf("states = %v, never connected", states)
	}
}
