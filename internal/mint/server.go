// Package mint is the trusted intermediary of the agent sandbox. It holds the
// long-lived upstream secret, mints short-lived realtime credentials for
// voice clients, and serves the read-only agent records those sessions are
// bound to.
//
// Routes registered by [Server.Register]:
//
//	POST /api/realtime/credential   mint one credential
//	GET  /api/agents                list agent records
//	GET  /api/agents/{id}           fetch one agent record
package mint

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/agentsandbox/internal/agents"
	"github.com/MrWong99/agentsandbox/internal/auth"
	"github.com/MrWong99/agentsandbox/internal/observe"
	"github.com/MrWong99/agentsandbox/internal/ratelimit"
	"github.com/MrWong99/agentsandbox/pkg/realtime"
)

// maxBodyBytes bounds the credential request body.
const maxBodyBytes = 64 << 10

// Credential request outcomes, used as the "status" metric attribute.
const (
	statusOK            = "ok"
	statusBadRequest    = "bad_request"
	statusUnauthorized  = "unauthorized"
	statusForbidden     = "forbidden"
	statusNotFound      = "not_found"
	statusRateLimited   = "rate_limited"
	statusUpstreamError = "upstream_error"
	statusUnavailable   = "unavailable"
	statusInternal      = "internal_error"
)

// Server serves the credential and agent routes. It is safe for concurrent
// use.
type Server struct {
	minter      Minter
	agents      agents.Source
	limiter     ratelimit.Limiter
	verifier    *auth.Verifier
	metrics     *observe.Metrics
	apiKey      string
	entitlement string
	base        realtime.Config
	now         func() time.Time
}

// Option configures a [Server].
type Option func(*Server)

// WithAgents sets the agent source. Without one, every agent_id is unknown.
func WithAgents(src agents.Source) Option {
	return func(s *Server) { s.agents = src }
}

// WithLimiter sets the rate limiter. Without one, requests are not limited.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithVerifier sets the bearer-token verifier.
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAPIKey sets the server-held upstream secret, used when the request
// carries none.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithEntitlement sets the entitlement required for non-test agents. The
// default is "realtime".
func WithEntitlement(e string) Option {
	return func(s *Server) { s.entitlement = e }
}

// WithSessionConfig sets the base configuration of minted sessions. Agent
// records and request fields override its voice and instructions.
func WithSessionConfig(cfg realtime.Config) Option {
	return func(s *Server) { s.base = cfg }
}

// NewServer returns a server minting through m.
func NewServer(m Minter, opts ...Option) *Server {
	s := &Server{
		minter:      m,
		verifier:    auth.NewVerifier(""),
		entitlement: "realtime",
		base:        realtime.DefaultConfig(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the server's routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/realtime/credential", s.handleCredential)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
}

type credentialRequest struct {
	Secret  string `json:"secret,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Voice   string `json:"voice,omitempty"`
}

type credentialResponse struct {
	Credential string `json:"credential"`
	ExpiresAt  int64  `json:"expiresAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	fail := func(code int, status, msg string) {
		s.metrics.RecordCredentialMint(ctx, status)
		writeJSON(w, code, errorResponse{Error: msg})
	}

	id, err := s.verifier.FromRequest(r)
	if err != nil {
		log.Info("credential: rejected token", "err", err)
		fail(http.StatusUnauthorized, statusUnauthorized, "invalid bearer token")
		return
	}

	if s.limiter != nil {
		key, scope := limitKey(r, id)
		res, err := s.limiter.Allow(ctx, key)
		switch {
		case err != nil:
			log.Warn("credential: rate limiter unavailable; allowing request", "err", err)
		case !res.Allowed:
			s.metrics.RecordRateLimited(ctx, scope)
			w.Header().Set("X-RateLimit-Remaining", "0")
			if wait := res.ResetAt.Sub(s.now()); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			}
			fail(http.StatusTooManyRequests, statusRateLimited, "rate limit exceeded")
			return
		default:
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
	}

	var req credentialRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(http.StatusBadRequest, statusBadRequest, "malformed request body")
		return
	}

	apiKey := req.Secret
	if apiKey == "" {
		apiKey = s.apiKey
	}
	if apiKey == "" {
		fail(http.StatusBadRequest, statusBadRequest, "API key is required")
		return
	}

	cfg := s.base
	if req.AgentID != "" {
		agent, code, status, msg := s.resolveAgent(r, id, req.AgentID)
		if agent == nil {
			fail(code, status, msg)
			return
		}
		if agent.Instructions != "" {
			cfg.Instructions = agent.Instructions
		}
		if agent.Voice != "" {
			cfg.Voice = agent.Voice
		}
	}
	if req.Voice != "" {
		cfg.Voice = req.Voice
	}
	if !realtime.IsValidVoice(cfg.Voice) {
		fail(http.StatusBadRequest, statusBadRequest, "unknown voice "+strconv.Quote(cfg.Voice))
		return
	}

	spanCtx, span := observe.StartMintSpan(ctx, req.AgentID, cfg.Voice, cfg.Model)
	start := s.now()
	cred, err := s.minter.Mint(spanCtx, apiKey, cfg)
	elapsed := s.now().Sub(start)
	observe.EndSpan(span, err)
	if errors.Is(err, ErrCircuitOpen) {
		if ra, ok := s.minter.(interface{ RetryAfter() time.Duration }); ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(ra.RetryAfter())))
		}
		log.Warn("credential: upstream unavailable", "agent_id", req.AgentID)
		fail(http.StatusServiceUnavailable, statusUnavailable, "upstream temporarily unavailable")
		return
	}
	if err != nil {
		s.metrics.RecordUpstream(ctx, elapsed, "error")
		log.Error("credential: upstream mint failed", "err", err, "agent_id", req.AgentID)
		fail(http.StatusBadGateway, statusUpstreamError, "failed to mint credential")
		return
	}
	s.metrics.RecordUpstream(ctx, elapsed, "ok")
	s.metrics.RecordCredentialMint(ctx, statusOK)

	resp := credentialResponse{Credential: cred.Value}
	if !cred.ExpiresAt.IsZero() {
		resp.ExpiresAt = cred.ExpiresAt.Unix()
	}
	log.Info("credential: minted", "agent_id", req.AgentID, "user_id", id.UserID, "voice", cfg.Voice)
	writeJSON(w, http.StatusOK, resp)
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// resolveAgent looks up agentID and checks the caller may use it. On failure
// the agent is nil and code, status and msg describe the response.
func (s *Server) resolveAgent(r *http.Request, id auth.Identity, agentID string) (agent *agents.Agent, code int, status, msg string) {
	if s.agents == nil {
		return nil, http.StatusNotFound, statusNotFound, "agent not found"
	}
	agent, err := s.agents.Get(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			return nil, http.StatusNotFound, statusNotFound, "agent not found"
		}
		observe.Logger(r.Context()).Error("credential: agent lookup failed", "agent_id", agentID, "err", err)
		return nil, http.StatusInternalServerError, statusInternal, "agent lookup failed"
	}
	if !agent.IsTestAgent {
		if id.Anonymous() {
			return nil, http.StatusUnauthorized, statusUnauthorized, "authentication required"
		}
		if !id.Entitled(s.entitlement) {
			return nil, http.StatusForbidden, statusForbidden, "missing entitlement " + strconv.Quote(s.entitlement)
		}
	}
	if !agent.SupportsVoice() {
		return nil, http.StatusBadRequest, statusBadRequest, "agent does not support voice"
	}
	return agent, 0, "", ""
}

type agentList struct {
	Agents []agents.Agent `json:"agents"`
	Count  int            `json:"count"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusOK, agentList{Agents: []agents.Agent{}})
		return
	}
	list, err := s.agents.List(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("agents: list failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list agents"})
		return
	}
	writeJSON(w, http.StatusOK, agentList{Agents: list, Count: len(list)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "agent not found"})
		return
	}
	agent, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "agent not found"})
			return
		}
		observe.Logger(r.Context()).Error("agents: get failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load agent"})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// limitKey keys authenticated callers by user id and anonymous callers by
// remote address.
func limitKey(r *http.Request, id auth.Identity) (key, scope string) {
	if !id.Anonymous() {
		return "user:" + id.UserID, "user"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host, "ip"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("mint: encode response", "err", err)
	}
}
