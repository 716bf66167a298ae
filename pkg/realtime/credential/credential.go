// Package credential obtains short-lived realtime credentials from a trusted
// intermediary, so that a voice client never holds the long-lived upstream
// secret.
//
// The intermediary is any HTTP endpoint that accepts
//
//	POST {"secret": "...", "agent_id": "...", "voice": "..."}
//
// and answers with {"credential": "...", "expiresAt": 1735689600}. Every call
// to [Client.Obtain] mints a fresh credential; nothing is cached.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
)

var _ realtime.CredentialProvider = (*Client)(nil)

const (
	defaultTimeout = 15 * time.Second

	// maxErrorBody bounds how much of a failed response is kept for the
	// error message.
	maxErrorBody = 512
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithSecret sets the long-lived secret forwarded to the intermediary. The
// intermediary may also hold its own secret, in which case this is optional.
func WithSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

// WithAgent scopes minted credentials to an agent record.
func WithAgent(agentID string) Option {
	return func(c *Client) { c.agentID = agentID }
}

// WithVoice requests a voice for the minted session.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithBearerToken authenticates the caller to the intermediary.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// WithHTTPClient overrides the HTTP client. Primarily used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client implements [realtime.CredentialProvider] against an HTTP
// intermediary. It is safe for concurrent use.
type Client struct {
	endpoint   string
	secret     string
	agentID    string
	voice      string
	bearer     string
	httpClient *http.Client
}

// New returns a Client posting to endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("credential: endpoint must not be empty")
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type mintRequest struct {
	Secret  string `json:"secret,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Voice   string `json:"voice,omitempty"`
}

type mintResponse struct {
	Credential string `json:"credential"`

	// EphemeralKey is the field name used by older intermediaries.
	EphemeralKey string `json:"ephemeralKey"`

	ExpiresAt float64 `json:"expiresAt"`
}

// Obtain mints a new credential. Any failure is reported as a
// [*realtime.CredentialError] and must be treated as terminal for the
// current connect attempt.
func (c *Client) Obtain(ctx context.Context) (realtime.Credential, error) {
	body, err := json.Marshal(mintRequest{Secret: c.secret, AgentID: c.agentID, Voice: c.voice})
	if err != nil {
		return realtime.Credential{}, &realtime.CredentialError{Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return realtime.Credential{}, &realtime.CredentialError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return realtime.Credential{}, &realtime.CredentialError{Reason: "intermediary unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return realtime.Credential{}, &realtime.CredentialError{
			StatusCode: resp.StatusCode,
			Reason:     "intermediary rejected request",
			Err:        errors.New(string(bytes.TrimSpace(snippet))),
		}
	}

	var mr mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return realtime.Credential{}, &realtime.CredentialError{Reason: "decode response", Err: err}
	}
	value := mr.Credential
	if value == "" {
		value = mr.EphemeralKey
	}
	if value == "" {
		return realtime.Credential{}, &realtime.CredentialError{Reason: "response missing credential"}
	}
	return realtime.Credential{Value: value, ExpiresAt: parseExpiry(mr.ExpiresAt)}, nil
}

// parseExpiry accepts Unix seconds or Unix milliseconds.
func parseExpiry(v float64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v >= 1e12:
		return time.UnixMilli(int64(v))
	default:
		return time.Unix(int64(v), 0)
	}
}

// String describes the client for logs without exposing the secret.
func (c *Client) String() string {
	return fmt.Sprintf("credential.Client(%s)", c.endpoint)
}
