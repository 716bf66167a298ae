package mint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
)

// Minter creates one upstream realtime session and returns its short-lived
// client secret.
type Minter interface {
	Mint(ctx context.Context, apiKey string, cfg realtime.Config) (realtime.Credential, error)
}

// UpstreamError reports a failed upstream mint. StatusCode is 0 when the
// upstream could not be reached.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("mint: upstream status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("mint: upstream: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// OpenAIMinter mints sessions through POST /realtime/sessions. The API key is
// supplied per call, so one minter serves both configured and caller-supplied
// secrets.
type OpenAIMinter struct {
	client oai.Client
}

var _ Minter = (*OpenAIMinter)(nil)

type minterConfig struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// MinterOption configures an [OpenAIMinter].
type MinterOption func(*minterConfig)

// WithBaseURL overrides the OpenAI API base URL, e.g. for a proxy or a test
// server.
func WithBaseURL(url string) MinterOption {
	return func(c *minterConfig) { c.baseURL = url }
}

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) MinterOption {
	return func(c *minterConfig) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout. The default is 15 seconds.
func WithTimeout(d time.Duration) MinterOption {
	return func(c *minterConfig) { c.timeout = d }
}

// NewOpenAIMinter returns a minter. Failed mints are not retried.
func NewOpenAIMinter(opts ...MinterOption) *OpenAIMinter {
	cfg := &minterConfig{timeout: 15 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	reqOpts = append(reqOpts, option.WithHTTPClient(hc), option.WithRequestTimeout(cfg.timeout))

	return &OpenAIMinter{client: oai.NewClient(reqOpts...)}
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type sessionParams struct {
	Model                   string                  `json:"model"`
	Voice                   string                  `json:"voice,omitempty"`
	Instructions            string                  `json:"instructions,omitempty"`
	Modalities              []string                `json:"modalities,omitempty"`
	InputAudioFormat        string                  `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                  `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionParams    `json:"input_audio_transcription,omitempty"`
	TurnDetection           *realtime.TurnDetection `json:"turn_detection,omitempty"`
	Temperature             float64                 `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                     `json:"max_response_output_tokens,omitempty"`
}

type sessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func newSessionParams(cfg realtime.Config) sessionParams {
	p := sessionParams{
		Model:                   cfg.Model,
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		Modalities:              cfg.Modalities,
		InputAudioFormat:        cfg.InputAudioFormat,
		OutputAudioFormat:       cfg.OutputAudioFormat,
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxResponseOutputTokens,
	}
	if cfg.TranscriptionModel != "" {
		p.InputAudioTranscription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	if cfg.TurnDetection.Type != "" {
		td := cfg.TurnDetection
		p.TurnDetection = &td
	}
	return p
}

// Mint implements [Minter].
func (m *OpenAIMinter) Mint(ctx context.Context, apiKey string, cfg realtime.Config) (realtime.Credential, error) {
	var resp sessionResponse
	err := m.client.Post(ctx, "realtime/sessions", newSessionParams(cfg), &resp, option.WithAPIKey(apiKey))
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return realtime.Credential{}, &UpstreamError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return realtime.Credential{}, &UpstreamError{Err: err}
	}
	if resp.ClientSecret.Value == "" {
		return realtime.Credential{}, &UpstreamError{Err: errors.New("response missing client_secret.value")}
	}
	cred := realtime.Credential{Value: resp.ClientSecret.Value}
	if resp.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(resp.ClientSecret.ExpiresAt, 0)
	}
	return cred, nil
}
