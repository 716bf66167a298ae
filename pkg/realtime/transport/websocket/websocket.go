// Package websocket implements [transport.Transport] over a single duplex
// WebSocket to the OpenAI Realtime endpoint.
//
// Control messages and audio share the socket as JSON text frames. Outbound
// microphone audio is sent as base64 PCM16 in input_audio_buffer.append
// messages; inbound response.audio.delta frames are decoded and routed
// straight to [Transport.Audio] without passing through classification.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/event"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
)

var _ transport.Transport = (*Transport)(nil)

const defaultBaseURL = "wss://api.openai.com/v1/realtime"

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(t *Transport) { t.baseURL = u }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithHTTPClient sets the HTTP client used for the upgrade handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Transport) { t.httpClient = hc }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport is a WebSocket realtime connection.
type Transport struct {
	baseURL    string
	log        *slog.Logger
	httpClient *http.Client

	events chan event.Event
	audio  chan []byte
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	started   bool
	closed    bool
	errVal    error
	speaking  bool
	closeOnce sync.Once
}

// New returns an unconnected Transport.
func New(opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		baseURL: defaultBaseURL,
		log:     slog.Default(),
		events:  make(chan event.Event, 64),
		audio:   make(chan []byte, 64),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Factory returns a [transport.Factory] producing Transports with opts.
func Factory(opts ...Option) transport.Factory {
	return func() transport.Transport { return New(opts...) }
}

// Connect dials the endpoint and sends the session configuration.
func (t *Transport) Connect(ctx context.Context, cred realtime.Credential, cfg realtime.Config) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("websocket: connect called twice")
	}
	t.started = true
	t.mu.Unlock()

	u, err := url.Parse(t.baseURL)
	if err != nil {
		return realtime.NewTransportError(realtime.TransportNegotiationFailed, fmt.Errorf("websocket: parse url: %w", err))
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	// Dial is bound to the transport lifetime so Close aborts a pending dial.
	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-t.ctx.Done():
			stop()
		case <-dialCtx.Done():
		}
	}()

	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cred.Value},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		t.finish(nil)
		return realtime.NewTransportError(realtime.TransportNegotiationFailed, fmt.Errorf("websocket: dial: %w", err))
	}
	conn.SetReadLimit(-1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed during connect")
		return realtime.ErrSessionClosed
	}
	t.conn = conn
	t.mu.Unlock()

	if err := t.write(ctx, event.NewSessionUpdate(cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		t.finish(nil)
		return realtime.NewTransportError(realtime.TransportNegotiationFailed, fmt.Errorf("websocket: session update: %w", err))
	}

	go t.receiveLoop(conn)
	return nil
}

// write marshals ev and writes it as a text frame.
func (t *Transport) write(ctx context.Context, ev event.ClientEvent) error {
	data, err := event.Encode(ev)
	if err != nil {
		return fmt.Errorf("websocket: marshal: %w", err)
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return realtime.ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Send writes one client message.
func (t *Transport) Send(ctx context.Context, ev event.ClientEvent) error {
	if t.isClosed() {
		return realtime.ErrSessionClosed
	}
	if err := t.write(ctx, ev); err != nil {
		if errors.Is(err, realtime.ErrNotConnected) {
			return err
		}
		return realtime.NewTransportError(realtime.TransportSendFailed, err)
	}
	return nil
}

// SendAudio forwards one frame of microphone PCM.
func (t *Transport) SendAudio(ctx context.Context, pcm []byte) error {
	return t.Send(ctx, event.NewInputAudioAppend(pcm))
}

// receiveLoop reads frames and dispatches them until the socket ends. It owns
// the events and audio channels and closes both when it exits.
func (t *Transport) receiveLoop(conn *websocket.Conn) {
	var cause error
	defer func() { t.finish(cause) }()

	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				cause = realtime.NewTransportError(realtime.TransportClosedUnexpectedly, err)
				t.log.Warn("realtime socket closed unexpectedly", "err", err)
			}
			return
		}

		env, err := event.ParseEnvelope(data)
		if err != nil {
			continue
		}
		if !t.dispatch(env) {
			return
		}
	}
}

// dispatch routes one inbound message. It returns false when the transport
// is shutting down.
func (t *Transport) dispatch(env event.Envelope) bool {
	if event.IsAudio(env) {
		pcm, ok := event.AudioPayload(env)
		if !ok {
			return true
		}
		// The socket protocol has no explicit playback start; the first
		// audio frame of a response stands in for it.
		t.mu.Lock()
		first := !t.speaking
		t.speaking = true
		t.mu.Unlock()
		if first && !t.emit(event.OutputAudioStarted{}) {
			return false
		}
		select {
		case t.audio <- pcm:
			return true
		case <-t.ctx.Done():
			return false
		}
	}

	ev := event.ClassifyEnvelope(env)
	switch ev.(type) {
	case event.Unknown:
		return true
	case event.OutputAudioDone:
		t.mu.Lock()
		t.speaking = false
		t.mu.Unlock()
	}
	return t.emit(ev)
}

func (t *Transport) emit(ev event.Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// finish records cause and closes the outbound channels exactly once.
func (t *Transport) finish(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if t.errVal == nil && !t.closed {
			t.errVal = cause
		}
		t.mu.Unlock()
		close(t.events)
		close(t.audio)
		close(t.done)
	})
}

// Events implements [transport.Transport].
func (t *Transport) Events() <-chan event.Event { return t.events }

// Audio implements [transport.Transport].
func (t *Transport) Audio() <-chan []byte { return t.audio }

// Done implements [transport.Transport].
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err implements [transport.Transport].
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errVal
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close terminates the socket. It is safe to call multiple times and from
// any state.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	started := t.started
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !started || conn == nil {
		t.finish(nil)
	}
	<-t.done
	return nil
}
