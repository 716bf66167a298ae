// Package webrtc implements [transport.Transport] over a WebRTC peer
// connection to the OpenAI Realtime endpoint.
//
// Media travels on an Opus audio track in both directions; control messages
// travel as JSON text on the "oai-events" data channel. The SDP offer is
// POSTed to the endpoint with the ephemeral credential and the raw SDP answer
// completes negotiation. Microphone PCM handed to [Transport.SendAudio] is
// upsampled and Opus-encoded; remote Opus is decoded back to PCM16 24 kHz
// mono before it reaches [Transport.Audio].
package webrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/event"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
)

var _ transport.Transport = (*Transport)(nil)

const (
	defaultBaseURL = "https://api.openai.com/v1/realtime"

	// EventsChannel is the data channel label carrying control messages.
	EventsChannel = "oai-events"

	maxAnswerBytes = 1 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithBaseURL overrides the SDP exchange URL.
func WithBaseURL(u string) Option {
	return func(t *Transport) { t.baseURL = u }
}

// WithHTTPClient sets the HTTP client used for the SDP exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(t *Transport) { t.httpClient = hc }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithICEServers sets STUN/TURN server URLs for candidate gathering.
func WithICEServers(urls ...string) Option {
	return func(t *Transport) { t.iceServers = urls }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport is a WebRTC realtime connection.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	iceServers []string

	events chan event.Event
	audio  chan []byte
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	track     *webrtc.TrackLocalStaticSample
	started   bool
	connected bool
	closed    bool
	errVal    error

	// audioMu serialises encoder state across SendAudio calls.
	audioMu sync.Mutex
	enc     *opusEncoder

	// sendMu guards the outbound channels against close while a pion
	// callback goroutine is delivering into them.
	sendMu   sync.RWMutex
	finished bool

	closeOnce sync.Once
}

// New returns an unconnected Transport.
func New(opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		log:        slog.Default(),
		events:     make(chan event.Event, 64),
		audio:      make(chan []byte, 64),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
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

// Connect builds the peer connection, exchanges SDP with the endpoint, waits
// for the events channel to open and sends the session configuration.
func (t *Transport) Connect(ctx context.Context, cred realtime.Credential, cfg realtime.Config) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("webrtc: connect called twice")
	}
	t.started = true
	t.mu.Unlock()

	if err := t.negotiate(ctx, cred, cfg); err != nil {
		t.mu.Lock()
		pc := t.pc
		closed := t.closed
		t.mu.Unlock()
		if pc != nil {
			_ = pc.Close()
		}
		t.finish(nil)
		if closed {
			return realtime.ErrSessionClosed
		}
		return realtime.NewTransportError(realtime.TransportNegotiationFailed, err)
	}
	return nil
}

func (t *Transport) negotiate(ctx context.Context, cred realtime.Credential, cfg realtime.Config) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(t.ctx, stop)
	defer unlink()

	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}
	t.audioMu.Lock()
	t.enc = enc
	t.audioMu.Unlock()

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("webrtc: register opus: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	var pcCfg webrtc.Configuration
	if len(t.iceServers) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: t.iceServers}}
	}
	pc, err := api.NewPeerConnection(pcCfg)
	if err != nil {
		return fmt.Errorf("webrtc: new peer connection: %w", err)
	}
	t.mu.Lock()
	t.pc = pc
	if t.closed {
		t.mu.Unlock()
		return realtime.ErrSessionClosed
	}
	t.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"microphone", "agentsandbox",
	)
	if err != nil {
		return fmt.Errorf("webrtc: create track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("webrtc: add track: %w", err)
	}
	// RTCP must be drained for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	dc, err := pc.CreateDataChannel(EventsChannel, nil)
	if err != nil {
		return fmt.Errorf("webrtc: create data channel: %w", err)
	}
	opened := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() { openOnce.Do(func() { close(opened) }) })
	dc.OnMessage(t.onMessage)
	dc.OnClose(func() {
		t.fail(errors.New("events channel closed"))
	})

	failed := make(chan struct{})
	var failOnce sync.Once
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug("peer connection state changed", "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			failOnce.Do(func() { close(failed) })
			t.fail(fmt.Errorf("peer connection %s", s.String()))
		}
	})
	pc.OnTrack(t.readTrack)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtc: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return realtime.ErrSessionClosed
	}

	answer, err := t.exchange(ctx, cred, cfg.Model, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("webrtc: set remote description: %w", err)
	}

	select {
	case <-opened:
	case <-failed:
		return errors.New("webrtc: peer connection failed before events channel opened")
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return realtime.ErrSessionClosed
	}

	data, err := event.Encode(event.NewSessionUpdate(cfg))
	if err != nil {
		return fmt.Errorf("webrtc: marshal session update: %w", err)
	}
	if err := dc.SendText(string(data)); err != nil {
		return fmt.Errorf("webrtc: session update: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return realtime.ErrSessionClosed
	}
	t.dc = dc
	t.track = track
	t.connected = true
	return nil
}

// exchange POSTs the SDP offer and returns the raw SDP answer.
func (t *Transport) exchange(ctx context.Context, cred realtime.Credential, model, offer string) (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("webrtc: parse url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBufferString(offer))
	if err != nil {
		return "", fmt.Errorf("webrtc: build sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webrtc: sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", fmt.Errorf("webrtc: read sdp answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("webrtc: sdp exchange: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if len(body) == 0 {
		return "", errors.New("webrtc: empty sdp answer")
	}
	return string(body), nil
}

func (t *Transport) onMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		return
	}
	env, err := event.ParseEnvelope(msg.Data)
	if err != nil {
		return
	}
	ev := event.ClassifyEnvelope(env)
	if _, ok := ev.(event.Unknown); ok {
		return
	}
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.finished {
		return
	}
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// readTrack decodes remote Opus until the track ends.
func (t *Transport) readTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	dec, err := newOpusDecoder()
	if err != nil {
		t.log.Error("remote audio unavailable", "err", err)
		return
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.decode(pkt.Payload)
		if err != nil {
			t.log.Debug("dropping undecodable packet", "err", err)
			continue
		}
		if !t.deliverAudio(pcm) {
			return
		}
	}
}

func (t *Transport) deliverAudio(pcm []byte) bool {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.finished {
		return false
	}
	select {
	case t.audio <- pcm:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// Send writes one client message on the events channel.
func (t *Transport) Send(_ context.Context, ev event.ClientEvent) error {
	t.mu.Lock()
	closed, dc := t.closed, t.dc
	t.mu.Unlock()
	if closed {
		return realtime.ErrSessionClosed
	}
	if dc == nil {
		return realtime.ErrNotConnected
	}
	data, err := event.Encode(ev)
	if err != nil {
		return fmt.Errorf("webrtc: marshal: %w", err)
	}
	if err := dc.SendText(string(data)); err != nil {
		return realtime.NewTransportError(realtime.TransportSendFailed, err)
	}
	return nil
}

// SendAudio encodes microphone PCM onto the outbound track.
func (t *Transport) SendAudio(_ context.Context, pcm []byte) error {
	t.mu.Lock()
	closed, track := t.closed, t.track
	t.mu.Unlock()
	if closed {
		return realtime.ErrSessionClosed
	}
	if track == nil {
		return realtime.ErrNotConnected
	}

	t.audioMu.Lock()
	defer t.audioMu.Unlock()
	packets, err := t.enc.encode(pcm)
	for _, p := range packets {
		if werr := track.WriteSample(media.Sample{Data: p, Duration: opusFrameDuration}); werr != nil {
			return realtime.NewTransportError(realtime.TransportSendFailed, werr)
		}
	}
	if err != nil {
		return realtime.NewTransportError(realtime.TransportSendFailed, err)
	}
	return nil
}

// fail ends a live connection with a closed-unexpectedly cause. It is a no-op
// before the connection is established or after Close.
func (t *Transport) fail(cause error) {
	t.mu.Lock()
	live := t.connected && !t.closed
	pc := t.pc
	t.mu.Unlock()
	if !live {
		return
	}
	t.log.Warn("realtime peer closed unexpectedly", "err", cause)
	t.finish(realtime.NewTransportError(realtime.TransportClosedUnexpectedly, cause))
	// Closing from inside a pion callback would deadlock.
	go func() { _ = pc.Close() }()
}

// finish records cause and closes the outbound channels exactly once.
func (t *Transport) finish(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if t.errVal == nil && !t.closed {
			t.errVal = cause
		}
		t.mu.Unlock()
		t.cancel()

		t.sendMu.Lock()
		t.finished = true
		close(t.events)
		close(t.audio)
		t.sendMu.Unlock()
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

// Close tears down the peer connection. It is safe to call multiple times and
// from any state, including while Connect is negotiating.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pc := t.pc
	connected := t.connected
	t.mu.Unlock()

	t.cancel()
	if connected {
		var err error
		if pc != nil {
			err = pc.Close()
		}
		t.finish(nil)
		if err != nil {
			return fmt.Errorf("webrtc: close: %w", err)
		}
		return nil
	}
	if !t.isStarted() {
		t.finish(nil)
	}
	// A pending Connect observes the cancelled context, closes the peer
	// and finishes.
	<-t.done
	return nil
}

func (t *Transport) isStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}
