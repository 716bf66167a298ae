// Package mock provides an in-memory [transport.Transport] for unit tests.
//
// A [Transport] records every credential, configuration and message it is
// given, and lets the test inject inbound events and audio or simulate an
// unexpected closure. A [Factory] hands out a fresh Transport per connection
// attempt and keeps all of them for inspection.
//
//	f := &mock.Factory{}
//	sess := session.New(session.Config{NewTransport: f.New, ...})
//	_ = sess.Connect(ctx)
//	f.Last().Emit(event.SpeechStarted{})
//	f.Last().Drop(errors.New("network down"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/event"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
)

var _ transport.Transport = (*Transport)(nil)

// ─── Transport ────────────────────────────────────────────────────────────────

// Transport is a mock [transport.Transport]. Set the exported error fields
// before Connect to control results; inspect the recorded fields afterwards.
type Transport struct {
	// ConnectError is returned by Connect when non-nil.
	ConnectError error

	// SendError is returned by Send and SendAudio when non-nil.
	SendError error

	// ConnectBlock makes Connect wait until closed, Close is called or ctx
	// ends, simulating a slow negotiation.
	ConnectBlock chan struct{}

	events chan event.Event
	audio  chan []byte
	done   chan struct{}

	mu          sync.Mutex
	creds       []realtime.Credential
	configs     []realtime.Config
	sent        []event.ClientEvent
	sentAudio   [][]byte
	closeCalls  int
	closed      bool
	errVal      error
	connected   bool
	closeSignal chan struct{}
	finishOnce  sync.Once
}

// New returns an unconnected mock Transport.
func New() *Transport {
	return &Transport{
		events:      make(chan event.Event, 64),
		audio:       make(chan []byte, 64),
		done:        make(chan struct{}),
		closeSignal: make(chan struct{}),
	}
}

// Connect implements [transport.Transport].
func (t *Transport) Connect(ctx context.Context, cred realtime.Credential, cfg realtime.Config) error {
	t.mu.Lock()
	t.creds = append(t.creds, cred)
	t.configs = append(t.configs, cfg)
	block := t.ConnectBlock
	closeSignal := t.closeSignal
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-closeSignal:
			return realtime.ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return realtime.ErrSessionClosed
	}
	if t.ConnectError != nil {
		return t.ConnectError
	}
	t.connected = true
	t.sent = append(t.sent, event.NewSessionUpdate(cfg))
	return nil
}

// Send implements [transport.Transport].
func (t *Transport) Send(_ context.Context, ev event.ClientEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return realtime.ErrSessionClosed
	}
	if t.SendError != nil {
		return t.SendError
	}
	t.sent = append(t.sent, ev)
	return nil
}

// SendAudio implements [transport.Transport].
func (t *Transport) SendAudio(_ context.Context, pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return realtime.ErrSessionClosed
	}
	if t.SendError != nil {
		return t.SendError
	}
	t.sentAudio = append(t.sentAudio, append([]byte(nil), pcm...))
	return nil
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

// Close implements [transport.Transport]. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeCalls++
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closeSignal)
	t.mu.Unlock()
	t.finish()
	return nil
}

// Emit injects an inbound classified event.
func (t *Transport) Emit(ev event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.errVal != nil {
		return
	}
	t.events <- ev
}

// EmitAudio injects an inbound audio frame.
func (t *Transport) EmitAudio(pcm []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.errVal != nil {
		return
	}
	t.audio <- pcm
}

// Drop simulates an unexpected closure with the given cause.
func (t *Transport) Drop(cause error) {
	t.mu.Lock()
	if t.closed || t.errVal != nil {
		t.mu.Unlock()
		return
	}
	t.errVal = realtime.NewTransportError(realtime.TransportClosedUnexpectedly, cause)
	t.mu.Unlock()
	t.finish()
}

func (t *Transport) finish() {
	t.finishOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		close(t.events)
		close(t.audio)
		close(t.done)
	})
}

// Credentials returns the credentials passed to Connect.
func (t *Transport) Credentials() []realtime.Credential {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]realtime.Credential(nil), t.creds...)
}

// Configs returns the configurations passed to Connect.
func (t *Transport) Configs() []realtime.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]realtime.Config(nil), t.configs...)
}

// Sent returns the structured messages sent, starting with the session
// configuration written by a successful Connect.
func (t *Transport) Sent() []event.ClientEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]event.ClientEvent(nil), t.sent...)
}

// SentAudio returns the audio frames sent.
func (t *Transport) SentAudio() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sentAudio...)
}

// CloseCalls returns how many times Close was called.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ─── Factory ──────────────────────────────────────────────────────────────────

// Factory creates mock Transports and records them in order.
type Factory struct {
	mu sync.Mutex

	// Prepare, when set, configures each Transport before it is returned.
	// The argument is the zero-based creation index.
	Prepare func(i int, t *Transport)

	created []*Transport
}

// New implements [transport.Factory].
func (f *Factory) New() transport.Transport {
	t := New()
	f.mu.Lock()
	i := len(f.created)
	prep := f.Prepare
	f.mu.Unlock()
	if prep != nil {
		prep(i, t)
	}
	f.mu.Lock()
	f.created = append(f.created, t)
	f.mu.Unlock()
	return t
}

// All returns every Transport created so far.
func (f *Factory) All() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.created...)
}

// Count returns the number of Transports created.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// Last returns the most recently created Transport, or nil.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}
