// Package transport defines the bidirectional channel between a voice client
// and the remote realtime endpoint.
//
// Two implementations exist and are interchangeable behind [Transport]:
//
//   - websocket: one duplex socket carrying JSON control messages and
//     base64-encoded PCM16 audio frames.
//   - webrtc: a peer connection with an Opus audio track for media and an
//     "oai-events" data channel for control messages.
//
// Every Transport instance carries exactly one connection. A reconnect
// constructs a new instance through a [Factory].
package transport

import (
	"context"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/event"
)

// Transport is one connection to the remote realtime endpoint.
//
// Implementations must be safe for concurrent use. Close may be called at any
// time, including while Connect is still negotiating, and must be idempotent.
type Transport interface {
	// Connect negotiates the channel with cred and sends the session
	// configuration built from cfg before returning. Failures are reported
	// as a [*realtime.TransportError] of kind negotiation-failed.
	Connect(ctx context.Context, cred realtime.Credential, cfg realtime.Config) error

	// Send writes one structured client message.
	Send(ctx context.Context, ev event.ClientEvent) error

	// SendAudio forwards one frame of PCM16 24 kHz mono microphone audio.
	SendAudio(ctx context.Context, pcm []byte) error

	// Events delivers classified inbound messages. Unknown messages are
	// filtered out. The channel is closed when the connection ends.
	Events() <-chan event.Event

	// Audio delivers inbound PCM16 24 kHz mono audio. Audio frames bypass
	// event classification. The channel is closed when the connection ends.
	Audio() <-chan []byte

	// Done is closed when the connection has ended for any reason.
	Done() <-chan struct{}

	// Err returns why the connection ended: nil after Close, otherwise a
	// [*realtime.TransportError] of kind closed-unexpectedly.
	Err() error

	// Close releases the channel handles.
	Close() error
}

// Factory constructs a fresh, unconnected Transport.
type Factory func() Transport

// Kind names a transport implementation in configuration.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindWebRTC    Kind = "webrtc"
)

// IsValid reports whether k names a known transport.
func (k Kind) IsValid() bool {
	return k == KindWebSocket || k == KindWebRTC
}
