// Package realtime defines the shared data model for a realtime voice
// conversation with a remote speech model: connection states, transcript
// entries, session configuration, short-lived credentials, and the error
// taxonomy that every layer of the voice stack reports with.
//
// The sub-packages build on these types:
//
//   - [github.com/MrWong99/agentsandbox/pkg/realtime/credential] mints short-lived credentials.
//   - [github.com/MrWong99/agentsandbox/pkg/realtime/capture] owns the microphone and its level meter.
//   - [github.com/MrWong99/agentsandbox/pkg/realtime/transport] carries audio and structured events.
//   - [github.com/MrWong99/agentsandbox/pkg/realtime/event] classifies inbound protocol messages.
//   - [github.com/MrWong99/agentsandbox/pkg/realtime/conversation] reconciles events into a transcript.
//   - [github.com/MrWong99/agentsandbox/pkg/realtime/reconnect] schedules reconnect attempts.
//   - [github.com/MrWong99/agentsandbox/pkg/realtime/session] ties everything together.
package realtime

import (
	"context"
	"time"
)

// ConnectionState is the lifecycle state of a voice session.
type ConnectionState string

const (
	StateIdle                 ConnectionState = "idle"
	StateInitializing         ConnectionState = "initializing"
	StateRequestingPermission ConnectionState = "requesting-permission"
	StateConnecting           ConnectionState = "connecting"
	StateConnected            ConnectionState = "connected"
	StateReconnecting         ConnectionState = "reconnecting"
	StateClosed               ConnectionState = "closed"
	StateError                ConnectionState = "error"
)

// Terminal reports whether s is a resting state from which only an explicit
// connect leaves.
func (s ConnectionState) Terminal() bool {
	return s == StateIdle || s == StateClosed || s == StateError
}

// Role attributes a transcript entry to a speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry is one utterance in the session transcript. While IsInterim
// is true the content may still be revised; once false it is frozen.
type TranscriptEntry struct {
	ID        int64
	Role      Role
	Content   string
	Timestamp time.Time
	IsInterim bool
}

// Direction selects the audio direction for level metering.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Credential is a short-lived secret scoped to a single realtime session.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry at now. A zero
// ExpiresAt never expires.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CredentialProvider mints a fresh credential for each connection attempt.
// Implementations must not cache: every call should yield a new credential.
type CredentialProvider interface {
	Obtain(ctx context.Context) (Credential, error)
}

// CredentialProviderFunc adapts a function to [CredentialProvider].
type CredentialProviderFunc func(ctx context.Context) (Credential, error)

// Obtain calls f(ctx).
func (f CredentialProviderFunc) Obtain(ctx context.Context) (Credential, error) { return f(ctx) }
