package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by operations on a session or transport
	// that has been closed.
	ErrSessionClosed = errors.New("realtime: session closed")

	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrSuperseded is returned by a connect attempt that was overtaken by a
	// disconnect or a newer connect before it completed.
	ErrSuperseded = errors.New("realtime: connect attempt superseded")
)

// CredentialError reports that a short-lived credential could not be minted.
// It is terminal for the current connect attempt.
type CredentialError struct {
	// StatusCode is the HTTP status returned by the intermediary, or 0 when
	// the intermediary was unreachable or the response was malformed.
	StatusCode int
	Reason     string
	Err        error
}

func (e *CredentialError) Error() string {
	msg := "credential: " + e.Reason
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CredentialError) Unwrap() error { return e.Err }

// PermissionError reports that microphone access was denied or no capture
// device is available. It is never retried automatically.
type PermissionError struct {
	Reason string
	Err    error
}

func (e *PermissionError) Error() string {
	msg := "microphone permission: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermissionError) Unwrap() error { return e.Err }

// TransportErrorKind discriminates transport failures.
type TransportErrorKind string

const (
	TransportNegotiationFailed  TransportErrorKind = "negotiation-failed"
	TransportPermissionDenied   TransportErrorKind = "permission-denied"
	TransportClosedUnexpectedly TransportErrorKind = "closed-unexpectedly"
	TransportSendFailed         TransportErrorKind = "send-failed"
)

// TransportError reports a failure of the channel to the remote endpoint.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport: " + string(e.Kind)
	}
	return "transport: " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a [TransportError] of the given kind.
func NewTransportError(kind TransportErrorKind, err error) *TransportError {
	return &TransportError{Kind: kind, Err: err}
}

// RemoteError is a protocol-level error reported by the remote endpoint on an
// established connection. It does not close the connection.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %s (%s)", e.Message, e.Code)
	}
	return "remote: " + e.Message
}

// IsTransportKind reports whether err wraps a [TransportError] of kind.
func IsTransportKind(err error, kind TransportErrorKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == kind
}

// Recoverable reports whether err may be retried by the reconnection policy.
// Only an unexpected channel closure is recoverable; credential, permission,
// negotiation and remote errors surface to the caller immediately.
func Recoverable(err error) bool {
	return IsTransportKind(err, TransportClosedUnexpectedly)
}

// Message returns the human-readable message for err suitable for display.
func Message(err error) string {
	var (
		re *RemoteError
		pe *PermissionError
		ce *CredentialError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return re.Message
	case errors.As(err, &pe):
		return "Microphone access denied. Allow microphone access and try again."
	case errors.As(err, &ce):
		return "Failed to generate session key"
	case IsTransportKind(err, TransportNegotiationFailed):
		return "Failed to connect to voice service"
	case IsTransportKind(err, TransportClosedUnexpectedly):
		return "Connection lost"
	}
	return err.Error()
}
