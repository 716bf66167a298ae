package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/event"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
)

// ErrMaxAttempts is surfaced when the reconnection policy gives up.
var ErrMaxAttempts = errors.New("session: reconnection failed after max attempts")

// Connect starts a new connection run: it mints a credential, acquires the
// microphone, negotiates a transport and sends the session configuration.
// Connect while a run is already live is a no-op.
//
// On failure the session moves to the error state and Connect returns the
// discriminated error. A Disconnect issued while Connect is in flight makes
// it return [realtime.ErrSuperseded].
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if !s.stateLocked().Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.id = newSessionID()
	s.conv.Reset()
	s.clearErrorLocked()
	s.policy.Cancel()
	s.policy.Reset()
	s.startedAt = s.clock.Now()
	s.fire(evInitialize)
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	runCtx := s.runCtx
	id := s.id
	s.mu.Unlock()

	s.log.Info("connecting realtime session", "session_id", id, "voice", s.rtCfg.Voice, "model", s.rtCfg.Model)
	s.changed()

	// The attempt ends when either the caller gives up or Disconnect tears
	// the run down.
	attemptCtx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(runCtx, stop)
	defer unlink()

	cred, err := s.cfg.Credentials.Obtain(attemptCtx)
	if err != nil {
		return s.failAttempt(gen, nil, credentialError(err))
	}

	if !s.advance(gen, evRequestPermission) {
		return realtime.ErrSuperseded
	}
	if err := s.acquire(attemptCtx); err != nil {
		return s.failAttempt(gen, nil, err)
	}
	go s.pumpMicrophone(runCtx, gen, s.capture.Frames())
	go s.sampleLevels(runCtx, gen)

	if !s.advance(gen, evNegotiate) {
		return realtime.ErrSuperseded
	}
	tr, err := s.connectTransport(attemptCtx, gen, cred)
	if err != nil {
		return s.failAttempt(gen, tr, err)
	}
	return s.establish(gen, tr)
}

// acquire opens the microphone and re-applies the mute flag, which a
// release resets.
func (s *Session) acquire(ctx context.Context) error {
	if err := s.capture.Acquire(ctx); err != nil {
		var pe *realtime.PermissionError
		if errors.As(err, &pe) {
			return realtime.NewTransportError(realtime.TransportPermissionDenied, err)
		}
		return err
	}
	s.capture.SetEnabled(!s.Muted())
	return nil
}

// connectTransport builds a transport for gen and negotiates it. The
// transport is returned even on failure so the caller can close it.
func (s *Session) connectTransport(ctx context.Context, gen uint64, cred realtime.Credential) (transport.Transport, error) {
	tr := s.cfg.NewTransport()
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return tr, realtime.ErrSuperseded
	}
	s.pending = tr
	s.mu.Unlock()

	if err := tr.Connect(ctx, cred, s.rtCfg); err != nil {
		return tr, err
	}
	return tr, nil
}

// establish marks a negotiated transport live and starts watching it.
func (s *Session) establish(gen uint64, tr transport.Transport) error {
	// A remote error queued before the connection is marked live fails the
	// attempt.
	early, err := drainEarly(tr)
	if err != nil {
		return s.failAttempt(gen, tr, err)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		_ = tr.Close()
		return realtime.ErrSuperseded
	}
	s.pending = nil
	s.tr = tr
	s.policy.Reset()
	s.fire(evEstablished)
	var finalized []realtime.Role
	for _, ev := range early {
		if u := s.conv.Apply(ev); u.Finalized != nil {
			finalized = append(finalized, u.Finalized.Role)
		}
	}
	elapsed := s.clock.Now().Sub(s.startedAt)
	id := s.id
	runCtx := s.runCtx
	s.mu.Unlock()

	if r := s.cfg.Recorder; r != nil {
		r.RecordConnect(runCtx, elapsed, "ok")
		for _, role := range finalized {
			r.RecordTranscriptEntry(runCtx, string(role))
		}
	}
	s.log.Info("realtime session connected", "session_id", id, "elapsed", elapsed)
	go s.watch(runCtx, gen, tr)
	s.changed()
	return nil
}

// drainEarly collects events that arrived during negotiation. A queued
// remote error is returned as an error.
func drainEarly(tr transport.Transport) ([]event.Event, error) {
	var early []event.Event
	for {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				if err := tr.Err(); err != nil {
					return nil, err
				}
				return early, nil
			}
			if re, isErr := ev.(event.RemoteError); isErr {
				return nil, &realtime.RemoteError{Code: re.Code, Message: re.Message}
			}
			early = append(early, ev)
		default:
			return early, nil
		}
	}
}

// advance fires a state machine event if gen is still current.
func (s *Session) advance(gen uint64, name string) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	ok := s.fire(name)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return ok
}

// failAttempt ends the run for gen in the error state. If the run has
// already been superseded it only cleans up tr.
func (s *Session) failAttempt(gen uint64, tr transport.Transport, err error) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return realtime.ErrSuperseded
	}
	s.gen++
	pending, cur := s.pending, s.tr
	s.pending, s.tr = nil, nil
	s.endRunLocked()
	s.policy.Cancel()
	s.conv.Apply(event.OutputAudioDone{})
	s.setErrorLocked(err)
	s.fire(evFail)
	elapsed := s.clock.Now().Sub(s.startedAt)
	id := s.id
	s.mu.Unlock()

	for _, t := range []transport.Transport{tr, pending, cur} {
		if t != nil {
			_ = t.Close()
		}
	}
	_ = s.capture.Release()
	s.outMeter.Reset()

	if r := s.cfg.Recorder; r != nil {
		r.RecordConnect(context.Background(), elapsed, "error")
	}
	s.log.Error("realtime session failed", "session_id", id, "err", err)
	s.surface(err)
	s.changed()
	return err
}

// Disconnect tears the session down from any state: it cancels an in-flight
// attempt or pending reconnect, closes the transport, releases the
// microphone and clears the transcript and levels. The session ends closed.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.gen++
	s.endRunLocked()
	tr, pending := s.tr, s.pending
	s.tr, s.pending = nil, nil
	s.policy.Cancel()
	s.policy.Reset()
	s.conv.Reset()
	s.clearErrorLocked()
	s.muted = false
	s.lastLevels = [2]float64{}
	closed := s.fire(evClose)
	id := s.id
	s.mu.Unlock()

	var errs []error
	for _, t := range []transport.Transport{tr, pending} {
		if t != nil {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.capture.Release(); err != nil {
		errs = append(errs, err)
	}
	s.outMeter.Reset()

	if closed {
		s.log.Info("realtime session disconnected", "session_id", id)
	}
	s.changed()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: disconnect: %w", err)
	}
	return nil
}

func (s *Session) endRunLocked() {
	if s.runCancel != nil {
		s.runCancel()
	}
	s.runCtx, s.runCancel = nil, nil
}

// ── Reconnection ──────────────────────────────────────────────────────────────

// awaitingReconnect is the policy's stale guard.
func (s *Session) awaitingReconnect(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token == s.gen && s.stateLocked() == realtime.StateReconnecting
}

// scheduleReconnectLocked moves to reconnecting and arms the policy. It
// returns false when the attempt cap has been reached.
func (s *Session) scheduleReconnectLocked(gen uint64) bool {
	s.fire(evDrop)
	attempt, ok := s.policy.Schedule(gen, func(attempt int) { s.reconnect(gen, attempt) })
	if r := s.cfg.Recorder; r != nil {
		outcome := "scheduled"
		if !ok {
			outcome = "exhausted"
		}
		r.RecordReconnectAttempt(context.Background(), outcome)
	}
	if ok {
		s.log.Info("realtime session reconnecting", "session_id", s.id, "attempt", attempt)
	}
	return ok
}

// reconnect runs one scheduled attempt with a freshly minted credential.
// Transport failures are rescheduled until the policy's cap; credential and
// permission failures end the run.
func (s *Session) reconnect(gen uint64, attempt int) {
	s.mu.Lock()
	if gen != s.gen || s.stateLocked() != realtime.StateReconnecting {
		s.mu.Unlock()
		return
	}
	runCtx := s.runCtx
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	cred, err := s.cfg.Credentials.Obtain(runCtx)
	if err != nil {
		_ = s.failAttempt(gen, nil, credentialError(err))
		return
	}
	if err := s.acquire(runCtx); err != nil {
		_ = s.failAttempt(gen, nil, err)
		return
	}
	if !s.advance(gen, evNegotiate) {
		return
	}

	tr, err := s.connectTransport(runCtx, gen, cred)
	if err == nil {
		if r := s.cfg.Recorder; r != nil {
			r.RecordReconnectAttempt(runCtx, "succeeded")
		}
		_ = s.establish(gen, tr)
		return
	}

	var te *realtime.TransportError
	if !errors.As(err, &te) || te.Kind == realtime.TransportPermissionDenied {
		_ = s.failAttempt(gen, tr, err)
		return
	}
	_ = tr.Close()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.log.Warn("reconnection attempt failed", "session_id", s.id, "attempt", attempt, "err", err)
	if r := s.cfg.Recorder; r != nil {
		r.RecordReconnectAttempt(runCtx, "failed")
	}
	ok := s.scheduleReconnectLocked(gen)
	s.mu.Unlock()
	if !ok {
		_ = s.failAttempt(gen, nil, ErrMaxAttempts)
		return
	}
	s.changed()
}

func credentialError(err error) error {
	var ce *realtime.CredentialError
	if errors.As(err, &ce) {
		return err
	}
	return &realtime.CredentialError{Reason: "credential provider failed", Err: err}
}
