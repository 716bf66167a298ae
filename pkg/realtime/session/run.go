package session

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/capture"
	"github.com/MrWong99/agentsandbox/pkg/realtime/event"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
)

// watch consumes one transport's events and audio until it ends or the run
// is torn down.
func (s *Session) watch(ctx context.Context, gen uint64, tr transport.Transport) {
	events, audio := tr.Events(), tr.Audio()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(gen, tr, ev)
		case pcm, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			s.handleAudio(gen, tr, pcm)
		case <-tr.Done():
			// Deliver anything queued before the closure.
			if events != nil {
				for ev := range events {
					s.handleEvent(gen, tr, ev)
				}
			}
			s.handleClosed(gen, tr)
			return
		}
	}
}

// currentLocked reports whether tr is the live transport of run gen. Callers hold
// s.mu.
func (s *Session) currentLocked(gen uint64, tr transport.Transport) bool {
	return gen == s.gen && s.tr == tr
}

func (s *Session) handleEvent(gen uint64, tr transport.Transport, ev event.Event) {
	s.mu.Lock()
	if !s.currentLocked(gen, tr) {
		s.mu.Unlock()
		return
	}

	if re, ok := ev.(event.RemoteError); ok {
		err := &realtime.RemoteError{Code: re.Code, Message: re.Message}
		s.setErrorLocked(err)
		id := s.id
		s.mu.Unlock()

		s.log.Warn("remote error", "session_id", id, "code", re.Code, "err", err)
		if r := s.cfg.Recorder; r != nil {
			r.RecordRemoteError(context.Background(), re.Code)
		}
		s.surface(err)
		s.changed()
		return
	}

	u := s.conv.Apply(ev)
	if u.Flags && !s.conv.Speaking() {
		s.outMeter.Reset()
	}
	s.mu.Unlock()

	if u.Finalized != nil {
		if r := s.cfg.Recorder; r != nil {
			r.RecordTranscriptEntry(context.Background(), string(u.Finalized.Role))
		}
	}
	if u.Changed() {
		s.changed()
	}
}

func (s *Session) handleAudio(gen uint64, tr transport.Transport, pcm []byte) {
	s.mu.Lock()
	live := s.currentLocked(gen, tr)
	s.mu.Unlock()
	if !live {
		return
	}
	s.outMeter.Observe(pcm)
	if s.cfg.OnAudio != nil {
		s.cfg.OnAudio(pcm)
	}
}

// handleClosed reacts to the transport ending on its own: a recoverable
// closure schedules a reconnect, anything else fails the run.
func (s *Session) handleClosed(gen uint64, tr transport.Transport) {
	err := tr.Err()
	if err == nil {
		err = realtime.NewTransportError(realtime.TransportClosedUnexpectedly, errors.New("transport ended"))
	}

	s.mu.Lock()
	if !s.currentLocked(gen, tr) {
		s.mu.Unlock()
		return
	}
	if !realtime.Recoverable(err) {
		s.mu.Unlock()
		_ = s.failAttempt(gen, nil, err)
		return
	}
	s.tr = nil
	s.conv.Apply(event.OutputAudioDone{})
	s.outMeter.Reset()
	s.log.Warn("realtime transport closed unexpectedly", "session_id", s.id, "err", err)
	ok := s.scheduleReconnectLocked(gen)
	s.mu.Unlock()

	_ = tr.Close()
	if !ok {
		_ = s.failAttempt(gen, nil, ErrMaxAttempts)
		return
	}
	s.changed()
}

// pumpMicrophone forwards captured frames to the live transport. Frames are
// dropped while muted, while no transport is live, and in half-duplex mode
// while the remote is speaking. When the device stream ends the microphone
// is reopened once; a stream that ends again before delivering a frame, or
// a failed reopen, fails the run.
func (s *Session) pumpMicrophone(ctx context.Context, gen uint64, frames <-chan []byte) {
	reopened := false
	for frames != nil {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				frames = s.reacquire(ctx, gen, reopened)
				reopened = true
				continue
			}
			reopened = false
			s.mu.Lock()
			tr := s.tr
			send := gen == s.gen && tr != nil && !s.muted &&
				s.stateLocked() == realtime.StateConnected &&
				!(s.cfg.HalfDuplex && s.conv.Speaking())
			s.mu.Unlock()
			if !send {
				continue
			}
			if err := tr.SendAudio(ctx, frame); err != nil && !errors.Is(err, realtime.ErrSessionClosed) {
				s.log.Debug("dropping microphone frame", "err", err)
			}
		}
	}
}

// reacquire reopens the microphone after its stream ended and returns the new
// frame channel, or nil when the run is over or has been failed.
func (s *Session) reacquire(ctx context.Context, gen uint64, reopened bool) <-chan []byte {
	if ctx.Err() != nil {
		return nil
	}
	s.mu.Lock()
	current := gen == s.gen
	id := s.id
	s.mu.Unlock()
	if !current {
		return nil
	}

	ended := realtime.NewTransportError(realtime.TransportPermissionDenied,
		&realtime.PermissionError{Reason: "microphone stream ended", Err: capture.ErrStreamEnded})
	var err error = ended
	if !reopened {
		s.log.Warn("microphone stream ended; reopening", "session_id", id)
		if err = s.acquire(ctx); err == nil {
			if frames := s.capture.Frames(); frames != nil {
				return frames
			}
			err = ended
		}
	}
	_ = s.failAttempt(gen, nil, err)
	return nil
}

// sampleLevels ticks both level meters on a fixed interval and publishes a
// snapshot when either level moves.
func (s *Session) sampleLevels(ctx context.Context, gen uint64) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			in := s.capture.Meter().Tick()
			out := s.outMeter.Tick()
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			moved := s.lastLevels != [2]float64{in, out}
			s.lastLevels = [2]float64{in, out}
			s.mu.Unlock()
			if moved {
				s.changed()
			}
		}
	}
}

// ── Outbound messages ─────────────────────────────────────────────────────────

func (s *Session) live() (transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil || s.stateLocked() != realtime.StateConnected {
		return nil, realtime.ErrNotConnected
	}
	return s.tr, nil
}

// SendText injects a user text message into the live conversation and asks
// for a response. The transcript is left to the events that follow.
func (s *Session) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("session: empty text")
	}
	tr, err := s.live()
	if err != nil {
		return err
	}
	if err := tr.Send(ctx, event.NewUserText(text)); err != nil {
		return err
	}
	return tr.Send(ctx, event.ResponseCreate{})
}

// RequestResponse asks the remote for an audio and text response to the
// input so far, as when a push-to-talk button is released.
func (s *Session) RequestResponse(ctx context.Context) error {
	tr, err := s.live()
	if err != nil {
		return err
	}
	return tr.Send(ctx, event.ResponseCreate{
		Response: &event.ResponseParams{Modalities: []string{"audio", "text"}},
	})
}

// Interrupt cancels the response in progress.
func (s *Session) Interrupt(ctx context.Context) error {
	tr, err := s.live()
	if err != nil {
		return err
	}
	return tr.Send(ctx, event.ResponseCancel{})
}
