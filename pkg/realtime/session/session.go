// Package session drives one realtime voice conversation end to end.
//
// A [Session] owns the connection state machine, the transcript, the
// microphone, the level meters and the reconnection policy. It mints a fresh
// credential for every connection attempt, negotiates a [transport.Transport],
// forwards microphone audio while unmuted, and folds the classified event
// stream into a [Snapshot] that a UI layer can render without further logic.
//
// Every transition is serialised on one mutex. Hooks run outside the lock and
// may be invoked from any goroutine.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/capture"
	"github.com/MrWong99/agentsandbox/pkg/realtime/clock"
	"github.com/MrWong99/agentsandbox/pkg/realtime/conversation"
	"github.com/MrWong99/agentsandbox/pkg/realtime/reconnect"
	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
)

// Default timings.
const (
	DefaultErrorDisplay  = 5 * time.Second
	DefaultLevelInterval = 50 * time.Millisecond
)

// Recorder receives session telemetry. Implementations must not block.
type Recorder interface {
	RecordStateTransition(ctx context.Context, from, to string)
	RecordConnect(ctx context.Context, d time.Duration, status string)
	RecordReconnectAttempt(ctx context.Context, outcome string)
	RecordTranscriptEntry(ctx context.Context, role string)
	RecordRemoteError(ctx context.Context, code string)
	RecordActiveSession(ctx context.Context, delta int64)
}

// Config holds the collaborators and settings of a [Session].
type Config struct {
	// Credentials mints a short-lived credential per connection attempt.
	// Required.
	Credentials realtime.CredentialProvider

	// NewTransport constructs a fresh transport per connection attempt.
	// Required.
	NewTransport transport.Factory

	// Capture owns the microphone. Required.
	Capture *capture.Capture

	// Realtime is the session configuration sent after negotiation.
	// Defaults to [realtime.DefaultConfig] if zero.
	Realtime realtime.Config

	// ReconnectDelay and MaxAttempts tune the reconnection policy.
	ReconnectDelay time.Duration
	MaxAttempts    int

	// ErrorDisplay is how long the last error stays in the snapshot.
	// Defaults to 5s.
	ErrorDisplay time.Duration

	// LevelInterval is the level sampling tick. Defaults to 50ms.
	LevelInterval time.Duration

	// HalfDuplex suppresses microphone audio while the remote is speaking.
	HalfDuplex bool

	Clock    clock.Clock
	Logger   *slog.Logger
	Recorder Recorder

	// OnChange is called with a fresh snapshot after every observable
	// change.
	OnChange func(Snapshot)

	// OnError is called once for every error surfaced to the caller.
	OnError func(error)

	// OnAudio receives remote PCM16 24 kHz mono audio.
	OnAudio func(pcm []byte)
}

// Snapshot is a point-in-time copy of the session's observable state.
type Snapshot struct {
	ID         string
	State      realtime.ConnectionState
	Voice      string
	Transcript []realtime.TranscriptEntry

	Recording bool
	Speaking  bool
	Muted     bool

	InputLevel  float64
	OutputLevel float64

	// Attempts is the number of reconnect attempts since the last
	// successful connection.
	Attempts int

	// LastError is the most recently surfaced error until it expires.
	LastError    error
	ErrorMessage string
}

// Session is one realtime voice conversation. All methods are safe for
// concurrent use.
type Session struct {
	cfg      Config
	rtCfg    realtime.Config
	clock    clock.Clock
	log      *slog.Logger
	capture  *capture.Capture
	policy   *reconnect.Policy
	outMeter *capture.Meter
	display  time.Duration
	interval time.Duration

	mu sync.Mutex
	// gen identifies the current connect run. Every goroutine and timer
	// captures it and does nothing once it has moved on.
	gen        uint64
	id         string
	fsm        *fsm.FSM
	conv       *conversation.Conversation
	tr         transport.Transport
	pending    transport.Transport
	runCtx     context.Context
	runCancel  context.CancelFunc
	muted      bool
	startedAt  time.Time
	lastErr    error
	errSeq     uint64
	errTimer   clock.Timer
	lastLevels [2]float64
}

// New returns an idle Session.
func New(cfg Config) (*Session, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("session: credential provider is required")
	}
	if cfg.NewTransport == nil {
		return nil, errors.New("session: transport factory is required")
	}
	if cfg.Capture == nil {
		return nil, errors.New("session: capture is required")
	}
	rtCfg := cfg.Realtime
	if rtCfg.Model == "" {
		rtCfg = realtime.DefaultConfig()
	}
	if err := rtCfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		rtCfg:    rtCfg,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		capture:  cfg.Capture,
		outMeter: capture.NewMeter(),
		display:  cfg.ErrorDisplay,
		interval: cfg.LevelInterval,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.display <= 0 {
		s.display = DefaultErrorDisplay
	}
	if s.interval <= 0 {
		s.interval = DefaultLevelInterval
	}
	s.conv = conversation.New(conversation.WithClock(s.clock.Now))
	s.fsm = newStateMachine(s.onEnter)
	s.policy = reconnect.New(reconnect.Config{
		Delay:       cfg.ReconnectDelay,
		MaxAttempts: cfg.MaxAttempts,
		Current:     s.awaitingReconnect,
		Clock:       s.clock,
		Logger:      s.log,
	})
	return s, nil
}

// onEnter runs inside fsm.Event, which is only called with s.mu held.
func (s *Session) onEnter(from, to realtime.ConnectionState) {
	s.log.Debug("session state changed", "session_id", s.id, "from", from, "to", to)
	if r := s.cfg.Recorder; r != nil {
		ctx := context.Background()
		r.RecordStateTransition(ctx, string(from), string(to))
		if from == realtime.StateConnected {
			r.RecordActiveSession(ctx, -1)
		}
		if to == realtime.StateConnected {
			r.RecordActiveSession(ctx, 1)
		}
	}
}

// State returns the current connection state.
func (s *Session) State() realtime.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// ID returns the identifier of the current or most recent connect run.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Level returns the audio level for dir, or 0 for an unknown direction.
func (s Snapshot) Level(dir realtime.Direction) float64 {
	switch dir {
	case realtime.DirectionInput:
		return s.InputLevel
	case realtime.DirectionOutput:
		return s.OutputLevel
	}
	return 0
}

// Snapshot returns a copy of the observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		State:        s.stateLocked(),
		Voice:        s.rtCfg.Voice,
		Transcript:   s.conv.Transcript(),
		Recording:    s.conv.Recording(),
		Speaking:     s.conv.Speaking(),
		Muted:        s.muted,
		InputLevel:   s.capture.Level(),
		OutputLevel:  s.outMeter.Level(),
		Attempts:     s.policy.Attempts(),
		LastError:    s.lastErr,
		ErrorMessage: realtime.Message(s.lastErr),
	}
}

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []realtime.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Transcript()
}

// SetMuted stops (true) or resumes (false) forwarding microphone audio. The
// transport and its event channel stay open, and the remote is not told.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	if s.muted == muted {
		s.mu.Unlock()
		return
	}
	s.muted = muted
	s.mu.Unlock()

	s.capture.SetEnabled(!muted)
	s.log.Debug("microphone mute changed", "session_id", s.ID(), "muted", muted)
	s.changed()
}

// Muted reports whether the microphone is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// ── Errors and hooks ──────────────────────────────────────────────────────────

// setErrorLocked records err for display and arms its expiry.
func (s *Session) setErrorLocked(err error) {
	s.lastErr = err
	s.errSeq++
	seq := s.errSeq
	if s.errTimer != nil {
		s.errTimer.Stop()
	}
	s.errTimer = s.clock.AfterFunc(s.display, func() { s.expireError(seq) })
}

func (s *Session) clearErrorLocked() {
	s.lastErr = nil
	s.errSeq++
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
}

func (s *Session) expireError(seq uint64) {
	s.mu.Lock()
	if s.errSeq != seq || s.lastErr == nil {
		s.mu.Unlock()
		return
	}
	s.lastErr = nil
	s.errTimer = nil
	s.mu.Unlock()
	s.changed()
}

func (s *Session) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(s.Snapshot())
	}
}

func (s *Session) surface(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func newSessionID() string { return uuid.NewString() }
