// Package reconnect implements the reconnection policy of a voice session:
// after an unexpected transport closure it schedules exactly one attempt after
// a fixed delay, counts attempts up to a cap, and refuses to act on behalf of
// a session that has since been superseded.
package reconnect

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/agentsandbox/pkg/realtime/clock"
)

// Default policy parameters.
const (
	DefaultDelay       = 3 * time.Second
	DefaultMaxAttempts = 5
)

// Config configures a [Policy].
type Config struct {
	// Delay is the fixed wait before each attempt. Defaults to 3s if zero.
	Delay time.Duration

	// MaxAttempts caps consecutive attempts without a successful connection.
	// Defaults to 5 if zero.
	MaxAttempts int

	// Current reports whether token still identifies the session the caller
	// wants connected. Attempts scheduled for a token that is no longer
	// current are dropped. May be nil, in which case every token is current.
	Current func(token uint64) bool

	// Clock drives the delay. Defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Policy schedules reconnect attempts. All methods are safe for concurrent use.
type Policy struct {
	delay       time.Duration
	maxAttempts int
	current     func(uint64) bool
	clock       clock.Clock
	log         *slog.Logger

	mu       sync.Mutex
	attempts int
	seq      uint64
	armed    bool
	timer    clock.Timer
}

// New returns a Policy for cfg.
func New(cfg Config) *Policy {
	p := &Policy{
		delay:       cfg.Delay,
		maxAttempts: cfg.MaxAttempts,
		current:     cfg.Current,
		clock:       cfg.Clock,
		log:         cfg.Logger,
	}
	if p.delay <= 0 {
		p.delay = DefaultDelay
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Delay returns the configured wait before each attempt.
func (p *Policy) Delay() time.Duration { return p.delay }

// MaxAttempts returns the attempt cap.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// Schedule arranges one call of fn after the delay, on behalf of the session
// identified by token. A pending attempt is replaced, never duplicated. It
// returns the attempt number, or ok=false when the cap has been reached and
// nothing was scheduled.
func (p *Policy) Schedule(token uint64, fn func(attempt int)) (attempt int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attempts >= p.maxAttempts {
		p.log.Error("reconnection failed after max attempts", "max_attempts", p.maxAttempts)
		return p.attempts, false
	}
	p.stopLocked()
	p.attempts++
	attempt = p.attempts
	p.seq++
	seq := p.seq
	p.armed = true

	p.log.Info("scheduling reconnection",
		"attempt", attempt,
		"max_attempts", p.maxAttempts,
		"delay", p.delay,
	)

	p.timer = p.clock.AfterFunc(p.delay, func() { p.fire(seq, token, attempt, fn) })
	return attempt, true
}

func (p *Policy) fire(seq, token uint64, attempt int, fn func(int)) {
	p.mu.Lock()
	if !p.armed || p.seq != seq {
		p.mu.Unlock()
		return
	}
	p.armed = false
	p.timer = nil
	p.mu.Unlock()

	if p.current != nil && !p.current(token) {
		p.log.Info("dropping stale reconnection", "attempt", attempt)
		return
	}
	p.log.Info("attempting reconnection", "attempt", attempt, "max_attempts", p.maxAttempts)
	fn(attempt)
}

// Cancel stops any pending attempt. The attempt count is kept.
func (p *Policy) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Policy) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.armed = false
	p.seq++
}

// Reset zeroes the attempt count. Call it on every successful connection.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
}

// Attempts returns the number of attempts scheduled since the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Pending reports whether an attempt is scheduled and has not yet fired.
func (p *Policy) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed
}
