package mint

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
)

// ErrCircuitOpen is returned by [Breaker.Mint] while the upstream is
// considered down and the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("mint: upstream circuit open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrCircuitOpen] until the reset
	// timeout elapses.
	BreakerOpen

	// BreakerHalfOpen lets a single probe through. Success closes the
	// breaker; failure re-opens it.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive upstream faults that open the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Breaker guards a [Minter] with a three-state circuit breaker. Only
// upstream faults count: an unreachable upstream or a 5xx/429 answer. A
// rejected caller secret (401, 403) or a bad session config (400) leaves
// the breaker alone.
type Breaker struct {
	next         Minter
	maxFailures  int
	resetTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

var _ Minter = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(next Minter, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		next:         next,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		log:          cfg.Logger,
		now:          cfg.Now,
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter reports how long until an open breaker admits a probe. It is
// zero unless the breaker is open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return 0
	}
	return max(b.resetTimeout-b.now().Sub(b.openedAt), 0)
}

// Ping reports [ErrCircuitOpen] while the breaker is open and its reset
// timeout has not yet elapsed. It never calls the upstream.
func (b *Breaker) Ping(context.Context) error {
	if b.RetryAfter() > 0 {
		return ErrCircuitOpen
	}
	return nil
}

// Mint implements [Minter].
func (b *Breaker) Mint(ctx context.Context, apiKey string, cfg realtime.Config) (realtime.Credential, error) {
	probe, err := b.admit()
	if err != nil {
		return realtime.Credential{}, err
	}
	cred, err := b.next.Mint(ctx, apiKey, cfg)
	b.record(probe, err)
	return cred, err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.log.Info("mint: upstream breaker half-open")
		fallthrough
	case BreakerHalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}

	// A cancelled caller says nothing about upstream health.
	if errors.Is(err, context.Canceled) {
		if probe {
			b.state = BreakerOpen
		}
		return
	}

	if !isUpstreamFault(err) {
		if b.state != BreakerClosed {
			b.log.Info("mint: upstream breaker closed")
		}
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	if probe || b.failures >= b.maxFailures {
		if b.state != BreakerOpen {
			b.log.Warn("mint: upstream breaker opened", "consecutive_failures", b.failures)
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

func isUpstreamFault(err error) bool {
	if err == nil {
		return false
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return true
	}
	return ue.StatusCode == 0 || ue.StatusCode >= 500 || ue.StatusCode == http.StatusTooManyRequests
}
