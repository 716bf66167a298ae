package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// Memory is an in-process [Limiter].
type Memory struct {
	now func() time.Time

	mu      sync.Mutex
	limits  Limits
	windows map[string]*window
}

var _ Limiter = (*Memory)(nil)

// MemoryOption configures a [Memory] limiter.
type MemoryOption func(*Memory)

// WithNow overrides the time source.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an in-process limiter.
func NewMemory(limits Limits, opts ...MemoryOption) *Memory {
	m := &Memory{
		now:     time.Now,
		limits:  limits,
		windows: make(map[string]*window),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Allow implements [Limiter]. A rejected request does not extend the window.
func (m *Memory) Allow(_ context.Context, key string) (Result, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(m.limits.Window)}
		m.windows[key] = w
	}
	if w.count < int64(m.limits.Requests) {
		w.count++
		return decide(w.count, m.limits, w.resetAt), nil
	}
	return decide(w.count+1, m.limits, w.resetAt), nil
}

// SetLimits implements [Limiter].
func (m *Memory) SetLimits(l Limits) {
	m.mu.Lock()
	m.limits = l
	m.mu.Unlock()
}

// Ping implements [Limiter]. It always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Sweep drops expired windows and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, w := range m.windows {
		if now.After(w.resetAt) {
			delete(m.windows, k)
			n++
		}
	}
	return n
}

// Run sweeps expired windows every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
