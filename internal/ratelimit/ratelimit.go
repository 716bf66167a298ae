// Package ratelimit implements the fixed-window limiter guarding the
// credential endpoint.
//
// The first request for a key opens a window of [Limits.Window]; up to
// [Limits.Requests] requests are allowed inside it, later ones are rejected
// until the window expires. [Memory] keeps windows in process; [Redis] keeps
// them in a shared Redis so several server replicas agree.
package ratelimit

import (
	"context"
	"time"
)

// Limits configures a limiter.
type Limits struct {
	Requests int
	Window   time.Duration
}

// Result is the outcome of one [Limiter.Allow] call.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)

	// SetLimits replaces the limits. Windows already open keep their
	// expiry.
	SetLimits(l Limits)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

func decide(count int64, limits Limits, resetAt time.Time) Result {
	if count > int64(limits.Requests) {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	return Result{Allowed: true, Remaining: limits.Requests - int(count), ResetAt: resetAt}
}
