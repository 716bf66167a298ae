package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the window counter, opens the window on the first
// hit and returns {count, pttl}.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {c, redis.call('PTTL', KEYS[1])}
`)

// Redis is a [Limiter] sharing its windows through Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time

	mu     sync.RWMutex
	limits Limits
}

var _ Limiter = (*Redis)(nil)

// NewRedis returns a limiter storing counters under prefix (default
// "sandbox:ratelimit:").
func NewRedis(client redis.UniversalClient, limits Limits, prefix string) *Redis {
	if prefix == "" {
		prefix = "sandbox:ratelimit:"
	}
	return &Redis{client: client, prefix: prefix, limits: limits, now: time.Now}
}

// NewRedisFromURL parses a redis:// URL and returns a limiter using a new
// client.
func NewRedisFromURL(rawURL string, limits Limits) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts), limits, ""), nil
}

// Allow implements [Limiter].
func (r *Redis) Allow(ctx context.Context, key string) (Result, error) {
	r.mu.RLock()
	limits := r.limits
	r.mu.RUnlock()

	vals, err := incrScript.Run(ctx, r.client, []string{r.prefix + key}, limits.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis allow: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("ratelimit: redis allow: unexpected reply %v", vals)
	}
	ttl := time.Duration(max(vals[1], 0)) * time.Millisecond
	return decide(vals[0], limits, r.now().Add(ttl)), nil
}

// SetLimits implements [Limiter].
func (r *Redis) SetLimits(l Limits) {
	r.mu.Lock()
	r.limits = l
	r.mu.Unlock()
}

// Ping implements [Limiter].
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error { return r.client.Close() }
