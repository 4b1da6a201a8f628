package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter tracks verification attempts per origin over a fixed window.
// Count reads the current total and remaining window; Hit charges one
// attempt. The two are split because the gateway checks the limit before
// deciding whether the attempt costs anything.
type Limiter interface {
	Count(ctx context.Context, key string) (int, time.Duration, error)
	Hit(ctx context.Context, key string) error
}

// hitScript increments and sets the window expiry in one round trip so
// concurrent attempts from the same origin never skip the expiry.
var hitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter is the shared counter used in real deployments; every
// serving process sees the same totals.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisLimiter creates a limiter with the given window.
func NewRedisLimiter(client *redis.Client, prefix string, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "tc:verify"
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &RedisLimiter{client: client, prefix: prefix, window: window}
}

func (l *RedisLimiter) key(key string) string { return l.prefix + ":" + key }

// Count returns the attempt total for key and how long until the window resets.
func (l *RedisLimiter) Count(ctx context.Context, key string) (int, time.Duration, error) {
	pipe := l.client.Pipeline()
	getCmd := pipe.Get(ctx, l.key(key))
	ttlCmd := pipe.PTTL(ctx, l.key(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, err
	}
	count, err := getCmd.Int()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = l.window
	}
	return count, ttl, nil
}

// Hit atomically bumps the counter, starting the window on the first hit.
func (l *RedisLimiter) Hit(ctx context.Context, key string) error {
	return hitScript.Run(ctx, l.client, []string{l.key(key)}, l.window.Milliseconds()).Err()
}

// MemoryLimiter keeps counters in process memory. Dev and tests only; it
// cannot enforce limits across multiple serving processes.
type MemoryLimiter struct {
	window time.Duration
	mu     sync.Mutex
	state  map[string]*entry
	now    func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter creates an in-process limiter with the given window.
func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &MemoryLimiter{window: window, state: make(map[string]*entry), now: time.Now}
}

// SetClock overrides the limiter clock. Tests only.
func (l *MemoryLimiter) SetClock(now func() time.Time) { l.now = now }

// Count returns the attempt total for key and the time until reset.
func (l *MemoryLimiter) Count(_ context.Context, key string) (int, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.state[key]
	if !ok {
		return 0, 0, nil
	}
	now := l.now()
	if !now.Before(e.resetAt) {
		delete(l.state, key)
		return 0, 0, nil
	}
	return e.count, e.resetAt.Sub(now), nil
}

// Hit charges one attempt, starting the window on the first hit.
func (l *MemoryLimiter) Hit(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.state[key]
	if !ok || !now.Before(e.resetAt) {
		l.state[key] = &entry{count: 1, resetAt: now.Add(l.window)}
		return nil
	}
	e.count++
	return nil
}
