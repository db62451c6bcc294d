package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Limiter caps simultaneous outbound calls per agent using Redis counters.
// The counter expires after ttl so slots leaked by a crashed worker heal.
type Limiter struct {
	client       *redis.Client
	defaultLimit int
	ttl          time.Duration
	poll         time.Duration
}

// NewLimiter constructs a concurrency limiter. A non-positive limit disables it.
func NewLimiter(client *redis.Client, defaultLimit int, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Limiter{client: client, defaultLimit: defaultLimit, ttl: ttl, poll: 250 * time.Millisecond}
}

// Enabled reports whether a cap is configured.
func (l *Limiter) Enabled() bool {
	return l != nil && l.defaultLimit > 0
}

// Acquire attempts to reserve a slot for the agent without waiting.
func (l *Limiter) Acquire(ctx context.Context, agentID string) (bool, error) {
	if !l.Enabled() || agentID == "" {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, l.client, []string{l.key(agentID)}, l.defaultLimit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Wait blocks until a slot is free or ctx is done.
func (l *Limiter) Wait(ctx context.Context, agentID string) error {
	for {
		ok, err := l.Acquire(ctx, agentID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("concurrency wait: %w", ctx.Err())
		case <-time.After(l.poll):
		}
	}
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, agentID string) error {
	if !l.Enabled() || agentID == "" {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(agentID)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

func (l *Limiter) key(agentID string) string {
	return fmt.Sprintf("dialer:agent:%s:active", agentID)
}
