package scheduler

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Locker grants a key to a single holder until ttl elapses.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLocker implements Locker with SET NX.
type RedisLocker struct {
	client *redis.Client
	owner  string
}

// NewRedisLocker constructs a locker; owner is stored as the lock value.
func NewRedisLocker(client *redis.Client, owner string) *RedisLocker {
	return &RedisLocker{client: client, owner: owner}
}

// TryLock reports whether the caller now holds key.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler lock %s: %w", key, err)
	}
	return ok, nil
}
