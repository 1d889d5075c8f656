// Package lock serializes batch processing so at most one writer touches an
// hour slot at a time, even across archiver instances.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlotLock is a Redis lease keyed by (day, hour).
type SlotLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSlotLock builds a lock manager with the given lease TTL.
func NewSlotLock(client *redis.Client, ttl time.Duration) *SlotLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SlotLock{client: client, ttl: ttl}
}

// Lease is a held slot lock; Release it when processing finishes.
type Lease struct {
	lock  *SlotLock
	key   string
	token string
}

func slotKey(day time.Time, hour int) string {
	return fmt.Sprintf("lock:slot:%s:%02d", day.UTC().Format("2006-01-02"), hour)
}

// Acquire takes the lease for one slot. It returns nil, nil when another
// writer already holds it.
func (l *SlotLock) Acquire(ctx context.Context, day time.Time, hour int) (*Lease, error) {
	key := slotKey(day, hour)
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire slot lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{lock: l, key: key, token: token}, nil
}

// Extend pushes the lease deadline forward while a long batch runs.
func (le *Lease) Extend(ctx context.Context, extension time.Duration) error {
	res, err := extendScript.Run(ctx, le.lock.client, []string{le.key}, le.token, extension.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("extend slot lock: %w", err)
	}
	if n, _ := res.(int64); n == 0 {
		return fmt.Errorf("slot lock %s lost before extend", le.key)
	}
	return nil
}

// Release frees the lease if it is still ours. Releasing an expired or
// stolen lease is a no-op.
func (le *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, le.lock.client, []string{le.key}, le.token).Result(); err != nil {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
