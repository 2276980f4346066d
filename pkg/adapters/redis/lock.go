package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// DefaultLockKey is the key holding the owner of the exclusivity lock.
const DefaultLockKey = "parley:lock:active-session"

// acquireScript sets the owner if the key is free. The current owner may
// re-acquire, which also refreshes its lease.
var acquireScript = backend.NewScript(`
	local cur = redis.call("get", KEYS[1])
	if cur == ARGV[1] then
		if tonumber(ARGV[2]) > 0 then
			redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 1
	end
	if cur then
		return 0
	end
	if tonumber(ARGV[2]) > 0 then
		redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[2])
	else
		redis.call("set", KEYS[1], ARGV[1])
	end
	return 1
`)

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = backend.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// ExclusivityLock implements ports.ExclusivityLock on top of Redis so several
// Parley replicas serving the same page agree on the active avatar.
type ExclusivityLock struct {
	client backend.UniversalClient
	key    string
	lease  time.Duration
}

// LockOption configures the ExclusivityLock.
type LockOption func(*ExclusivityLock)

// WithLockKey overrides the Redis key.
func WithLockKey(key string) LockOption {
	return func(l *ExclusivityLock) {
		l.key = key
	}
}

// WithLease bounds how long an owner holds the lock without re-acquiring.
// Zero (the default) keeps the lock until it is released.
func WithLease(lease time.Duration) LockOption {
	return func(l *ExclusivityLock) {
		l.lease = lease
	}
}

// NewExclusivityLock creates a Redis-backed exclusivity lock.
func NewExclusivityLock(client backend.UniversalClient, opts ...LockOption) *ExclusivityLock {
	l := &ExclusivityLock{
		client: client,
		key:    DefaultLockKey,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire takes the lock for sessionID using an atomic check-and-set script.
func (l *ExclusivityLock) TryAcquire(ctx context.Context, sessionID string) (bool, error) {
	res, err := acquireScript.Run(ctx, l.client, []string{l.key}, sessionID, l.lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis error acquiring exclusivity lock: %w", err)
	}
	return res == 1, nil
}

// Release frees the lock if sessionID owns it.
func (l *ExclusivityLock) Release(ctx context.Context, sessionID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, sessionID).Err(); err != nil {
		return fmt.Errorf("redis error releasing exclusivity lock: %w", err)
	}
	return nil
}

// IsHeldByOther reports whether a session other than sessionID owns the lock.
func (l *ExclusivityLock) IsHeldByOther(ctx context.Context, sessionID string) (bool, error) {
	owner, held, err := l.Owner(ctx)
	if err != nil {
		return false, err
	}
	return held && owner != sessionID, nil
}

// Owner returns the current owner, if any.
func (l *ExclusivityLock) Owner(ctx context.Context) (string, bool, error) {
	owner, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, backend.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis error reading exclusivity lock: %w", err)
	}
	return owner, true, nil
}
