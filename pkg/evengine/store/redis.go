package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/evengine/pkg/evengine/record"
)

// redisLockScript acquires the lock atomically.
// KEYS[1] = lock hash key
// ARGV[1] = node id
// ARGV[2] = now (unix nanoseconds)
// ARGV[3] = lease (milliseconds, 0 = none)
var redisLockScript = redis.NewScript(`
local key = KEYS[1]
local locked = redis.call("HGET", key, "locked")
if locked == "1" then
    return 0
end
redis.call("HSET", key, "held_by", ARGV[1], "locked", "1", "acquired_at", ARGV[2])
local lease = tonumber(ARGV[3])
if lease > 0 then
    redis.call("PEXPIRE", key, lease)
else
    redis.call("PERSIST", key)
end
return 1
`)

// redisUnlockScript releases the lock if held by the caller.
// KEYS[1] = lock hash key
// ARGV[1] = node id
var redisUnlockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("HGET", key, "locked") ~= "1" or redis.call("HGET", key, "held_by") ~= ARGV[1] then
    return 0
end
redis.call("HSET", key, "locked", "0")
return 1
`)

// DefaultRedisLockKey is the hash key used when none is given.
const DefaultRedisLockKey = "evengine:lock"

// RedisLocker is a Locker backed by a Redis hash. With a lease the key
// expires, so a crashed holder releases the lock on its own.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	lease  time.Duration
	now    func() time.Time
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker on client. An empty key uses
// DefaultRedisLockKey.
func NewRedisLocker(client redis.UniversalClient, key string, opts ...Option) *RedisLocker {
	if key == "" {
		key = DefaultRedisLockKey
	}
	o := buildOptions(opts)
	return &RedisLocker{client: client, key: key, lease: o.lease, now: o.now}
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, nodeID string) (bool, error) {
	res, err := redisLockScript.Run(ctx, l.client, []string{l.key},
		nodeID, l.now().UnixNano(), l.lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis lock: %w", err)
	}
	return res == 1, nil
}

// Unlock implements Locker.
func (l *RedisLocker) Unlock(ctx context.Context, nodeID string) (bool, error) {
	res, err := redisUnlockScript.Run(ctx, l.client, []string{l.key}, nodeID).Int()
	if err != nil {
		return false, fmt.Errorf("redis unlock: %w", err)
	}
	return res == 1, nil
}

// LockStatus implements Locker.
func (l *RedisLocker) LockStatus(ctx context.Context) (record.LockStatus, error) {
	vals, err := l.client.HGetAll(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return record.LockStatus{}, nil
	}
	if err != nil {
		return record.LockStatus{}, fmt.Errorf("redis lock status: %w", err)
	}
	st := record.LockStatus{HeldBy: vals["held_by"], Locked: vals["locked"] == "1"}
	if ns, err := strconv.ParseInt(vals["acquired_at"], 10, 64); err == nil {
		st.AcquiredAt = time.Unix(0, ns)
	}
	return st, nil
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
