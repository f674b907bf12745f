package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/newtphase/pkg/util"
)

// Locker serialises sessions per device. Lock blocks until the device is
// free or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, device string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed lock.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker creates an empty keyed lock.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: map[string]chan struct{}{}}
}

func (l *LocalLocker) slot(device string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[device]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[device] = s
	}
	return s
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, device string) (func(), error) {
	s := l.slot(device)
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockKeyPrefix prefixes lock keys in Redis: NEWTPHASE_LOCK|<device>.
const LockKeyPrefix = "NEWTPHASE_LOCK|"

// acquireLockScript sets the lock hash only if no holder exists.
// Returns 1 on success, 0 if already locked by another holder.
var acquireLockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
	return 0
end
redis.call("HSET", key, "holder", ARGV[1], "acquired", ARGV[2], "ttl", ARGV[3])
redis.call("EXPIRE", key, tonumber(ARGV[3]))
return 1
`)

// releaseLockScript deletes the lock only for its holder.
// Returns 1 on success, 0 if holder mismatch, -1 if key doesn't exist.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
	return -1
end
local current = redis.call("HGET", key, "holder")
if current ~= ARGV[1] then
	return 0
end
redis.call("DEL", key)
return 1
`)

// RedisLocker is a lock shared between processes through Redis, so two
// pipeline runs never push to the same device at once. Locks expire after
// TTL in case a holder dies.
type RedisLocker struct {
	client *redis.Client
	holder string
	TTL    time.Duration
	// Poll is the wait between acquisition attempts.
	Poll time.Duration
}

// NewRedisLocker connects to addr/db. holder identifies this process in the
// lock hash.
func NewRedisLocker(addr string, db int, holder string) *RedisLocker {
	return &RedisLocker{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		holder: holder,
		TTL:    5 * time.Minute,
		Poll:   500 * time.Millisecond,
	}
}

// TryLock makes a single acquisition attempt. It returns
// util.ErrDeviceLocked when another holder owns the device.
func (l *RedisLocker) TryLock(ctx context.Context, device string) error {
	key := LockKeyPrefix + device
	now := time.Now().UTC().Format(time.RFC3339)
	ttl := int(l.TTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	result, err := acquireLockScript.Run(ctx, l.client, []string{key},
		l.holder, now, fmt.Sprintf("%d", ttl)).Int()
	if err != nil {
		return fmt.Errorf("acquiring lock for %s: %w", device, err)
	}
	if result == 0 {
		return util.ErrDeviceLocked
	}
	return nil
}

// Lock implements Locker, polling until the device is free.
func (l *RedisLocker) Lock(ctx context.Context, device string) (func(), error) {
	for {
		err := l.TryLock(ctx, device)
		if err == nil {
			return func() {
				if err := l.Unlock(context.Background(), device); err != nil {
					util.WithDevice(device).Warnf("releasing lock: %v", err)
				}
			}, nil
		}
		if !errors.Is(err, util.ErrDeviceLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock on %s: %w", device, ctx.Err())
		case <-time.After(l.Poll):
		}
	}
}

// Unlock releases the lock if this locker holds it.
func (l *RedisLocker) Unlock(ctx context.Context, device string) error {
	result, err := releaseLockScript.Run(ctx, l.client, []string{LockKeyPrefix + device}, l.holder).Int()
	if err != nil {
		return fmt.Errorf("releasing lock for %s: %w", device, err)
	}
	if result == 0 {
		return fmt.Errorf("lock holder mismatch for %s", device)
	}
	return nil
}

// Holder returns the current holder and acquisition time, or "" when the
// device is not locked.
func (l *RedisLocker) Holder(ctx context.Context, device string) (string, time.Time, error) {
	vals, err := l.client.HGetAll(ctx, LockKeyPrefix+device).Result()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("getting lock holder for %s: %w", device, err)
	}
	if len(vals) == 0 {
		return "", time.Time{}, nil
	}
	acquired, _ := time.Parse(time.RFC3339, vals["acquired"])
	return vals["holder"], acquired, nil
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error { return l.client.Close() }
