package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker implements distributed TTL locks over SET NX EX. Locks are
// self-healing: a crashed holder never blocks a key longer than its TTL.
type Locker struct {
	client *redis.Client
}

func NewLocker(c *Client) *Locker {
	return &Locker{client: c.client}
}

// Acquire attempts to take the lock. It returns false without error when the
// key is already held by someone else.
func (l *Locker) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the lock. Releasing an expired or never-held key is not an
// error: the defer paths in the processor release unconditionally.
func (l *Locker) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// TTL reports the remaining lifetime of a held lock. A negative duration
// means the key does not exist.
func (l *Locker) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := l.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl lock %s: %w", key, err)
	}
	return d, nil
}

type memoryLock struct {
	value     string
	expiresAt time.Time
}

// InMemoryLocker is a process-local Locker substitute for unit tests. The
// clock is injectable so TTL expiry can be exercised without sleeping.
type InMemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	nowFn func() time.Time
}

func NewInMemoryLocker() *InMemoryLocker {
	return &InMemoryLocker{
		locks: make(map[string]memoryLock),
		nowFn: time.Now,
	}
}

// SetNowFunc replaces the clock used for expiry decisions.
func (l *InMemoryLocker) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFn = fn
}

func (l *InMemoryLocker) Acquire(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if cur, ok := l.locks[key]; ok && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.locks[key] = memoryLock{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *InMemoryLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
	return nil
}

func (l *InMemoryLocker) TTL(_ context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.locks[key]
	if !ok {
		return -2 * time.Millisecond, nil
	}
	remaining := cur.expiresAt.Sub(l.nowFn())
	if remaining <= 0 {
		return -2 * time.Millisecond, nil
	}
	return remaining, nil
}

// Held reports whether the key is currently locked. Test helper.
func (l *InMemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.locks[key]
	return ok && l.nowFn().Before(cur.expiresAt)
}
