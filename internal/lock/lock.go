package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when a lease is already held for the key.
var ErrNotAcquired = errors.New("lock already held")

// Locker provides advisory per-key leases. Acquire returns a release
// function that must be called on every exit path.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

const redisKeyPrefix = "autodebet:lock"

// releaseScript deletes the lease only when the caller still owns it, so an
// expired lease grabbed by another worker is never released by the first.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with a SET NX lease in Redis, shared by all
// engine workers.
type RedisLocker struct {
	client redis.Cmdable
}

func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	fullKey := fmt.Sprintf("%s:%s", redisKeyPrefix, key)

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", key, ErrNotAcquired)
	}

	release := func() {
		// The attempt ctx may already be done; the lease must still go.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			zap.L().Warn("release lock failed, lease will expire", zap.Error(err), zap.String("key", key))
		}
	}
	return release, nil
}

// MemoryLocker is a process-local Locker for tests and single-instance runs.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), clock: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.held[key]; ok && l.clock().Before(until) {
		return nil, fmt.Errorf("lock %s: %w", key, ErrNotAcquired)
	}
	l.held[key] = l.clock().Add(ttl)

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}
