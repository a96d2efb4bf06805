// Package lock provides short per-key leases used to keep two workers from
// reconciling or syncing the same owner at once.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/subsync/internal/util"
	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Release gives a lease back. Releasing an expired or stolen lease is a no-op.
type Release func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker takes leases with SET NX PX and releases them only while the
// stored token is still ours.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "subsync:lock:"
	}
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	full := l.prefix + key
	token := util.New()
	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.rdb, []string{full}, token).Err()
	}, nil
}

// MemoryLocker is a process-local Locker for tests and single-process mode.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[string]lease{}, now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, ErrNotAcquired
	}
	token := util.New()
	l.leases[key] = lease{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && cur.token == token {
			delete(l.leases, key)
		}
		return nil
	}, nil
}

// OwnerKey is the lease key shared by everything that writes one owner's
// status outside the webhook path.
func OwnerKey(ownerID string) string { return "owner:" + ownerID }
