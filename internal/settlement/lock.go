package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainsettle/chainsettle/internal/idgen"
)

// ErrLockUnavailable means the lock backend could not be reached. The
// coordinator then relies on the store's compare-and-set alone.
var ErrLockUnavailable = errors.New("settlement lock backend unavailable")

// Locker is a non-blocking per-settlement mutual exclusion. ok is false
// when another holder has the key.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// LocalLocker excludes executions within one process. Keys are exact, so
// unrelated settlements never contend.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// RedisLocker excludes executions across instances with SET NX and a TTL.
// The TTL bounds how long a crashed holder blocks the key. Each
// acquisition stores its own token, so a holder whose lease expired
// cannot release the key for whoever took it next.
type RedisLocker struct {
	client lockClient
	ttl    time.Duration
	prefix string
}

// lockClient is the part of redis.Cmdable the locker needs.
type lockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client lockClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "settlement_lock:"}
}

func (r *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	lockKey := r.prefix + key
	token := idgen.Hex(16)
	ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
	if err != nil {
		return nil, false, errors.Join(ErrLockUnavailable, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's context may be gone by now
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.client.Eval(ctx, releaseScript, []string{lockKey}, token).Err()
		})
	}, true, nil
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
