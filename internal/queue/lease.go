package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyLease serializes pipeline execution per submit key across workers and
// instances. A lease is held for the duration of step execution and released
// on completion; the TTL bounds how long a crashed holder can block the key.
type KeyLease interface {
	// Acquire returns a release func and true on success, or false when the
	// key is currently held elsewhere.
	Acquire(ctx context.Context, submitKey string, ttl time.Duration) (release func(), ok bool, err error)
}

const leaseReleaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

type redisLease struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLease(client redis.UniversalClient, keyPrefix string) KeyLease {
	if keyPrefix == "" {
		keyPrefix = "taskpipe"
	}
	return &redisLease{client: client, prefix: keyPrefix + ":lease:"}
}

func (l *redisLease) Acquire(ctx context.Context, submitKey string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	key := l.prefix + submitKey
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// compare-and-delete so an expired lease taken over by another
		// worker is never released by the old holder
		relCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = l.client.Eval(relCtx, leaseReleaseScript, []string{key}, token).Err()
	}
	return release, true, nil
}

// MemoryLease is the in-process KeyLease used by tests and dev mode.
type MemoryLease struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: make(map[string]struct{})}
}

func (l *MemoryLease) Acquire(ctx context.Context, submitKey string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[submitKey]; taken {
		return nil, false, nil
	}
	l.held[submitKey] = struct{}{}
	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, submitKey)
			l.mu.Unlock()
		})
	}
	return release, true, nil
}
