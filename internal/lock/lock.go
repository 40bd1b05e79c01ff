package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotHeld is returned when releasing a lock this instance does not own.
var ErrNotHeld = errors.New("lock not held")

// Locker is a best-effort mutual exclusion primitive across instances.
type Locker interface {
	// TryLock acquires key for ttl without blocking. It reports false when
	// another holder has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// New returns a Redis-backed locker, or a no-op one for a single instance
// when client is nil.
func New(client *redis.Client, prefix string) Locker {
	if client == nil {
		return NopLock{}
	}
	return NewRedisLock(client, prefix)
}

// NopLock always grants the lock.
type NopLock struct{}

func (NopLock) TryLock(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NopLock) Unlock(context.Context, string) error                         { return nil }

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock implements Locker with SET NX PX and a token-checked delete.
type RedisLock struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLock creates a Redis lock whose keys are namespaced by prefix.
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{client: client, prefix: prefix, tokens: map[string]string{}}
}

func (l *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.tokens[key] = token
		l.mu.Unlock()
	}
	return ok, nil
}

func (l *RedisLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}

	n, err := unlockScript.Run(ctx, l.client, []string{l.prefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock: %w", err)
	}
	if n == 0 {
		// Expired and possibly taken by another instance.
		return ErrNotHeld
	}
	return nil
}
