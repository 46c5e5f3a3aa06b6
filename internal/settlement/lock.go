package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Refresh when the lease expired and may now be
// held by another process.
var ErrLeaseLost = errors.New("settlement lease lost")

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker leases keys across processes with SET NX PX. Each lease
// carries a random token so only its owner can refresh or release it.
type RedisLocker struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "payment_lock:",
		tokens: make(map[string]string),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()
	return true, nil
}

func (l *RedisLocker) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	token, ok := l.token(key)
	if !ok {
		return ErrLeaseLost
	}

	n, err := refreshScript.Run(ctx, l.client, []string{l.prefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh lease %s: %w", key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	token, ok := l.token(key)
	if !ok {
		return nil
	}

	l.mu.Lock()
	delete(l.tokens, key)
	l.mu.Unlock()

	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

func (l *RedisLocker) token(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token, ok := l.tokens[key]
	return token, ok
}

// LocalLocker leases keys within a single process.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, held := l.leases[key]; held && l.now().Before(expiry) {
		return false, nil
	}
	l.leases[key] = l.now().Add(ttl)
	return true, nil
}

func (l *LocalLocker) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, held := l.leases[key]
	if !held || !l.now().Before(expiry) {
		return ErrLeaseLost
	}
	l.leases[key] = l.now().Add(ttl)
	return nil
}

func (l *LocalLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.leases, key)
	return nil
}
