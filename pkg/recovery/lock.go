package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const SweepLockKey = "crucible:recovery:sweep"

var ErrLockNotHeld = errors.New("sweep lock not held")

// Locker keeps two sweeps from running at once. Unlock must be called with
// the token TryLock returned.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, token string) error
}

// releaseScript deletes the key only while it still holds the caller's token,
// so a sweep that outlived its ttl cannot drop a lock another replica took.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a cluster-wide sweep lock.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, key: SweepLockKey}
}

// NewRedisLockerFromURL connects to redis and checks the connection.
func NewRedisLockerFromURL(ctx context.Context, url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return NewRedisLocker(client), nil
}

func (l *RedisLocker) TryLock(ctx context.Context, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire sweep lock: %w", err)
	}

	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, token string) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("release sweep lock: %w", err)
	}

	if deleted == 0 {
		return ErrLockNotHeld
	}

	return nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// LocalLocker serializes sweeps within one process.
type LocalLocker struct {
	mu    sync.Mutex
	token string
}

func (l *LocalLocker) TryLock(_ context.Context, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return "", false, nil
	}

	l.token = uuid.NewString()

	return l.token, true, nil
}

func (l *LocalLocker) Unlock(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" || l.token != token {
		return ErrLockNotHeld
	}

	l.token = ""

	return nil
}
