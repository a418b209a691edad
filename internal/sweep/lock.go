package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker coalesces scheduled sweeps across instances. Acquire reports false
// when another holder owns the lock.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

const defaultLockKey = "caseflow:sweep-lock"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	Client *redis.Client
	Key    string
}

// NewRedisLocker connects to url and checks the connection.
func NewRedisLocker(ctx context.Context, url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisLocker{Client: client, Key: defaultLockKey}, nil
}

func (l *RedisLocker) key() string {
	if l.Key == "" {
		return defaultLockKey
	}
	return l.Key
}

func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	err := l.Client.SetArgs(ctx, l.key(), token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquire sweep lock: %w", err)
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.Client, []string{l.key()}, token).Err()
	}
	return release, true, nil
}

func (l *RedisLocker) Close() error {
	return l.Client.Close()
}
