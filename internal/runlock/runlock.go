// Package runlock serializes dedup runs per dataset. Two runs against the
// same dataset must never overlap.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 45 * time.Minute
	keyPrefix  = "newsdedup:run-lock:"
)

var (
	ErrLockNotAcquired = errors.New("run lock not acquired")
	ErrLockNotHeld     = errors.New("run lock not held")
)

// Locker hands out one exclusive lease per dataset.
type Locker interface {
	Acquire(ctx context.Context, dataset string) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, dataset string) (Lease, error) {
	key := keyPrefix + normalizeDataset(dataset)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: dataset %q has a run in progress", ErrLockNotAcquired, dataset)
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release run lock %s: %w", l.key, err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// LocalLocker is the single-process fallback when REDIS_URL is unset.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]string)}
}

func (l *LocalLocker) Acquire(ctx context.Context, dataset string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := normalizeDataset(dataset)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, fmt.Errorf("%w: dataset %q has a run in progress", ErrLockNotAcquired, dataset)
	}
	token := uuid.NewString()
	l.held[key] = token
	return &localLease{owner: l, key: key, token: token}, nil
}

type localLease struct {
	owner *LocalLocker
	key   string
	token string
}

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.key] != l.token {
		return ErrLockNotHeld
	}
	delete(l.owner.held, l.key)
	return nil
}

func normalizeDataset(dataset string) string {
	return strings.ToLower(strings.TrimSpace(dataset))
}
