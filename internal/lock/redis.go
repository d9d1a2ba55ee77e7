package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codremit/codremit/internal/domain"
)

// RedisLocker is a Redis-backed locker using SET NX PX with a per-lease
// token so only the holder can release.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a new Redis-backed locker.
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLocker{client: client}, nil
}

// Acquire takes the lock for key via SET NX PX. A held lock fails fast
// with ErrAlreadyInProgress.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: lock key is required", domain.ErrValidation)
	}

	token := uuid.New().String()
	fullKey := l.makeKey(key)

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: lock %s is held", domain.ErrAlreadyInProgress, key)
	}

	return &redisLease{client: l.client, key: key, fullKey: fullKey, token: token}, nil
}

// Ping checks Redis connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) makeKey(key string) string {
	return "codremit:lock:" + key
}

type redisLease struct {
	client  *redis.Client
	key     string
	fullKey string
	token   string
}

// Release deletes the lock only if this lease still holds it. Releasing
// an expired lease is a no-op.
func (le *redisLease) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)

	if err := script.Run(ctx, le.client, []string{le.fullKey}, le.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", le.key, err)
	}
	return nil
}

func (le *redisLease) Key() string {
	return le.key
}
