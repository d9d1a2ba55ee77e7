package domain

import (
	"context"
	"time"
)

// Locker provides exclusive, time-bounded locks. Acquisition never blocks:
// a held lock fails fast with ErrAlreadyInProgress so contending callers
// yield instead of queueing behind an external call.
type Locker interface {
	// Acquire takes the lock for key, expiring after ttl if never released.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Lease is a held lock.
type Lease interface {
	// Release frees the lock. Releasing an expired lease is a no-op.
	Release(ctx context.Context) error

	// Key returns the locked key.
	Key() string
}

// LockConfig holds configuration for locker initialization.
type LockConfig struct {
	// Type is the locker type: "local" or "redis"
	Type string

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
