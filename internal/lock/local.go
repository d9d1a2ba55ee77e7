package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

// LocalLocker is an in-process locker backed by a mutex-guarded map.
// Suitable for single-node Community deployments only.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewLocalLocker creates a new in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// Acquire takes the lock for key. A lock already held and not yet expired
// fails fast with ErrAlreadyInProgress.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: lock key is required", domain.ErrValidation)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return nil, fmt.Errorf("%w: lock %s is held", domain.ErrAlreadyInProgress, key)
	}

	l.held[key] = now.Add(ttl)
	return &localLease{locker: l, key: key, expiresAt: l.held[key]}, nil
}

// Ping checks locker health.
func (l *LocalLocker) Ping(ctx context.Context) error {
	return nil
}

// Close releases all held locks.
func (l *LocalLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = make(map[string]time.Time)
	return nil
}

type localLease struct {
	locker    *LocalLocker
	key       string
	expiresAt time.Time
}

// Release frees the lock. If the lease expired and another caller re-acquired
// the key, the newer holder's lock is left untouched.
func (le *localLease) Release(ctx context.Context) error {
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()

	if expiry, ok := le.locker.held[le.key]; ok && expiry.Equal(le.expiresAt) {
		delete(le.locker.held, le.key)
	}
	return nil
}

func (le *localLease) Key() string {
	return le.key
}
