package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codremit/codremit/internal/domain"
)

func TestLocalLockerAcquireRelease(t *testing.T) {
	locker := NewLocalLocker()
	defer locker.Close()

	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "batch:acc-001", time.Minute)
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if lease.Key() != "batch:acc-001" {
		t.Errorf("unexpected lease key %q", lease.Key())
	}

	// Second acquire fails fast, no blocking.
	_, err = locker.Acquire(ctx, "batch:acc-001", time.Minute)
	if !errors.Is(err, domain.ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}

	// A different key is independent.
	other, err := locker.Acquire(ctx, "batch:acc-002", time.Minute)
	if err != nil {
		t.Fatalf("independent key should acquire: %v", err)
	}
	other.Release(ctx)

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// Released lock is acquirable again.
	if _, err := locker.Acquire(ctx, "batch:acc-001", time.Minute); err != nil {
		t.Fatalf("expected re-acquire after release, got %v", err)
	}
}

func TestLocalLockerExpiry(t *testing.T) {
	locker := NewLocalLocker()
	defer locker.Close()

	now := time.Now()
	locker.clock = func() time.Time { return now }

	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "payout:b1", time.Second)
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	// TTL elapses; the next acquirer takes over.
	now = now.Add(2 * time.Second)
	_, err = locker.Acquire(ctx, "payout:b1", time.Minute)
	if err != nil {
		t.Fatalf("expected acquire after expiry, got %v", err)
	}

	// The stale lease's release must not free the new holder's lock.
	stale.Release(ctx)
	_, err = locker.Acquire(ctx, "payout:b1", time.Minute)
	if !errors.Is(err, domain.ErrAlreadyInProgress) {
		t.Fatalf("stale release freed the live lock: %v", err)
	}
}

func TestLocalLockerEmptyKey(t *testing.T) {
	locker := NewLocalLocker()
	defer locker.Close()

	_, err := locker.Acquire(context.Background(), "", time.Minute)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestNewSelectsImplementation(t *testing.T) {
	locker, err := New(domain.LockConfig{Type: "local"})
	if err != nil {
		t.Fatalf("failed to create local locker: %v", err)
	}
	defer locker.Close()

	if _, ok := locker.(*LocalLocker); !ok {
		t.Errorf("expected *LocalLocker, got %T", locker)
	}

	if _, err := New(domain.LockConfig{Type: "bogus"}); err == nil {
		t.Error("expected error for unknown locker type")
	}
}
