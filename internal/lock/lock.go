// Package lock provides exclusive lock implementations for codremit.
package lock

import (
	"fmt"

	"github.com/codremit/codremit/internal/domain"
)

// New creates a new locker based on configuration.
// For Community tier: returns the in-process locker.
// For Pro tier: returns the Redis-backed locker for cross-node exclusion.
func New(cfg domain.LockConfig) (domain.Locker, error) {
	switch cfg.Type {
	case "local":
		return NewLocalLocker(), nil

	case "redis":
		return NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}
