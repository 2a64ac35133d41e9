// Package lock provides cross-process mutual exclusion for workers that share a cache directory.
package lock

import (
	"context"
	"time"
)

// Locker grants short leases on named keys.
type Locker interface {
	// Acquire takes the lease when nobody holds it and reports whether it did.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops the lease if this locker still holds it.
	Release(ctx context.Context, key string) error
	// Refresh pushes the lease expiry out; it fails with ErrNotHeld when the lease was lost.
	Refresh(ctx context.Context, key string, ttl time.Duration) error
}
