// ABOUTME: Key-value persistence contract with per-key TTL and prefix enumeration
// ABOUTME: Implemented by SQLiteStore (durable), MemoryStore (tests) and Guarded (circuit breaker)

package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("not found")

// Key describes one stored entry as returned by List.
// ExpiresAt is zero for entries without a TTL.
type Key struct {
	Name      string
	ExpiresAt time.Time
}

// Store is a flat key-value namespace. A ttl of zero stores the value without
// expiry. Expired entries are treated as absent by every read.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Key, error)
	Close() error
}

// Sweeper is implemented by stores that can purge expired entries eagerly.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
