// Package kv provides the shared, time-expiring key-value state used by the
// circuit breaker, the negative-result cache and the rate limiter. Every
// process handling requests must observe the same store, so production
// deployments back it with Redis; the in-memory implementation exists for
// tests and single-process setups.
package kv

import (
	"context"
	"time"
)

type Store interface {
	// Get returns the value and whether the key exists and is unexpired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key for ttl. A non-positive ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr increments the counter at key and returns the new value. The ttl
	// is applied only when the key is created, so a burst of increments
	// shares one window.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
