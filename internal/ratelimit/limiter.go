// Package ratelimit guards the verification entry point with a windowed
// attempt counter per caller identity, held in the shared store so the cap
// applies across processes.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/valentin-gosselin/pretix-sortir/internal/kv"
)

type Limiter struct {
	store  kv.Store
	window time.Duration
	limit  int64
	logger zerolog.Logger
}

// New builds a limiter allowing limit attempts per window per key.
func New(store kv.Store, window time.Duration, limit int, logger zerolog.Logger) *Limiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Limiter{
		store:  store,
		window: window,
		limit:  int64(limit),
		logger: logger,
	}
}

// Allow counts the attempt and reports whether it is within the cap. Every
// attempt counts, whatever its outcome. When the shared store is
// unreachable the limiter fails open: losing rate limiting briefly beats
// refusing all verifications.
func (l *Limiter) Allow(ctx context.Context, callerKey string) bool {
	count, err := l.store.Incr(ctx, "ratelimit:"+callerKey, l.window)
	if err != nil {
		l.logger.Warn().Err(err).Msg("rate limit store unavailable, allowing request")
		return true
	}
	return count <= l.limit
}

// Window is exposed so callers can word the retry hint.
func (l *Limiter) Window() time.Duration {
	return l.window
}
