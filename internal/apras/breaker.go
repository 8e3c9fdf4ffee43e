package apras

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/valentin-gosselin/pretix-sortir/internal/kv"
)

const (
	breakerOpenKey     = "apras:breaker:open"
	breakerFailuresKey = "apras:breaker:failures"
)

// CircuitBreaker short-circuits calls to the authority while it is known to
// be down. State lives in the shared store so every process fails fast
// together. Auth failures trip it immediately; connection failures trip it
// once threshold consecutive ones were recorded within the cooldown window.
type CircuitBreaker struct {
	store     kv.Store
	cooldown  time.Duration
	threshold int
	logger    zerolog.Logger
}

func NewCircuitBreaker(store kv.Store, cooldown time.Duration, threshold int, logger zerolog.Logger) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		store:     store,
		cooldown:  cooldown,
		threshold: threshold,
		logger:    logger,
	}
}

// IsOpen reports whether calls should fail fast. Store errors are treated
// as closed: an unreachable shared store must not take the verification
// path down with it.
func (b *CircuitBreaker) IsOpen(ctx context.Context) bool {
	_, open, err := b.store.Get(ctx, breakerOpenKey)
	if err != nil {
		b.logger.Warn().Err(err).Msg("breaker state unavailable, assuming closed")
		return false
	}
	return open
}

// Trip opens the breaker for the cooldown period.
func (b *CircuitBreaker) Trip(ctx context.Context) {
	if err := b.store.Set(ctx, breakerOpenKey, "1", b.cooldown); err != nil {
		b.logger.Error().Err(err).Msg("failed to open circuit breaker")
		return
	}
	_ = b.store.Delete(ctx, breakerFailuresKey)
	b.logger.Error().Dur("cooldown", b.cooldown).Msg("circuit breaker opened")
}

// RecordConnectionFailure counts a failed connection attempt and trips the
// breaker when the threshold is reached.
func (b *CircuitBreaker) RecordConnectionFailure(ctx context.Context) {
	count, err := b.store.Incr(ctx, breakerFailuresKey, b.cooldown)
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to record breaker failure")
		return
	}
	b.logger.Warn().Int64("consecutive_failures", count).Msg("connection failure to authority")
	if count >= int64(b.threshold) {
		b.Trip(ctx)
	}
}

// Reset closes the breaker after a successful call.
func (b *CircuitBreaker) Reset(ctx context.Context) {
	if err := b.store.Delete(ctx, breakerOpenKey); err != nil {
		b.logger.Warn().Err(err).Msg("failed to close circuit breaker")
	}
	_ = b.store.Delete(ctx, breakerFailuresKey)
}

// failuresRecorded is exercised by tests to observe the counter.
func (b *CircuitBreaker) failuresRecorded(ctx context.Context) int64 {
	val, ok, err := b.store.Get(ctx, breakerFailuresKey)
	if err != nil || !ok {
		return 0
	}
	n, _ := strconv.ParseInt(val, 10, 64)
	return n
}
