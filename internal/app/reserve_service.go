package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/valentin-gosselin/pretix-sortir/internal/apras"
	"github.com/valentin-gosselin/pretix-sortir/internal/audit"
	"github.com/valentin-gosselin/pretix-sortir/internal/clock"
	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

// UsageRepository is the store surface the orchestrator needs. Create must
// fail with domain.ErrCardAlreadyUsed when another active usage exists for
// the same (event, card hash); the store enforces that with a uniqueness
// constraint, not a check-then-act read.
type UsageRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	FindActive(ctx context.Context, eventID, cardHash string) ([]domain.CardUsage, error)
	DeleteStalePending(ctx context.Context, eventID, cardHash string, before time.Time) (int, error)
	// PurgeSessionPending removes unlinked pending usages of one session.
	// An empty cardHash matches any card; a zero since matches any age.
	PurgeSessionPending(ctx context.Context, eventID, sessionID, cardHash string, since time.Time) (int, error)
	Create(ctx context.Context, usage domain.CardUsage) error
	ExpireStale(ctx context.Context, before time.Time) (int, error)
}

// EligibilityChecker is the remote verification boundary; implemented by
// the apras client.
type EligibilityChecker interface {
	CheckEligibility(ctx context.Context, cardNumber string) (apras.CheckResult, error)
}

// RateLimiter guards the verification entry point.
type RateLimiter interface {
	Allow(ctx context.Context, callerKey string) bool
}

const (
	defaultStaleAfter   = 10 * time.Minute
	defaultSessionGrace = 5 * time.Minute
	defaultCardLength   = 10
)

// ReserveService verifies a card against the remote authority and reserves
// it for the event, enforcing single use per (event, card).
type ReserveService struct {
	repo         UsageRepository
	verifier     EligibilityChecker
	limiter      RateLimiter
	sink         audit.Sink
	clock        clock.Clock
	salt         string
	staleAfter   time.Duration
	sessionGrace time.Duration
	cardLength   int
}

type ReserveServiceOption func(*ReserveService)

// WithStaleAfter overrides the abandonment threshold for unlinked pendings.
func WithStaleAfter(d time.Duration) ReserveServiceOption {
	return func(s *ReserveService) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithSessionGrace overrides how long a same-session pending counts as a
// self-correction instead of a collision.
func WithSessionGrace(d time.Duration) ReserveServiceOption {
	return func(s *ReserveService) {
		if d > 0 {
			s.sessionGrace = d
		}
	}
}

func WithCardLength(n int) ReserveServiceOption {
	return func(s *ReserveService) {
		if n > 0 {
			s.cardLength = n
		}
	}
}

func NewReserveService(repo UsageRepository, verifier EligibilityChecker, limiter RateLimiter, sink audit.Sink, clk clock.Clock, salt string, opts ...ReserveServiceOption) *ReserveService {
	svc := &ReserveService{
		repo:         repo,
		verifier:     verifier,
		limiter:      limiter,
		sink:         sink,
		clock:        clk,
		salt:         salt,
		staleAfter:   defaultStaleAfter,
		sessionGrace: defaultSessionGrace,
		cardLength:   defaultCardLength,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type ReserveInput struct {
	CardNumber string
	EventID    string
	SessionID  string
	CallerIP   string
}

func (s *ReserveService) VerifyAndReserve(ctx context.Context, in ReserveInput) (domain.CardUsage, error) {
	now := s.clock.Now()

	if !s.limiter.Allow(ctx, in.CallerIP) {
		s.sink.Record(ctx, domain.AuditEntry{
			Action:    domain.AuditRateLimitTriggered,
			Severity:  domain.SeverityWarning,
			EventID:   in.EventID,
			CallerIP:  in.CallerIP,
			Message:   "verification attempt cap exceeded",
			CreatedAt: now,
		})
		return domain.CardUsage{}, domain.ErrRateLimited
	}

	number := domain.NormalizeCardNumber(in.CardNumber)
	if len(number) < s.cardLength {
		return domain.CardUsage{}, domain.ErrCardNumberInvalid
	}
	suffix := domain.CardSuffix(number)

	check, err := s.verifier.CheckEligibility(ctx, number)
	if err != nil {
		s.sink.Record(ctx, domain.AuditEntry{
			Action:     domain.AuditCardValidationFailed,
			Severity:   domain.SeverityWarning,
			EventID:    in.EventID,
			CardSuffix: suffix,
			CallerIP:   in.CallerIP,
			Message:    err.Error(),
			CreatedAt:  now,
		})
		return domain.CardUsage{}, err
	}

	hash := domain.HashCardNumber(number, s.salt)
	usage := domain.CardUsage{
		ID:          uuid.NewString(),
		EventID:     in.EventID,
		CardHash:    hash,
		CardSuffix:  suffix,
		SessionID:   in.SessionID,
		ServiceKey:  check.ServiceKey,
		Status:      domain.UsageStatusPending,
		CreatedAt:   now,
		ValidatedAt: &now, // remote verification just happened
	}

	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		// Reclaim abandoned carts first so they never count as collisions.
		if _, err := s.repo.DeleteStalePending(txCtx, in.EventID, hash, now.Add(-s.staleAfter)); err != nil {
			return err
		}

		active, err := s.repo.FindActive(txCtx, in.EventID, hash)
		if err != nil {
			return err
		}
		for _, existing := range active {
			if blocks := s.blocks(existing, in.SessionID, now); blocks {
				return domain.ErrCardAlreadyUsed
			}
		}

		// Self-corrections were ignored above but must be gone before the
		// insert, or the uniqueness constraint rejects the replacement.
		if in.SessionID != "" {
			if _, err := s.repo.PurgeSessionPending(txCtx, in.EventID, in.SessionID, hash, time.Time{}); err != nil {
				return err
			}
		}

		// A concurrent reservation for the same card loses here: the store
		// maps its uniqueness violation to ErrCardAlreadyUsed.
		return s.repo.Create(txCtx, usage)
	})
	if err != nil {
		if err == domain.ErrCardAlreadyUsed {
			s.sink.Record(ctx, domain.AuditEntry{
				Action:     domain.AuditCardValidationFailed,
				Severity:   domain.SeverityCritical,
				EventID:    in.EventID,
				CardHash:   hash,
				CardSuffix: suffix,
				CallerIP:   in.CallerIP,
				Message:    "attempted reuse of a card already consumed for this event",
				CreatedAt:  now,
			})
		}
		return domain.CardUsage{}, err
	}

	s.sink.Record(ctx, domain.AuditEntry{
		Action:     domain.AuditCardValidationSuccess,
		Severity:   domain.SeverityInfo,
		EventID:    in.EventID,
		CardHash:   hash,
		CardSuffix: suffix,
		CallerIP:   in.CallerIP,
		Message:    fmt.Sprintf("card reserved (usage %s)", usage.ID),
		CreatedAt:  now,
	})
	return usage, nil
}

// blocks decides whether an existing active usage forbids a new
// reservation of the same card.
func (s *ReserveService) blocks(existing domain.CardUsage, sessionID string, now time.Time) bool {
	// A usage whose order died no longer consumes the card.
	if existing.OrderCode != "" && existing.OrderStatus.Terminal() {
		return false
	}
	// A fresh pending from the same session is the same person correcting
	// their input, not a second consumer.
	if existing.Status == domain.UsageStatusPending &&
		existing.OrderCode == "" &&
		sessionID != "" &&
		existing.SessionID == sessionID &&
		existing.CreatedAt.After(now.Add(-s.sessionGrace)) {
		return false
	}
	return true
}

type CleanupInput struct {
	EventID    string
	SessionID  string
	CardNumber string // optional: restrict to one card
	CallerIP   string
}

type CleanupResult struct {
	SessionDeleted int
	StaleDeleted   int
}

// CleanupSession removes the caller's own recent pending reservations, e.g.
// when the cart changes, then sweeps globally abandoned ones.
func (s *ReserveService) CleanupSession(ctx context.Context, in CleanupInput) (CleanupResult, error) {
	if in.SessionID == "" {
		return CleanupResult{}, domain.ErrSessionRequired
	}
	now := s.clock.Now()

	hash := ""
	if in.CardNumber != "" {
		hash = domain.HashCardNumber(domain.NormalizeCardNumber(in.CardNumber), s.salt)
	}

	deleted, err := s.repo.PurgeSessionPending(ctx, in.EventID, in.SessionID, hash, now.Add(-s.sessionGrace))
	if err != nil {
		return CleanupResult{}, fmt.Errorf("purge session pendings: %w", err)
	}
	stale, err := s.repo.ExpireStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return CleanupResult{}, fmt.Errorf("expire stale pendings: %w", err)
	}

	if deleted > 0 || stale > 0 {
		s.sink.Record(ctx, domain.AuditEntry{
			Action:    domain.AuditSessionCleanup,
			Severity:  domain.SeverityInfo,
			EventID:   in.EventID,
			CallerIP:  in.CallerIP,
			Message:   fmt.Sprintf("removed %d session pendings, expired %d stale", deleted, stale),
			CreatedAt: now,
		})
	}
	return CleanupResult{SessionDeleted: deleted, StaleDeleted: stale}, nil
}
