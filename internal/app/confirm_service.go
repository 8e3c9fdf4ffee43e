package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valentin-gosselin/pretix-sortir/internal/apras"
	"github.com/valentin-gosselin/pretix-sortir/internal/audit"
	"github.com/valentin-gosselin/pretix-sortir/internal/clock"
	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

// ConfirmationRepository is the store surface of the reconciler. Transition
// must be a single atomic conditional update failing with
// domain.ErrStatusConflict on a status mismatch.
type ConfirmationRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CountByOrder(ctx context.Context, orderCode string) (int, error)
	ListRecentPending(ctx context.Context, eventID string, since time.Time, limit int) ([]domain.CardUsage, error)
	ListByOrderAndStatus(ctx context.Context, orderCode string, status domain.UsageStatus) ([]domain.CardUsage, error)
	ListActiveByOrder(ctx context.Context, orderCode string) ([]domain.CardUsage, error)
	Transition(ctx context.Context, id string, from, to domain.UsageStatus, fields domain.UsageTransition) error
	SetOrderStatus(ctx context.Context, orderCode string, status domain.OrderStatus) error
}

// GrantSubmitter is the grant boundary of the remote authority client.
type GrantSubmitter interface {
	SubmitGrant(ctx context.Context, serviceKey string, activityID int) (apras.GrantReceipt, error)
}

// ConfirmService reconciles pending reservations with confirmed orders and
// drives the later grant step once payment arrives.
type ConfirmService struct {
	repo         ConfirmationRepository
	granter      GrantSubmitter
	sink         audit.Sink
	clock        clock.Clock
	recentWindow time.Duration
}

type ConfirmServiceOption func(*ConfirmService)

// WithRecentWindow overrides how fresh a pending must be to bind to an
// order at confirmation time.
func WithRecentWindow(d time.Duration) ConfirmServiceOption {
	return func(s *ConfirmService) {
		if d > 0 {
			s.recentWindow = d
		}
	}
}

func NewConfirmService(repo ConfirmationRepository, granter GrantSubmitter, sink audit.Sink, clk clock.Clock, opts ...ConfirmServiceOption) *ConfirmService {
	svc := &ConfirmService{
		repo:         repo,
		granter:      granter,
		sink:         sink,
		clock:        clk,
		recentWindow: defaultSessionGrace,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type ConfirmOrderInput struct {
	OrderCode string
	EventID   string
	// RequiredCount is the number of order positions priced against a
	// Sortir! card; each needs its own fresh validation.
	RequiredCount int
}

type ConfirmOrderResult struct {
	Bound            int
	AlreadyProcessed bool
}

// ConfirmOrder binds the freshest pending validations to the order, newest
// first, all or nothing. Re-running it for an already processed order is a
// no-op.
func (s *ConfirmService) ConfirmOrder(ctx context.Context, in ConfirmOrderInput) (ConfirmOrderResult, error) {
	now := s.clock.Now()
	var result ConfirmOrderResult

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		linked, err := s.repo.CountByOrder(txCtx, in.OrderCode)
		if err != nil {
			return err
		}
		if linked > 0 {
			result = ConfirmOrderResult{AlreadyProcessed: true}
			return nil
		}
		if in.RequiredCount <= 0 {
			return nil
		}

		pending, err := s.repo.ListRecentPending(txCtx, in.EventID, now.Add(-s.recentWindow), in.RequiredCount)
		if err != nil {
			return err
		}
		if len(pending) < in.RequiredCount {
			return fmt.Errorf("%w: need %d, found %d", domain.ErrMissingValidations, in.RequiredCount, len(pending))
		}

		orderStatus := domain.OrderStatusPending
		for _, usage := range pending {
			validatedAt := now
			if err := s.repo.Transition(txCtx, usage.ID, domain.UsageStatusPending, domain.UsageStatusValidated, domain.UsageTransition{
				OrderCode:   &in.OrderCode,
				OrderStatus: &orderStatus,
				ValidatedAt: &validatedAt,
			}); err != nil {
				// Any conflict aborts: a partial binding must never commit.
				return err
			}
			s.sink.Record(txCtx, domain.AuditEntry{
				Action:     domain.AuditUsageRecorded,
				Severity:   domain.SeverityInfo,
				EventID:    in.EventID,
				OrderCode:  in.OrderCode,
				CardHash:   usage.CardHash,
				CardSuffix: usage.CardSuffix,
				Message:    fmt.Sprintf("usage %s bound to order", usage.ID),
				CreatedAt:  now,
			})
		}
		result = ConfirmOrderResult{Bound: in.RequiredCount}
		return nil
	})
	if err != nil {
		return ConfirmOrderResult{}, err
	}
	return result, nil
}

type OrderPaidInput struct {
	OrderCode string
	EventID   string
	// ActivityID optionally identifies the activity at the authority.
	ActivityID int
}

type OrderPaidResult struct {
	Granted  int
	Deferred int
}

// OrderPaid submits a grant for every validated usage of the order. The
// authority must only learn about confirmed payments, which is why this
// runs here and not at confirmation. A failed submission leaves the usage
// validated for a later retry; re-invoking OrderPaid is safe because the
// validated→used transition refuses doubles.
func (s *ConfirmService) OrderPaid(ctx context.Context, in OrderPaidInput) (OrderPaidResult, error) {
	now := s.clock.Now()

	if err := s.repo.SetOrderStatus(ctx, in.OrderCode, domain.OrderStatusPaid); err != nil {
		return OrderPaidResult{}, fmt.Errorf("mark order paid: %w", err)
	}

	usages, err := s.repo.ListByOrderAndStatus(ctx, in.OrderCode, domain.UsageStatusValidated)
	if err != nil {
		return OrderPaidResult{}, fmt.Errorf("list validated usages: %w", err)
	}

	var result OrderPaidResult
	for _, usage := range usages {
		if usage.ServiceKey == "" {
			result.Deferred++
			s.recordGrantFailure(ctx, in, usage, "missing service key", now)
			continue
		}

		receipt, err := s.granter.SubmitGrant(ctx, usage.ServiceKey, in.ActivityID)
		if err != nil {
			result.Deferred++
			s.recordGrantFailure(ctx, in, usage, err.Error(), now)
			continue
		}

		requestID := strconv.Itoa(receipt.ID)
		usedAt := now
		err = s.repo.Transition(ctx, usage.ID, domain.UsageStatusValidated, domain.UsageStatusUsed, domain.UsageTransition{
			UsedAt:          &usedAt,
			RemoteRequestID: &requestID,
		})
		if err == domain.ErrStatusConflict {
			// A concurrent delivery already finalized this usage.
			continue
		}
		if err != nil {
			return result, fmt.Errorf("finalize usage %s: %w", usage.ID, err)
		}

		result.Granted++
		s.sink.Record(ctx, domain.AuditEntry{
			Action:     domain.AuditGrantSuccess,
			Severity:   domain.SeverityInfo,
			EventID:    in.EventID,
			OrderCode:  in.OrderCode,
			CardHash:   usage.CardHash,
			CardSuffix: usage.CardSuffix,
			Message:    fmt.Sprintf("grant recorded, remote request %s", requestID),
			CreatedAt:  now,
		})
	}
	return result, nil
}

func (s *ConfirmService) recordGrantFailure(ctx context.Context, in OrderPaidInput, usage domain.CardUsage, detail string, now time.Time) {
	s.sink.Record(ctx, domain.AuditEntry{
		Action:     domain.AuditGrantFailed,
		Severity:   domain.SeverityError,
		EventID:    in.EventID,
		OrderCode:  in.OrderCode,
		CardHash:   usage.CardHash,
		CardSuffix: usage.CardSuffix,
		Message:    fmt.Sprintf("grant for usage %s failed: %s", usage.ID, detail),
		CreatedAt:  now,
	})
}

type OrderCancelledInput struct {
	OrderCode string
	EventID   string
}

// OrderCancelled releases the cards of a dead order so they can be used
// again. Usages already granted stay used.
func (s *ConfirmService) OrderCancelled(ctx context.Context, in OrderCancelledInput) (int, error) {
	released := 0
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.SetOrderStatus(txCtx, in.OrderCode, domain.OrderStatusCancelled); err != nil {
			return err
		}
		usages, err := s.repo.ListActiveByOrder(txCtx, in.OrderCode)
		if err != nil {
			return err
		}
		for _, usage := range usages {
			if usage.Status == domain.UsageStatusUsed {
				continue
			}
			if err := s.repo.Transition(txCtx, usage.ID, usage.Status, domain.UsageStatusCancelled, domain.UsageTransition{}); err != nil {
				if err == domain.ErrStatusConflict {
					continue
				}
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}
