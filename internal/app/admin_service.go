package app

import (
	"context"
	"time"

	"github.com/valentin-gosselin/pretix-sortir/internal/clock"
	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

// AdminRepository backs the support/history views and the maintenance
// sweep.
type AdminRepository interface {
	ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]domain.CardUsage, error)
	ListAuditTrail(ctx context.Context, eventID string, limit, offset int) ([]domain.AuditEntry, error)
	ExpireStale(ctx context.Context, before time.Time) (int, error)
}

// AdminService serves the usage history and audit trail consulted by
// support staff, and exposes the eager stale-reservation sweep for the
// external maintenance job.
type AdminService struct {
	repo       AdminRepository
	clock      clock.Clock
	staleAfter time.Duration
	pageSize   int
}

type AdminServiceOption func(*AdminService)

// WithSweepStaleAfter overrides the abandonment threshold used by the
// sweep; it should match the reserve policy.
func WithSweepStaleAfter(d time.Duration) AdminServiceOption {
	return func(s *AdminService) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func NewAdminService(repo AdminRepository, clk clock.Clock, opts ...AdminServiceOption) *AdminService {
	svc := &AdminService{
		repo:       repo,
		clock:      clk,
		staleAfter: defaultStaleAfter,
		pageSize:   50,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *AdminService) ListUsages(ctx context.Context, eventID string, page int) ([]domain.CardUsage, error) {
	if page < 1 {
		page = 1
	}
	return s.repo.ListByEvent(ctx, eventID, s.pageSize, (page-1)*s.pageSize)
}

func (s *AdminService) ListAuditTrail(ctx context.Context, eventID string, page int) ([]domain.AuditEntry, error) {
	if page < 1 {
		page = 1
	}
	return s.repo.ListAuditTrail(ctx, eventID, s.pageSize, (page-1)*s.pageSize)
}

// SweepStale expires every unlinked pending older than the abandonment
// threshold. The lazy reclaim in the reserve path only touches one card;
// this covers the rest.
func (s *AdminService) SweepStale(ctx context.Context) (int, error) {
	return s.repo.ExpireStale(ctx, s.clock.Now().Add(-s.staleAfter))
}
