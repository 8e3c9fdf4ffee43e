package app

import (
	"context"
	"testing"
	"time"

	"github.com/valentin-gosselin/pretix-sortir/internal/clock"
	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

type fakeAdminRepo struct {
	usages      []domain.CardUsage
	entries     []domain.AuditEntry
	gotLimit    int
	gotOffset   int
	gotBefore   time.Time
	expiredStub int
}

func (r *fakeAdminRepo) ListByEvent(_ context.Context, _ string, limit, offset int) ([]domain.CardUsage, error) {
	r.gotLimit, r.gotOffset = limit, offset
	return r.usages, nil
}

func (r *fakeAdminRepo) ListAuditTrail(_ context.Context, _ string, limit, offset int) ([]domain.AuditEntry, error) {
	r.gotLimit, r.gotOffset = limit, offset
	return r.entries, nil
}

func (r *fakeAdminRepo) ExpireStale(_ context.Context, before time.Time) (int, error) {
	r.gotBefore = before
	return r.expiredStub, nil
}

func TestAdminService(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("pages translate to limit and offset", func(t *testing.T) {
		repo := &fakeAdminRepo{}
		svc := NewAdminService(repo, clock.NewFixed(now))

		if _, err := svc.ListUsages(context.Background(), "evt-1", 3); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if repo.gotLimit != 50 || repo.gotOffset != 100 {
			t.Fatalf("unexpected paging: limit=%d offset=%d", repo.gotLimit, repo.gotOffset)
		}

		// Page zero and negatives clamp to the first page.
		if _, err := svc.ListAuditTrail(context.Background(), "evt-1", 0); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if repo.gotOffset != 0 {
			t.Fatalf("expected clamped offset, got %d", repo.gotOffset)
		}
	})

	t.Run("sweep applies the abandonment threshold", func(t *testing.T) {
		repo := &fakeAdminRepo{expiredStub: 4}
		svc := NewAdminService(repo, clock.NewFixed(now), WithSweepStaleAfter(15*time.Minute))

		expired, err := svc.SweepStale(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if expired != 4 {
			t.Fatalf("expected 4, got %d", expired)
		}
		if !repo.gotBefore.Equal(now.Add(-15 * time.Minute)) {
			t.Fatalf("unexpected cutoff %v", repo.gotBefore)
		}
	})
}
