package app

import (
	"context"
	"sort"
	"time"

	"github.com/valentin-gosselin/pretix-sortir/internal/apras"
	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

// fakeUsageRepo is an in-memory stand-in for the Postgres repository. It
// mirrors the uniqueness constraint on active usages so service tests see
// the same failure mode as production.
type fakeUsageRepo struct {
	usages []domain.CardUsage
}

func newFakeUsageRepo(usages []domain.CardUsage) *fakeUsageRepo {
	return &fakeUsageRepo{usages: usages}
}

func (r *fakeUsageRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := make([]domain.CardUsage, len(r.usages))
	copy(snapshot, r.usages)
	if err := fn(ctx); err != nil {
		r.usages = snapshot
		return err
	}
	return nil
}

func (r *fakeUsageRepo) FindActive(_ context.Context, eventID, cardHash string) ([]domain.CardUsage, error) {
	var out []domain.CardUsage
	for _, u := range r.usages {
		if u.EventID == eventID && u.CardHash == cardHash && isActive(u.Status) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *fakeUsageRepo) DeleteStalePending(_ context.Context, eventID, cardHash string, before time.Time) (int, error) {
	return r.deleteWhere(func(u domain.CardUsage) bool {
		return u.EventID == eventID && u.CardHash == cardHash &&
			u.Status == domain.UsageStatusPending && u.OrderCode == "" &&
			u.CreatedAt.Before(before)
	}), nil
}

func (r *fakeUsageRepo) PurgeSessionPending(_ context.Context, eventID, sessionID, cardHash string, since time.Time) (int, error) {
	return r.deleteWhere(func(u domain.CardUsage) bool {
		if u.EventID != eventID || u.SessionID != sessionID ||
			u.Status != domain.UsageStatusPending || u.OrderCode != "" {
			return false
		}
		if cardHash != "" && u.CardHash != cardHash {
			return false
		}
		if !since.IsZero() && u.CreatedAt.Before(since) {
			return false
		}
		return true
	}), nil
}

func (r *fakeUsageRepo) Create(_ context.Context, usage domain.CardUsage) error {
	for _, u := range r.usages {
		if u.EventID == usage.EventID && u.CardHash == usage.CardHash && isActive(u.Status) {
			return domain.ErrCardAlreadyUsed
		}
	}
	r.usages = append(r.usages, usage)
	return nil
}

func (r *fakeUsageRepo) ExpireStale(_ context.Context, before time.Time) (int, error) {
	count := 0
	for i, u := range r.usages {
		if u.Status == domain.UsageStatusPending && u.OrderCode == "" && u.CreatedAt.Before(before) {
			r.usages[i].Status = domain.UsageStatusExpired
			count++
		}
	}
	return count, nil
}

func (r *fakeUsageRepo) CountByOrder(_ context.Context, orderCode string) (int, error) {
	count := 0
	for _, u := range r.usages {
		if u.OrderCode == orderCode {
			count++
		}
	}
	return count, nil
}

func (r *fakeUsageRepo) ListRecentPending(_ context.Context, eventID string, since time.Time, limit int) ([]domain.CardUsage, error) {
	var out []domain.CardUsage
	for _, u := range r.usages {
		if u.EventID == eventID && u.Status == domain.UsageStatusPending && u.OrderCode == "" && !u.CreatedAt.Before(since) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeUsageRepo) ListByOrderAndStatus(_ context.Context, orderCode string, status domain.UsageStatus) ([]domain.CardUsage, error) {
	var out []domain.CardUsage
	for _, u := range r.usages {
		if u.OrderCode == orderCode && u.Status == status {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *fakeUsageRepo) ListActiveByOrder(_ context.Context, orderCode string) ([]domain.CardUsage, error) {
	var out []domain.CardUsage
	for _, u := range r.usages {
		if u.OrderCode == orderCode && isActive(u.Status) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *fakeUsageRepo) Transition(_ context.Context, id string, from, to domain.UsageStatus, fields domain.UsageTransition) error {
	for i, u := range r.usages {
		if u.ID != id {
			continue
		}
		if u.Status != from {
			return domain.ErrStatusConflict
		}
		r.usages[i].Status = to
		if fields.OrderCode != nil {
			r.usages[i].OrderCode = *fields.OrderCode
		}
		if fields.OrderStatus != nil {
			r.usages[i].OrderStatus = *fields.OrderStatus
		}
		if fields.ValidatedAt != nil {
			r.usages[i].ValidatedAt = fields.ValidatedAt
		}
		if fields.UsedAt != nil {
			r.usages[i].UsedAt = fields.UsedAt
		}
		if fields.RemoteRequestID != nil {
			r.usages[i].RemoteRequestID = *fields.RemoteRequestID
		}
		return nil
	}
	return domain.ErrUsageNotFound
}

func (r *fakeUsageRepo) SetOrderStatus(_ context.Context, orderCode string, status domain.OrderStatus) error {
	for i, u := range r.usages {
		if u.OrderCode == orderCode {
			r.usages[i].OrderStatus = status
		}
	}
	return nil
}

func (r *fakeUsageRepo) byID(id string) (domain.CardUsage, bool) {
	for _, u := range r.usages {
		if u.ID == id {
			return u, true
		}
	}
	return domain.CardUsage{}, false
}

func (r *fakeUsageRepo) deleteWhere(match func(domain.CardUsage) bool) int {
	kept := r.usages[:0]
	deleted := 0
	for _, u := range r.usages {
		if match(u) {
			deleted++
			continue
		}
		kept = append(kept, u)
	}
	r.usages = kept
	return deleted
}

func isActive(status domain.UsageStatus) bool {
	for _, s := range domain.ActiveStatuses {
		if status == s {
			return true
		}
	}
	return false
}

type fakeVerifier struct {
	result apras.CheckResult
	err    error
	calls  int
}

func (v *fakeVerifier) CheckEligibility(context.Context, string) (apras.CheckResult, error) {
	v.calls++
	if v.err != nil {
		return apras.CheckResult{}, v.err
	}
	return v.result, nil
}

type fakeLimiter struct {
	allow bool
}

func (l fakeLimiter) Allow(context.Context, string) bool { return l.allow }

type fakeSink struct {
	entries []domain.AuditEntry
}

func (s *fakeSink) Record(_ context.Context, entry domain.AuditEntry) {
	s.entries = append(s.entries, entry)
}

func (s *fakeSink) actions() []domain.AuditAction {
	out := make([]domain.AuditAction, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeGranter struct {
	receipt apras.GrantReceipt
	err     error
	keys    []string
}

func (g *fakeGranter) SubmitGrant(_ context.Context, serviceKey string, _ int) (apras.GrantReceipt, error) {
	g.keys = append(g.keys, serviceKey)
	if g.err != nil {
		return apras.GrantReceipt{}, g.err
	}
	return g.receipt, nil
}
