package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

// UsageReader serves the back-office usage history and audit trail.
type UsageReader interface {
	ListUsages(ctx context.Context, eventID string, page int) ([]domain.CardUsage, error)
	ListAuditTrail(ctx context.Context, eventID string, page int) ([]domain.AuditEntry, error)
}

// StaleSweeper expires abandoned pending reservations.
type StaleSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// HandleListUsages returns an HTTP handler for GET /events/{event}/usages.
func HandleListUsages(svc UsageReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usages, err := svc.ListUsages(r.Context(), r.PathValue("event"), pageParam(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		views := make([]usageView, 0, len(usages))
		for _, u := range usages {
			views = append(views, newUsageView(u))
		}
		writeJSON(w, http.StatusOK, listUsagesResponse{Usages: views})
	}
}

// HandleListAuditTrail returns an HTTP handler for GET /events/{event}/audit-trail.
func HandleListAuditTrail(svc UsageReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.ListAuditTrail(r.Context(), r.PathValue("event"), pageParam(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		views := make([]auditView, 0, len(entries))
		for _, e := range entries {
			views = append(views, auditView{
				ID:         e.ID,
				Action:     string(e.Action),
				Severity:   string(e.Severity),
				OrderCode:  e.OrderCode,
				CardSuffix: e.CardSuffix,
				CallerIP:   e.CallerIP,
				Message:    e.Message,
				CreatedAt:  e.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, listAuditTrailResponse{Entries: views})
	}
}

// HandleSweepStale returns an HTTP handler for POST /maintenance/sweep-stale.
func HandleSweepStale(svc StaleSweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expired, err := svc.SweepStale(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, sweepStaleResponse{Expired: expired})
	}
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

type usageView struct {
	ID          string     `json:"id"`
	CardSuffix  string     `json:"card_suffix"`
	OrderCode   string     `json:"order_code,omitempty"`
	OrderStatus string     `json:"order_status,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

func newUsageView(u domain.CardUsage) usageView {
	return usageView{
		ID:          u.ID,
		CardSuffix:  u.CardSuffix,
		OrderCode:   u.OrderCode,
		OrderStatus: string(u.OrderStatus),
		Status:      string(u.Status),
		CreatedAt:   u.CreatedAt,
		ValidatedAt: u.ValidatedAt,
		UsedAt:      u.UsedAt,
	}
}

type listUsagesResponse struct {
	Usages []usageView `json:"usages"`
}

type auditView struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Severity   string    `json:"severity"`
	OrderCode  string    `json:"order_code,omitempty"`
	CardSuffix string    `json:"card_suffix,omitempty"`
	CallerIP   string    `json:"caller_ip,omitempty"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

type listAuditTrailResponse struct {
	Entries []auditView `json:"entries"`
}

type sweepStaleResponse struct {
	Expired int `json:"expired"`
}
