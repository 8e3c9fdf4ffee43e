package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/valentin-gosselin/pretix-sortir/internal/app"
	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

// CardVerifier is the minimal interface needed to verify a card and reserve
// its usage.
type CardVerifier interface {
	VerifyAndReserve(ctx context.Context, in app.ReserveInput) (domain.CardUsage, error)
}

// SessionCleaner releases a checkout session's own pending reservations.
type SessionCleaner interface {
	CleanupSession(ctx context.Context, in app.CleanupInput) (app.CleanupResult, error)
}

// HandleVerifyCard returns an HTTP handler for POST /events/{event}/card-validations.
func HandleVerifyCard(svc CardVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := r.PathValue("event")

		var req verifyCardRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if req.SessionID == "" {
			writeError(w, http.StatusBadRequest, codeSessionRequired, "session_id is required")
			return
		}

		usage, err := svc.VerifyAndReserve(r.Context(), app.ReserveInput{
			CardNumber: req.CardNumber,
			EventID:    eventID,
			SessionID:  req.SessionID,
			CallerIP:   clientIP(r),
		})
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrRateLimited):
				writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many verification attempts, try again later")
			case errors.Is(err, domain.ErrCardNumberInvalid):
				writeError(w, http.StatusUnprocessableEntity, codeCardNumberInvalid, "card number is not a valid card number")
			case errors.Is(err, domain.ErrCardNotEligible):
				writeError(w, http.StatusUnprocessableEntity, codeCardNotEligible, "card is not eligible")
			case errors.Is(err, domain.ErrCardAlreadyUsed):
				writeError(w, http.StatusConflict, codeCardAlreadyUsed, "card has already been used for this event")
			case errors.Is(err, domain.ErrServiceUnavailable), errors.Is(err, domain.ErrAuthFailed):
				writeError(w, http.StatusServiceUnavailable, codeServiceUnavailable, "verification is temporarily unavailable, try again later")
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		writeJSON(w, http.StatusCreated, verifyCardResponse{
			ID:         usage.ID,
			Status:     string(usage.Status),
			CardSuffix: usage.CardSuffix,
			CreatedAt:  usage.CreatedAt,
		})
	}
}

// HandleCleanupSession returns an HTTP handler for
// POST /events/{event}/card-validations/cleanup.
func HandleCleanupSession(svc SessionCleaner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := r.PathValue("event")

		var req cleanupRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		res, err := svc.CleanupSession(r.Context(), app.CleanupInput{
			EventID:    eventID,
			SessionID:  req.SessionID,
			CardNumber: req.CardNumber,
			CallerIP:   clientIP(r),
		})
		if err != nil {
			if errors.Is(err, domain.ErrSessionRequired) {
				writeError(w, http.StatusBadRequest, codeSessionRequired, "session_id is required")
				return
			}
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, cleanupResponse{
			SessionDeleted: res.SessionDeleted,
			StaleDeleted:   res.StaleDeleted,
		})
	}
}

type verifyCardRequest struct {
	CardNumber string `json:"card_number"`
	SessionID  string `json:"session_id"`
}

type verifyCardResponse struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	CardSuffix string    `json:"card_suffix"`
	CreatedAt  time.Time `json:"created_at"`
}

type cleanupRequest struct {
	SessionID  string `json:"session_id"`
	CardNumber string `json:"card_number,omitempty"`
}

type cleanupResponse struct {
	SessionDeleted int `json:"session_deleted"`
	StaleDeleted   int `json:"stale_deleted"`
}

// clientIP resolves the caller address for rate limiting and the audit
// trail, trusting proxy headers when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
