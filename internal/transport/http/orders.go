package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/valentin-gosselin/pretix-sortir/internal/app"
	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

// OrderConfirmer binds pending validations to a placed order.
type OrderConfirmer interface {
	ConfirmOrder(ctx context.Context, in app.ConfirmOrderInput) (app.ConfirmOrderResult, error)
}

// PaymentNotifier reports a paid order so grants can be submitted.
type PaymentNotifier interface {
	OrderPaid(ctx context.Context, in app.OrderPaidInput) (app.OrderPaidResult, error)
}

// CancellationNotifier releases the cards of a dead order.
type CancellationNotifier interface {
	OrderCancelled(ctx context.Context, in app.OrderCancelledInput) (int, error)
}

// HandleConfirmOrder returns an HTTP handler for POST /orders/{code}/confirm.
func HandleConfirmOrder(svc OrderConfirmer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderCode := r.PathValue("code")

		var req confirmOrderRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if req.RequiredCount < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidCount, "required_count must not be negative")
			return
		}

		res, err := svc.ConfirmOrder(r.Context(), app.ConfirmOrderInput{
			OrderCode:     orderCode,
			EventID:       req.EventID,
			RequiredCount: req.RequiredCount,
		})
		if err != nil {
			if errors.Is(err, domain.ErrMissingValidations) {
				writeError(w, http.StatusConflict, codeMissingValidations, "not enough fresh card validations for this order")
				return
			}
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, confirmOrderResponse{
			Bound:            res.Bound,
			AlreadyProcessed: res.AlreadyProcessed,
		})
	}
}

// HandleOrderPaid returns an HTTP handler for POST /orders/{code}/paid.
func HandleOrderPaid(svc PaymentNotifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderCode := r.PathValue("code")

		var req orderPaidRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		res, err := svc.OrderPaid(r.Context(), app.OrderPaidInput{
			OrderCode:  orderCode,
			EventID:    req.EventID,
			ActivityID: req.ActivityID,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, orderPaidResponse{
			Granted:  res.Granted,
			Deferred: res.Deferred,
		})
	}
}

// HandleOrderCancelled returns an HTTP handler for POST /orders/{code}/cancel.
func HandleOrderCancelled(svc CancellationNotifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderCode := r.PathValue("code")

		var req orderCancelledRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		released, err := svc.OrderCancelled(r.Context(), app.OrderCancelledInput{
			OrderCode: orderCode,
			EventID:   req.EventID,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, orderCancelledResponse{Released: released})
	}
}

type confirmOrderRequest struct {
	EventID       string `json:"event_id"`
	RequiredCount int    `json:"required_count"`
}

type confirmOrderResponse struct {
	Bound            int  `json:"bound"`
	AlreadyProcessed bool `json:"already_processed"`
}

type orderPaidRequest struct {
	EventID    string `json:"event_id"`
	ActivityID int    `json:"activity_id,omitempty"`
}

type orderPaidResponse struct {
	Granted  int `json:"granted"`
	Deferred int `json:"deferred"`
}

type orderCancelledRequest struct {
	EventID string `json:"event_id"`
}

type orderCancelledResponse struct {
	Released int `json:"released"`
}
