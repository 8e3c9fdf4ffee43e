package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/valentin-gosselin/pretix-sortir/internal/app"
	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

type fakeConfirmer struct {
	result app.ConfirmOrderResult
	err    error
	got    app.ConfirmOrderInput
}

func (f *fakeConfirmer) ConfirmOrder(_ context.Context, in app.ConfirmOrderInput) (app.ConfirmOrderResult, error) {
	f.got = in
	return f.result, f.err
}

type fakePaidNotifier struct {
	result app.OrderPaidResult
	err    error
	got    app.OrderPaidInput
}

func (f *fakePaidNotifier) OrderPaid(_ context.Context, in app.OrderPaidInput) (app.OrderPaidResult, error) {
	f.got = in
	return f.result, f.err
}

type fakeCancelNotifier struct {
	released int
	err      error
	got      app.OrderCancelledInput
}

func (f *fakeCancelNotifier) OrderCancelled(_ context.Context, in app.OrderCancelledInput) (int, error) {
	f.got = in
	return f.released, f.err
}

func TestHandleConfirmOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           string
		result         app.ConfirmOrderResult
		serviceErr     error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "bound",
			body:           `{"event_id":"evt-1","required_count":2}`,
			result:         app.ConfirmOrderResult{Bound: 2},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "already processed",
			body:           `{"event_id":"evt-1","required_count":2}`,
			result:         app.ConfirmOrderResult{AlreadyProcessed: true},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid body",
			body:           `{"event_id":`,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   codeInvalidRequestBody,
		},
		{
			name:           "negative count",
			body:           `{"event_id":"evt-1","required_count":-1}`,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   codeInvalidCount,
		},
		{
			name:           "missing validations",
			body:           `{"event_id":"evt-1","required_count":2}`,
			serviceErr:     domain.ErrMissingValidations,
			expectedStatus: http.StatusConflict,
			expectedCode:   codeMissingValidations,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeConfirmer{result: tc.result, err: tc.serviceErr}
			mux := http.NewServeMux()
			mux.Handle("POST /orders/{code}/confirm", HandleConfirmOrder(svc))

			req := httptest.NewRequest(http.MethodPost, "/orders/ORD01/confirm", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.expectedStatus {
				t.Fatalf("expected status %d, got %d (%s)", tc.expectedStatus, rec.Code, rec.Body.String())
			}
			if tc.expectedCode != "" {
				var resp errorResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if resp.Code != tc.expectedCode {
					t.Fatalf("expected code %s, got %s", tc.expectedCode, resp.Code)
				}
			}
			if tc.expectedStatus == http.StatusOK {
				var resp confirmOrderResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if resp.Bound != tc.result.Bound || resp.AlreadyProcessed != tc.result.AlreadyProcessed {
					t.Fatalf("unexpected response: %+v", resp)
				}
				if svc.got.OrderCode != "ORD01" || svc.got.EventID != "evt-1" {
					t.Fatalf("unexpected input: %+v", svc.got)
				}
			}
		})
	}
}

func TestHandleOrderPaid(t *testing.T) {
	t.Parallel()

	svc := &fakePaidNotifier{result: app.OrderPaidResult{Granted: 2, Deferred: 1}}
	mux := http.NewServeMux()
	mux.Handle("POST /orders/{code}/paid", HandleOrderPaid(svc))

	req := httptest.NewRequest(http.MethodPost, "/orders/ORD01/paid",
		strings.NewReader(`{"event_id":"evt-1","activity_id":7}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp orderPaidResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Granted != 2 || resp.Deferred != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if svc.got.OrderCode != "ORD01" || svc.got.ActivityID != 7 {
		t.Fatalf("unexpected input: %+v", svc.got)
	}
}

func TestHandleOrderCancelled(t *testing.T) {
	t.Parallel()

	svc := &fakeCancelNotifier{released: 3}
	mux := http.NewServeMux()
	mux.Handle("POST /orders/{code}/cancel", HandleOrderCancelled(svc))

	req := httptest.NewRequest(http.MethodPost, "/orders/ORD01/cancel",
		strings.NewReader(`{"event_id":"evt-1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp orderCancelledResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Released != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if svc.got.OrderCode != "ORD01" || svc.got.EventID != "evt-1" {
		t.Fatalf("unexpected input: %+v", svc.got)
	}
}
