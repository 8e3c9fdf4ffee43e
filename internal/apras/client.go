package apras

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
	"github.com/valentin-gosselin/pretix-sortir/internal/kv"
)

const maxResponseBytes = 1 << 20

// Config carries the remote endpoint and every call-policy knob. Thresholds
// are deployment policy, not constants.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds each attempt, not the whole retry sequence.
	Timeout    time.Duration
	MaxRetries int
	// RetryBackoff is the initial backoff; it doubles per retry.
	RetryBackoff     time.Duration
	NegativeCacheTTL time.Duration
	BeneficiaryTTL   time.Duration
	BreakerCooldown  time.Duration
	BreakerThreshold int
	CardLength       int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.NegativeCacheTTL <= 0 {
		c.NegativeCacheTTL = 5 * time.Minute
	}
	if c.BeneficiaryTTL <= 0 {
		c.BeneficiaryTTL = 10 * time.Minute
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 5 * time.Minute
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.CardLength <= 0 {
		c.CardLength = 10
	}
}

// Client verifies card eligibility and submits grants. Any number of Client
// instances share breaker and cache state through the injected store.
type Client struct {
	cfg        Config
	httpClient *http.Client
	store      kv.Store
	breaker    *CircuitBreaker
	logger     zerolog.Logger
}

func NewClient(cfg Config, store kv.Store, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		// The per-attempt context bounds each call; the http.Client itself
		// carries no timeout.
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		store:   store,
		breaker: NewCircuitBreaker(store, cfg.BreakerCooldown, cfg.BreakerThreshold, logger),
		logger:  logger,
	}
}

// WithHTTPClient overrides the transport, used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func negativeKey(suffix string) string {
	return "apras:negative:" + suffix
}

func beneficiaryKey(suffix string) string {
	return "apras:beneficiary:" + suffix
}

// CheckEligibility verifies the rights attached to a card number. The
// number must already be normalized to digits.
func (c *Client) CheckEligibility(ctx context.Context, cardNumber string) (CheckResult, error) {
	if len(cardNumber) != c.cfg.CardLength || !allDigits(cardNumber) {
		return CheckResult{}, domain.ErrCardNumberInvalid
	}
	suffix := domain.CardSuffix(cardNumber)

	if c.breaker.IsOpen(ctx) {
		return CheckResult{}, fmt.Errorf("%w: temporarily unavailable, retry in a few minutes", domain.ErrServiceUnavailable)
	}

	if msg, ok, err := c.store.Get(ctx, negativeKey(suffix)); err == nil && ok {
		c.logger.Info().Str("card_suffix", suffix).Msg("negative cache hit, skipping remote call")
		return CheckResult{}, fmt.Errorf("%w: %s", domain.ErrCardNotEligible, msg)
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/partners/"+cardNumber, nil)
	if err != nil {
		return CheckResult{}, c.mapTransportError(ctx, err, domain.ErrServiceUnavailable)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch resp.StatusCode {
	case http.StatusCreated:
		var payload checkResponse
		if err := json.Unmarshal(body, &payload); err != nil || payload.ServiceKey == "" {
			return CheckResult{}, fmt.Errorf("verification response missing service key")
		}
		c.breaker.Reset(ctx)
		c.cacheBeneficiary(ctx, suffix, payload.Beneficiary)
		c.logger.Info().Str("card_suffix", suffix).Msg("card eligible")
		return CheckResult{ServiceKey: payload.ServiceKey, Beneficiary: payload.Beneficiary}, nil

	case http.StatusUnauthorized:
		c.breaker.Trip(ctx)
		c.cacheNegative(ctx, suffix, "verification rejected")
		return CheckResult{}, fmt.Errorf("%w: missing or invalid API token", domain.ErrAuthFailed)

	case http.StatusForbidden:
		c.cacheNegative(ctx, suffix, "access denied by the authority")
		return CheckResult{}, fmt.Errorf("%w: access denied by the authority", domain.ErrCardNotEligible)

	case http.StatusNotFound:
		c.cacheNegative(ctx, suffix, "card unknown or rights expired")
		c.logger.Info().Str("card_suffix", suffix).Msg("card not eligible")
		return CheckResult{}, fmt.Errorf("%w: card unknown or rights expired", domain.ErrCardNotEligible)

	default:
		return CheckResult{}, fmt.Errorf("verification failed: unexpected status %d", resp.StatusCode)
	}
}

// SubmitGrant records the confirmed, paid use of a card with the authority.
// A deferred error means the caller must keep the usage validated and retry
// later; it is never a permanent failure.
func (c *Client) SubmitGrant(ctx context.Context, serviceKey string, activityID int) (GrantReceipt, error) {
	if serviceKey == "" {
		return GrantReceipt{}, fmt.Errorf("%w: missing service key", domain.ErrGrantInvalidParams)
	}

	if c.breaker.IsOpen(ctx) {
		return GrantReceipt{}, fmt.Errorf("%w: authority unavailable, queued for later", domain.ErrGrantDeferred)
	}

	payload, err := json.Marshal(grantRequest{Token: serviceKey, ActivityID: activityID})
	if err != nil {
		return GrantReceipt{}, fmt.Errorf("encode grant request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/partners/grant", payload)
	if err != nil {
		return GrantReceipt{}, c.mapTransportError(ctx, err, domain.ErrGrantDeferred)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var receipt GrantReceipt
		if err := json.Unmarshal(body, &receipt); err != nil {
			return GrantReceipt{}, fmt.Errorf("decode grant response: %w", err)
		}
		c.breaker.Reset(ctx)
		c.logger.Info().Int("request_id", receipt.ID).Msg("grant recorded by authority")
		return receipt, nil

	case http.StatusBadRequest:
		return GrantReceipt{}, domain.ErrGrantInvalidParams

	case http.StatusUnauthorized, http.StatusForbidden:
		c.breaker.Trip(ctx)
		return GrantReceipt{}, fmt.Errorf("%w: grant submission", domain.ErrAuthFailed)

	default:
		return GrantReceipt{}, fmt.Errorf("grant failed: unexpected status %d", resp.StatusCode)
	}
}

// BeneficiaryFromCache returns prefill data cached by a recent successful
// verification, if any.
func (c *Client) BeneficiaryFromCache(ctx context.Context, cardSuffix string) *Beneficiary {
	raw, ok, err := c.store.Get(ctx, beneficiaryKey(cardSuffix))
	if err != nil || !ok {
		return nil
	}
	var b Beneficiary
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil
	}
	return &b
}

// do runs one request with per-attempt timeout, retrying 5xx responses with
// exponential backoff. Transport errors are not retried; they feed the
// circuit breaker instead.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	backoff := c.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 500 || attempt >= c.cfg.MaxRetries {
			return resp, nil
		}
		resp.Body.Close()
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Int("attempt", attempt+1).
			Msg("server error from authority, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Drain before the attempt context is cancelled; the caller reads the
	// body after this function returns.
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

// mapTransportError translates a transport failure into the taxonomy.
// Timeouts stay out of the breaker; connection failures feed it.
func (c *Client) mapTransportError(ctx context.Context, err error, sentinel error) error {
	if isTimeout(err) {
		c.logger.Error().Err(err).Msg("timeout calling authority")
		return fmt.Errorf("%w: request timed out", sentinel)
	}
	c.logger.Error().Err(err).Msg("connection failure calling authority")
	c.breaker.RecordConnectionFailure(ctx)
	return fmt.Errorf("%w: could not reach the authority", sentinel)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (c *Client) cacheNegative(ctx context.Context, suffix, msg string) {
	if err := c.store.Set(ctx, negativeKey(suffix), msg, c.cfg.NegativeCacheTTL); err != nil {
		c.logger.Warn().Err(err).Msg("failed to cache negative result")
	}
}

func (c *Client) cacheBeneficiary(ctx context.Context, suffix string, b *Beneficiary) {
	if b == nil {
		return
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, beneficiaryKey(suffix), string(raw), c.cfg.BeneficiaryTTL); err != nil {
		c.logger.Warn().Err(err).Msg("failed to cache beneficiary info")
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
