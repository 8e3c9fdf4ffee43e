package domain

import "errors"

var (
	// ErrCardNumberInvalid rejects malformed input before any remote call.
	ErrCardNumberInvalid = errors.New("card number invalid")
	// ErrRateLimited is distinct from verification failures; recoverable
	// once the window elapses.
	ErrRateLimited = errors.New("too many attempts")
	// ErrServiceUnavailable covers circuit-open, connection and timeout
	// failures. Never to be presented as "not eligible".
	ErrServiceUnavailable = errors.New("verification service unavailable")
	// ErrCardNotEligible is terminal for this card at this event for the
	// negative-cache TTL.
	ErrCardNotEligible = errors.New("card not eligible")
	ErrCardAlreadyUsed = errors.New("card already used for this event")
	// ErrMissingValidations fails an order confirmation when fewer pending
	// validations exist than the order requires.
	ErrMissingValidations = errors.New("missing card validations")
	// ErrStatusConflict is returned by conditional transitions when the
	// current status no longer matches.
	ErrStatusConflict = errors.New("usage status conflict")
	// ErrGrantDeferred means the grant could not be submitted now and must
	// be retried later; the usage stays validated.
	ErrGrantDeferred      = errors.New("grant deferred")
	ErrGrantInvalidParams = errors.New("grant rejected: invalid parameters")
	ErrAuthFailed         = errors.New("remote authority rejected credentials")
	ErrUsageNotFound      = errors.New("usage not found")
	ErrInvalidID          = errors.New("invalid id")
	ErrSessionRequired    = errors.New("session id required")
)
