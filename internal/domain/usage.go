package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type UsageStatus string

const (
	UsageStatusPending   UsageStatus = "pending"
	UsageStatusValidated UsageStatus = "validated"
	UsageStatusUsed      UsageStatus = "used"
	UsageStatusCancelled UsageStatus = "cancelled"
	UsageStatusExpired   UsageStatus = "expired"
)

// ActiveStatuses are the statuses that consume a card for an event. The
// database enforces at most one usage per (event, card hash) in these.
var ActiveStatuses = []UsageStatus{UsageStatusPending, UsageStatusValidated, UsageStatusUsed}

// OrderStatus mirrors the shop's view of an order as reported through the
// order lifecycle webhooks. A usage linked to a terminal order no longer
// blocks the card.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusExpired
}

// CardUsage records one consumption of a Sortir! card for an event. The raw
// card number is never stored; only its salted hash and the last four digits
// kept for support reference.
type CardUsage struct {
	ID          string
	EventID     string
	CardHash    string
	CardSuffix  string
	OrderCode   string // empty while no order is linked
	OrderStatus OrderStatus
	SessionID   string
	ServiceKey  string
	Status      UsageStatus
	CreatedAt   time.Time
	ValidatedAt *time.Time
	UsedAt      *time.Time
	// RemoteRequestID is assigned by the remote authority once the grant
	// has been submitted.
	RemoteRequestID string
}

// UsageTransition carries the fields written alongside a status transition.
// Nil pointers leave the column untouched.
type UsageTransition struct {
	OrderCode       *string
	OrderStatus     *OrderStatus
	ValidatedAt     *time.Time
	UsedAt          *time.Time
	RemoteRequestID *string
}

// HashCardNumber returns the salted SHA-256 hash stored in place of the raw
// card number.
func HashCardNumber(number, salt string) string {
	sum := sha256.Sum256([]byte(salt + number))
	return hex.EncodeToString(sum[:])
}

// CardSuffix returns the last four digits of a card number, or the whole
// number when shorter.
func CardSuffix(number string) string {
	if len(number) <= 4 {
		return number
	}
	return number[len(number)-4:]
}

// NormalizeCardNumber strips everything but digits from user input.
func NormalizeCardNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
