package domain

import "time"

type AuditAction string

const (
	AuditCardValidationSuccess AuditAction = "card_validation_success"
	AuditCardValidationFailed  AuditAction = "card_validation_failed"
	AuditRateLimitTriggered    AuditAction = "rate_limit_triggered"
	AuditUsageRecorded         AuditAction = "usage_recorded"
	AuditGrantSuccess          AuditAction = "grant_success"
	AuditGrantFailed           AuditAction = "grant_failed"
	AuditSessionCleanup        AuditAction = "session_cleanup"
)

type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEntry is a structured trace of a verification-related action. It
// carries the masked card identity only (hash + last four digits); the raw
// number must never reach a sink.
type AuditEntry struct {
	ID         string
	Action     AuditAction
	Severity   AuditSeverity
	EventID    string
	OrderCode  string
	CardHash   string
	CardSuffix string
	CallerIP   string
	Message    string
	CreatedAt  time.Time
}
