// Package audit defines the sink boundary for verification audit events.
// The core produces entries; where they end up (log stream, database, SIEM)
// is a deployment concern.
package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

type Sink interface {
	Record(ctx context.Context, entry domain.AuditEntry)
}

// LogSink writes audit entries to the structured log. Only the masked card
// identity ever appears.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, entry domain.AuditEntry) {
	evt := s.logger.Info()
	switch entry.Severity {
	case domain.SeverityWarning:
		evt = s.logger.Warn()
	case domain.SeverityError, domain.SeverityCritical:
		evt = s.logger.Error()
	}
	evt.
		Str("audit_action", string(entry.Action)).
		Str("severity", string(entry.Severity)).
		Str("event_id", entry.EventID).
		Str("order_code", entry.OrderCode).
		Str("card_suffix", entry.CardSuffix).
		Str("caller_ip", entry.CallerIP).
		Msg(entry.Message)
}

// MultiSink fans an entry out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, entry domain.AuditEntry) {
	for _, s := range m {
		s.Record(ctx, entry)
	}
}
