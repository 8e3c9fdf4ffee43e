package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/valentin-gosselin/pretix-sortir/internal/clock"
	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

const auditColumns = `id, action, severity, event_id, order_code, card_hash, card_suffix, caller_ip, message, created_at`

// AuditRepository persists audit entries. Record honors a transaction carried
// in the context, so entries written inside a reservation transaction commit
// or roll back together with the bindings they describe.
type AuditRepository struct {
	pool   *pgxpool.Pool
	clk    clock.Clock
	logger zerolog.Logger
}

func NewAuditRepository(pool *pgxpool.Pool, clk clock.Clock, logger zerolog.Logger) *AuditRepository {
	return &AuditRepository{pool: pool, clk: clk, logger: logger}
}

// Record never fails the caller. A lost audit row is logged, not propagated,
// because no verification outcome should depend on the trail being writable.
func (r *AuditRepository) Record(ctx context.Context, entry domain.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.clk.Now()
	}

	const stmt = `
INSERT INTO audit_logs (id, action, severity, event_id, order_code, card_hash, card_suffix, caller_ip, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	var err error
	if tx := txFromContext(ctx); tx != nil {
		_, err = tx.Exec(ctx, stmt,
			entry.ID, entry.Action, entry.Severity, entry.EventID, entry.OrderCode,
			entry.CardHash, entry.CardSuffix, entry.CallerIP, entry.Message, entry.CreatedAt)
	} else {
		_, err = r.pool.Exec(ctx, stmt,
			entry.ID, entry.Action, entry.Severity, entry.EventID, entry.OrderCode,
			entry.CardHash, entry.CardSuffix, entry.CallerIP, entry.Message, entry.CreatedAt)
	}
	if err != nil {
		r.logger.Error().Err(err).
			Str("audit_action", string(entry.Action)).
			Str("event_id", entry.EventID).
			Msg("audit entry not persisted")
	}
}

func (r *AuditRepository) ListAuditTrail(ctx context.Context, eventID string, limit, offset int) ([]domain.AuditEntry, error) {
	query := `
SELECT ` + auditColumns + `
FROM audit_logs
WHERE event_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`

	var rows pgx.Rows
	var err error
	if tx := txFromContext(ctx); tx != nil {
		rows, err = tx.Query(ctx, query, eventID, limit, offset)
	} else {
		rows, err = r.pool.Query(ctx, query, eventID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.Action, &e.Severity, &e.EventID, &e.OrderCode,
			&e.CardHash, &e.CardSuffix, &e.CallerIP, &e.Message, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
