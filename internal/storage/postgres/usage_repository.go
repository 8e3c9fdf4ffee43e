package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/valentin-gosselin/pretix-sortir/internal/domain"
)

const usageColumns = `id, event_id, card_hash, card_suffix, order_code, order_status, session_id, service_key, status, created_at, validated_at, used_at, remote_request_id`

type UsageRepository struct {
	pool *pgxpool.Pool
}

func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

func (r *UsageRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *UsageRepository) Create(ctx context.Context, usage domain.CardUsage) error {
	const stmt = `
INSERT INTO card_usages (id, event_id, card_hash, card_suffix, session_id, service_key, status, created_at, validated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.exec(ctx, stmt,
		usage.ID,
		usage.EventID,
		usage.CardHash,
		usage.CardSuffix,
		usage.SessionID,
		usage.ServiceKey,
		usage.Status,
		usage.CreatedAt,
		usage.ValidatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrCardAlreadyUsed
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create usage: %w", err)
	}
	return nil
}

func (r *UsageRepository) FindActive(ctx context.Context, eventID, cardHash string) ([]domain.CardUsage, error) {
	query := `
SELECT ` + usageColumns + `
FROM card_usages
WHERE event_id = $1 AND card_hash = $2 AND status IN ('pending', 'validated', 'used')
ORDER BY created_at`

	rows, err := r.query(ctx, query, eventID, cardHash)
	if err != nil {
		return nil, fmt.Errorf("find active usages: %w", err)
	}
	defer rows.Close()
	return scanUsages(rows)
}

func (r *UsageRepository) DeleteStalePending(ctx context.Context, eventID, cardHash string, before time.Time) (int, error) {
	const stmt = `
DELETE FROM card_usages
WHERE event_id = $1 AND card_hash = $2 AND status = 'pending' AND order_code IS NULL AND created_at < $3`

	tag, err := r.exec(ctx, stmt, eventID, cardHash, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale pendings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *UsageRepository) PurgeSessionPending(ctx context.Context, eventID, sessionID, cardHash string, since time.Time) (int, error) {
	stmt := `
DELETE FROM card_usages
WHERE event_id = $1 AND session_id = $2 AND status = 'pending' AND order_code IS NULL`
	args := []any{eventID, sessionID}

	if cardHash != "" {
		args = append(args, cardHash)
		stmt += fmt.Sprintf(" AND card_hash = $%d", len(args))
	}
	if !since.IsZero() {
		args = append(args, since)
		stmt += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}

	tag, err := r.exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("purge session pendings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExpireStale marks every abandoned pending as expired, freeing the cards
// while keeping the rows for the history view.
func (r *UsageRepository) ExpireStale(ctx context.Context, before time.Time) (int, error) {
	const stmt = `
UPDATE card_usages
SET status = 'expired'
WHERE status = 'pending' AND order_code IS NULL AND created_at < $1`

	tag, err := r.exec(ctx, stmt, before)
	if err != nil {
		return 0, fmt.Errorf("expire stale pendings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *UsageRepository) CountByOrder(ctx context.Context, orderCode string) (int, error) {
	var count int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM card_usages WHERE order_code = $1`, orderCode).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count usages by order: %w", err)
	}
	return count, nil
}

func (r *UsageRepository) ListRecentPending(ctx context.Context, eventID string, since time.Time, limit int) ([]domain.CardUsage, error) {
	query := `
SELECT ` + usageColumns + `
FROM card_usages
WHERE event_id = $1 AND status = 'pending' AND order_code IS NULL AND created_at >= $2
ORDER BY created_at DESC
LIMIT $3`

	rows, err := r.query(ctx, query, eventID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent pendings: %w", err)
	}
	defer rows.Close()
	return scanUsages(rows)
}

func (r *UsageRepository) ListByOrderAndStatus(ctx context.Context, orderCode string, status domain.UsageStatus) ([]domain.CardUsage, error) {
	query := `
SELECT ` + usageColumns + `
FROM card_usages
WHERE order_code = $1 AND status = $2
ORDER BY created_at`

	rows, err := r.query(ctx, query, orderCode, status)
	if err != nil {
		return nil, fmt.Errorf("list usages by order and status: %w", err)
	}
	defer rows.Close()
	return scanUsages(rows)
}

func (r *UsageRepository) ListActiveByOrder(ctx context.Context, orderCode string) ([]domain.CardUsage, error) {
	query := `
SELECT ` + usageColumns + `
FROM card_usages
WHERE order_code = $1 AND status IN ('pending', 'validated', 'used')
ORDER BY created_at`

	rows, err := r.query(ctx, query, orderCode)
	if err != nil {
		return nil, fmt.Errorf("list active usages by order: %w", err)
	}
	defer rows.Close()
	return scanUsages(rows)
}

func (r *UsageRepository) ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]domain.CardUsage, error) {
	query := `
SELECT ` + usageColumns + `
FROM card_usages
WHERE event_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`

	rows, err := r.query(ctx, query, eventID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list usages by event: %w", err)
	}
	defer rows.Close()
	return scanUsages(rows)
}

// Transition performs the conditional status update. It is the concurrency
// safety valve: zero affected rows with the usage still present means the
// status moved underneath us, and the caller gets ErrStatusConflict, never
// a silent no-op.
func (r *UsageRepository) Transition(ctx context.Context, id string, from, to domain.UsageStatus, fields domain.UsageTransition) error {
	sets := []string{"status = $3"}
	args := []any{id, from, to}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if fields.OrderCode != nil {
		add("order_code", *fields.OrderCode)
	}
	if fields.OrderStatus != nil {
		add("order_status", *fields.OrderStatus)
	}
	if fields.ValidatedAt != nil {
		add("validated_at", *fields.ValidatedAt)
	}
	if fields.UsedAt != nil {
		add("used_at", *fields.UsedAt)
	}
	if fields.RemoteRequestID != nil {
		add("remote_request_id", *fields.RemoteRequestID)
	}

	stmt := fmt.Sprintf(`UPDATE card_usages SET %s WHERE id = $1 AND status = $2`, strings.Join(sets, ", "))
	tag, err := r.exec(ctx, stmt, args...)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("transition usage %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM card_usages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check usage %s: %w", id, err)
	}
	if !exists {
		return domain.ErrUsageNotFound
	}
	return domain.ErrStatusConflict
}

func (r *UsageRepository) SetOrderStatus(ctx context.Context, orderCode string, status domain.OrderStatus) error {
	_, err := r.exec(ctx, `UPDATE card_usages SET order_status = $2 WHERE order_code = $1`, orderCode, status)
	if err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	return nil
}

func scanUsages(rows pgx.Rows) ([]domain.CardUsage, error) {
	var usages []domain.CardUsage
	for rows.Next() {
		var (
			u           domain.CardUsage
			orderCode   *string
			orderStatus *string
			requestID   *string
		)
		if err := rows.Scan(
			&u.ID,
			&u.EventID,
			&u.CardHash,
			&u.CardSuffix,
			&orderCode,
			&orderStatus,
			&u.SessionID,
			&u.ServiceKey,
			&u.Status,
			&u.CreatedAt,
			&u.ValidatedAt,
			&u.UsedAt,
			&requestID,
		); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		if orderCode != nil {
			u.OrderCode = *orderCode
		}
		if orderStatus != nil {
			u.OrderStatus = domain.OrderStatus(*orderStatus)
		}
		if requestID != nil {
			u.RemoteRequestID = *requestID
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usages: %w", err)
	}
	return usages, nil
}

func (r *UsageRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *UsageRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *UsageRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}
