package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UsageRepository is the Postgres-backed quota ledger
type UsageRepository struct {
	db *PostgresDB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *PostgresDB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Used returns the number of successful imports for (owner, period)
func (r *UsageRepository) Used(ctx context.Context, ownerID, period string) (int, error) {
	var used int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT used FROM import_usage WHERE owner_id = $1 AND period = $2`,
		ownerID, period,
	).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return used, nil
}

// Increment adds delta to (owner, period) in a single statement
func (r *UsageRepository) Increment(ctx context.Context, ownerID, period string, delta int) error {
	if delta < 0 {
		return fmt.Errorf("quota increment must be non-negative, got %d", delta)
	}
	if delta == 0 {
		return nil
	}
	return incrementUsage(ctx, r.db.Pool(), ownerID, period, delta)
}

func incrementUsage(ctx context.Context, q querier, ownerID, period string, delta int) error {
	_, err := q.Exec(ctx, `
		INSERT INTO import_usage (owner_id, period, used, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (owner_id, period)
		DO UPDATE SET used = import_usage.used + EXCLUDED.used, updated_at = NOW()`,
		ownerID, period, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

// incrementUsageWithin adds delta only while the total stays within limit.
// Concurrent upserts on the same row serialize on its lock, so the condition
// is checked against the committed value.
func incrementUsageWithin(ctx context.Context, q querier, ownerID, period string, delta, limit int) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO import_usage (owner_id, period, used, updated_at)
		SELECT $1, $2, $3::integer, NOW()
		WHERE $3::integer <= $4::integer
		ON CONFLICT (owner_id, period)
		DO UPDATE SET used = import_usage.used + EXCLUDED.used, updated_at = NOW()
		WHERE import_usage.used + EXCLUDED.used <= $4::integer`,
		ownerID, period, delta, limit,
	)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrQuotaExceeded
	}
	return nil
}
