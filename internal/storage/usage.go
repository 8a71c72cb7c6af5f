package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-crm/maestro/internal/model"
)

// UpsertUsage folds one call's contribution into the (user, day, model)
// aggregate row. The increment happens inside the ON CONFLICT clause, so
// concurrent calls serialize on the row and no increment is lost. There is
// no read-modify-write cycle to race.
func (db *DB) UpsertUsage(ctx context.Context, userID uuid.UUID, day time.Time, d model.UsageDelta) error {
	errInc := 0
	if d.IsError {
		errInc = 1
	}

	if _, err := db.pool.Exec(ctx,
		`INSERT INTO usage_stats (user_id, date, model_id, request_count, total_tokens, total_latency_ms, error_count)
		 VALUES ($1, $2, $3, 1, $4, $5, $6)
		 ON CONFLICT (user_id, date, model_id) DO UPDATE SET
		     request_count    = usage_stats.request_count + 1,
		     total_tokens     = usage_stats.total_tokens + EXCLUDED.total_tokens,
		     total_latency_ms = usage_stats.total_latency_ms + EXCLUDED.total_latency_ms,
		     error_count      = usage_stats.error_count + EXCLUDED.error_count`,
		userID, day.UTC().Truncate(24*time.Hour), d.ModelID, d.TokensUsed, d.LatencyMs, errInc,
	); err != nil {
		return fmt.Errorf("storage: upsert usage: %w", err)
	}
	return nil
}

// ListUsage returns a user's daily aggregates between from and to
// inclusive, newest-first.
func (db *DB) ListUsage(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.UsageStat, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, date, model_id, request_count, total_tokens, total_latency_ms, error_count
		 FROM usage_stats
		 WHERE user_id = $1 AND date BETWEEN $2 AND $3
		 ORDER BY date DESC, model_id ASC`,
		userID, from.UTC().Truncate(24*time.Hour), to.UTC().Truncate(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list usage: %w", err)
	}
	defer rows.Close()

	var out []model.UsageStat
	for rows.Next() {
		var s model.UsageStat
		if err := rows.Scan(&s.ID, &s.UserID, &s.Date, &s.ModelID,
			&s.RequestCount, &s.TotalTokens, &s.TotalLatencyMs, &s.ErrorCount); err != nil {
			return nil, fmt.Errorf("storage: scan usage stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
