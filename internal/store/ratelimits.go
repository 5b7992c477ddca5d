package store

import (
	"context"
	"fmt"
	"time"
)

// IncrementRateLimit bumps the counter of a fixed window and returns the new count.
func (s *Store) IncrementRateLimit(ctx context.Context, identifier, action string, windowStart time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limits (identifier, action, window_start, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (identifier, action, window_start) DO UPDATE SET count = rate_limits.count + 1
		RETURNING count
	`, identifier, action, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment rate limit: %w", err)
	}
	return count, nil
}

// PruneRateLimits drops windows that started before cutoff.
func (s *Store) PruneRateLimits(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune rate limits: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
