package ratelimit

import (
	"context"
	"time"
)

// CounterStore is the persistence the fixed-window backend needs.
type CounterStore interface {
	IncrementRateLimit(ctx context.Context, identifier, action string, windowStart time.Time) (int, error)
}

// FixedWindow counts hits per aligned window in the rate_limits table.
type FixedWindow struct {
	store CounterStore
}

func NewFixedWindow(store CounterStore) *FixedWindow {
	return &FixedWindow{store: store}
}

func (w *FixedWindow) Name() string { return "postgres" }

func (w *FixedWindow) Hit(ctx context.Context, identifier, action string, max int, window time.Duration, now time.Time) (bool, error) {
	count, err := w.store.IncrementRateLimit(ctx, identifier, action, now.UTC().Truncate(window))
	if err != nil {
		return false, err
	}
	return count <= max, nil
}
