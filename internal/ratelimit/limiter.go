package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"song-fulfillment/internal/telemetry"
)

// ErrRateLimitExceeded is returned by Allow when the caller is over its cap.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Backend records one hit for (identifier, action) and reports whether it fits the cap.
type Backend interface {
	Name() string
	Hit(ctx context.Context, identifier, action string, max int, window time.Duration, now time.Time) (bool, error)
}

// Limiter enforces per-identifier caps. Backend failures allow the request.
type Limiter struct {
	backend Backend
	log     zerolog.Logger
	now     func() time.Time
}

// New wraps a backend with fail-open semantics.
func New(backend Backend, log zerolog.Logger) *Limiter {
	return &Limiter{
		backend: backend,
		log:     log.With().Str("component", "ratelimit").Str("backend", backend.Name()).Logger(),
		now:     time.Now,
	}
}

// Check reports whether the request may proceed.
func (l *Limiter) Check(ctx context.Context, identifier, action string, max int, window time.Duration) bool {
	if max <= 0 || window <= 0 {
		return true
	}
	allowed, err := l.backend.Hit(ctx, identifier, action, max, window, l.now())
	if err != nil {
		telemetry.RateLimitErrors.WithLabelValues(l.backend.Name()).Inc()
		l.log.Warn().Err(err).Str("action", action).Msg("rate limit backend error, allowing request")
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.WithLabelValues(action).Inc()
		l.log.Info().Str("identifier", identifier).Str("action", action).Int("max", max).Dur("window", window).Msg("rate limited")
	}
	return allowed
}

// Allow is Check with an error result for handler chains.
func (l *Limiter) Allow(ctx context.Context, identifier, action string, max int, window time.Duration) error {
	if !l.Check(ctx, identifier, action, max, window) {
		return ErrRateLimitExceeded
	}
	return nil
}
