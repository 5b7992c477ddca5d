// Package notify is the durable outbound email queue: enqueue on state changes, drain with backoff.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"song-fulfillment/internal/mailer"
	"song-fulfillment/internal/models"
	"song-fulfillment/internal/telemetry"
)

// Store is the persistence the queue needs.
type Store interface {
	EnqueueNotification(ctx context.Context, n models.Notification) (models.Notification, bool, error)
	ClaimNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
	MarkNotificationSent(ctx context.Context, id, messageID string, now time.Time) (bool, error)
	ScheduleNotificationRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) (bool, error)
	MarkNotificationFailed(ctx context.Context, id string, retryCount int, lastErr string) (bool, error)
	RequeueStuckNotifications(ctx context.Context, updatedBefore time.Time, defaultMax int, lastErr string) (requeued, failed int, err error)
	RetryFailedNotifications(ctx context.Context, ids []string, now time.Time) (int, error)
	MarkOrderNotified(ctx context.Context, orderID string) (int, error)
}

// Config holds the retry and throughput policy.
type Config struct {
	MaxRetries  int
	BaseDelay   time.Duration
	BatchSize   int
	Concurrency int
	SendRate    float64
	SendTimeout time.Duration
	StuckAfter  time.Duration
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BaseDelay:   time.Minute,
		BatchSize:   20,
		Concurrency: 10,
		SendRate:    10,
		SendTimeout: 15 * time.Second,
		StuckAfter:  10 * time.Minute,
	}
}

// Entry is a notification to enqueue.
type Entry struct {
	Kind      string
	Recipient string
	Template  string
	Payload   map[string]string
	DedupeKey string
}

// Summary reports one drain.
type Summary struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
}

// Queue enqueues and drains notifications.
type Queue struct {
	cfg     Config
	store   Store
	sender  mailer.Sender
	limiter *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New builds a queue. Zero config fields take DefaultConfig values.
func New(cfg Config, store Store, sender mailer.Sender, log zerolog.Logger, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	q := &Queue{
		cfg:     cfg,
		store:   store,
		sender:  sender,
		limiter: rate.NewLimiter(limit, cfg.Concurrency),
		log:     log.With().Str("component", "notify").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores a pending entry. A repeated dedupe key returns the stored entry with created=false.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (models.Notification, bool, error) {
	if e.DedupeKey == "" || e.Recipient == "" || e.Template == "" {
		return models.Notification{}, false, errors.New("enqueue: dedupe key, recipient and template are required")
	}
	n, created, err := q.store.EnqueueNotification(ctx, models.Notification{
		Kind:        e.Kind,
		Recipient:   e.Recipient,
		Template:    e.Template,
		Payload:     e.Payload,
		DedupeKey:   e.DedupeKey,
		MaxRetries:  q.cfg.MaxRetries,
		NextRetryAt: q.now().UTC(),
	})
	if err != nil {
		return models.Notification{}, false, fmt.Errorf("enqueue %s: %w", e.DedupeKey, err)
	}
	if created {
		q.log.Info().Str("notification_id", n.ID).Str("kind", n.Kind).Str("dedupe_key", n.DedupeKey).Msg("notification enqueued")
	}
	return n, created, nil
}

// NextRetryAt is the backoff schedule: attemptTime + base * 2^retryCount.
func NextRetryAt(attemptTime time.Time, base time.Duration, retryCount int) time.Time {
	delay := float64(base) * math.Pow(2, float64(retryCount))
	if delay > float64(math.MaxInt64) {
		delay = float64(math.MaxInt64)
	}
	return attemptTime.Add(time.Duration(delay))
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeError
)

// Drain claims due entries and delivers them with bounded parallelism.
// One entry's failure never affects its siblings.
func (q *Queue) Drain(ctx context.Context) (Summary, error) {
	ctx, span := otel.Tracer("notify").Start(ctx, "notify.Drain")
	defer span.End()

	claimed, err := q.store.ClaimNotifications(ctx, q.now().UTC(), q.cfg.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("claim notifications: %w", err)
	}
	span.SetAttributes(attribute.Int("notify.claimed", len(claimed)))

	results := make([]outcome, len(claimed))
	var g errgroup.Group
	g.SetLimit(q.cfg.Concurrency)
	for i, n := range claimed {
		i, n := i, n
		g.Go(func() error {
			results[i] = q.deliver(ctx, n)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Claimed: len(claimed)}
	for _, r := range results {
		switch r {
		case outcomeSent:
			sum.Sent++
		case outcomeRetried:
			sum.Retried++
		case outcomeFailed:
			sum.Failed++
		case outcomeError:
			sum.Errors++
		}
	}
	if sum.Claimed > 0 {
		q.log.Info().Int("claimed", sum.Claimed).Int("sent", sum.Sent).Int("retried", sum.Retried).
			Int("failed", sum.Failed).Int("errors", sum.Errors).Msg("drain finished")
	}
	return sum, nil
}

func (q *Queue) deliver(ctx context.Context, n models.Notification) outcome {
	log := q.log.With().Str("notification_id", n.ID).Str("kind", n.Kind).Logger()

	messageID, sendErr := q.send(ctx, n)
	if sendErr == nil {
		now := q.now().UTC()
		ok, err := q.store.MarkNotificationSent(ctx, n.ID, messageID, now)
		if err != nil {
			log.Error().Err(err).Msg("mark sent failed")
			return outcomeError
		}
		if !ok {
			log.Warn().Msg("entry left processing before it was marked sent")
			return outcomeError
		}
		if n.Kind == models.KindSongReleased {
			if orderID := n.Payload["order_id"]; orderID != "" {
				if _, err := q.store.MarkOrderNotified(ctx, orderID); err != nil {
					log.Error().Err(err).Str("order_id", orderID).Msg("mark order notified failed")
				}
			}
		}
		telemetry.NotificationsSent.WithLabelValues(n.Kind).Inc()
		log.Info().Str("message_id", messageID).Msg("notification sent")
		return outcomeSent
	}

	retryCount := n.RetryCount + 1
	derr := &DeliveryError{NotificationID: n.ID, Kind: n.Kind, Attempt: retryCount, Err: sendErr}
	maxRetries := n.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}
	if retryCount >= maxRetries {
		if _, err := q.store.MarkNotificationFailed(ctx, n.ID, retryCount, sendErr.Error()); err != nil {
			log.Error().Err(err).Msg("mark failed failed")
			return outcomeError
		}
		telemetry.NotificationsFailed.Inc()
		log.Error().Err(derr).Int("retry_count", retryCount).Msg("notification failed permanently")
		return outcomeFailed
	}

	next := NextRetryAt(q.now().UTC(), q.cfg.BaseDelay, retryCount)
	if _, err := q.store.ScheduleNotificationRetry(ctx, n.ID, retryCount, next, sendErr.Error()); err != nil {
		log.Error().Err(err).Msg("schedule retry failed")
		return outcomeError
	}
	telemetry.NotificationRetries.Inc()
	log.Warn().Err(derr).Int("retry_count", retryCount).Time("next_retry_at", next).Msg("notification retry scheduled")
	return outcomeRetried
}

func (q *Queue) send(ctx context.Context, n models.Notification) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
	defer cancel()
	if err := q.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("send pacing: %w", err)
	}
	return q.sender.Send(ctx, mailer.Message{Recipient: n.Recipient, Template: n.Template, Variables: n.Payload})
}

// RequeueStuck returns entries abandoned in processing for longer than StuckAfter.
// Each abandoned send uses up one retry; entries out of retries fail instead.
// It reports how many entries it touched.
func (q *Queue) RequeueStuck(ctx context.Context) (int, error) {
	requeued, failed, err := q.store.RequeueStuckNotifications(ctx, q.now().Add(-q.cfg.StuckAfter), q.cfg.MaxRetries, abandonedError)
	if err != nil {
		return 0, err
	}
	if failed > 0 {
		telemetry.NotificationsFailed.Add(float64(failed))
	}
	if requeued+failed > 0 {
		q.log.Warn().Int("requeued", requeued).Int("failed", failed).Msg("recovered stuck notifications")
	}
	return requeued + failed, nil
}

// RetryFailed re-arms failed entries with a fresh retry budget. No ids re-arms all.
func (q *Queue) RetryFailed(ctx context.Context, ids ...string) (int, error) {
	n, err := q.store.RetryFailedNotifications(ctx, ids, q.now().UTC())
	if err != nil {
		return 0, err
	}
	q.log.Info().Int("count", n).Strs("ids", ids).Msg("failed notifications re-armed")
	return n, nil
}
