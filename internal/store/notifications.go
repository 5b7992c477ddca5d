package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"song-fulfillment/internal/models"
)

const notificationColumns = `id, kind, recipient, template, payload, dedupe_key, status, retry_count, max_retries, next_retry_at, last_error, message_id, sent_at, created_at, updated_at`

func scanNotification(row pgx.Row) (models.Notification, error) {
	var (
		n          models.Notification
		payloadRaw []byte
		status     string
		lastErr    pgtype.Text
		messageID  pgtype.Text
		sentAt     pgtype.Timestamptz
	)
	if err := row.Scan(&n.ID, &n.Kind, &n.Recipient, &n.Template, &payloadRaw, &n.DedupeKey, &status, &n.RetryCount, &n.MaxRetries, &n.NextRetryAt, &lastErr, &messageID, &sentAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return models.Notification{}, err
	}
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &n.Payload); err != nil {
			return models.Notification{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	n.Status = models.NotificationStatus(status)
	n.LastError = textPtr(lastErr)
	n.MessageID = textPtr(messageID)
	n.SentAt = timePtr(sentAt)
	return n, nil
}

func collectNotifications(rows pgx.Rows) ([]models.Notification, error) {
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// EnqueueNotification inserts a pending entry unless its dedupe key is already queued.
// The stored entry is returned with created=false on a duplicate.
func (s *Store) EnqueueNotification(ctx context.Context, n models.Notification) (models.Notification, bool, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Payload == nil {
		n.Payload = map[string]string{}
	}
	payloadJSON, err := json.Marshal(n.Payload)
	if err != nil {
		return models.Notification{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	stored, err := scanNotification(s.pool.QueryRow(ctx, `
		INSERT INTO notification_queue (id, kind, recipient, template, payload, dedupe_key, status, retry_count, max_retries, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, NOW(), NOW())
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING `+notificationColumns,
		n.ID, n.Kind, n.Recipient, n.Template, payloadJSON, n.DedupeKey, models.NotificationPending, n.MaxRetries, n.NextRetryAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Notification{}, false, fmt.Errorf("insert notification: %w", err)
	}
	existing, err := scanNotification(s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notification_queue WHERE dedupe_key = $1`, n.DedupeKey))
	if err != nil {
		return models.Notification{}, false, notFound(err, "notification")
	}
	return existing, false, nil
}

// ClaimNotifications locks up to limit due pending entries and marks them processing.
func (s *Store) ClaimNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE notification_queue SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = $3 AND next_retry_at <= $2
			ORDER BY next_retry_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns,
		models.NotificationProcessing, now, models.NotificationPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim notifications: %w", err)
	}
	return collectNotifications(rows)
}

// MarkNotificationSent records a delivered entry.
func (s *Store) MarkNotificationSent(ctx context.Context, id, messageID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_queue SET status = $2, message_id = $3, sent_at = $4, last_error = NULL, updated_at = $4
		WHERE id = $1 AND status = $5
	`, id, models.NotificationSent, emptyToNil(messageID), now, models.NotificationProcessing)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ScheduleNotificationRetry returns a processing entry to pending at nextRetryAt.
func (s *Store) ScheduleNotificationRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_queue SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.NotificationPending, retryCount, nextRetryAt, lastErr, models.NotificationProcessing)
	if err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkNotificationFailed parks a processing entry permanently.
func (s *Store) MarkNotificationFailed(ctx context.Context, id string, retryCount int, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_queue SET status = $2, retry_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.NotificationFailed, retryCount, lastErr, models.NotificationProcessing)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueStuckNotifications returns entries abandoned in processing to pending.
// The abandoned send counts as an attempt, so an entry that keeps crashing its
// sender ends up failed once it reaches max_retries (defaultMax when unset).
func (s *Store) RequeueStuckNotifications(ctx context.Context, updatedBefore time.Time, defaultMax int, lastErr string) (int, int, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE notification_queue SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= COALESCE(NULLIF(max_retries, 0), $4) THEN $5::text ELSE $1::text END,
			last_error = $6,
			updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
		RETURNING status
	`, models.NotificationPending, models.NotificationProcessing, updatedBefore, defaultMax, models.NotificationFailed, lastErr)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stuck notifications: %w", err)
	}
	defer rows.Close()
	requeued, failed := 0, 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, fmt.Errorf("scan requeued status: %w", err)
		}
		if models.NotificationStatus(status) == models.NotificationFailed {
			failed++
		} else {
			requeued++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("requeue stuck notifications: %w", err)
	}
	return requeued, failed, nil
}

// RetryFailedNotifications re-arms failed entries with a fresh retry budget.
// Empty ids re-arms every failed entry.
func (s *Store) RetryFailedNotifications(ctx context.Context, ids []string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_queue SET status = $1, retry_count = 0, next_retry_at = $2, updated_at = NOW()
		WHERE status = $3 AND (cardinality($4::text[]) = 0 OR id = ANY($4))
	`, models.NotificationPending, now, models.NotificationFailed, nonNilStrings(ids))
	if err != nil {
		return 0, fmt.Errorf("retry failed notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListNotifications returns entries by status (all when empty), newest first.
func (s *Store) ListNotifications(ctx context.Context, status models.NotificationStatus, limit int) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notification_queue
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY updated_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return collectNotifications(rows)
}

// GetNotification fetches a queue entry by id.
func (s *Store) GetNotification(ctx context.Context, id string) (models.Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notification_queue WHERE id = $1`, id))
	if err != nil {
		return models.Notification{}, notFound(err, "notification")
	}
	return n, nil
}
