package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"song-fulfillment/internal/models"
)

const approvalColumns = `id, job_id, order_id, quiz_id, lyrics, approval_token, status, expires_at, regeneration_count, rejection_reason, decided_at, created_at, updated_at`

func scanApproval(row pgx.Row) (models.LyricsApproval, error) {
	var (
		a         models.LyricsApproval
		lyricsRaw []byte
		status    string
		reason    pgtype.Text
		decided   pgtype.Timestamptz
	)
	if err := row.Scan(&a.ID, &a.JobID, &a.OrderID, &a.QuizID, &lyricsRaw, &a.Token, &status, &a.ExpiresAt, &a.RegenerationCount, &reason, &decided, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return models.LyricsApproval{}, err
	}
	if err := json.Unmarshal(lyricsRaw, &a.Lyrics); err != nil {
		return models.LyricsApproval{}, fmt.Errorf("unmarshal lyrics: %w", err)
	}
	a.Status = models.ApprovalStatus(status)
	a.RejectionReason = textPtr(reason)
	if decided.Valid {
		t := decided.Time
		a.DecidedAt = &t
	}
	return a, nil
}

// CreateApproval stores generated lyrics on the job and opens a new approval cycle.
// The job row is locked; it must be pending or processing and moves to processing.
// Any older pending approval for the job is expired in the same transaction.
func (s *Store) CreateApproval(ctx context.Context, a models.LyricsApproval) (models.LyricsApproval, error) {
	lyricsJSON, err := marshalLyrics(&a.Lyrics)
	if err != nil {
		return models.LyricsApproval{}, err
	}
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, a.JobID).Scan(&status)
		if err != nil {
			return notFound(err, "job")
		}
		js := models.JobStatus(status)
		if js != models.JobPending && js != models.JobProcessing {
			return fmt.Errorf("job %s is %s: %w", a.JobID, js, models.ErrConflict)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, generated_lyrics = $3, error = NULL, updated_at = NOW()
			WHERE id = $1
		`, a.JobID, models.JobProcessing, lyricsJSON); err != nil {
			return fmt.Errorf("store lyrics: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE lyrics_approvals SET status = $2, updated_at = NOW()
			WHERE job_id = $1 AND status = $3
		`, a.JobID, models.ApprovalExpired, models.ApprovalPending); err != nil {
			return fmt.Errorf("supersede approvals: %w", err)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO lyrics_approvals (id, job_id, order_id, quiz_id, lyrics, approval_token, status, expires_at, regeneration_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			RETURNING created_at, updated_at
		`, a.ID, a.JobID, a.OrderID, a.QuizID, lyricsJSON, a.Token, models.ApprovalPending, a.ExpiresAt, a.RegenerationCount, a.CreatedAt).
			Scan(&a.CreatedAt, &a.UpdatedAt)
	})
	if err != nil {
		return models.LyricsApproval{}, err
	}
	a.Status = models.ApprovalPending
	return a, nil
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (models.LyricsApproval, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM lyrics_approvals WHERE id = $1`, id))
	if err != nil {
		return models.LyricsApproval{}, notFound(err, "approval")
	}
	return a, nil
}

// GetApprovalByToken fetches an approval by its customer token.
func (s *Store) GetApprovalByToken(ctx context.Context, token string) (models.LyricsApproval, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM lyrics_approvals WHERE approval_token = $1`, token))
	if err != nil {
		return models.LyricsApproval{}, notFound(err, "approval")
	}
	return a, nil
}

// LatestApproval returns the most recent approval cycle of a job.
func (s *Store) LatestApproval(ctx context.Context, jobID string) (models.LyricsApproval, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM lyrics_approvals
		WHERE job_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, jobID))
	if err != nil {
		return models.LyricsApproval{}, notFound(err, "approval")
	}
	return a, nil
}

// ApproveApproval flips a live pending approval to approved and keeps its job processing.
func (s *Store) ApproveApproval(ctx context.Context, id string, now time.Time) (bool, error) {
	approved := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var jobID string
		err := tx.QueryRow(ctx, `
			UPDATE lyrics_approvals SET status = $2, decided_at = $3, updated_at = $3
			WHERE id = $1 AND status = $4 AND expires_at > $3
			RETURNING job_id
		`, id, models.ApprovalApproved, now, models.ApprovalPending).Scan(&jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("approve: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = ANY($3)
		`, jobID, models.JobProcessing, statusStrings([]models.JobStatus{models.JobPending, models.JobProcessing}))
		if err != nil {
			return fmt.Errorf("advance job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("job %s not approvable: %w", jobID, models.ErrConflict)
		}
		approved = true
		return nil
	})
	return approved, err
}

// RejectApproval flips a pending approval to rejected with a reason.
// When checkExpiry is set an approval past expires_at is left untouched.
func (s *Store) RejectApproval(ctx context.Context, id, reason string, now time.Time, checkExpiry bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lyrics_approvals SET status = $2, rejection_reason = $3, decided_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5 AND (NOT $6 OR expires_at > $4)
	`, id, models.ApprovalRejected, reason, now, models.ApprovalPending, checkExpiry)
	if err != nil {
		return false, fmt.Errorf("reject: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireApprovals marks pending approvals past their deadline as expired.
func (s *Store) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE lyrics_approvals SET status = $1, updated_at = $2
		WHERE status = $3 AND expires_at <= $2
	`, models.ApprovalExpired, now, models.ApprovalPending)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UnapproveJob rolls a job back to pending: audio reference cleared, latest approved
// approval reopened until expiresAt, songs unscheduled, the order's release notice dropped
// so a later release notifies again.
func (s *Store) UnapproveJob(ctx context.Context, jobID string, expiresAt time.Time) (models.UnapproveResult, error) {
	res := models.UnapproveResult{JobID: jobID}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var orderID string
		err := tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, audio_task_reference = NULL, error = NULL, updated_at = NOW()
			WHERE id = $1 AND status = ANY($3)
			RETURNING order_id
		`, jobID, models.JobPending, statusStrings([]models.JobStatus{models.JobProcessing, models.JobCompleted})).Scan(&orderID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("job %s cannot be unapproved: %w", jobID, models.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("rollback job: %w", err)
		}

		err = tx.QueryRow(ctx, `
			UPDATE lyrics_approvals SET status = $2, expires_at = $3, decided_at = NULL, updated_at = NOW()
			WHERE id = (
				SELECT id FROM lyrics_approvals
				WHERE job_id = $1 AND status = $4
				ORDER BY created_at DESC, id DESC LIMIT 1
			)
			RETURNING id
		`, jobID, models.ApprovalPending, expiresAt, models.ApprovalApproved).Scan(&res.ApprovalID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("reopen approval: %w", err)
		}

		rows, err := tx.Query(ctx, `
			UPDATE songs SET status = $2, release_at = NULL, released_at = NULL, email_sent = FALSE, updated_at = NOW()
			WHERE job_id = $1
			RETURNING id
		`, jobID, models.SongPending)
		if err != nil {
			return fmt.Errorf("unschedule songs: %w", err)
		}
		if res.SongIDs, err = collectIDs(rows); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM notification_queue WHERE dedupe_key = $1 AND status <> $2
		`, models.SongReleasedKey(orderID), models.NotificationProcessing)
		if err != nil {
			return fmt.Errorf("cancel notifications: %w", err)
		}
		res.OrderID = orderID
		res.CancelledNotifications = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return models.UnapproveResult{}, err
	}
	return res, nil
}

// ListApprovals returns every approval cycle of a job, oldest first.
func (s *Store) ListApprovals(ctx context.Context, jobID string) ([]models.LyricsApproval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+approvalColumns+` FROM lyrics_approvals
		WHERE job_id = $1
		ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	var out []models.LyricsApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
