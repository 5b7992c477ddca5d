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

const jobColumns = `id, order_id, quiz_id, variant, status, generated_lyrics, audio_task_reference, error, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		status    string
		lyricsRaw []byte
		taskRef   pgtype.Text
		lastErr   pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.OrderID, &job.QuizID, &job.Variant, &status, &lyricsRaw, &taskRef, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	if len(lyricsRaw) > 0 {
		var l models.Lyrics
		if err := json.Unmarshal(lyricsRaw, &l); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal lyrics: %w", err)
		}
		job.GeneratedLyrics = &l
	}
	job.AudioTaskReference = textPtr(taskRef)
	job.Error = textPtr(lastErr)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CreateJob inserts a pending job for an order variant.
// When a non-terminal job already exists for the variant it is returned with reused=true.
func (s *Store) CreateJob(ctx context.Context, orderID, quizID string, variant int) (models.Job, bool, error) {
	if variant <= 0 {
		variant = 1
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, order_id, quiz_id, variant, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (order_id, variant) WHERE status IN ('pending', 'processing') DO NOTHING
	`, id, orderID, quizID, variant, models.JobPending, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanJob(s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE order_id = $1 AND variant = $2 AND status IN ('pending', 'processing')
		`, orderID, variant))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.Job{}, false, errors.New("active job conflict but no existing job found")
			}
			return models.Job{}, false, fmt.Errorf("scan job: %w", err)
		}
		return existing, true, nil
	}

	return models.Job{
		ID:        id,
		OrderID:   orderID,
		QuizID:    quizID,
		Variant:   variant,
		Status:    models.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, false, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return models.Job{}, notFound(err, "job")
	}
	return job, nil
}

// GetJobByAudioTask fetches the job holding a provider task id.
func (s *Store) GetJobByAudioTask(ctx context.Context, taskID string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE audio_task_reference = $1`, taskID))
	if err != nil {
		return models.Job{}, notFound(err, "job")
	}
	return job, nil
}

// ListJobs returns jobs by status (all statuses when empty), most recently updated first.
func (s *Store) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY updated_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// TransitionJob moves a job to `to` if its current status is one of `from`.
// errMsg replaces the error column (nil clears it). It reports whether the row changed.
func (s *Store) TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, errMsg *string) (bool, error) {
	if err := models.ValidateTransition(from, to); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, error = $4, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, id, statusStrings(from), to, errMsg)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetJobError records retry bookkeeping without touching status.
func (s *Store) SetJobError(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET error = $2, updated_at = NOW() WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("set job error: %w", err)
	}
	return nil
}

// ClaimAudioTask reserves the audio submission slot of a processing job.
func (s *Store) ClaimAudioTask(ctx context.Context, jobID, claim string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET audio_task_reference = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND audio_task_reference IS NULL
	`, jobID, claim, models.JobProcessing)
	if err != nil {
		return false, fmt.Errorf("claim audio task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetAudioTask swaps a held claim for the provider's task id.
func (s *Store) SetAudioTask(ctx context.Context, jobID, claim, taskID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET audio_task_reference = $3, error = NULL, updated_at = NOW()
		WHERE id = $1 AND audio_task_reference = $2
	`, jobID, claim, taskID)
	if err != nil {
		return false, fmt.Errorf("set audio task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseAudioClaim drops a held claim after a failed submission.
func (s *Store) ReleaseAudioClaim(ctx context.Context, jobID, claim, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET audio_task_reference = NULL, error = $3, updated_at = NOW()
		WHERE id = $1 AND audio_task_reference = $2
	`, jobID, claim, emptyToNil(errMsg))
	if err != nil {
		return false, fmt.Errorf("release audio claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseStaleAudioClaims clears claims left behind by crashed submitters.
func (s *Store) ReleaseStaleAudioClaims(ctx context.Context, updatedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET audio_task_reference = NULL, updated_at = NOW()
		WHERE status = $1 AND audio_task_reference LIKE $2 AND updated_at < $3
	`, models.JobProcessing, models.AudioClaimPrefix+"%", updatedBefore)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListJobsAwaitingAudio returns processing jobs with approved lyrics and no submission.
func (s *Store) ListJobsAwaitingAudio(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = $1 AND j.audio_task_reference IS NULL AND j.updated_at < $2
		  AND EXISTS (SELECT 1 FROM lyrics_approvals a WHERE a.job_id = j.id AND a.status = $3)
		ORDER BY j.updated_at
		LIMIT $4
	`, models.JobProcessing, updatedBefore, models.ApprovalApproved, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs awaiting audio: %w", err)
	}
	return collectJobs(rows)
}

// ListJobsWithAudioTask returns processing jobs whose provider task is outstanding.
func (s *Store) ListJobsWithAudioTask(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND audio_task_reference IS NOT NULL AND audio_task_reference NOT LIKE $2
		ORDER BY updated_at
		LIMIT $3
	`, models.JobProcessing, models.AudioClaimPrefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs with audio task: %w", err)
	}
	return collectJobs(rows)
}

// CompleteAudio marks the job completed and upserts its songs in one transaction.
// It reports false when the job is no longer processing under taskID.
func (s *Store) CompleteAudio(ctx context.Context, jobID, taskID string, songs []models.Song) (bool, error) {
	completed := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $3, error = NULL, updated_at = NOW()
			WHERE id = $1 AND audio_task_reference = $2 AND status = $4
		`, jobID, taskID, models.JobCompleted, models.JobProcessing)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		for _, song := range songs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO songs (id, order_id, job_id, title, variant_number, status, audio_url, cover_url, thumbnail_url, asset_keys, release_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
				ON CONFLICT (job_id, variant_number) DO UPDATE SET
					title = EXCLUDED.title,
					status = EXCLUDED.status,
					audio_url = EXCLUDED.audio_url,
					cover_url = EXCLUDED.cover_url,
					thumbnail_url = EXCLUDED.thumbnail_url,
					asset_keys = EXCLUDED.asset_keys,
					release_at = EXCLUDED.release_at,
					released_at = NULL,
					email_sent = FALSE,
					updated_at = NOW()
			`, song.ID, song.OrderID, jobID, song.Title, song.VariantNumber, song.Status, song.AudioURL, song.CoverURL, song.ThumbnailURL, nonNilStrings(song.AssetKeys), song.ReleaseAt); err != nil {
				return fmt.Errorf("upsert song %d: %w", song.VariantNumber, err)
			}
		}
		completed = true
		return nil
	})
	return completed, err
}

// RetryFailedJobs moves failed jobs back to pending and drops their dead audio task.
// Empty ids retries every failed job.
func (s *Store) RetryFailedJobs(ctx context.Context, ids []string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $1, error = NULL, audio_task_reference = NULL, updated_at = NOW()
		WHERE status = $2 AND (cardinality($3::text[]) = 0 OR id = ANY($3))
		RETURNING id
	`, models.JobPending, models.JobFailed, nonNilStrings(ids))
	if err == nil {
		var retried []string
		retried, err = collectIDs(rows)
		if err == nil {
			return retried, nil
		}
	}
	// pgx reports statement errors from rows.Err, after Query returned
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("retry failed jobs: another job is active for the variant: %w", models.ErrConflict)
	}
	return nil, fmt.Errorf("retry failed jobs: %w", err)
}

// AppendJobEvent adds an audit row.
func (s *Store) AppendJobEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

// ListJobEvents returns a job's audit trail oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT job_id, event, detail, ts FROM job_events WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()
	var out []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		if err := rows.Scan(&ev.JobID, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
