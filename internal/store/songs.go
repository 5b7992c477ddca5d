package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"song-fulfillment/internal/models"
)

const songColumns = `id, order_id, job_id, title, variant_number, status, audio_url, cover_url, thumbnail_url, asset_keys, release_at, released_at, email_sent, created_at, updated_at`

func scanSong(row pgx.Row) (models.Song, error) {
	var (
		song       models.Song
		status     string
		audio      pgtype.Text
		cover      pgtype.Text
		thumb      pgtype.Text
		releaseAt  pgtype.Timestamptz
		releasedAt pgtype.Timestamptz
	)
	if err := row.Scan(&song.ID, &song.OrderID, &song.JobID, &song.Title, &song.VariantNumber, &status, &audio, &cover, &thumb, &song.AssetKeys, &releaseAt, &releasedAt, &song.EmailSent, &song.CreatedAt, &song.UpdatedAt); err != nil {
		return models.Song{}, err
	}
	song.Status = models.SongStatus(status)
	song.AudioURL = textPtr(audio)
	song.CoverURL = textPtr(cover)
	song.ThumbnailURL = textPtr(thumb)
	song.ReleaseAt = timePtr(releaseAt)
	song.ReleasedAt = timePtr(releasedAt)
	return song, nil
}

func collectSongs(rows pgx.Rows) ([]models.Song, error) {
	defer rows.Close()
	var out []models.Song
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, fmt.Errorf("scan song: %w", err)
		}
		out = append(out, song)
	}
	return out, rows.Err()
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

// DueSongs returns approved songs whose release time has passed and that were never released.
func (s *Store) DueSongs(ctx context.Context, now time.Time, limit int) ([]models.Song, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+songColumns+` FROM songs
		WHERE status = $1 AND release_at <= $2 AND released_at IS NULL
		ORDER BY order_id, id
		LIMIT $3
	`, models.SongApproved, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due songs: %w", err)
	}
	return collectSongs(rows)
}

// ReleaseSongs releases the given songs of one order in a single guarded update.
// Only rows still approved and unreleased change; their ids are returned.
func (s *Store) ReleaseSongs(ctx context.Context, orderID string, ids []string, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE songs SET status = $3, released_at = $4, updated_at = $4
		WHERE order_id = $1 AND id = ANY($2) AND status = $5 AND released_at IS NULL AND release_at <= $4
		RETURNING id
	`, orderID, nonNilStrings(ids), models.SongReleased, now, models.SongApproved)
	if err != nil {
		return nil, fmt.Errorf("release songs: %w", err)
	}
	return collectIDs(rows)
}

// GetSong fetches a song by id.
func (s *Store) GetSong(ctx context.Context, id string) (models.Song, error) {
	song, err := scanSong(s.pool.QueryRow(ctx, `SELECT `+songColumns+` FROM songs WHERE id = $1`, id))
	if err != nil {
		return models.Song{}, notFound(err, "song")
	}
	return song, nil
}

// ListSongsByOrder returns an order's songs by variant.
func (s *Store) ListSongsByOrder(ctx context.Context, orderID string) ([]models.Song, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+songColumns+` FROM songs WHERE order_id = $1 ORDER BY variant_number, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	return collectSongs(rows)
}

// ApproveSong schedules a ready song for release.
func (s *Store) ApproveSong(ctx context.Context, id string, releaseAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE songs SET status = $2, release_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.SongApproved, releaseAt, models.SongReady)
	if err != nil {
		return false, fmt.Errorf("approve song: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteSong removes a song row.
func (s *Store) DeleteSong(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM songs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete song: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnnotifiedReleases returns released, un-notified songs whose order has no release notice queued.
func (s *Store) ListUnnotifiedReleases(ctx context.Context, limit int) ([]models.Song, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+songColumns+` FROM songs s
		WHERE s.status = $1 AND s.email_sent = FALSE
		  AND NOT EXISTS (SELECT 1 FROM notification_queue n WHERE n.dedupe_key = $2::text || s.order_id)
		ORDER BY s.order_id, s.id
		LIMIT $3
	`, models.SongReleased, models.KindSongReleased+":", limit)
	if err != nil {
		return nil, fmt.Errorf("list unnotified releases: %w", err)
	}
	return collectSongs(rows)
}

// MarkOrderNotified flags every released song of the order as emailed.
func (s *Store) MarkOrderNotified(ctx context.Context, orderID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE songs SET email_sent = TRUE, updated_at = NOW()
		WHERE order_id = $1 AND status = $2 AND email_sent = FALSE
	`, orderID, models.SongReleased)
	if err != nil {
		return 0, fmt.Errorf("mark order notified: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
