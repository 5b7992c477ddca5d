// Package release publishes approved songs once their release time passes.
package release

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"song-fulfillment/internal/assets"
	"song-fulfillment/internal/models"
	"song-fulfillment/internal/notify"
	"song-fulfillment/internal/telemetry"
)

// Store is the persistence the scheduler needs.
type Store interface {
	GetOrder(ctx context.Context, id string) (models.Order, error)
	GetQuiz(ctx context.Context, id string) (models.Quiz, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	DueSongs(ctx context.Context, now time.Time, limit int) ([]models.Song, error)
	ReleaseSongs(ctx context.Context, orderID string, ids []string, now time.Time) ([]string, error)
	ListUnnotifiedReleases(ctx context.Context, limit int) ([]models.Song, error)
	GetSong(ctx context.Context, id string) (models.Song, error)
	ApproveSong(ctx context.Context, id string, releaseAt time.Time) (bool, error)
	DeleteSong(ctx context.Context, id string) (bool, error)
}

// Notifier enqueues outbound email.
type Notifier interface {
	Enqueue(ctx context.Context, e notify.Entry) (models.Notification, bool, error)
}

// Config bounds a sweep.
type Config struct {
	BatchSize   int
	SongURLBase string
}

// Summary reports one sweep.
type Summary struct {
	OrdersProcessed       int `json:"orders_processed"`
	SongsReleased         int `json:"songs_released"`
	NotificationsEnqueued int `json:"notifications_enqueued"`
	Backfilled            int `json:"backfilled"`
	Errors                int `json:"errors"`
}

// Scheduler releases due songs and queues one notification per order.
type Scheduler struct {
	cfg      Config
	store    Store
	notifier Notifier
	assets   assets.Store
	log      zerolog.Logger
	now      func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAssets lets DeleteSong remove mirrored files.
func WithAssets(store assets.Store) Option {
	return func(s *Scheduler) { s.assets = store }
}

func New(cfg Config, st Store, notifier Notifier, log zerolog.Logger, opts ...Option) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	cfg.SongURLBase = strings.TrimRight(cfg.SongURLBase, "/")
	s := &Scheduler{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		log:      log.With().Str("component", "release").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var tracer = otel.Tracer("release")

// Sweep releases every due song. A failing order group is counted and logged;
// only a failed due-song query aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "release.Sweep")
	defer span.End()

	var sum Summary
	now := s.now().UTC()
	due, err := s.store.DueSongs(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("query due songs: %w", err)
	}

	groups, orderIDs := groupByOrder(due)
	for _, orderID := range orderIDs {
		released, enqueued, err := s.releaseGroup(ctx, orderID, groups[orderID], now)
		if err != nil {
			sum.Errors++
			telemetry.ReleaseGroupErrors.Inc()
			s.log.Error().Err(err).Str("order_id", orderID).Msg("release group failed")
		}
		if len(released) == 0 {
			continue
		}
		sum.OrdersProcessed++
		sum.SongsReleased += len(released)
		if enqueued {
			sum.NotificationsEnqueued++
		}
	}

	backfilled, err := s.backfill(ctx)
	sum.Backfilled = backfilled
	sum.NotificationsEnqueued += backfilled
	if err != nil {
		sum.Errors++
		s.log.Error().Err(err).Msg("release notification backfill failed")
	}

	span.SetAttributes(
		attribute.Int("release.due", len(due)),
		attribute.Int("release.songs", sum.SongsReleased),
		attribute.Int("release.errors", sum.Errors),
	)
	if sum.SongsReleased > 0 || sum.Errors > 0 {
		s.log.Info().
			Int("orders", sum.OrdersProcessed).
			Int("songs", sum.SongsReleased).
			Int("notifications", sum.NotificationsEnqueued).
			Int("errors", sum.Errors).
			Msg("release sweep finished")
	}
	return sum, nil
}

func groupByOrder(songs []models.Song) (map[string][]models.Song, []string) {
	groups := make(map[string][]models.Song)
	for _, song := range songs {
		groups[song.OrderID] = append(groups[song.OrderID], song)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return groups, ids
}

// releaseGroup flips one order's due songs and queues its notification. A
// concurrent sweep that already released them leaves nothing to do.
func (s *Scheduler) releaseGroup(ctx context.Context, orderID string, songs []models.Song, now time.Time) ([]string, bool, error) {
	ids := make([]string, len(songs))
	for i, song := range songs {
		ids[i] = song.ID
	}
	released, err := s.store.ReleaseSongs(ctx, orderID, ids, now)
	if err != nil {
		return nil, false, fmt.Errorf("release songs: %w", err)
	}
	if len(released) == 0 {
		s.log.Debug().Str("order_id", orderID).Msg("songs already released")
		return nil, false, nil
	}
	telemetry.SongsReleased.Add(float64(len(released)))
	s.log.Info().Str("order_id", orderID).Strs("song_ids", released).Msg("songs released")

	sort.Strings(released)
	var first models.Song
	for _, song := range songs {
		if song.ID == released[0] {
			first = song
		}
	}
	created, err := s.enqueue(ctx, first)
	if err != nil {
		return released, false, fmt.Errorf("enqueue release notification: %w", err)
	}
	return released, created, nil
}

// backfill queues notifications for released orders whose enqueue failed
// after the release committed.
func (s *Scheduler) backfill(ctx context.Context) (int, error) {
	songs, err := s.store.ListUnnotifiedReleases(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unnotified releases: %w", err)
	}
	groups, orderIDs := groupByOrder(songs)
	n := 0
	var errs []error
	for _, orderID := range orderIDs {
		group := groups[orderID]
		sort.Slice(group, func(a, b int) bool { return group[a].ID < group[b].ID })
		created, err := s.enqueue(ctx, group[0])
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", orderID, err))
			continue
		}
		if created {
			n++
			s.log.Warn().Str("order_id", orderID).Msg("backfilled release notification")
		}
	}
	return n, errors.Join(errs...)
}

func (s *Scheduler) enqueue(ctx context.Context, song models.Song) (bool, error) {
	order, err := s.store.GetOrder(ctx, song.OrderID)
	if err != nil {
		return false, fmt.Errorf("load order: %w", err)
	}
	recipientName := ""
	if job, err := s.store.GetJob(ctx, song.JobID); err == nil {
		if quiz, err := s.store.GetQuiz(ctx, job.QuizID); err == nil {
			recipientName = quiz.RecipientName
		}
	}
	_, created, err := s.notifier.Enqueue(ctx, notify.Entry{
		Kind:      models.KindSongReleased,
		Recipient: order.CustomerEmail,
		Template:  "song_released",
		DedupeKey: models.SongReleasedKey(song.OrderID),
		Payload: map[string]string{
			"order_id":       song.OrderID,
			"song_id":        song.ID,
			"customer_name":  order.CustomerName,
			"recipient_name": recipientName,
			"title":          song.Title,
			"song_url":       s.songURL(song),
		},
	})
	return created, err
}

func (s *Scheduler) songURL(song models.Song) string {
	if s.cfg.SongURLBase != "" {
		return s.cfg.SongURLBase + "/" + song.ID
	}
	if song.AudioURL != nil {
		return *song.AudioURL
	}
	return ""
}

// ApproveSong schedules a ready song for release at releaseAt.
func (s *Scheduler) ApproveSong(ctx context.Context, songID string, releaseAt time.Time) (models.Song, error) {
	ok, err := s.store.ApproveSong(ctx, songID, releaseAt.UTC())
	if err != nil {
		return models.Song{}, err
	}
	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return models.Song{}, err
	}
	if !ok {
		return song, fmt.Errorf("song %s is %s: %w", songID, song.Status, models.ErrConflict)
	}
	s.log.Info().Str("song_id", songID).Str("order_id", song.OrderID).Time("release_at", releaseAt).Msg("song approved")
	return song, nil
}

// DeleteSong removes a song and its mirrored files. Approval history is kept.
func (s *Scheduler) DeleteSong(ctx context.Context, songID string) error {
	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return err
	}
	if s.assets != nil && len(song.AssetKeys) > 0 {
		if err := assets.Delete(ctx, s.assets, song.AssetKeys); err != nil {
			return fmt.Errorf("delete song assets: %w", err)
		}
	}
	ok, err := s.store.DeleteSong(ctx, songID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("song %s: %w", songID, models.ErrNotFound)
	}
	s.log.Info().Str("song_id", songID).Str("order_id", song.OrderID).Int("assets", len(song.AssetKeys)).Msg("song deleted")
	return nil
}
