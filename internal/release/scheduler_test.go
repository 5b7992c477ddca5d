package release

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"song-fulfillment/internal/assets"
	"song-fulfillment/internal/models"
	"song-fulfillment/internal/notify"
	"song-fulfillment/internal/store/memstore"
)

type harness struct {
	st    *memstore.Store
	queue *notify.Queue
	sched *Scheduler
	now   time.Time
}

func (h *harness) clock() time.Time { return h.now }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	h.st = memstore.New(memstore.WithClock(h.clock))
	h.queue = notify.New(notify.Config{}, h.st, nil, zerolog.Nop(), notify.WithClock(h.clock))
	h.sched = New(Config{SongURLBase: "https://songs.example.com/listen/"}, h.st, h.queue, zerolog.Nop(), WithClock(h.clock))

	ctx := context.Background()
	for _, id := range []string{"order-a", "order-b"} {
		require.NoError(t, h.st.CreateOrder(ctx,
			models.Order{ID: id, CustomerEmail: id + "@example.com", CustomerName: "Customer " + id},
			models.Quiz{ID: "quiz-" + id, RecipientName: "Recipient " + id}))
		h.st.PutJob(models.Job{ID: "job-" + id, OrderID: id, QuizID: "quiz-" + id, Variant: 1, Status: models.JobCompleted})
	}
	return h
}

func (h *harness) putSong(id, orderID string, status models.SongStatus, releaseAt *time.Time) {
	h.st.PutSong(models.Song{
		ID: id, OrderID: orderID, JobID: "job-" + orderID, Title: "Song " + id,
		Status: status, ReleaseAt: releaseAt, CreatedAt: h.now, UpdatedAt: h.now,
	})
}

func at(t time.Time) *time.Time { return &t }

func (h *harness) notifications(t *testing.T) []models.Notification {
	t.Helper()
	list, err := h.st.ListNotifications(context.Background(), "", 0)
	require.NoError(t, err)
	return list
}

func TestSweepReleasesDueSongOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putSong("song-s", "order-a", models.SongApproved, at(h.now.Add(-time.Hour)))

	sum, err := h.sched.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{OrdersProcessed: 1, SongsReleased: 1, NotificationsEnqueued: 1}, sum)

	song, err := h.st.GetSong(ctx, "song-s")
	require.NoError(t, err)
	assert.Equal(t, models.SongReleased, song.Status)
	require.NotNil(t, song.ReleasedAt)
	assert.Equal(t, h.now, *song.ReleasedAt)

	list := h.notifications(t)
	require.Len(t, list, 1)
	n := list[0]
	assert.Equal(t, models.KindSongReleased, n.Kind)
	assert.Equal(t, "order-a@example.com", n.Recipient)
	assert.Equal(t, "song_released:order-a", n.DedupeKey)
	assert.Equal(t, "song-s", n.Payload["song_id"])
	assert.Equal(t, "Recipient order-a", n.Payload["recipient_name"])
	assert.Equal(t, "https://songs.example.com/listen/song-s", n.Payload["song_url"])

	sum, err = h.sched.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
	assert.Len(t, h.notifications(t), 1)
}

func TestSweepSkipsSongsNotDue(t *testing.T) {
	h := newHarness(t)
	h.putSong("song-future", "order-a", models.SongApproved, at(h.now.Add(time.Minute)))
	h.putSong("song-ready", "order-a", models.SongReady, nil)
	h.putSong("song-boundary", "order-b", models.SongApproved, at(h.now))

	sum, err := h.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SongsReleased)

	song, err := h.st.GetSong(context.Background(), "song-future")
	require.NoError(t, err)
	assert.Equal(t, models.SongApproved, song.Status)
	assert.Nil(t, song.ReleasedAt)
}

func TestSweepNotifiesOncePerOrderWithFirstSong(t *testing.T) {
	h := newHarness(t)
	due := at(h.now.Add(-time.Minute))
	h.putSong("song-2", "order-a", models.SongApproved, due)
	h.putSong("song-1", "order-a", models.SongApproved, due)
	h.putSong("song-3", "order-b", models.SongApproved, due)

	sum, err := h.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{OrdersProcessed: 2, SongsReleased: 3, NotificationsEnqueued: 2}, sum)

	byOrder := map[string]string{}
	for _, n := range h.notifications(t) {
		byOrder[n.Payload["order_id"]] = n.Payload["song_id"]
	}
	assert.Equal(t, map[string]string{"order-a": "song-1", "order-b": "song-3"}, byOrder)
}

func TestConcurrentSweepsReleaseOnce(t *testing.T) {
	h := newHarness(t)
	due := at(h.now.Add(-time.Hour))
	h.putSong("song-1", "order-a", models.SongApproved, due)
	h.putSong("song-2", "order-a", models.SongApproved, due)
	h.putSong("song-3", "order-b", models.SongApproved, due)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total Summary
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched := New(Config{}, h.st, h.queue, zerolog.Nop(), WithClock(h.clock))
			sum, err := sched.Sweep(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			total.SongsReleased += sum.SongsReleased
			total.NotificationsEnqueued += sum.NotificationsEnqueued
			total.Errors += sum.Errors
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, total.SongsReleased)
	assert.Equal(t, 2, total.NotificationsEnqueued)
	assert.Zero(t, total.Errors)
	assert.Len(t, h.notifications(t), 2)
}

type flakyStore struct {
	*memstore.Store
	failOrder string
}

func (f *flakyStore) ReleaseSongs(ctx context.Context, orderID string, ids []string, now time.Time) ([]string, error) {
	if orderID == f.failOrder {
		return nil, errors.New("deadlock detected")
	}
	return f.Store.ReleaseSongs(ctx, orderID, ids, now)
}

func TestGroupFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	due := at(h.now.Add(-time.Hour))
	h.putSong("song-1", "order-a", models.SongApproved, due)
	h.putSong("song-2", "order-b", models.SongApproved, due)

	sched := New(Config{}, &flakyStore{Store: h.st, failOrder: "order-a"}, h.queue, zerolog.Nop(), WithClock(h.clock))
	sum, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{OrdersProcessed: 1, SongsReleased: 1, NotificationsEnqueued: 1, Errors: 1}, sum)

	song, err := h.st.GetSong(context.Background(), "song-1")
	require.NoError(t, err)
	assert.Equal(t, models.SongApproved, song.Status)
}

type flakyNotifier struct {
	inner *notify.Queue
	fails int
}

func (f *flakyNotifier) Enqueue(ctx context.Context, e notify.Entry) (models.Notification, bool, error) {
	if f.fails > 0 {
		f.fails--
		return models.Notification{}, false, errors.New("connection refused")
	}
	return f.inner.Enqueue(ctx, e)
}

func TestBackfillAfterFailedEnqueue(t *testing.T) {
	h := newHarness(t)
	h.putSong("song-1", "order-a", models.SongApproved, at(h.now.Add(-time.Hour)))

	// the release and the immediate backfill both fail to enqueue
	notifier := &flakyNotifier{inner: h.queue, fails: 2}
	sched := New(Config{}, h.st, notifier, zerolog.Nop(), WithClock(h.clock))
	sum, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SongsReleased)
	assert.Zero(t, sum.NotificationsEnqueued)
	assert.Equal(t, 2, sum.Errors)
	assert.Empty(t, h.notifications(t))

	sum, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{NotificationsEnqueued: 1, Backfilled: 1}, sum)
	require.Len(t, h.notifications(t), 1)
}

func TestApproveSong(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putSong("song-1", "order-a", models.SongReady, nil)

	releaseAt := h.now.Add(2 * time.Hour)
	song, err := h.sched.ApproveSong(ctx, "song-1", releaseAt)
	require.NoError(t, err)
	assert.Equal(t, models.SongApproved, song.Status)
	assert.Equal(t, releaseAt, *song.ReleaseAt)

	_, err = h.sched.ApproveSong(ctx, "song-1", releaseAt)
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = h.sched.ApproveSong(ctx, "song-404", releaseAt)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteSongRemovesAssets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dir := t.TempDir()
	local := assets.NewLocalStore(dir, "http://localhost/assets")
	_, err := local.Put(ctx, "songs/order-a/1/audio.mp3", []byte("ID3"), "audio/mpeg")
	require.NoError(t, err)

	h.st.PutSong(models.Song{ID: "song-1", OrderID: "order-a", JobID: "job-order-a", Status: models.SongReady,
		AssetKeys: []string{"songs/order-a/1/audio.mp3"}})
	sched := New(Config{}, h.st, h.queue, zerolog.Nop(), WithClock(h.clock), WithAssets(local))

	require.NoError(t, sched.DeleteSong(ctx, "song-1"))
	_, err = os.Stat(filepath.Join(dir, "songs/order-a/1/audio.mp3"))
	assert.True(t, os.IsNotExist(err))
	_, err = h.st.GetSong(ctx, "song-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.ErrorIs(t, sched.DeleteSong(ctx, "song-1"), models.ErrNotFound)
}
