// Package storetest holds the behaviour every store backend must share. The
// in-memory store runs it in unit tests; the Postgres store runs it when
// TEST_POSTGRES_DSN is set.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"song-fulfillment/internal/models"
)

// Store is the subset of the persistence API the contract exercises.
type Store interface {
	CreateOrder(ctx context.Context, o models.Order, q models.Quiz) error
	CreateJob(ctx context.Context, orderID, quizID string, variant int) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetJobByAudioTask(ctx context.Context, taskID string) (models.Job, error)
	TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, errMsg *string) (bool, error)
	ClaimAudioTask(ctx context.Context, jobID, claim string) (bool, error)
	SetAudioTask(ctx context.Context, jobID, claim, taskID string) (bool, error)
	ReleaseAudioClaim(ctx context.Context, jobID, claim, errMsg string) (bool, error)
	CompleteAudio(ctx context.Context, jobID, taskID string, songs []models.Song) (bool, error)
	RetryFailedJobs(ctx context.Context, ids []string) ([]string, error)
	DueSongs(ctx context.Context, now time.Time, limit int) ([]models.Song, error)
	ReleaseSongs(ctx context.Context, orderID string, ids []string, now time.Time) ([]string, error)
	EnqueueNotification(ctx context.Context, n models.Notification) (models.Notification, bool, error)
	ClaimNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
	MarkNotificationSent(ctx context.Context, id, messageID string, now time.Time) (bool, error)
	GetNotification(ctx context.Context, id string) (models.Notification, error)
	RequeueStuckNotifications(ctx context.Context, updatedBefore time.Time, defaultMax int, lastErr string) (int, int, error)
	IncrementRateLimit(ctx context.Context, identifier, action string, windowStart time.Time) (int, error)
}

// Run executes the contract against a fresh or shared store. Every case uses
// its own ids, so a shared database is fine.
func Run(t *testing.T, st Store) {
	t.Run("CreateJobReusesActiveVariant", func(t *testing.T) { createJobReusesActiveVariant(t, st) })
	t.Run("TransitionIsConditional", func(t *testing.T) { transitionIsConditional(t, st) })
	t.Run("AudioClaimHasOneWinner", func(t *testing.T) { audioClaimHasOneWinner(t, st) })
	t.Run("CompleteAndReleaseOnce", func(t *testing.T) { completeAndReleaseOnce(t, st) })
	t.Run("RetryFailedJobs", func(t *testing.T) { retryFailedJobs(t, st) })
	t.Run("RetryFailedJobsConflictChangesNothing", func(t *testing.T) { retryFailedJobsConflict(t, st) })
	t.Run("NotificationDedupeAndClaim", func(t *testing.T) { notificationDedupeAndClaim(t, st) })
	t.Run("StuckNotificationUsesRetry", func(t *testing.T) { stuckNotificationUsesRetry(t, st) })
	t.Run("RateLimitCounter", func(t *testing.T) { rateLimitCounter(t, st) })
}

func newOrder(t *testing.T, st Store) (string, string) {
	t.Helper()
	orderID := "order-" + uuid.NewString()
	quizID := "quiz-" + uuid.NewString()
	require.NoError(t, st.CreateOrder(context.Background(),
		models.Order{ID: orderID, CustomerEmail: "kim@example.com", CustomerName: "Kim"},
		models.Quiz{ID: quizID, OrderID: orderID, RecipientName: "Lee", Genre: "pop"}))
	return orderID, quizID
}

func processingJob(t *testing.T, st Store) models.Job {
	t.Helper()
	ctx := context.Background()
	orderID, quizID := newOrder(t, st)
	job, _, err := st.CreateJob(ctx, orderID, quizID, 1)
	require.NoError(t, err)
	ok, err := st.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobPending}, models.JobProcessing, nil)
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

func createJobReusesActiveVariant(t *testing.T, st Store) {
	ctx := context.Background()
	orderID, quizID := newOrder(t, st)

	first, reused, err := st.CreateJob(ctx, orderID, quizID, 1)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, models.JobPending, first.Status)

	again, reused, err := st.CreateJob(ctx, orderID, quizID, 1)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, again.ID)

	other, reused, err := st.CreateJob(ctx, orderID, quizID, 2)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID, other.ID)

	msg := "gave up"
	ok, err := st.TransitionJob(ctx, first.ID, []models.JobStatus{models.JobPending}, models.JobFailed, &msg)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, reused, err := st.CreateJob(ctx, orderID, quizID, 1)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func transitionIsConditional(t *testing.T, st Store) {
	ctx := context.Background()
	job := processingJob(t, st)

	ok, err := st.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobPending}, models.JobProcessing, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobCompleted}, models.JobFailed, nil)
	assert.Error(t, err)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
}

func audioClaimHasOneWinner(t *testing.T, st Store) {
	ctx := context.Background()
	job := processingJob(t, st)
	claimA := models.AudioClaimPrefix + uuid.NewString()
	claimB := models.AudioClaimPrefix + uuid.NewString()

	ok, err := st.ClaimAudioTask(ctx, job.ID, claimA)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.ClaimAudioTask(ctx, job.ID, claimB)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.SetAudioTask(ctx, job.ID, claimB, "task-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.ReleaseAudioClaim(ctx, job.ID, claimA, "provider down")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.ClaimAudioTask(ctx, job.ID, claimB)
	require.NoError(t, err)
	require.True(t, ok)

	taskID := "task-" + uuid.NewString()
	ok, err = st.SetAudioTask(ctx, job.ID, claimB, taskID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := st.GetJobByAudioTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Nil(t, got.Error)
	assert.Equal(t, taskID, got.AudioTaskID())
}

func completeAndReleaseOnce(t *testing.T, st Store) {
	ctx := context.Background()
	job := processingJob(t, st)
	claim := models.AudioClaimPrefix + uuid.NewString()
	taskID := "task-" + uuid.NewString()
	ok, err := st.ClaimAudioTask(ctx, job.ID, claim)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.SetAudioTask(ctx, job.ID, claim, taskID)
	require.NoError(t, err)
	require.True(t, ok)

	now := time.Now().UTC().Truncate(time.Millisecond)
	due := now.Add(-time.Minute)
	url := "https://cdn.example.com/a.mp3"
	songs := []models.Song{{
		ID: uuid.NewString(), OrderID: job.OrderID, JobID: job.ID, Title: "For Lee",
		VariantNumber: 1, Status: models.SongApproved, AudioURL: &url, ReleaseAt: &due,
	}}

	ok, err = st.CompleteAudio(ctx, job.ID, "task-other", songs)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = st.CompleteAudio(ctx, job.ID, taskID, songs)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.CompleteAudio(ctx, job.ID, taskID, songs)
	require.NoError(t, err)
	assert.False(t, ok)

	dueSongs, err := st.DueSongs(ctx, now, 1000)
	require.NoError(t, err)
	var ids []string
	for _, s := range dueSongs {
		if s.OrderID == job.OrderID {
			ids = append(ids, s.ID)
		}
	}
	require.Equal(t, []string{songs[0].ID}, ids)

	released, err := st.ReleaseSongs(ctx, job.OrderID, ids, now)
	require.NoError(t, err)
	assert.Equal(t, ids, released)
	released, err = st.ReleaseSongs(ctx, job.OrderID, ids, now)
	require.NoError(t, err)
	assert.Empty(t, released)
}

func retryFailedJobs(t *testing.T, st Store) {
	ctx := context.Background()
	job := processingJob(t, st)
	msg := "no result"
	ok, err := st.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobProcessing}, models.JobFailed, &msg)
	require.NoError(t, err)
	require.True(t, ok)

	retried, err := st.RetryFailedJobs(ctx, []string{job.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, retried)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.AudioTaskReference)

	retried, err = st.RetryFailedJobs(ctx, []string{job.ID})
	require.NoError(t, err)
	assert.Empty(t, retried)
}

func retryFailedJobsConflict(t *testing.T, st Store) {
	ctx := context.Background()
	orderID, quizID := newOrder(t, st)
	msg := "gave up"
	failJob := func(variant int) models.Job {
		t.Helper()
		job, _, err := st.CreateJob(ctx, orderID, quizID, variant)
		require.NoError(t, err)
		ok, err := st.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobPending}, models.JobFailed, &msg)
		require.NoError(t, err)
		require.True(t, ok)
		return job
	}

	blocked := failJob(1)
	active, reused, err := st.CreateJob(ctx, orderID, quizID, 1)
	require.NoError(t, err)
	require.False(t, reused)
	free := failJob(2)

	retried, err := st.RetryFailedJobs(ctx, []string{free.ID, blocked.ID})
	require.ErrorIs(t, err, models.ErrConflict)
	assert.Empty(t, retried)

	for _, id := range []string{blocked.ID, free.ID} {
		got, err := st.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, got.Status, id)
	}
	got, err := st.GetJob(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)

	retried, err = st.RetryFailedJobs(ctx, []string{free.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{free.ID}, retried)
}

func notificationDedupeAndClaim(t *testing.T, st Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	key := "song_released:" + uuid.NewString()
	n := models.Notification{
		Kind: models.KindSongReleased, Recipient: "kim@example.com", Template: "song_released",
		Payload: map[string]string{"title": "For Lee"}, DedupeKey: key, MaxRetries: 5, NextRetryAt: now.Add(-time.Second),
	}

	first, created, err := st.EnqueueNotification(ctx, n)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, models.NotificationPending, first.Status)

	dup, created, err := st.EnqueueNotification(ctx, n)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	claimed := claimedIDs(t, st, now)
	assert.Contains(t, claimed, first.ID)
	assert.NotContains(t, claimedIDs(t, st, now), first.ID)

	ok, err := st.MarkNotificationSent(ctx, first.ID, "msg-1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.MarkNotificationSent(ctx, first.ID, "msg-2", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func claimedIDs(t *testing.T, st Store, now time.Time) []string {
	t.Helper()
	list, err := st.ClaimNotifications(context.Background(), now, 1000)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, n := range list {
		ids = append(ids, n.ID)
	}
	return ids
}

func stuckNotificationUsesRetry(t *testing.T, st Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	enqueue := func(maxRetries int) models.Notification {
		t.Helper()
		n, created, err := st.EnqueueNotification(ctx, models.Notification{
			Kind: models.KindLyricsReady, Recipient: "kim@example.com", Template: "lyrics_ready",
			DedupeKey: "stuck:" + uuid.NewString(), MaxRetries: maxRetries, NextRetryAt: now.Add(-time.Second),
		})
		require.NoError(t, err)
		require.True(t, created)
		return n
	}
	again := enqueue(3)
	last := enqueue(1)
	claimed := claimedIDs(t, st, now)
	require.Contains(t, claimed, again.ID)
	require.Contains(t, claimed, last.ID)

	_, _, err := st.RequeueStuckNotifications(ctx, now.Add(time.Hour), 5, "abandoned")
	require.NoError(t, err)

	got, err := st.GetNotification(ctx, again.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "abandoned", *got.LastError)

	got, err = st.GetNotification(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func rateLimitCounter(t *testing.T, st Store) {
	ctx := context.Background()
	id := "ip-" + uuid.NewString()
	window := time.Now().UTC().Truncate(time.Minute)

	for want := 1; want <= 3; want++ {
		got, err := st.IncrementRateLimit(ctx, id, "order", window)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := st.IncrementRateLimit(ctx, id, "order", window.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}
