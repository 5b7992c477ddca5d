package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"song-fulfillment/internal/assets"
	"song-fulfillment/internal/models"
	"song-fulfillment/internal/providers"
	"song-fulfillment/internal/store/memstore"
)

type fakeSubmitter struct {
	calls atomic.Int32
	fail  atomic.Bool
	mu    sync.Mutex
	reqs  []providers.AudioRequest
}

func (s *fakeSubmitter) Submit(_ context.Context, req providers.AudioRequest) (string, error) {
	n := s.calls.Add(1)
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.fail.Load() {
		return "", &providers.UpstreamError{Provider: "audio", Op: "submit", StatusCode: 502}
	}
	time.Sleep(5 * time.Millisecond)
	return fmt.Sprintf("task-%d", n), nil
}

type recordedPoll struct {
	taskID, jobID string
	runAt         time.Time
}

type fakePollScheduler struct {
	mu    sync.Mutex
	polls []recordedPoll
}

func (f *fakePollScheduler) Schedule(_ context.Context, taskID, jobID string, runAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, recordedPoll{taskID, jobID, runAt})
	return nil
}

type fakeMirror struct{ fail bool }

func (m fakeMirror) MirrorClip(_ context.Context, prefix, _, coverURL string) (assets.Mirrored, error) {
	if m.fail {
		return assets.Mirrored{}, errors.New("download audio: status 404")
	}
	out := assets.Mirrored{AudioURL: "https://assets.example.com/" + prefix + "/audio.mp3", Keys: []string{prefix + "/audio.mp3"}}
	if coverURL != "" {
		out.CoverURL = "https://assets.example.com/" + prefix + "/cover.jpg"
		out.ThumbnailURL = "https://assets.example.com/" + prefix + "/thumb.jpg"
		out.Keys = append(out.Keys, prefix+"/cover.jpg", prefix+"/thumb.jpg")
	}
	return out, nil
}

type fixture struct {
	st    *memstore.Store
	job   models.Job
	now   time.Time
	audio *fakeSubmitter
	polls *fakePollScheduler
}

func (f *fixture) clock() time.Time { return f.now }

// newFixture returns a job whose lyrics were approved and which awaits audio.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:   time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		audio: &fakeSubmitter{},
		polls: &fakePollScheduler{},
	}
	f.st = memstore.New(memstore.WithClock(f.clock))
	ctx := context.Background()
	require.NoError(t, f.st.CreateOrder(ctx,
		models.Order{ID: "order-9", CustomerEmail: "kim@example.com", CustomerName: "Kim"},
		models.Quiz{ID: "quiz-9", RecipientName: "Lee", Genre: "pop", Mood: "warm", VoicePreference: "female"}))
	job, _, err := f.st.CreateJob(ctx, "order-9", "quiz-9", 1)
	require.NoError(t, err)
	_, err = f.st.CreateApproval(ctx, models.LyricsApproval{
		ID: "appr-1", JobID: job.ID, OrderID: "order-9", QuizID: "quiz-9", Token: "tok",
		Lyrics:    models.Lyrics{Title: "For Lee", Verses: []models.Verse{{Label: "chorus", Lines: []string{"la la"}}}},
		ExpiresAt: f.now.Add(72 * time.Hour),
	})
	require.NoError(t, err)
	ok, err := f.st.ApproveApproval(ctx, "appr-1", f.now)
	require.NoError(t, err)
	require.True(t, ok)
	f.job = job
	return f
}

func (f *fixture) trigger(cfg Config, opts ...Option) *Trigger {
	opts = append([]Option{WithClock(f.clock), WithPollScheduler(f.polls)}, opts...)
	return NewTrigger(cfg, f.st, f.audio, zerolog.Nop(), opts...)
}

func (f *fixture) jobState(t *testing.T) models.Job {
	t.Helper()
	j, err := f.st.GetJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	return j
}

func defaultConfig() Config {
	return Config{ReleaseDelay: 24 * time.Hour, AutoApprove: true, ClaimTimeout: 10 * time.Minute, PollInitial: 30 * time.Second, CallbackURL: "https://api.example.com/v1/webhooks/audio"}
}

func TestTriggerSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	tr := f.trigger(defaultConfig())
	ctx := context.Background()

	require.NoError(t, tr.Trigger(ctx, f.job.ID))
	require.NoError(t, tr.Trigger(ctx, f.job.ID))

	assert.EqualValues(t, 1, f.audio.calls.Load())
	assert.Equal(t, "task-1", f.jobState(t).AudioTaskID())
	req := f.audio.reqs[0]
	assert.Equal(t, "For Lee", req.Title)
	assert.Equal(t, "female", req.Voice)
	assert.Equal(t, "pop warm", req.Style)
	assert.Contains(t, req.Lyrics, "[chorus]")

	require.Len(t, f.polls.polls, 1)
	assert.Equal(t, recordedPoll{"task-1", f.job.ID, f.now.Add(30 * time.Second)}, f.polls.polls[0])
}

func TestConcurrentTriggerSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	tr := f.trigger(defaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.Trigger(context.Background(), f.job.ID))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, f.audio.calls.Load())
}

func TestTriggerRequiresApprovedLyrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, _, err := f.st.CreateJob(ctx, "order-9", "quiz-9", 2)
	require.NoError(t, err)

	err = f.trigger(defaultConfig()).Trigger(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Zero(t, f.audio.calls.Load())
}

func TestSubmissionFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	tr := f.trigger(defaultConfig())
	ctx := context.Background()
	f.audio.fail.Store(true)

	err := tr.Trigger(ctx, f.job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrUpstreamGeneration)

	job := f.jobState(t)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Nil(t, job.AudioTaskReference)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "audio submission")

	f.audio.fail.Store(false)
	n, err := tr.ResubmitStalled(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "too recent to resubmit")

	f.now = f.now.Add(11 * time.Minute)
	n, err = tr.ResubmitStalled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "task-2", f.jobState(t).AudioTaskID())
}

func TestResubmitReleasesAbandonedClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok, err := f.st.ClaimAudioTask(ctx, f.job.ID, models.AudioClaimPrefix+"crashed")
	require.NoError(t, err)
	require.True(t, ok)

	tr := f.trigger(defaultConfig())
	require.NoError(t, tr.Trigger(ctx, f.job.ID))
	assert.Zero(t, f.audio.calls.Load())

	// the first pass frees the claim, the next one resubmits
	f.now = f.now.Add(15 * time.Minute)
	n, err := tr.ResubmitStalled(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, f.jobState(t).HasAudioTask())

	f.now = f.now.Add(15 * time.Minute)
	n, err = tr.ResubmitStalled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, f.audio.calls.Load())
}

func succeeded(taskID string) providers.TaskResult {
	return providers.TaskResult{TaskID: taskID, Status: providers.TaskSucceeded, Clips: []providers.Clip{
		{AudioURL: "https://cdn.example.com/1.mp3", CoverURL: "https://cdn.example.com/1.jpg"},
		{AudioURL: "https://cdn.example.com/2.mp3", Title: "For Lee (acoustic)"},
	}}
}

func TestCompleteCreatesApprovedSongs(t *testing.T) {
	f := newFixture(t)
	tr := f.trigger(defaultConfig())
	ctx := context.Background()
	require.NoError(t, tr.Trigger(ctx, f.job.ID))

	require.NoError(t, tr.Complete(ctx, succeeded("task-1")))
	require.NoError(t, tr.Complete(ctx, succeeded("task-1")))

	assert.Equal(t, models.JobCompleted, f.jobState(t).Status)
	songs, err := f.st.ListSongsByOrder(ctx, "order-9")
	require.NoError(t, err)
	require.Len(t, songs, 2)
	for i, s := range songs {
		assert.Equal(t, i+1, s.VariantNumber)
		assert.Equal(t, models.SongApproved, s.Status)
		require.NotNil(t, s.ReleaseAt)
		assert.Equal(t, f.now.Add(24*time.Hour), *s.ReleaseAt)
		assert.Nil(t, s.ReleasedAt)
	}
	assert.Equal(t, "For Lee", songs[0].Title)
	assert.Equal(t, "For Lee (acoustic)", songs[1].Title)
	assert.Equal(t, "https://cdn.example.com/1.jpg", *songs[0].CoverURL)
	assert.Nil(t, songs[1].CoverURL)
}

func TestCompleteWithoutAutoApprove(t *testing.T) {
	f := newFixture(t)
	cfg := defaultConfig()
	cfg.AutoApprove = false
	tr := f.trigger(cfg)
	ctx := context.Background()
	require.NoError(t, tr.Trigger(ctx, f.job.ID))
	require.NoError(t, tr.Complete(ctx, succeeded("task-1")))

	songs, err := f.st.ListSongsByOrder(ctx, "order-9")
	require.NoError(t, err)
	require.Len(t, songs, 2)
	assert.Equal(t, models.SongReady, songs[0].Status)
	assert.Nil(t, songs[0].ReleaseAt)
}

func TestCompleteMirrorsAssets(t *testing.T) {
	f := newFixture(t)
	tr := f.trigger(defaultConfig(), WithMirror(fakeMirror{}))
	ctx := context.Background()
	require.NoError(t, tr.Trigger(ctx, f.job.ID))
	require.NoError(t, tr.Complete(ctx, succeeded("task-1")))

	songs, err := f.st.ListSongsByOrder(ctx, "order-9")
	require.NoError(t, err)
	require.Len(t, songs, 2)
	prefix := "songs/order-9/" + f.job.ID + "/1"
	assert.Equal(t, "https://assets.example.com/"+prefix+"/audio.mp3", *songs[0].AudioURL)
	assert.Equal(t, "https://assets.example.com/"+prefix+"/thumb.jpg", *songs[0].ThumbnailURL)
	assert.Len(t, songs[0].AssetKeys, 3)
	assert.Len(t, songs[1].AssetKeys, 1)
}

func TestMirrorFailureLeavesJobProcessing(t *testing.T) {
	f := newFixture(t)
	tr := f.trigger(defaultConfig(), WithMirror(fakeMirror{fail: true}))
	ctx := context.Background()
	require.NoError(t, tr.Trigger(ctx, f.job.ID))

	assert.Error(t, tr.Complete(ctx, succeeded("task-1")))
	assert.Equal(t, models.JobProcessing, f.jobState(t).Status)
	songs, err := f.st.ListSongsByOrder(ctx, "order-9")
	require.NoError(t, err)
	assert.Empty(t, songs)
}

func TestCompleteRunningAndFailed(t *testing.T) {
	f := newFixture(t)
	tr := f.trigger(defaultConfig())
	ctx := context.Background()
	require.NoError(t, tr.Trigger(ctx, f.job.ID))

	require.NoError(t, tr.Complete(ctx, providers.TaskResult{TaskID: "task-1", Status: providers.TaskRunning}))
	assert.Equal(t, models.JobProcessing, f.jobState(t).Status)

	require.NoError(t, tr.Complete(ctx, providers.TaskResult{TaskID: "task-1", Status: providers.TaskFailed, Error: "content policy"}))
	job := f.jobState(t)
	assert.Equal(t, models.JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "audio generation failed: content policy", *job.Error)

	require.NoError(t, tr.Complete(ctx, succeeded("task-1")))
	assert.Equal(t, models.JobFailed, f.jobState(t).Status)
}

func TestCompleteUnknownTask(t *testing.T) {
	f := newFixture(t)
	err := f.trigger(defaultConfig()).Complete(context.Background(), succeeded("task-404"))
	assert.ErrorIs(t, err, ErrUnknownTask)
}
