package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"song-fulfillment/internal/audio"
	"song-fulfillment/internal/models"
	"song-fulfillment/internal/notify"
	"song-fulfillment/internal/release"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped: %s", b10)
	}
}

func TestRunOnceRunsSelectedTasksInOrder(t *testing.T) {
	r := NewRunner("w1", time.Minute, time.Second, zerolog.Nop())
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		r.Register(name, 0, func(context.Context) (any, error) {
			order = append(order, name)
			return name + "-done", nil
		})
	}

	res, err := r.RunOnce(context.Background(), "c", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, order)
	require.Len(t, res, 2)
	assert.Equal(t, "c-done", res[0].Summary)

	order = nil
	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Len(t, res, 3)
}

func TestRunOnceUnknownTask(t *testing.T) {
	r := NewRunner("w1", time.Minute, 0, zerolog.Nop())
	r.Register("a", 0, func(context.Context) (any, error) { return nil, nil })

	_, err := r.RunOnce(context.Background(), "a", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRunOnceReportsFailuresAndPanics(t *testing.T) {
	r := NewRunner("w1", time.Minute, 0, zerolog.Nop())
	boom := errors.New("boom")
	r.Register("fails", 0, func(context.Context) (any, error) { return nil, boom })
	r.Register("panics", 0, func(context.Context) (any, error) { panic("bad") })
	r.Register("ok", 0, func(context.Context) (any, error) { return 1, nil })

	res, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	require.Len(t, res, 3)
	assert.Equal(t, "boom", res[0].Error)
	assert.Contains(t, res[1].Error, "panicked")
	assert.Empty(t, res[2].Error)
}

func TestRegisterReplacesByName(t *testing.T) {
	r := NewRunner("w1", time.Minute, 0, zerolog.Nop())
	r.Register("a", 0, func(context.Context) (any, error) { return 1, nil })
	r.Register("a", 0, func(context.Context) (any, error) { return 2, nil })

	assert.Equal(t, []string{"a"}, r.Names())
	res, err := r.RunOnce(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, res[0].Summary)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	r := NewRunner("w1", time.Minute, 0, zerolog.Nop())
	var runs atomic.Int32
	r.Register("tick", 5*time.Millisecond, func(context.Context) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	r.Register("disabled", 0, func(context.Context) (any, error) {
		t.Error("disabled task ran")
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunWithoutEnabledTasks(t *testing.T) {
	r := NewRunner("w1", time.Minute, 0, zerolog.Nop())
	r.Register("a", 0, func(context.Context) (any, error) { return nil, nil })
	assert.Error(t, r.Run(context.Background()))
}

type fakeReleaser struct{ calls int }

func (f *fakeReleaser) Sweep(context.Context) (release.Summary, error) {
	f.calls++
	return release.Summary{SongsReleased: 2}, nil
}

type fakeNotifications struct{ steps []string }

func (f *fakeNotifications) RequeueStuck(context.Context) (int, error) {
	f.steps = append(f.steps, "requeue")
	return 1, nil
}

func (f *fakeNotifications) Drain(context.Context) (notify.Summary, error) {
	f.steps = append(f.steps, "drain")
	return notify.Summary{Sent: 3}, nil
}

type fakePoller struct{ polls, recovers int }

func (f *fakePoller) PollOnce(context.Context) (audio.PollSummary, error) {
	f.polls++
	return audio.PollSummary{Applied: 1}, nil
}

func (f *fakePoller) Recover(context.Context, audio.TaskLister) (int, error) {
	f.recovers++
	return 2, nil
}

type fakeJobs struct{}

func (fakeJobs) ListJobsWithAudioTask(context.Context, int) ([]models.Job, error) { return nil, nil }

type fakeResubmitter struct{ limit int }

func (f *fakeResubmitter) ResubmitStalled(_ context.Context, limit int) (int, error) {
	f.limit = limit
	return 4, nil
}

type fakeExpirer struct{}

func (fakeExpirer) ExpireStale(context.Context) (int, error) { return 5, nil }

type fakePruner struct{ cutoff time.Time }

func (f *fakePruner) PruneRateLimits(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return 6, nil
}

func TestRegisterPipeline(t *testing.T) {
	rel := &fakeReleaser{}
	notifs := &fakeNotifications{}
	poller := &fakePoller{}
	resub := &fakeResubmitter{}
	pruner := &fakePruner{}

	r := NewRunner("w1", time.Minute, 0, zerolog.Nop())
	RegisterPipeline(r, Pipeline{
		Releaser:      rel,
		Notifications: notifs,
		Poller:        poller,
		Jobs:          fakeJobs{},
		Resubmitter:   resub,
		Approvals:     fakeExpirer{},
		RateLimits:    pruner,
	}, Intervals{})

	assert.Equal(t, []string{TaskRelease, TaskNotifications, TaskAudioPoll, TaskAudioResubmit, TaskExpireApproval, TaskPruneRateLimit}, r.Names())

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 6)

	assert.Equal(t, 1, rel.calls)
	assert.Equal(t, []string{"requeue", "drain"}, notifs.steps)
	assert.Equal(t, drainSummary{Requeued: 1, Drain: notify.Summary{Sent: 3}}, res[1].Summary)
	assert.Equal(t, 1, poller.polls)
	assert.Equal(t, 1, poller.recovers)
	assert.Equal(t, resubmitBatch, resub.limit)
	assert.Equal(t, resubmitSummary{Recovered: 2, Resubmitted: 4}, res[3].Summary)
	assert.Equal(t, map[string]int{"expired": 5}, res[4].Summary)
	assert.WithinDuration(t, time.Now().Add(-rateLimitKeep), pruner.cutoff, time.Minute)
}

func TestRegisterPipelineSkipsMissingComponents(t *testing.T) {
	r := NewRunner("w1", time.Minute, 0, zerolog.Nop())
	RegisterPipeline(r, Pipeline{Releaser: &fakeReleaser{}}, Intervals{Release: time.Minute})
	assert.Equal(t, []string{TaskRelease}, r.Names())
}
