package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"song-fulfillment/internal/models"
	"song-fulfillment/internal/providers"
	"song-fulfillment/internal/queue"
)

type fakeStatus struct {
	mu      sync.Mutex
	results map[string]providers.TaskResult
	err     error
	calls   int
}

func (s *fakeStatus) Status(_ context.Context, taskID string) (providers.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return providers.TaskResult{}, s.err
	}
	if res, ok := s.results[taskID]; ok {
		return res, nil
	}
	return providers.TaskResult{TaskID: taskID, Status: providers.TaskRunning}, nil
}

func (s *fakeStatus) set(res providers.TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.TaskID] = res
}

func newPollSchedule(t *testing.T) *queue.PollSchedule {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewPollSchedule(client, "test:poll:", time.Minute)
}

type pollHarness struct {
	*fixture
	schedule *queue.PollSchedule
	status   *fakeStatus
	trigger  *Trigger
	poller   *Poller
}

func newPollHarness(t *testing.T, cfg PollerConfig) *pollHarness {
	f := newFixture(t)
	schedule := newPollSchedule(t)
	status := &fakeStatus{results: map[string]providers.TaskResult{}}
	tr := NewTrigger(defaultConfig(), f.st, f.audio, zerolog.Nop(), WithClock(f.clock), WithPollScheduler(schedule))
	p := NewPoller(cfg, tr, status, schedule, zerolog.Nop())
	p.now = f.clock
	return &pollHarness{fixture: f, schedule: schedule, status: status, trigger: tr, poller: p}
}

func TestPollerReschedulesThenApplies(t *testing.T) {
	h := newPollHarness(t, PollerConfig{Initial: 30 * time.Second, Max: 5 * time.Minute, BatchSize: 10, MaxAttempts: 10})
	ctx := context.Background()
	require.NoError(t, h.trigger.Trigger(ctx, h.job.ID))

	sum, err := h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Claimed, "first poll is not due yet")

	h.now = h.now.Add(30 * time.Second)
	sum, err = h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Claimed: 1, Rescheduled: 1}, sum)
	attempts, err := h.schedule.Attempts(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	h.status.set(succeeded("task-1"))
	h.now = h.now.Add(5 * time.Minute)
	sum, err = h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollSummary{Claimed: 1, Applied: 1}, sum)

	assert.Equal(t, models.JobCompleted, h.jobState(t).Status)
	scheduled, inflight, err := h.schedule.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, scheduled)
	assert.Zero(t, inflight)
}

func TestPollerKeepsPollingThroughStatusErrors(t *testing.T) {
	h := newPollHarness(t, PollerConfig{Initial: time.Second, Max: time.Minute, BatchSize: 10, MaxAttempts: 10})
	ctx := context.Background()
	require.NoError(t, h.trigger.Trigger(ctx, h.job.ID))
	h.status.err = errors.New("connection reset")

	h.now = h.now.Add(time.Minute)
	sum, err := h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Rescheduled)
	assert.Equal(t, models.JobProcessing, h.jobState(t).Status)
}

func TestPollerAbandonsAfterMaxAttempts(t *testing.T) {
	h := newPollHarness(t, PollerConfig{Initial: time.Second, Max: time.Minute, BatchSize: 10, MaxAttempts: 2})
	ctx := context.Background()
	require.NoError(t, h.trigger.Trigger(ctx, h.job.ID))

	h.now = h.now.Add(time.Minute)
	sum, err := h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Rescheduled)

	h.now = h.now.Add(2 * time.Minute)
	sum, err = h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Abandoned)

	job := h.jobState(t)
	assert.Equal(t, models.JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "no result after 2 polls")
}

func TestPollerAcksUnknownTasks(t *testing.T) {
	h := newPollHarness(t, PollerConfig{BatchSize: 10})
	ctx := context.Background()
	require.NoError(t, h.schedule.Schedule(ctx, "task-orphan", "job-gone", h.now))
	h.status.set(succeeded("task-orphan"))

	sum, err := h.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Applied)
	id, err := h.schedule.JobID(ctx, "task-orphan")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRecoverSchedulesLostTasks(t *testing.T) {
	h := newPollHarness(t, PollerConfig{BatchSize: 10})
	ctx := context.Background()
	require.NoError(t, h.trigger.Trigger(ctx, h.job.ID))
	require.NoError(t, h.schedule.Ack(ctx, "task-1"))

	n, err := h.poller.Recover(ctx, h.st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.poller.Recover(ctx, h.st)
	require.NoError(t, err)
	assert.Zero(t, n)

	id, err := h.schedule.JobID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, h.job.ID, id)
}
