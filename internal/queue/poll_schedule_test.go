package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchedule(t *testing.T) *PollSchedule {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPollSchedule(client, "test:", 30*time.Second)
}

func TestClaimDueLeasesOnlyDueTasks(t *testing.T) {
	ctx := context.Background()
	q := newSchedule(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Schedule(ctx, "task-due", "job-1", now.Add(-time.Second)))
	require.NoError(t, q.Schedule(ctx, "task-later", "job-2", now.Add(time.Minute)))

	ids, err := q.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-due"}, ids)

	again, err := q.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	scheduled, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, scheduled)
	assert.EqualValues(t, 1, inflight)

	jobID, err := q.JobID(ctx, "task-due")
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
}

func TestRescheduleCountsAttempts(t *testing.T) {
	ctx := context.Background()
	q := newSchedule(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Schedule(ctx, "task", "job", now))
	_, err := q.ClaimDue(ctx, now, 1)
	require.NoError(t, err)

	attempt, err := q.Reschedule(ctx, "task", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)
	attempt, err = q.Reschedule(ctx, "task", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)

	ids, err := q.ClaimDue(ctx, now.Add(90*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = q.ClaimDue(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"task"}, ids)
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := newSchedule(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Schedule(ctx, "task", "job", now))
	_, err := q.ClaimDue(ctx, now, 1)
	require.NoError(t, err)

	reclaimed, err := q.RequeueExpired(ctx, now.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	reclaimed, err = q.RequeueExpired(ctx, now.Add(31*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"task"}, reclaimed)

	ids, err := q.ClaimDue(ctx, now.Add(31*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"task"}, ids)
}

func TestAckRemovesEverything(t *testing.T) {
	ctx := context.Background()
	q := newSchedule(t)
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, "task", "job", now))
	require.NoError(t, q.Ack(ctx, "task"))

	scheduled, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, scheduled)
	assert.Zero(t, inflight)
	jobID, err := q.JobID(ctx, "task")
	require.NoError(t, err)
	assert.Empty(t, jobID)
}

func TestBackoff(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := Backoff(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.Less(t, b1, base)

	b3 := Backoff(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*time.Second)
	assert.Less(t, b3, 4*time.Second)

	b10 := Backoff(base, max, 10)
	assert.GreaterOrEqual(t, b10, max/2)
	assert.LessOrEqual(t, b10, max)

	assert.Equal(t, base, Backoff(base, max, 0))
}
