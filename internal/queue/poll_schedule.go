package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PollSchedule coordinates scheduled and leased audio-status polls in Redis.
type PollSchedule struct {
	client       *redis.Client
	scheduledKey string
	inflightKey  string
	metaPrefix   string
	leaseTTL     time.Duration
}

// NewPollSchedule builds a schedule on client. A zero lease defaults to one minute.
func NewPollSchedule(client *redis.Client, prefix string, lease time.Duration) *PollSchedule {
	if prefix == "" {
		prefix = "audio:poll:"
	}
	if lease == 0 {
		lease = time.Minute
	}
	return &PollSchedule{
		client:       client,
		scheduledKey: prefix + "scheduled",
		inflightKey:  prefix + "inflight",
		metaPrefix:   prefix + "meta:",
		leaseTTL:     lease,
	}
}

func (q *PollSchedule) metaKey(taskID string) string {
	return q.metaPrefix + taskID
}

// Schedule registers the first poll of a task at runAt and resets its attempt count.
func (q *PollSchedule) Schedule(ctx context.Context, taskID, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(taskID), "job_id", jobID, "attempts", 0)
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	_, err := pipe.Exec(ctx)
	return err
}

// ClaimDue moves up to limit due tasks into the in-flight set with a lease and returns them.
func (q *PollSchedule) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := claimScript.Run(ctx, q.client, []string{q.scheduledKey, q.inflightKey},
		now.UnixMilli(), now.Add(q.leaseTTL).UnixMilli(), limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// JobID returns the job recorded for a scheduled task.
func (q *PollSchedule) JobID(ctx context.Context, taskID string) (string, error) {
	id, err := q.client.HGet(ctx, q.metaKey(taskID), "job_id").Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// Reschedule releases the lease and queues the next poll, returning the attempt number.
func (q *PollSchedule) Reschedule(ctx context.Context, taskID string, runAt time.Time) (int, error) {
	pipe := q.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, q.metaKey(taskID), "attempts", 1)
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// Attempts returns how many polls have been rescheduled for a task.
func (q *PollSchedule) Attempts(ctx context.Context, taskID string) (int, error) {
	v, err := q.client.HGet(ctx, q.metaKey(taskID), "attempts").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

// Ack drops a finished task from every set along with its meta record.
func (q *PollSchedule) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.ZRem(ctx, q.scheduledKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel removes a task regardless of its state.
func (q *PollSchedule) Cancel(ctx context.Context, taskID string) error {
	return q.Ack(ctx, taskID)
}

// RequeueExpired returns leases that timed out to the schedule as immediately due.
func (q *PollSchedule) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the number of scheduled and in-flight tasks.
func (q *PollSchedule) Depth(ctx context.Context) (scheduled, inflight int64, err error) {
	pipe := q.client.Pipeline()
	s := pipe.ZCard(ctx, q.scheduledKey)
	f := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return s.Val(), f.Val(), nil
}

// Backoff doubles base per attempt up to max, then picks uniformly from the upper half.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return ids
`)
