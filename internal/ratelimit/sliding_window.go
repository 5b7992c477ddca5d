package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingWindow implements a distributed sliding-window limiter on Redis sorted sets.
type SlidingWindow struct {
	client *redis.Client
	prefix string
}

// NewSlidingWindow constructs a limiter storing windows under prefix.
func NewSlidingWindow(client *redis.Client, prefix string) *SlidingWindow {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &SlidingWindow{client: client, prefix: prefix}
}

func (w *SlidingWindow) Name() string { return "redis" }

func (w *SlidingWindow) key(identifier, action string) string {
	return fmt.Sprintf("%s%s:%s", w.prefix, action, identifier)
}

// Hit records a request if the window holds fewer than max entries.
// Rejected requests are not recorded.
func (w *SlidingWindow) Hit(ctx context.Context, identifier, action string, max int, window time.Duration, now time.Time) (bool, error) {
	res, err := windowScript.Run(ctx, w.client, []string{w.key(identifier, action)},
		now.UnixMilli(), window.Milliseconds(), max, uuid.NewString()).Result()
	if err != nil {
		return false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, fmt.Errorf("unexpected sliding window reply: %v", res)
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected sliding window flag: %T", arr[0])
	}
	return allowed == 1, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  return {0, count}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1}
`)
