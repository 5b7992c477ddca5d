package worker

import (
	"context"
	"fmt"
	"time"

	"song-fulfillment/internal/audio"
	"song-fulfillment/internal/notify"
	"song-fulfillment/internal/release"
)

// Task names accepted by RunOnce and the CLI.
const (
	TaskRelease        = "release"
	TaskNotifications  = "notifications"
	TaskAudioPoll      = "audio_poll"
	TaskAudioResubmit  = "audio_resubmit"
	TaskExpireApproval = "approvals_expire"
	TaskPruneRateLimit = "ratelimit_prune"
)

type Releaser interface {
	Sweep(ctx context.Context) (release.Summary, error)
}

type Notifications interface {
	Drain(ctx context.Context) (notify.Summary, error)
	RequeueStuck(ctx context.Context) (int, error)
}

type Poller interface {
	PollOnce(ctx context.Context) (audio.PollSummary, error)
	Recover(ctx context.Context, jobs audio.TaskLister) (int, error)
}

type Resubmitter interface {
	ResubmitStalled(ctx context.Context, limit int) (int, error)
}

type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

type RatePruner interface {
	PruneRateLimits(ctx context.Context, cutoff time.Time) (int, error)
}

// Pipeline is the set of components the periodic tasks drive. Nil members
// leave their task unregistered.
type Pipeline struct {
	Releaser      Releaser
	Notifications Notifications
	Poller        Poller
	Jobs          audio.TaskLister
	Resubmitter   Resubmitter
	Approvals     Expirer
	RateLimits    RatePruner
}

// Intervals are the tick periods per task. Zero disables the periodic loop.
type Intervals struct {
	Release       time.Duration
	Notifications time.Duration
	AudioPoll     time.Duration
	Resubmit      time.Duration
	Expire        time.Duration
	Prune         time.Duration
}

const (
	resubmitBatch = 50
	rateLimitKeep = 24 * time.Hour
)

type resubmitSummary struct {
	Recovered   int `json:"recovered"`
	Resubmitted int `json:"resubmitted"`
}

type drainSummary struct {
	Requeued int            `json:"requeued"`
	Drain    notify.Summary `json:"drain"`
}

// RegisterPipeline registers one task per available component.
func RegisterPipeline(r *Runner, p Pipeline, iv Intervals) {
	if p.Releaser != nil {
		r.Register(TaskRelease, iv.Release, func(ctx context.Context) (any, error) {
			return p.Releaser.Sweep(ctx)
		})
	}
	if p.Notifications != nil {
		r.Register(TaskNotifications, iv.Notifications, func(ctx context.Context) (any, error) {
			requeued, err := p.Notifications.RequeueStuck(ctx)
			if err != nil {
				return nil, fmt.Errorf("requeue stuck: %w", err)
			}
			sum, err := p.Notifications.Drain(ctx)
			return drainSummary{Requeued: requeued, Drain: sum}, err
		})
	}
	if p.Poller != nil {
		r.Register(TaskAudioPoll, iv.AudioPoll, func(ctx context.Context) (any, error) {
			return p.Poller.PollOnce(ctx)
		})
	}
	if p.Resubmitter != nil {
		r.Register(TaskAudioResubmit, iv.Resubmit, func(ctx context.Context) (any, error) {
			var out resubmitSummary
			if p.Poller != nil && p.Jobs != nil {
				n, err := p.Poller.Recover(ctx, p.Jobs)
				if err != nil {
					return out, fmt.Errorf("recover poll schedule: %w", err)
				}
				out.Recovered = n
			}
			n, err := p.Resubmitter.ResubmitStalled(ctx, resubmitBatch)
			out.Resubmitted = n
			return out, err
		})
	}
	if p.Approvals != nil {
		r.Register(TaskExpireApproval, iv.Expire, func(ctx context.Context) (any, error) {
			n, err := p.Approvals.ExpireStale(ctx)
			return map[string]int{"expired": n}, err
		})
	}
	if p.RateLimits != nil {
		r.Register(TaskPruneRateLimit, iv.Prune, func(ctx context.Context) (any, error) {
			n, err := p.RateLimits.PruneRateLimits(ctx, time.Now().Add(-rateLimitKeep))
			return map[string]int{"pruned": n}, err
		})
	}
}
