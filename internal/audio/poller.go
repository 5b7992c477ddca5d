package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"song-fulfillment/internal/models"
	"song-fulfillment/internal/providers"
	"song-fulfillment/internal/queue"
	"song-fulfillment/internal/telemetry"
)

// Schedule is the leased poll schedule the poller drains.
type Schedule interface {
	Schedule(ctx context.Context, taskID, jobID string, runAt time.Time) error
	ClaimDue(ctx context.Context, now time.Time, limit int64) ([]string, error)
	JobID(ctx context.Context, taskID string) (string, error)
	Attempts(ctx context.Context, taskID string) (int, error)
	Reschedule(ctx context.Context, taskID string, runAt time.Time) (int, error)
	Ack(ctx context.Context, taskID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (scheduled, inflight int64, err error)
}

// StatusChecker reads a task's status from the provider.
type StatusChecker interface {
	Status(ctx context.Context, taskID string) (providers.TaskResult, error)
}

// TaskLister finds jobs waiting on a provider task.
type TaskLister interface {
	ListJobsWithAudioTask(ctx context.Context, limit int) ([]models.Job, error)
}

// PollerConfig bounds polling.
type PollerConfig struct {
	Initial     time.Duration
	Max         time.Duration
	BatchSize   int
	MaxAttempts int
}

// PollSummary reports one poll pass.
type PollSummary struct {
	Claimed     int `json:"claimed"`
	Applied     int `json:"applied"`
	Rescheduled int `json:"rescheduled"`
	Abandoned   int `json:"abandoned"`
	Requeued    int `json:"requeued"`
}

// Poller is the pull side of task completion.
type Poller struct {
	cfg      PollerConfig
	observer CompletionObserver
	status   StatusChecker
	schedule Schedule
	log      zerolog.Logger
	now      func() time.Time
}

func NewPoller(cfg PollerConfig, observer CompletionObserver, status StatusChecker, schedule Schedule, log zerolog.Logger) *Poller {
	if cfg.Initial <= 0 {
		cfg.Initial = 30 * time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 120
	}
	return &Poller{
		cfg:      cfg,
		observer: observer,
		status:   status,
		schedule: schedule,
		log:      log.With().Str("component", "audio_poller").Logger(),
		now:      time.Now,
	}
}

// PollOnce reclaims expired leases, then checks every due task once.
func (p *Poller) PollOnce(ctx context.Context) (PollSummary, error) {
	var sum PollSummary
	now := p.now()

	reclaimed, err := p.schedule.RequeueExpired(ctx, now, int64(p.cfg.BatchSize))
	if err != nil {
		return sum, fmt.Errorf("requeue expired polls: %w", err)
	}
	sum.Requeued = len(reclaimed)
	if len(reclaimed) > 0 {
		p.log.Warn().Strs("task_ids", reclaimed).Msg("requeued expired poll leases")
	}

	ids, err := p.schedule.ClaimDue(ctx, now, int64(p.cfg.BatchSize))
	if err != nil {
		return sum, fmt.Errorf("claim due polls: %w", err)
	}
	sum.Claimed = len(ids)
	for _, id := range ids {
		switch p.pollTask(ctx, id) {
		case pollApplied:
			sum.Applied++
		case pollRescheduled:
			sum.Rescheduled++
		case pollAbandoned:
			sum.Abandoned++
		}
	}

	if scheduled, inflight, err := p.schedule.Depth(ctx); err == nil {
		telemetry.PollScheduleDepth.Set(float64(scheduled))
		telemetry.PollInFlightGauge.Set(float64(inflight))
	}
	return sum, nil
}

type pollOutcome int

const (
	pollApplied pollOutcome = iota
	pollRescheduled
	pollAbandoned
)

func (p *Poller) pollTask(ctx context.Context, taskID string) pollOutcome {
	log := p.log.With().Str("task_id", taskID).Logger()

	res, err := p.status.Status(ctx, taskID)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("status check failed")
	case res.Status == providers.TaskRunning:
	default:
		if res.TaskID == "" {
			res.TaskID = taskID
		}
		err := p.observer.Complete(ctx, res)
		if err == nil || errors.Is(err, ErrUnknownTask) {
			p.ack(ctx, taskID)
			return pollApplied
		}
		log.Error().Err(err).Msg("apply task result failed")
	}

	attempts, err := p.schedule.Attempts(ctx, taskID)
	if err != nil {
		log.Warn().Err(err).Msg("read poll attempts failed")
	}
	if attempts+1 >= p.cfg.MaxAttempts {
		return p.abandon(ctx, taskID, attempts+1)
	}
	next := p.now().Add(queue.Backoff(p.cfg.Initial, p.cfg.Max, attempts+1))
	if _, err := p.schedule.Reschedule(ctx, taskID, next); err != nil {
		log.Error().Err(err).Msg("reschedule poll failed")
	}
	return pollRescheduled
}

// abandon fails the job of a task that never finished within the poll budget.
func (p *Poller) abandon(ctx context.Context, taskID string, attempts int) pollOutcome {
	res := providers.TaskResult{
		TaskID: taskID,
		Status: providers.TaskFailed,
		Error:  fmt.Sprintf("no result after %d polls", attempts),
	}
	if err := p.observer.Complete(ctx, res); err != nil && !errors.Is(err, ErrUnknownTask) {
		p.log.Error().Err(err).Str("task_id", taskID).Msg("abandon task failed")
	}
	p.ack(ctx, taskID)
	p.log.Error().Str("task_id", taskID).Int("attempts", attempts).Msg("audio task abandoned")
	return pollAbandoned
}

func (p *Poller) ack(ctx context.Context, taskID string) {
	if err := p.schedule.Ack(ctx, taskID); err != nil {
		p.log.Warn().Err(err).Str("task_id", taskID).Msg("ack poll failed")
	}
}

// Recover re-schedules tasks of processing jobs the schedule has lost track of.
func (p *Poller) Recover(ctx context.Context, jobs TaskLister) (int, error) {
	list, err := jobs.ListJobsWithAudioTask(ctx, 500)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range list {
		taskID := job.AudioTaskID()
		known, err := p.schedule.JobID(ctx, taskID)
		if err != nil {
			return n, err
		}
		if known != "" {
			continue
		}
		if err := p.schedule.Schedule(ctx, taskID, job.ID, p.now()); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.log.Warn().Int("count", n).Msg("recovered unscheduled audio tasks")
	}
	return n, nil
}
