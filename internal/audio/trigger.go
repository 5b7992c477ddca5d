// Package audio submits approved lyrics for rendering and turns finished
// provider tasks into songs scheduled for release.
package audio

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"song-fulfillment/internal/assets"
	"song-fulfillment/internal/models"
	"song-fulfillment/internal/providers"
	"song-fulfillment/internal/telemetry"
)

// ErrUnknownTask reports a task result for a task no job holds.
var ErrUnknownTask = errors.New("unknown audio task")

// Store is the persistence the trigger needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetQuiz(ctx context.Context, id string) (models.Quiz, error)
	GetJobByAudioTask(ctx context.Context, taskID string) (models.Job, error)
	TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, errMsg *string) (bool, error)
	ClaimAudioTask(ctx context.Context, jobID, claim string) (bool, error)
	SetAudioTask(ctx context.Context, jobID, claim, taskID string) (bool, error)
	ReleaseAudioClaim(ctx context.Context, jobID, claim, errMsg string) (bool, error)
	ReleaseStaleAudioClaims(ctx context.Context, updatedBefore time.Time) (int, error)
	ListJobsAwaitingAudio(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Job, error)
	CompleteAudio(ctx context.Context, jobID, taskID string, songs []models.Song) (bool, error)
	AppendJobEvent(ctx context.Context, jobID, event, detail string) error
}

// Submitter starts a rendering task.
type Submitter interface {
	Submit(ctx context.Context, req providers.AudioRequest) (string, error)
}

// Mirrorer copies provider-hosted files into our asset storage.
type Mirrorer interface {
	MirrorClip(ctx context.Context, prefix, audioURL, coverURL string) (assets.Mirrored, error)
}

// PollScheduler queues a task for status polling.
type PollScheduler interface {
	Schedule(ctx context.Context, taskID, jobID string, runAt time.Time) error
}

// CompletionObserver applies a provider task result. The callback handler and
// the poller both feed it.
type CompletionObserver interface {
	Complete(ctx context.Context, res providers.TaskResult) error
}

// Config is the audio policy.
type Config struct {
	ReleaseDelay time.Duration
	AutoApprove  bool
	ClaimTimeout time.Duration
	PollInitial  time.Duration
	CallbackURL  string
}

// Trigger submits audio tasks and completes them.
type Trigger struct {
	cfg    Config
	store  Store
	audio  Submitter
	mirror Mirrorer
	polls  PollScheduler
	log    zerolog.Logger
	now    func() time.Time
}

// Option customizes a Trigger.
type Option func(*Trigger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) { t.now = now }
}

// WithMirror stores clips in our asset storage instead of linking provider URLs.
func WithMirror(m Mirrorer) Option {
	return func(t *Trigger) { t.mirror = m }
}

// WithPollScheduler queues every submitted task for polling.
func WithPollScheduler(p PollScheduler) Option {
	return func(t *Trigger) { t.polls = p }
}

func NewTrigger(cfg Config, st Store, audio Submitter, log zerolog.Logger, opts ...Option) *Trigger {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = 30 * time.Second
	}
	t := &Trigger{
		cfg:   cfg,
		store: st,
		audio: audio,
		log:   log.With().Str("component", "audio").Logger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var tracer = otel.Tracer("audio")

// Trigger submits the job's approved lyrics once. A job that already holds a
// task reference, or whose submission slot another caller claimed, is a no-op.
func (t *Trigger) Trigger(ctx context.Context, jobID string) error {
	ctx, span := tracer.Start(ctx, "audio.Trigger")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.HasAudioTask() {
		t.log.Debug().Str("job_id", jobID).Msg("audio task already present")
		return nil
	}
	if job.Status != models.JobProcessing || job.GeneratedLyrics == nil {
		return fmt.Errorf("job %s is %s without audio-ready lyrics: %w", jobID, job.Status, models.ErrConflict)
	}

	claim := models.AudioClaimPrefix + uuid.New().String()
	ok, err := t.store.ClaimAudioTask(ctx, jobID, claim)
	if err != nil {
		return fmt.Errorf("claim audio slot: %w", err)
	}
	if !ok {
		return nil
	}

	quiz, err := t.store.GetQuiz(ctx, job.QuizID)
	if err != nil {
		t.releaseClaim(ctx, jobID, claim, "load brief: "+err.Error())
		return err
	}
	taskID, err := t.audio.Submit(ctx, providers.AudioRequest{
		Lyrics:      job.GeneratedLyrics.Text(),
		Title:       job.GeneratedLyrics.Title,
		Voice:       quiz.VoicePreference,
		Style:       strings.TrimSpace(quiz.Genre + " " + quiz.Mood),
		CallbackURL: t.cfg.CallbackURL,
	})
	if err != nil {
		telemetry.UpstreamFailures.WithLabelValues("audio").Inc()
		t.log.Error().Err(err).Str("job_id", jobID).Msg("audio submission failed")
		t.releaseClaim(ctx, jobID, claim, "audio submission: "+err.Error())
		return fmt.Errorf("submit audio for job %s: %w", jobID, err)
	}

	ok, err = t.store.SetAudioTask(ctx, jobID, claim, taskID)
	if err != nil {
		return fmt.Errorf("record audio task: %w", err)
	}
	if !ok {
		t.log.Warn().Str("job_id", jobID).Str("task_id", taskID).Msg("audio claim lost before task was recorded")
		return fmt.Errorf("job %s audio claim lost: %w", jobID, models.ErrConflict)
	}

	telemetry.AudioSubmissions.Inc()
	t.event(ctx, jobID, "audio_submitted", "task="+taskID)
	t.log.Info().Str("job_id", jobID).Str("task_id", taskID).Msg("audio task submitted")

	if t.polls != nil {
		if err := t.polls.Schedule(ctx, taskID, jobID, t.now().Add(t.cfg.PollInitial)); err != nil {
			t.log.Warn().Err(err).Str("task_id", taskID).Msg("schedule audio poll failed")
		}
	}
	return nil
}

func (t *Trigger) releaseClaim(ctx context.Context, jobID, claim, msg string) {
	if _, err := t.store.ReleaseAudioClaim(ctx, jobID, claim, msg); err != nil {
		t.log.Error().Err(err).Str("job_id", jobID).Msg("release audio claim failed")
	}
}

// Complete applies a task result. It is idempotent: results for jobs that are
// no longer processing under the task, and running results, change nothing.
func (t *Trigger) Complete(ctx context.Context, res providers.TaskResult) error {
	ctx, span := tracer.Start(ctx, "audio.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("audio.task_id", res.TaskID), attribute.String("audio.status", string(res.Status)))

	if res.TaskID == "" {
		return fmt.Errorf("task result without id: %w", ErrUnknownTask)
	}
	job, err := t.store.GetJobByAudioTask(ctx, res.TaskID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("task %s: %w", res.TaskID, ErrUnknownTask)
	}
	if err != nil {
		return err
	}
	log := t.log.With().Str("job_id", job.ID).Str("task_id", res.TaskID).Logger()
	if job.Status != models.JobProcessing {
		log.Debug().Str("status", string(job.Status)).Msg("task result for settled job ignored")
		return nil
	}

	switch res.Status {
	case providers.TaskRunning:
		return nil
	case providers.TaskFailed:
		return t.fail(ctx, job, res.TaskID, "audio generation failed: "+res.Error)
	case providers.TaskSucceeded:
		if len(res.Clips) == 0 {
			return t.fail(ctx, job, res.TaskID, "audio generation returned no clips")
		}
	default:
		return fmt.Errorf("task %s: unexpected status %q", res.TaskID, res.Status)
	}

	songs, err := t.buildSongs(ctx, job, res.Clips)
	if err != nil {
		log.Error().Err(err).Msg("mirror clips failed")
		return err
	}
	ok, err := t.store.CompleteAudio(ctx, job.ID, res.TaskID, songs)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !ok {
		log.Debug().Msg("job settled concurrently")
		return nil
	}

	telemetry.AudioCompletions.WithLabelValues(string(providers.TaskSucceeded)).Inc()
	telemetry.JobTransitions.WithLabelValues(string(models.JobCompleted)).Inc()
	t.event(ctx, job.ID, "audio_completed", fmt.Sprintf("task=%s songs=%d", res.TaskID, len(songs)))
	log.Info().Int("songs", len(songs)).Bool("auto_approved", t.cfg.AutoApprove).Msg("audio completed")
	return nil
}

func (t *Trigger) buildSongs(ctx context.Context, job models.Job, clips []providers.Clip) ([]models.Song, error) {
	now := t.now().UTC()
	title := ""
	if job.GeneratedLyrics != nil {
		title = job.GeneratedLyrics.Title
	}
	songs := make([]models.Song, 0, len(clips))
	for i, clip := range clips {
		song := models.Song{
			ID:            uuid.New().String(),
			OrderID:       job.OrderID,
			JobID:         job.ID,
			Title:         title,
			VariantNumber: i + 1,
			Status:        models.SongReady,
		}
		if clip.Title != "" {
			song.Title = clip.Title
		}
		audioURL, coverURL, thumbURL := clip.AudioURL, clip.CoverURL, ""
		if t.mirror != nil {
			prefix := path.Join("songs", job.OrderID, job.ID, strconv.Itoa(song.VariantNumber))
			m, err := t.mirror.MirrorClip(ctx, prefix, clip.AudioURL, clip.CoverURL)
			if err != nil {
				return nil, fmt.Errorf("clip %d: %w", song.VariantNumber, err)
			}
			audioURL, coverURL, thumbURL = m.AudioURL, m.CoverURL, m.ThumbnailURL
			song.AssetKeys = m.Keys
		}
		song.AudioURL = optional(audioURL)
		song.CoverURL = optional(coverURL)
		song.ThumbnailURL = optional(thumbURL)
		if t.cfg.AutoApprove {
			releaseAt := now.Add(t.cfg.ReleaseDelay)
			song.Status = models.SongApproved
			song.ReleaseAt = &releaseAt
		}
		songs = append(songs, song)
	}
	return songs, nil
}

func (t *Trigger) fail(ctx context.Context, job models.Job, taskID, msg string) error {
	ok, err := t.store.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobProcessing}, models.JobFailed, &msg)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if !ok {
		return nil
	}
	telemetry.AudioCompletions.WithLabelValues(string(providers.TaskFailed)).Inc()
	telemetry.JobTransitions.WithLabelValues(string(models.JobFailed)).Inc()
	t.event(ctx, job.ID, "audio_failed", msg)
	t.log.Error().Str("job_id", job.ID).Str("task_id", taskID).Str("reason", msg).Msg("audio task failed")
	return nil
}

// ResubmitStalled frees abandoned submission claims and re-triggers approved
// jobs that never got a task. It returns the number of jobs re-triggered.
func (t *Trigger) ResubmitStalled(ctx context.Context, limit int) (int, error) {
	cutoff := t.now().Add(-t.cfg.ClaimTimeout)
	released, err := t.store.ReleaseStaleAudioClaims(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	if released > 0 {
		t.log.Warn().Int("count", released).Msg("released stale audio claims")
	}
	jobs, err := t.store.ListJobsAwaitingAudio(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list stalled jobs: %w", err)
	}
	submitted := 0
	for _, job := range jobs {
		if err := t.Trigger(ctx, job.ID); err != nil {
			t.log.Error().Err(err).Str("job_id", job.ID).Msg("resubmit failed")
			continue
		}
		submitted++
	}
	return submitted, nil
}

func (t *Trigger) event(ctx context.Context, jobID, event, detail string) {
	if err := t.store.AppendJobEvent(ctx, jobID, event, detail); err != nil {
		t.log.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("append job event failed")
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
