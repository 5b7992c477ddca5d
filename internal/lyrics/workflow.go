// Package lyrics runs the draft/approve/reject cycle for a job's lyrics.
package lyrics

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"song-fulfillment/internal/models"
	"song-fulfillment/internal/notify"
	"song-fulfillment/internal/providers"
	"song-fulfillment/internal/telemetry"
)

// Store is the persistence the workflow needs.
type Store interface {
	GetOrder(ctx context.Context, id string) (models.Order, error)
	GetQuiz(ctx context.Context, id string) (models.Quiz, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, errMsg *string) (bool, error)
	SetJobError(ctx context.Context, id, msg string) error
	RetryFailedJobs(ctx context.Context, ids []string) ([]string, error)
	AppendJobEvent(ctx context.Context, jobID, event, detail string) error
	CreateApproval(ctx context.Context, a models.LyricsApproval) (models.LyricsApproval, error)
	GetApproval(ctx context.Context, id string) (models.LyricsApproval, error)
	GetApprovalByToken(ctx context.Context, token string) (models.LyricsApproval, error)
	LatestApproval(ctx context.Context, jobID string) (models.LyricsApproval, error)
	ApproveApproval(ctx context.Context, id string, now time.Time) (bool, error)
	RejectApproval(ctx context.Context, id, reason string, now time.Time, checkExpiry bool) (bool, error)
	ExpireApprovals(ctx context.Context, now time.Time) (int, error)
	UnapproveJob(ctx context.Context, jobID string, expiresAt time.Time) (models.UnapproveResult, error)
}

// Generator produces a lyric draft from a brief.
type Generator interface {
	GenerateLyrics(ctx context.Context, req providers.LyricsRequest) (models.Lyrics, error)
}

// AudioTrigger hands approved lyrics to audio generation.
type AudioTrigger interface {
	Trigger(ctx context.Context, jobID string) error
}

// Notifier enqueues outbound email.
type Notifier interface {
	Enqueue(ctx context.Context, e notify.Entry) (models.Notification, bool, error)
}

// PollCanceler drops a provider task from the poll schedule.
type PollCanceler interface {
	Cancel(ctx context.Context, taskID string) error
}

// Config is the approval policy.
type Config struct {
	ApprovalTTL     time.Duration
	RegenerationCap int
	ApprovalURLBase string
	OpsEmail        string
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{ApprovalTTL: 72 * time.Hour, RegenerationCap: 3}
}

// RejectOutcome reports what a rejection led to.
type RejectOutcome struct {
	Rejected  models.LyricsApproval  `json:"rejected"`
	Next      *models.LyricsApproval `json:"next,omitempty"`
	Escalated bool                   `json:"escalated"`
}

// Workflow owns lyrics generation and the approval protocol.
type Workflow struct {
	cfg      Config
	store    Store
	gen      Generator
	trigger  AudioTrigger
	notifier Notifier
	polls    PollCanceler
	log      zerolog.Logger
	now      func() time.Time
}

// Option customizes a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithPollCanceler lets unapprove remove the job's audio task from polling.
func WithPollCanceler(p PollCanceler) Option {
	return func(w *Workflow) { w.polls = p }
}

func New(cfg Config, st Store, gen Generator, trigger AudioTrigger, notifier Notifier, log zerolog.Logger, opts ...Option) *Workflow {
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = DefaultConfig().ApprovalTTL
	}
	if cfg.RegenerationCap < 0 {
		cfg.RegenerationCap = DefaultConfig().RegenerationCap
	}
	w := &Workflow{
		cfg:      cfg,
		store:    st,
		gen:      gen,
		trigger:  trigger,
		notifier: notifier,
		log:      log.With().Str("component", "lyrics").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var tracer = otel.Tracer("lyrics")

// Generate drafts lyrics for a job and opens a new approval cycle.
// The regeneration count and feedback come from the job's latest approval.
// A pending approval that has not expired is returned without a provider call.
func (w *Workflow) Generate(ctx context.Context, jobID string) (models.LyricsApproval, error) {
	ctx, span := tracer.Start(ctx, "lyrics.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	a, err := w.generate(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return a, err
}

func (w *Workflow) generate(ctx context.Context, jobID string) (models.LyricsApproval, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return models.LyricsApproval{}, err
	}
	if job.Status != models.JobPending && job.Status != models.JobProcessing {
		return models.LyricsApproval{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrConflict)
	}

	count, feedback := 0, ""
	latest, err := w.store.LatestApproval(ctx, jobID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return models.LyricsApproval{}, err
	default:
		switch latest.Status {
		case models.ApprovalApproved:
			return models.LyricsApproval{}, fmt.Errorf("job %s lyrics: %w", jobID, ErrAlreadyProcessed)
		case models.ApprovalRejected:
			count = latest.RegenerationCount + 1
			if latest.RejectionReason != nil {
				feedback = *latest.RejectionReason
			}
		case models.ApprovalPending:
			// a live draft is returned as is; only an expired one is redrafted
			if !latest.ExpiredAt(w.now()) {
				return latest, nil
			}
			count = latest.RegenerationCount
		default:
			count = latest.RegenerationCount
		}
	}
	if count > w.cfg.RegenerationCap {
		// a job re-armed by an operator gets one more draft at the cap
		if job.Status != models.JobPending {
			if err := w.escalate(ctx, job, latest); err != nil {
				return models.LyricsApproval{}, err
			}
			return models.LyricsApproval{}, fmt.Errorf("job %s: %w", jobID, ErrRegenerationCapExceeded)
		}
		count = w.cfg.RegenerationCap
	}

	quiz, err := w.store.GetQuiz(ctx, job.QuizID)
	if err != nil {
		return models.LyricsApproval{}, err
	}

	draft, err := w.gen.GenerateLyrics(ctx, providers.LyricsRequest{Brief: quiz, Feedback: feedback, RegenerationCount: count})
	if err != nil {
		telemetry.UpstreamFailures.WithLabelValues("lyrics").Inc()
		w.log.Error().Err(err).Str("job_id", jobID).Int("regeneration_count", count).Msg("lyrics generation failed")
		if serr := w.store.SetJobError(ctx, jobID, "lyrics generation: "+err.Error()); serr != nil {
			w.log.Error().Err(serr).Str("job_id", jobID).Msg("record job error failed")
		}
		return models.LyricsApproval{}, fmt.Errorf("generate lyrics for job %s: %w", jobID, err)
	}

	token, err := newToken()
	if err != nil {
		return models.LyricsApproval{}, err
	}
	now := w.now().UTC()
	approval, err := w.store.CreateApproval(ctx, models.LyricsApproval{
		ID:                uuid.New().String(),
		JobID:             job.ID,
		OrderID:           job.OrderID,
		QuizID:            job.QuizID,
		Lyrics:            draft,
		Token:             token,
		ExpiresAt:         now.Add(w.cfg.ApprovalTTL),
		RegenerationCount: count,
		CreatedAt:         now,
	})
	if err != nil {
		return models.LyricsApproval{}, fmt.Errorf("open approval for job %s: %w", jobID, err)
	}

	telemetry.LyricsGenerated.Inc()
	if job.Status == models.JobPending {
		telemetry.JobTransitions.WithLabelValues(string(models.JobProcessing)).Inc()
	}
	w.event(ctx, jobID, "lyrics_generated", fmt.Sprintf("approval=%s regeneration_count=%d", approval.ID, count))
	w.log.Info().Str("job_id", jobID).Str("approval_id", approval.ID).Int("regeneration_count", count).
		Time("expires_at", approval.ExpiresAt).Msg("approval opened")

	w.notifyLyricsReady(ctx, approval, quiz)
	return approval, nil
}

func (w *Workflow) notifyLyricsReady(ctx context.Context, a models.LyricsApproval, quiz models.Quiz) {
	order, err := w.store.GetOrder(ctx, a.OrderID)
	if err != nil {
		w.log.Error().Err(err).Str("approval_id", a.ID).Msg("load order for lyrics notification failed")
		return
	}
	_, _, err = w.notifier.Enqueue(ctx, notify.Entry{
		Kind:      models.KindLyricsReady,
		Recipient: order.CustomerEmail,
		Template:  "lyrics_ready",
		DedupeKey: models.KindLyricsReady + ":" + a.ID,
		Payload: map[string]string{
			"customer_name":      order.CustomerName,
			"recipient_name":     quiz.RecipientName,
			"title":              a.Lyrics.Title,
			"approval_url":       w.cfg.ApprovalURLBase + "/" + a.Token,
			"expires_at":         a.ExpiresAt.Format(time.RFC1123),
			"regeneration_count": strconv.Itoa(a.RegenerationCount),
			"order_id":           a.OrderID,
			"approval_id":        a.ID,
		},
	})
	if err != nil {
		w.log.Error().Err(err).Str("approval_id", a.ID).Msg("enqueue lyrics notification failed")
	}
}

// Lookup resolves a customer token. Unknown tokens report ErrInvalidToken.
func (w *Workflow) Lookup(ctx context.Context, token string) (models.LyricsApproval, error) {
	if token == "" {
		return models.LyricsApproval{}, ErrInvalidToken
	}
	a, err := w.store.GetApprovalByToken(ctx, token)
	if errors.Is(err, models.ErrNotFound) {
		return models.LyricsApproval{}, ErrInvalidToken
	}
	return a, err
}

// actionable classifies an approval for a customer write. Expiry is judged from
// expires_at, not from the status column.
func actionable(a models.LyricsApproval, now time.Time) error {
	switch {
	case a.Status == models.ApprovalApproved || a.Status == models.ApprovalRejected:
		return ErrAlreadyProcessed
	case a.ExpiredAt(now):
		return ErrExpired
	}
	return nil
}

// Approve accepts the draft behind token and starts audio generation exactly once.
// Approving an already-approved token succeeds without side effects.
func (w *Workflow) Approve(ctx context.Context, token string) (models.LyricsApproval, error) {
	ctx, span := tracer.Start(ctx, "lyrics.Approve")
	defer span.End()

	a, err := w.Lookup(ctx, token)
	if err != nil {
		return models.LyricsApproval{}, err
	}
	span.SetAttributes(attribute.String("approval.id", a.ID), attribute.String("job.id", a.JobID))
	if a.Status == models.ApprovalApproved {
		return a, nil
	}
	now := w.now().UTC()
	if err := actionable(a, now); err != nil {
		return a, err
	}

	ok, err := w.store.ApproveApproval(ctx, a.ID, now)
	if err != nil {
		return a, fmt.Errorf("approve %s: %w", a.ID, err)
	}
	if !ok {
		current, err := w.store.GetApproval(ctx, a.ID)
		if err != nil {
			return a, err
		}
		if current.Status == models.ApprovalApproved {
			return current, nil
		}
		if err := actionable(current, now); err != nil {
			return current, err
		}
		return current, ErrExpired
	}
	a.Status = models.ApprovalApproved
	a.DecidedAt = &now

	telemetry.ApprovalDecisions.WithLabelValues("approved").Inc()
	w.event(ctx, a.JobID, "lyrics_approved", "approval="+a.ID)
	w.log.Info().Str("job_id", a.JobID).Str("approval_id", a.ID).Msg("lyrics approved")

	if err := w.trigger.Trigger(ctx, a.JobID); err != nil {
		// the approval stands; the stalled-job sweep resubmits
		w.log.Error().Err(err).Str("job_id", a.JobID).Msg("audio trigger failed")
	}
	return a, nil
}

// Reject records the customer's reason and regenerates, or escalates past the cap.
func (w *Workflow) Reject(ctx context.Context, token, reason string) (RejectOutcome, error) {
	ctx, span := tracer.Start(ctx, "lyrics.Reject")
	defer span.End()

	a, err := w.Lookup(ctx, token)
	if err != nil {
		return RejectOutcome{}, err
	}
	span.SetAttributes(attribute.String("approval.id", a.ID), attribute.String("job.id", a.JobID))
	now := w.now().UTC()
	if err := actionable(a, now); err != nil {
		return RejectOutcome{Rejected: a}, err
	}
	ok, err := w.store.RejectApproval(ctx, a.ID, reason, now, true)
	if err != nil {
		return RejectOutcome{Rejected: a}, fmt.Errorf("reject %s: %w", a.ID, err)
	}
	if !ok {
		current, err := w.store.GetApproval(ctx, a.ID)
		if err != nil {
			return RejectOutcome{Rejected: a}, err
		}
		if err := actionable(current, now); err != nil {
			return RejectOutcome{Rejected: current}, err
		}
		return RejectOutcome{Rejected: current}, ErrExpired
	}
	telemetry.ApprovalDecisions.WithLabelValues("rejected").Inc()
	return w.afterReject(ctx, a, reason, now, "customer")
}

// AdminReject rejects a pending approval by id on an operator's behalf, ignoring expiry.
func (w *Workflow) AdminReject(ctx context.Context, approvalID, reason string) (RejectOutcome, error) {
	ctx, span := tracer.Start(ctx, "lyrics.AdminReject")
	defer span.End()

	a, err := w.store.GetApproval(ctx, approvalID)
	if err != nil {
		return RejectOutcome{}, err
	}
	if a.Status != models.ApprovalPending {
		return RejectOutcome{Rejected: a}, ErrAlreadyProcessed
	}
	now := w.now().UTC()
	ok, err := w.store.RejectApproval(ctx, a.ID, reason, now, false)
	if err != nil {
		return RejectOutcome{Rejected: a}, fmt.Errorf("reject %s: %w", a.ID, err)
	}
	if !ok {
		return RejectOutcome{Rejected: a}, ErrAlreadyProcessed
	}
	telemetry.ApprovalDecisions.WithLabelValues("admin_rejected").Inc()
	return w.afterReject(ctx, a, reason, now, "operator")
}

func (w *Workflow) afterReject(ctx context.Context, a models.LyricsApproval, reason string, now time.Time, by string) (RejectOutcome, error) {
	a.Status = models.ApprovalRejected
	a.RejectionReason = &reason
	a.DecidedAt = &now
	out := RejectOutcome{Rejected: a}

	w.event(ctx, a.JobID, "lyrics_rejected", fmt.Sprintf("approval=%s by=%s reason=%q", a.ID, by, reason))
	w.log.Info().Str("job_id", a.JobID).Str("approval_id", a.ID).Str("by", by).
		Int("regeneration_count", a.RegenerationCount).Msg("lyrics rejected")

	if a.RegenerationCount+1 > w.cfg.RegenerationCap {
		job, err := w.store.GetJob(ctx, a.JobID)
		if err != nil {
			return out, err
		}
		if err := w.escalate(ctx, job, a); err != nil {
			return out, err
		}
		out.Escalated = true
		return out, nil
	}

	next, err := w.Generate(ctx, a.JobID)
	if err != nil {
		return out, err
	}
	out.Next = &next
	return out, nil
}

// escalate fails the job at the regeneration cap and alerts operations.
func (w *Workflow) escalate(ctx context.Context, job models.Job, last models.LyricsApproval) error {
	msg := fmt.Sprintf("regeneration cap exceeded (%d)", w.cfg.RegenerationCap)
	ok, err := w.store.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobPending, models.JobProcessing}, models.JobFailed, &msg)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if !ok {
		return nil
	}
	telemetry.Escalations.Inc()
	telemetry.JobTransitions.WithLabelValues(string(models.JobFailed)).Inc()
	w.event(ctx, job.ID, "regeneration_cap_exceeded", msg)
	w.log.Warn().Str("job_id", job.ID).Str("order_id", job.OrderID).Int("cap", w.cfg.RegenerationCap).Msg("job escalated")

	if w.cfg.OpsEmail == "" {
		return nil
	}
	reason := ""
	if last.RejectionReason != nil {
		reason = *last.RejectionReason
	}
	if _, _, err := w.notifier.Enqueue(ctx, notify.Entry{
		Kind:      models.KindGenerationStuck,
		Recipient: w.cfg.OpsEmail,
		Template:  "generation_escalated",
		DedupeKey: models.KindGenerationStuck + ":" + job.ID + ":" + last.ID,
		Payload: map[string]string{
			"job_id":             job.ID,
			"order_id":           job.OrderID,
			"regeneration_count": strconv.Itoa(last.RegenerationCount + 1),
			"reason":             reason,
		},
	}); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("enqueue escalation failed")
	}
	return nil
}

// AdminUnapprove rolls a job back to pending: the approved draft reopens with a
// fresh expiry, songs lose their release schedule and unsent release emails are dropped.
func (w *Workflow) AdminUnapprove(ctx context.Context, jobID string) (models.UnapproveResult, error) {
	ctx, span := tracer.Start(ctx, "lyrics.AdminUnapprove")
	defer span.End()

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return models.UnapproveResult{}, err
	}
	taskID := job.AudioTaskID()

	res, err := w.store.UnapproveJob(ctx, jobID, w.now().UTC().Add(w.cfg.ApprovalTTL))
	if err != nil {
		return models.UnapproveResult{}, err
	}
	if taskID != "" && w.polls != nil {
		if err := w.polls.Cancel(ctx, taskID); err != nil {
			w.log.Warn().Err(err).Str("task_id", taskID).Msg("cancel audio poll failed")
		}
	}
	telemetry.JobTransitions.WithLabelValues(string(models.JobPending)).Inc()
	w.event(ctx, jobID, "unapproved", fmt.Sprintf("approval=%s songs=%d cancelled_notifications=%d", res.ApprovalID, len(res.SongIDs), res.CancelledNotifications))
	w.log.Warn().Str("job_id", jobID).Str("approval_id", res.ApprovalID).Strs("song_ids", res.SongIDs).Msg("job unapproved")
	return res, nil
}

// RetryFailed re-arms failed jobs (all of them when ids is empty) and resumes each:
// jobs with approved lyrics go back to audio generation, the rest get a new draft.
func (w *Workflow) RetryFailed(ctx context.Context, ids ...string) ([]string, error) {
	retried, err := w.store.RetryFailedJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range retried {
		telemetry.JobTransitions.WithLabelValues(string(models.JobPending)).Inc()
		w.event(ctx, id, "retried", "operator retry")
		if err := w.resume(ctx, id); err != nil {
			w.log.Error().Err(err).Str("job_id", id).Msg("resume retried job failed")
		}
	}
	w.log.Info().Strs("job_ids", retried).Msg("failed jobs re-armed")
	return retried, nil
}

func (w *Workflow) resume(ctx context.Context, jobID string) error {
	latest, err := w.store.LatestApproval(ctx, jobID)
	if err == nil && latest.Status == models.ApprovalApproved {
		ok, err := w.store.TransitionJob(ctx, jobID, []models.JobStatus{models.JobPending}, models.JobProcessing, nil)
		if err != nil || !ok {
			return err
		}
		telemetry.JobTransitions.WithLabelValues(string(models.JobProcessing)).Inc()
		return w.trigger.Trigger(ctx, jobID)
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	_, err = w.Generate(ctx, jobID)
	return err
}

// ExpireStale marks lapsed pending approvals expired. Write paths check expiry
// themselves, so this only keeps the status column honest for views.
func (w *Workflow) ExpireStale(ctx context.Context) (int, error) {
	n, err := w.store.ExpireApprovals(ctx, w.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("expired stale approvals")
	}
	return n, nil
}

func (w *Workflow) event(ctx context.Context, jobID, event, detail string) {
	if err := w.store.AppendJobEvent(ctx, jobID, event, detail); err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("append job event failed")
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("approval token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
