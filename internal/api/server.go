// Package api is the HTTP surface: order intake, the customer approval page
// endpoints, the audio webhook, cron triggers and operator routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"song-fulfillment/internal/audio"
	"song-fulfillment/internal/config"
	"song-fulfillment/internal/lyrics"
	"song-fulfillment/internal/models"
	"song-fulfillment/internal/notify"
	"song-fulfillment/internal/release"
	"song-fulfillment/internal/telemetry"
)

const maxBodyBytes = 64 << 10

// Store is the persistence the handlers read and write directly.
type Store interface {
	Ping(ctx context.Context) error
	CreateOrder(ctx context.Context, o models.Order, q models.Quiz) error
	CreateJob(ctx context.Context, orderID, quizID string, variant int) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error)
	ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
	ListSongsByOrder(ctx context.Context, orderID string) ([]models.Song, error)
	ListNotifications(ctx context.Context, status models.NotificationStatus, limit int) ([]models.Notification, error)
}

// Lyrics is the approval workflow.
type Lyrics interface {
	Generate(ctx context.Context, jobID string) (models.LyricsApproval, error)
	Lookup(ctx context.Context, token string) (models.LyricsApproval, error)
	Approve(ctx context.Context, token string) (models.LyricsApproval, error)
	Reject(ctx context.Context, token, reason string) (lyrics.RejectOutcome, error)
	AdminReject(ctx context.Context, approvalID, reason string) (lyrics.RejectOutcome, error)
	AdminUnapprove(ctx context.Context, jobID string) (models.UnapproveResult, error)
	RetryFailed(ctx context.Context, ids ...string) ([]string, error)
	ExpireStale(ctx context.Context) (int, error)
}

// Releaser publishes songs.
type Releaser interface {
	Sweep(ctx context.Context) (release.Summary, error)
	ApproveSong(ctx context.Context, songID string, releaseAt time.Time) (models.Song, error)
	DeleteSong(ctx context.Context, songID string) error
}

// Notifications is the outbound queue.
type Notifications interface {
	Drain(ctx context.Context) (notify.Summary, error)
	RequeueStuck(ctx context.Context) (int, error)
	RetryFailed(ctx context.Context, ids ...string) (int, error)
}

// AudioTasks finishes provider tasks from the cron side.
type AudioTasks interface {
	PollOnce(ctx context.Context) (audio.PollSummary, error)
}

// AudioResubmitter retries jobs stuck before submission.
type AudioResubmitter interface {
	ResubmitStalled(ctx context.Context, limit int) (int, error)
}

// RateLimiter caps requests per identifier and action.
type RateLimiter interface {
	Allow(ctx context.Context, identifier, action string, max int, window time.Duration) error
}

// Deps bundles the components behind the routes. Nil optional members disable
// their routes' work.
type Deps struct {
	Store         Store
	Lyrics        Lyrics
	Releaser      Releaser
	Notifications Notifications
	Poller        AudioTasks
	Resubmitter   AudioResubmitter
	Callback      http.Handler
	Limiter       RateLimiter
}

// Server wires HTTP handlers.
type Server struct {
	cfg      config.Config
	deps     Deps
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, log zerolog.Logger) *Server {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &Server{
		cfg:      cfg,
		deps:     deps,
		validate: v,
		log:      log.With().Str("component", "api").Logger(),
		now:      time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, AccessLog(s.log), Recovery(s.log), Trace)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	if s.cfg.AssetDriver == "local" && s.cfg.AssetLocalDir != "" {
		r.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.Dir(s.cfg.AssetLocalDir))))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(contentTypeJSON)
			r.Post("/orders", s.handleCreateOrder)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/generate", s.handleGenerate)

			r.Get("/approvals/{token}", s.handleGetApproval)
			r.Post("/approvals/{token}/approve", s.handleApprove)
			r.Post("/approvals/{token}/reject", s.handleReject)
		})

		r.Post("/webhooks/audio", s.handleAudioWebhook)

		r.Route("/cron", func(r chi.Router) {
			r.Use(BearerAuth(s.cfg.CronSecret), contentTypeJSON)
			r.Post("/release", s.handleCronRelease)
			r.Post("/notifications", s.handleCronNotifications)
			r.Post("/audio", s.handleCronAudio)
			r.Post("/approvals", s.handleCronApprovals)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(BearerAuth(s.cfg.AdminToken), contentTypeJSON)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}/events", s.handleJobEvents)
			r.Post("/jobs/retry", s.handleRetryJobs)
			r.Post("/jobs/{id}/unapprove", s.handleUnapprove)
			r.Post("/approvals/{id}/reject", s.handleAdminReject)
			r.Get("/notifications", s.handleListNotifications)
			r.Post("/notifications/retry", s.handleRetryNotifications)
			r.Get("/orders/{id}/songs", s.handleListSongs)
			r.Post("/songs/{id}/approve", s.handleApproveSong)
			r.Delete("/songs/{id}", s.handleDeleteSong)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, codeBadRequest, "method not allowed")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		log := loggerFrom(r.Context(), s.log)
		log.Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// limit applies a rate rule and writes the 429 envelope when exceeded.
func (s *Server) limit(w http.ResponseWriter, r *http.Request, identifier, action string, rule config.RateRule) bool {
	if s.deps.Limiter == nil {
		return true
	}
	if err := s.deps.Limiter.Allow(r.Context(), identifier, action, rule.Max, rule.Window); err != nil {
		w.Header().Set("Retry-After", "60")
		s.fail(w, r, err)
		return false
	}
	return true
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, errors.New("failed to read body")
	}
	if int64(len(b)) > limit {
		return nil, errors.New("payload too large")
	}
	return b, nil
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// audio webhook

func (s *Server) handleAudioWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Callback == nil {
		writeError(w, r, http.StatusNotFound, codeNotFound, "route not found")
		return
	}
	if !s.limit(w, r, clientIP(r), "audio_webhook", s.cfg.WebhookRate) {
		return
	}
	s.deps.Callback.ServeHTTP(w, r)
}
