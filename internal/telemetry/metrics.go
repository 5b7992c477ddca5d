package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	OrdersAccepted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "songs_orders_accepted_total", Help: "Paid orders accepted for fulfillment"})
	RateLimitRejects    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "songs_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"}, []string{"action"})
	RateLimitErrors     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "songs_rate_limit_errors_total", Help: "Rate limiter backend errors (request allowed)"}, []string{"backend"})
	JobTransitions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "songs_job_transitions_total", Help: "Job status transitions"}, []string{"to"})
	LyricsGenerated     = prometheus.NewCounter(prometheus.CounterOpts{Name: "songs_lyrics_generated_total", Help: "Lyric drafts opened for approval"})
	ApprovalDecisions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "songs_approval_decisions_total", Help: "Customer and operator approval decisions"}, []string{"decision"})
	Escalations         = prometheus.NewCounter(prometheus.CounterOpts{Name: "songs_regeneration_escalations_total", Help: "Jobs failed at the regeneration cap"})
	UpstreamFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "songs_upstream_failures_total", Help: "Provider call failures"}, []string{"provider"})
	AudioSubmissions    = prometheus.NewCounter(prometheus.CounterOpts{Name: "songs_audio_submissions_total", Help: "Audio generation tasks submitted"})
	AudioCompletions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "songs_audio_completions_total", Help: "Audio task results applied"}, []string{"status"})
	SongsReleased       = prometheus.NewCounter(prometheus.CounterOpts{Name: "songs_released_total", Help: "Songs released by the scheduler"})
	ReleaseGroupErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "songs_release_group_errors_total", Help: "Release groups that failed during a sweep"})
	NotificationsSent   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "songs_notifications_sent_total", Help: "Notifications delivered"}, []string{"kind"})
	NotificationRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "songs_notification_retries_total", Help: "Notification deliveries scheduled for retry"})
	NotificationsFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "songs_notifications_failed_total", Help: "Notifications that exhausted retries"})
	PollScheduleDepth   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "songs_audio_poll_scheduled", Help: "Audio tasks waiting in the poll schedule"})
	PollInFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "songs_audio_poll_inflight", Help: "Audio polls currently leased"})
	WorkerRuns          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "songs_worker_runs_total", Help: "Periodic worker task runs"}, []string{"task", "outcome"})
	WorkerRunDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "songs_worker_run_seconds", Help: "Periodic worker task latency", Buckets: prometheus.DefBuckets}, []string{"task"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			OrdersAccepted,
			RateLimitRejects,
			RateLimitErrors,
			JobTransitions,
			LyricsGenerated,
			ApprovalDecisions,
			Escalations,
			UpstreamFailures,
			AudioSubmissions,
			AudioCompletions,
			SongsReleased,
			ReleaseGroupErrors,
			NotificationsSent,
			NotificationRetries,
			NotificationsFailed,
			PollScheduleDepth,
			PollInFlightGauge,
			WorkerRuns,
			WorkerRunDuration,
		)
	})
	return promhttp.Handler()
}
