// Package app assembles the fulfillment pipeline from configuration. The API,
// the worker and the operator CLI share this wiring.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"song-fulfillment/internal/api"
	"song-fulfillment/internal/assets"
	"song-fulfillment/internal/audio"
	"song-fulfillment/internal/config"
	"song-fulfillment/internal/lyrics"
	"song-fulfillment/internal/mailer"
	"song-fulfillment/internal/models"
	"song-fulfillment/internal/notify"
	"song-fulfillment/internal/providers"
	"song-fulfillment/internal/queue"
	"song-fulfillment/internal/ratelimit"
	"song-fulfillment/internal/release"
	"song-fulfillment/internal/store"
	"song-fulfillment/internal/store/memstore"
	"song-fulfillment/internal/worker"
)

// Store is everything the pipeline persists. Both the Postgres store and the
// in-memory store satisfy it.
type Store interface {
	api.Store
	lyrics.Store
	audio.Store
	audio.TaskLister
	release.Store
	notify.Store
	ratelimit.CounterStore
	PruneRateLimits(ctx context.Context, cutoff time.Time) (int, error)
	ListApprovals(ctx context.Context, jobID string) ([]models.LyricsApproval, error)
	RunMigrations(ctx context.Context) error
	Close()
}

// App holds the wired components.
type App struct {
	Config   config.Config
	Store    Store
	Redis    *redis.Client
	Assets   assets.Store
	Limiter  *ratelimit.Limiter
	Notify   *notify.Queue
	Trigger  *audio.Trigger
	Poller   *audio.Poller
	Schedule *queue.PollSchedule
	Lyrics   *lyrics.Workflow
	Release  *release.Scheduler
	Callback *audio.CallbackHandler

	embedded *miniredis.Miniredis
	log      zerolog.Logger
}

// New connects storage and builds every component. Close releases them.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st
	if err := st.RunMigrations(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	if err := a.connectRedis(ctx); err != nil {
		a.Close()
		return nil, err
	}

	backend := ratelimit.Backend(ratelimit.NewSlidingWindow(a.Redis, ""))
	if cfg.RateLimitBackend == "postgres" {
		backend = ratelimit.NewFixedWindow(st)
	}
	a.Limiter = ratelimit.New(backend, log)

	sender, err := mailer.New(cfg, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("mailer: %w", err)
	}
	a.Notify = notify.New(notify.Config{
		MaxRetries:  cfg.NotifyMaxRetries,
		BaseDelay:   cfg.NotifyBaseDelay,
		BatchSize:   cfg.NotifyBatchSize,
		Concurrency: cfg.NotifyConcurrency,
		SendRate:    cfg.NotifySendRate,
		SendTimeout: cfg.NotifySendTimeout,
		StuckAfter:  cfg.NotifyStuckAfter,
	}, st, sender, log)

	a.Assets, err = assets.NewStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("asset store: %w", err)
	}
	mirror := assets.NewMirror(a.Assets, cfg.AudioProviderTimeout*2, 0, cfg.ThumbnailSize)

	a.Schedule = queue.NewPollSchedule(a.Redis, "", cfg.AudioPollLease)
	audioClient := providers.NewAudioClient(cfg.AudioProviderURL, cfg.AudioProviderKey, cfg.AudioProviderTimeout)
	a.Trigger = audio.NewTrigger(audio.Config{
		ReleaseDelay: cfg.ReleaseDelay,
		AutoApprove:  cfg.AutoApproveSongs,
		ClaimTimeout: cfg.AudioStallAfter,
		PollInitial:  cfg.AudioPollInitial,
		CallbackURL:  cfg.PublicBaseURL + "/v1/webhooks/audio",
	}, st, audioClient, log, audio.WithMirror(mirror), audio.WithPollScheduler(a.Schedule))
	a.Poller = audio.NewPoller(audio.PollerConfig{
		Initial: cfg.AudioPollInitial,
		Max:     cfg.AudioPollMax,
	}, a.Trigger, audioClient, a.Schedule, log)
	a.Callback = audio.NewCallbackHandler(a.Trigger, cfg.AudioWebhookSecret, log)

	lyricsClient := providers.NewLyricsClient(cfg.LyricsProviderURL, cfg.LyricsProviderKey, cfg.LyricsProviderTimeout)
	a.Lyrics = lyrics.New(lyrics.Config{
		ApprovalTTL:     cfg.ApprovalTTL,
		RegenerationCap: cfg.RegenerationCap,
		ApprovalURLBase: cfg.PublicBaseURL + "/approvals",
		OpsEmail:        cfg.OpsEmail,
	}, st, lyricsClient, a.Trigger, a.Notify, log, lyrics.WithPollCanceler(a.Schedule))

	a.Release = release.New(release.Config{
		BatchSize:   cfg.ReleaseBatchSize,
		SongURLBase: cfg.PublicBaseURL + "/songs",
	}, st, a.Notify, log, release.WithAssets(a.Assets))

	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.StoreDriver == "memory" {
		return memstore.New(), nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return st, nil
}

// connectRedis dials REDIS_ADDR. REDIS_ADDR=embedded with the memory store
// starts an in-process Redis for self-contained local runs.
func (a *App) connectRedis(ctx context.Context) error {
	addr := a.Config.RedisAddr
	if addr == "embedded" {
		if a.Config.StoreDriver != "memory" {
			return fmt.Errorf("embedded redis requires STORE_DRIVER=memory, got %s", a.Config.StoreDriver)
		}
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start embedded redis: %w", err)
		}
		a.embedded = mr
		addr = mr.Addr()
		a.log.Warn().Str("addr", addr).Msg("using embedded redis")
	}
	a.Redis = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.Redis.Ping(pingCtx).Err(); err != nil {
		// limiter fails open; poller retries on the next tick
		a.log.Error().Err(err).Str("addr", addr).Msg("redis unreachable")
	}
	return nil
}

// APIDeps adapts the components to the HTTP server.
func (a *App) APIDeps() api.Deps {
	return api.Deps{
		Store:         a.Store,
		Lyrics:        a.Lyrics,
		Releaser:      a.Release,
		Notifications: a.Notify,
		Poller:        a.Poller,
		Resubmitter:   a.Trigger,
		Callback:      a.Callback,
		Limiter:       a.Limiter,
	}
}

// Handler builds the API router.
func (a *App) Handler() http.Handler {
	return api.New(a.Config, a.APIDeps(), a.log).Router()
}

// Runner registers every periodic task on a worker runner.
func (a *App) Runner(workerID string) *worker.Runner {
	cfg := a.Config
	r := worker.NewRunner(workerID, 5*time.Minute, 2*time.Minute, a.log)
	worker.RegisterPipeline(r, worker.Pipeline{
		Releaser:      a.Release,
		Notifications: a.Notify,
		Poller:        a.Poller,
		Jobs:          a.Store,
		Resubmitter:   a.Trigger,
		Approvals:     a.Lyrics,
		RateLimits:    a.Store,
	}, worker.Intervals{
		Release:       cfg.ReleaseInterval,
		Notifications: cfg.DrainInterval,
		AudioPoll:     cfg.PollInterval,
		Resubmit:      cfg.ResubmitInterval,
		Expire:        cfg.ExpireInterval,
		Prune:         time.Hour,
	})
	return r
}

// WorkerID picks WORKER_ID, then the hostname, then the pid.
func WorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.embedded != nil {
		a.embedded.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
