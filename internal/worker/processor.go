package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"song-fulfillment/internal/telemetry"
)

// Task is one periodic sweep. The result is logged as the run summary.
type Task func(ctx context.Context) (any, error)

type registration struct {
	name     string
	interval time.Duration
	run      Task
}

// Runner drives the periodic sweeps of the fulfillment pipeline.
type Runner struct {
	mu         sync.Mutex
	tasks      []registration
	backoffMax time.Duration
	timeout    time.Duration
	workerID   string
	log        zerolog.Logger
}

// NewRunner builds a runner. A failing task backs off up to backoffMax before
// its next run; each run is bounded by timeout when positive.
func NewRunner(workerID string, backoffMax, timeout time.Duration, log zerolog.Logger) *Runner {
	if backoffMax <= 0 {
		backoffMax = 5 * time.Minute
	}
	return &Runner{
		backoffMax: backoffMax,
		timeout:    timeout,
		workerID:   workerID,
		log:        log.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
	}
}

// Register binds a task to an interval. Disabled tasks (interval <= 0) only run
// through RunOnce.
func (r *Runner) Register(name string, interval time.Duration, task Task) {
	if name == "" || task == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tasks {
		if t.name == name {
			r.tasks[i] = registration{name: name, interval: interval, run: task}
			return
		}
	}
	r.tasks = append(r.tasks, registration{name: name, interval: interval, run: task})
}

// Names lists registered tasks in registration order.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.name
	}
	return out
}

func (r *Runner) snapshot() []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registration(nil), r.tasks...)
}

// Run starts one loop per enabled task until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	enabled := 0
	for _, t := range r.snapshot() {
		if t.interval <= 0 {
			r.log.Info().Str("task", t.name).Msg("task disabled")
			continue
		}
		enabled++
		t := t
		g.Go(func() error { return r.loop(ctx, t) })
	}
	if enabled == 0 {
		return errors.New("no periodic tasks enabled")
	}
	r.log.Info().Int("tasks", enabled).Msg("worker started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context, t registration) error {
	failures := 0
	for {
		if _, err := r.runTask(ctx, t); err != nil {
			failures++
		} else {
			failures = 0
		}
		wait := t.interval
		if failures > 0 {
			wait = backoffWithJitter(t.interval, r.backoffMax, failures)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Runner) runTask(ctx context.Context, t registration) (res any, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	log := r.log.With().Str("task", t.name).Logger()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, rec)
		}
		telemetry.WorkerRunDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
		if err != nil {
			telemetry.WorkerRuns.WithLabelValues(t.name, "error").Inc()
			log.Error().Err(err).Dur("latency", time.Since(start)).Msg("task failed")
			return
		}
		telemetry.WorkerRuns.WithLabelValues(t.name, "ok").Inc()
		log.Debug().Interface("summary", res).Dur("latency", time.Since(start)).Msg("task finished")
	}()
	return t.run(ctx)
}

// Result is the outcome of one task in RunOnce.
type Result struct {
	Task    string `json:"task"`
	Summary any    `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RunOnce runs the named tasks (all when names is empty) once, in registration
// order, and reports each outcome. Unknown names are an error.
func (r *Runner) RunOnce(ctx context.Context, names ...string) ([]Result, error) {
	tasks := r.snapshot()
	if len(names) > 0 {
		byName := make(map[string]registration, len(tasks))
		for _, t := range tasks {
			byName[t.name] = t
		}
		var picked []registration
		var unknown []string
		for _, n := range names {
			t, ok := byName[n]
			if !ok {
				unknown = append(unknown, n)
				continue
			}
			picked = append(picked, t)
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return nil, fmt.Errorf("unknown tasks: %v", unknown)
		}
		tasks = picked
	}

	results := make([]Result, 0, len(tasks))
	var errs []error
	for _, t := range tasks {
		res, err := r.runTask(ctx, t)
		out := Result{Task: t.name, Summary: res}
		if err != nil {
			out.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
		results = append(results, out)
	}
	return results, errors.Join(errs...)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
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
