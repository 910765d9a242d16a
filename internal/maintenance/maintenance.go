// Package maintenance runs background jobs off the write path: refreshing
// the per-tenant aggregate table and persisting capsule expiry. Jobs are
// persisted, so a crashed run is retried by the next runner.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/memgov/internal/clock"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/observe"
)

// Job kinds.
const (
	KindRefreshTenantStats   = "refresh_tenant_stats"
	KindSweepExpiredCapsules = "sweep_expired_capsules"
)

// Defaults.
const (
	DefaultInterval    = time.Minute
	DefaultMaxAttempts = 3
	DefaultBackoff     = 30 * time.Second
	DefaultStaleAfter  = 10 * time.Minute
	DefaultRetention   = 24 * time.Hour
)

// Store is the persistence the runner needs.
type Store interface {
	EnqueueJob(ctx context.Context, kind string, scheduledAt time.Time) (*model.Job, error)
	EnqueueJobOnce(ctx context.Context, kind string, scheduledAt time.Time) (*model.Job, error)
	ReclaimStaleJobs(ctx context.Context, startedBefore, now time.Time, maxAttempts int) (int, error)
	PruneJobs(ctx context.Context, cutoff time.Time) (int, error)
	ClaimJob(ctx context.Context, now time.Time) (*model.Job, error)
	FinishJob(ctx context.Context, j model.Job, runErr error, maxAttempts int, now, retryAt time.Time) (*model.Job, error)
	RefreshTenantStats(ctx context.Context, now time.Time) (int, error)
	SweepExpiredCapsules(ctx context.Context, now time.Time) (int, error)
}

// Handler runs one job and reports how many rows it touched.
type Handler func(ctx context.Context, now time.Time) (int, error)

// Options configures a Runner. Zero values take the defaults.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Backoff     time.Duration

	// StaleAfter is how long a job may stay running before it is treated
	// as abandoned.
	StaleAfter time.Duration

	// Retention is how long completed and failed jobs are kept.
	Retention time.Duration
}

// Runner claims and runs due jobs.
type Runner struct {
	store    Store
	clock    clock.Clock
	obs      *observe.Observer
	opts     Options
	handlers map[string]Handler
}

// New returns a runner with the built-in job kinds registered.
func New(st Store, clk clock.Clock, obs *observe.Observer, opts Options) *Runner {
	if clk == nil {
		clk = clock.System{}
	}
	if obs == nil {
		obs = observe.Nop()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	r := &Runner{store: st, clock: clk, obs: obs, opts: opts, handlers: map[string]Handler{}}
	r.Register(KindRefreshTenantStats, st.RefreshTenantStats)
	r.Register(KindSweepExpiredCapsules, st.SweepExpiredCapsules)
	return r
}

// Register sets the handler for a job kind, replacing any existing one.
func (r *Runner) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Enqueue schedules one job of kind to run now.
func (r *Runner) Enqueue(ctx context.Context, kind string) (*model.Job, error) {
	if _, ok := r.handlers[kind]; !ok {
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	return r.store.EnqueueJob(ctx, kind, r.clock.Now())
}

// Schedule tidies the job table and enqueues one run of every built-in job
// kind that has none pending or running. Jobs stuck running longer than
// StaleAfter are reclaimed; finished jobs older than Retention are pruned.
func (r *Runner) Schedule(ctx context.Context) error {
	now := r.clock.Now()
	reclaimed, err := r.store.ReclaimStaleJobs(ctx, now.Add(-r.opts.StaleAfter), now, r.opts.MaxAttempts)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		r.obs.Log().Warn().Int("jobs", reclaimed).Msg("reclaimed stale jobs")
	}

	for _, kind := range []string{KindRefreshTenantStats, KindSweepExpiredCapsules} {
		if _, err := r.store.EnqueueJobOnce(ctx, kind, now); err != nil {
			return fmt.Errorf("schedule %s: %w", kind, err)
		}
	}

	pruned, err := r.store.PruneJobs(ctx, now.Add(-r.opts.Retention))
	if err != nil {
		return err
	}
	if pruned > 0 {
		r.obs.Log().Info().Int("jobs", pruned).Msg("pruned finished jobs")
	}
	return nil
}

// RunPending runs every job that is due now and returns the finished jobs.
// A job failure is recorded on the job, not returned.
func (r *Runner) RunPending(ctx context.Context) ([]model.Job, error) {
	var done []model.Job
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		now := r.clock.Now()
		j, err := r.store.ClaimJob(ctx, now)
		if err != nil {
			return done, err
		}
		if j == nil {
			return done, nil
		}

		n, runErr := r.run(ctx, *j)
		finishedAt := r.clock.Now()
		retryAt := finishedAt.Add(time.Duration(j.Attempts) * r.opts.Backoff)
		fin, err := r.store.FinishJob(ctx, *j, runErr, r.opts.MaxAttempts, finishedAt, retryAt)
		if err != nil {
			return done, err
		}

		if runErr != nil {
			r.obs.Log().Warn().
				Str("job_id", fin.ID).
				Str("kind", fin.Kind).
				Int("attempts", fin.Attempts).
				Str("status", string(fin.Status)).
				Err(runErr).
				Msg("job failed")
		} else {
			r.obs.Log().Info().
				Str("job_id", fin.ID).
				Str("kind", fin.Kind).
				Int("rows", n).
				Msg("job completed")
		}
		done = append(done, *fin)
	}
}

func (r *Runner) run(ctx context.Context, j model.Job) (int, error) {
	h, ok := r.handlers[j.Kind]
	if !ok {
		return 0, fmt.Errorf("unknown job kind %q", j.Kind)
	}
	ctx, span := r.obs.StartSpan(ctx, "job."+j.Kind)
	defer span.End()
	return h(ctx, r.clock.Now())
}

// Run schedules and runs jobs every interval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if err := r.Schedule(ctx); err != nil {
			r.obs.Log().Error().Err(err).Msg("schedule jobs")
		} else if _, err := r.RunPending(ctx); err != nil && ctx.Err() == nil {
			r.obs.Log().Error().Err(err).Msg("run jobs")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
