// Package runner drives one crawl job through its state machine:
// launching the browser, logging in, enumerating ids, hydrating details,
// harvesting comments, and finalizing storage.
package runner

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/social-crawler/internal/clock/system"
	"github.com/JakeFAU/social-crawler/internal/config"
	"github.com/JakeFAU/social-crawler/internal/crawler"
	"github.com/JakeFAU/social-crawler/internal/metrics"
)

// DefaultRateLimitPause is how long every worker waits after a rate-limit.
const DefaultRateLimitPause = 20 * time.Second

// Session is the browser the job logs in with.
type Session interface {
	crawler.BrowserState
	Close() error
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Driver crawler.PlatformDriver
	Store  crawler.Store
	// Launch opens the browser session (Launching).
	Launch func(ctx context.Context) (Session, error)
	// Login authenticates the session and binds the driver (Authenticating).
	Login     func(ctx context.Context, session Session) error
	Publisher crawler.Publisher
	Topic     string
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Summary is the outcome of one job.
type Summary struct {
	JobID           string    `json:"job_id"`
	Platform        string    `json:"platform"`
	Mode            string    `json:"crawler_type"`
	State           State     `json:"state"`
	Items           int64     `json:"items"`
	Comments        int64     `json:"comments"`
	Creators        int64     `json:"creators"`
	Failures        int64     `json:"failures"`
	RateLimitPauses int64     `json:"rate_limit_pauses"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Error           string    `json:"error_message,omitempty"`
}

// Runner executes a single CrawlJob. It is not reusable.
type Runner struct {
	job    config.JobConfig
	deps   Deps
	logger *zap.Logger
	sem    *semaphore.Weighted
	gate   pauseGate
	pause  time.Duration

	stateMu sync.Mutex
	state   State

	session Session

	items       atomic.Int64
	comments    atomic.Int64
	creators    atomic.Int64
	failures    atomic.Int64
	rateLimited atomic.Int64
}

// New constructs a Runner.
func New(job config.JobConfig, deps Deps) (*Runner, error) {
	if deps.Driver == nil || deps.Store == nil {
		return nil, crawler.Errorf(crawler.KindConfiguration, "runner.New", "driver and store are required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("job_id", job.JobID), zap.String("platform", string(job.Platform)))
	concurrency := job.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	pause := job.RateLimitPause
	if pause <= 0 {
		pause = DefaultRateLimitPause
	}
	return &Runner{
		job:    job,
		deps:   deps,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		pause:  pause,
		state:  StateIdle,
	}, nil
}

// State returns the current phase.
func (r *Runner) State() State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// advance moves forward through the ordered phases; it never moves back.
func (r *Runner) advance(to State) {
	r.stateMu.Lock()
	from := r.state
	if from.Terminal() || from == StateStopping || forwardOrder[to] <= forwardOrder[from] {
		r.stateMu.Unlock()
		return
	}
	r.state = to
	r.stateMu.Unlock()
	r.logger.Info("state transition", zap.String("from", string(from)), zap.String("state", string(to)))
}

func (r *Runner) force(to State) {
	r.stateMu.Lock()
	from := r.state
	r.state = to
	r.stateMu.Unlock()
	if from != to {
		r.logger.Info("state transition", zap.String("from", string(from)), zap.String("state", string(to)))
	}
}

// Run executes the job. A cancelled ctx yields a cancelled error after a
// best-effort finalization.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	started := r.deps.Clock.Now()
	err := r.run(ctx)
	if ctx.Err() != nil && err == nil {
		err = ctx.Err()
	}
	if crawler.KindOf(err) == crawler.KindCancelled && !errors.Is(err, crawler.ErrCancelled) {
		err = crawler.NewError(crawler.KindCancelled, "runner.Run", err)
	}

	switch {
	case err == nil:
	case crawler.KindOf(err) == crawler.KindCancelled:
		r.force(StateStopping)
	default:
		r.force(StateError)
		r.logger.Error("crawl FAILED", zap.Error(err))
	}
	r.finalize(err)

	summary := r.summary(started, err)
	r.publish(summary)
	switch {
	case err == nil:
		metrics.ObserveJob("completed")
		r.logger.Info("crawl finished SUCCESS",
			zap.Int64("items", summary.Items), zap.Int64("comments", summary.Comments))
		r.force(StateIdle)
	case crawler.KindOf(err) == crawler.KindCancelled:
		metrics.ObserveJob("cancelled")
		r.force(StateIdle)
	default:
		metrics.ObserveJob("failed")
	}
	return summary, err
}

func (r *Runner) run(ctx context.Context) error {
	if r.job.MaxItems == 0 {
		r.logger.Info("max_items is 0, nothing to crawl")
		return nil
	}

	r.advance(StateLaunching)
	if r.deps.Launch != nil {
		session, err := r.deps.Launch(ctx)
		if err != nil {
			return err
		}
		r.session = session
	}

	r.advance(StateAuthenticating)
	if r.deps.Login != nil {
		if err := r.deps.Login(ctx, r.session); err != nil {
			return err
		}
	}

	r.advance(StateEnumerating)
	switch r.job.Mode {
	case crawler.ModeSearch:
		r.runSearch(ctx)
	case crawler.ModeDetail:
		r.runDetail(ctx, r.job.Seeds, "")
	case crawler.ModeCreator:
		r.runCreators(ctx)
	default:
		return crawler.Errorf(crawler.KindConfiguration, "runner.Run", "unsupported crawler type %q", r.job.Mode)
	}
	return ctx.Err()
}

func (r *Runner) finalize(runErr error) {
	if crawler.KindOf(runErr) != crawler.KindCancelled && r.State() != StateError {
		r.advance(StatePersisting)
	}
	// Storage and browser cleanup must run even when the job ctx is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.deps.Store.Flush(ctx); err != nil {
		r.logger.Error("storage flush FAILED", zap.Error(err))
	}
	r.advance(StateFinalizing)
	if err := r.deps.Store.Close(ctx); err != nil {
		r.logger.Warn("storage close failed", zap.Error(err))
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.logger.Warn("browser close failed", zap.Error(err))
		}
	}
}

func (r *Runner) summary(started time.Time, err error) Summary {
	s := Summary{
		JobID:           r.job.JobID,
		Platform:        string(r.job.Platform),
		Mode:            string(r.job.Mode),
		State:           r.State(),
		Items:           r.items.Load(),
		Comments:        r.comments.Load(),
		Creators:        r.creators.Load(),
		Failures:        r.failures.Load(),
		RateLimitPauses: r.rateLimited.Load(),
		StartedAt:       started,
		FinishedAt:      r.deps.Clock.Now(),
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func (r *Runner) publish(s Summary) {
	if r.deps.Publisher == nil || r.deps.Topic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := r.deps.Publisher.Publish(ctx, r.deps.Topic, s)
	if err != nil {
		r.logger.Warn("publish job summary failed", zap.Error(err))
		return
	}
	r.logger.Debug("published job summary", zap.String("message_id", id))
}

// call runs fn under the pause gate and one semaphore slot.
func (r *Runner) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !r.gate.wait(ctx.Done()) {
		return crawler.NewError(crawler.KindCancelled, "runner.call", ctx.Err())
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return crawler.NewError(crawler.KindCancelled, "runner.call", err)
	}
	defer r.sem.Release(1)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	return fn(ctx)
}

// pauseForRateLimit holds every worker for the pause window, then re-binds
// cookies and signing keys from the browser. Concurrent callers share one pause.
func (r *Runner) pauseForRateLimit(ctx context.Context, cause error) {
	if !r.gate.close() {
		r.gate.wait(ctx.Done())
		return
	}
	defer r.gate.open()
	r.rateLimited.Add(1)
	metrics.ObserveRateLimitPause(string(r.job.Platform))
	r.logger.Warn("rate limited, pausing", zap.Duration("pause", r.pause), zap.Error(cause))

	t := time.NewTimer(r.pause)
	select {
	case <-ctx.Done():
		t.Stop()
		return
	case <-t.C:
	}
	if r.session == nil {
		return
	}
	if err := r.deps.Driver.Bind(ctx, r.session); err != nil {
		r.logger.Warn("cookie refresh after rate limit failed", zap.Error(err))
		return
	}
	r.logger.Info("cookies refreshed from browser, resuming")
}

// interval sleeps the jittered crawl interval between pages.
func (r *Runner) interval(ctx context.Context) bool {
	base := r.job.CrawlInterval
	if base <= 0 {
		return ctx.Err() == nil
	}
	d := base + time.Duration(rand.Int64N(int64(base)/2+1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func isRateLimited(err error) bool {
	return errors.Is(err, crawler.ErrRateLimited)
}
