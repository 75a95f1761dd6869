// Package verify runs datastore verification jobs: it enumerates snapshots,
// skips recently verified ones, verifies the rest, records the job result and
// notifies operators.
package verify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/snapvault/pkg/datastore"
	"github.com/3leaps/snapvault/pkg/jobstate"
	"github.com/3leaps/snapvault/pkg/notify"
	"github.com/3leaps/snapvault/pkg/task"
)

// Runner starts verification jobs as scheduler tasks.
type Runner struct {
	scheduler  *task.Scheduler
	stores     datastore.Lookup
	settings   notify.SettingsLookup
	dispatcher notify.Dispatcher
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithNotify enables result notification.
func WithNotify(settings notify.SettingsLookup, d notify.Dispatcher) Option {
	return func(r *Runner) {
		r.settings = settings
		r.dispatcher = d
	}
}

// WithLogger sets the process logger. Finish and notification failures are
// reported there, never in the task log.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRateLimit paces snapshot verification across all runs of this Runner.
// A non-positive perSecond disables pacing.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Runner) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClock overrides the time source of the skip filter.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRunner(scheduler *task.Scheduler, stores datastore.Lookup, opts ...Option) *Runner {
	r := &Runner{
		scheduler: scheduler,
		stores:    stores,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the verification job cfg using the job state tracked by states.
func (r *Runner) Start(ctx context.Context, states *jobstate.Store, cfg Config, authID, scheduleLabel string) (string, error) {
	return r.Run(ctx, states.Job(JobType, cfg.ID), cfg, authID, scheduleLabel)
}

// Run spawns a verification task for job and returns its UPID immediately.
//
// The datastore is resolved first; an unknown or offline datastore fails the
// call before any task exists or the job changes state. A job that is
// already running yields jobstate.ErrAlreadyRunning. scheduleLabel is the
// schedule that triggered the run, empty for manual runs.
func (r *Runner) Run(ctx context.Context, job *jobstate.Job, cfg Config, authID, scheduleLabel string) (string, error) {
	store, err := r.stores.Lookup(ctx, cfg.Store)
	if err != nil {
		return "", err
	}

	var settings notify.Settings
	if r.settings != nil {
		settings = r.settings(cfg.Store)
	}

	workerID := cfg.Store + ":" + job.ID().Name
	op := func(w *task.Worker) error {
		return r.execute(w, job, store, cfg, settings, workerID, scheduleLabel)
	}
	start := task.BeforeStart(func(ctx context.Context, upid string) error {
		err := job.Start(ctx, upid)
		if jobstate.IsPersistError(err) {
			r.logger.Warn("could not persist job start", zap.String("job", job.ID().String()), zap.Error(err))
			return nil
		}
		return err
	})

	return r.scheduler.Spawn(ctx, job.ID().Type, workerID, authID, false, op, start)
}

// execute is the task body. The deferred finish runs on every exit path,
// including a panic inside the verification loop.
func (r *Runner) execute(w *task.Worker, job *jobstate.Job, store datastore.Handle, cfg Config, settings notify.Settings, workerID, scheduleLabel string) (result error) {
	result = &abortedError{cause: errors.New("verification did not complete")}
	failed := []string{}
	defer func() {
		r.finish(w, job, result)
		r.notify(w, cfg, settings, failed, result)
	}()

	w.Log("Starting datastore verify job '%s'", workerID)
	if scheduleLabel != "" {
		w.Log("task triggered by schedule '%s'", scheduleLabel)
	}

	ignoreVerified := cfg.IgnoreVerifiedOrDefault()
	now := r.now()
	skip := func(m *datastore.Manifest) bool {
		return SkipVerified(ignoreVerified, cfg.OutdatedAfter, m, now)
	}

	var runErr error
	failed, runErr = VerifyAll(w, store, cfg.Filter(), skip, r.limiter)
	if runErr != nil {
		w.Log("verification aborted: %v", runErr)
	}
	if len(failed) > 0 {
		w.Log("Failed to verify the following snapshots/groups:")
		for _, dir := range failed {
			w.Log("\t%s", dir)
		}
	}

	result = jobResult(failed, runErr)
	return result
}

func (r *Runner) finish(w *task.Worker, job *jobstate.Job, result error) {
	outcome := w.CreateState(result)
	state := jobstate.Result{Status: jobstate.ResultOK}
	switch outcome.Kind {
	case task.OutcomeAborted:
		state = jobstate.Result{Status: jobstate.ResultAborted, Message: outcome.Message}
	case task.OutcomeFailed:
		state = jobstate.Result{Status: jobstate.ResultError, Message: outcome.Message}
	}

	if err := job.Finish(context.WithoutCancel(w.Context()), state); err != nil {
		r.logger.Error("could not finish job state",
			zap.String("job", job.ID().String()),
			zap.String("upid", w.UPID()),
			zap.Error(err))
	}
}

func (r *Runner) notify(w *task.Worker, cfg Config, settings notify.Settings, failed []string, result error) {
	if r.dispatcher == nil || settings.Destination == "" {
		return
	}
	status := notify.VerifyStatus{
		JobID:   cfg.ID,
		Store:   cfg.Store,
		Comment: cfg.Comment,
		TaskID:  w.UPID(),
		Failed:  failed,
		Aborted: errors.Is(result, ErrJobAborted),
		Time:    r.now().UTC(),
	}
	if result != nil {
		status.Error = result.Error()
	}
	if err := r.dispatcher.Send(context.WithoutCancel(w.Context()), settings.Destination, settings.Policy, status); err != nil {
		r.logger.Error("send verify notification failed",
			zap.String("job", cfg.ID),
			zap.String("upid", w.UPID()),
			zap.Error(err))
	}
}
