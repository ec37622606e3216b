// Package controller runs the closed optimization loop of an experiment: it
// polls the store, asks the scheduler for jobs and hands them to the
// dispatcher until the scheduler declares the experiment complete.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/thalesfsp/protein/dispatcher"
	"github.com/thalesfsp/protein/internal/metrics"
	"github.com/thalesfsp/protein/internal/tracing"
	"github.com/thalesfsp/protein/models"
	"github.com/thalesfsp/protein/scheduler"
	"github.com/thalesfsp/protein/store"
)

// ErrTooManyFailures is returned by Run when MaxConsecutiveFailures
// iterations failed in a row
var ErrTooManyFailures = errors.New("too many consecutive failed iterations")

// ExperimentScheduler decides the jobs of an experiment. Schedulers that can
// requeue failed dispatches or expose their state are detected at runtime.
type ExperimentScheduler interface {
	Schedule(ctx context.Context, runs []models.RunInfo, slots int) ([]models.JobDefinition, error)
	IsExperimentComplete(runs []models.RunInfo) bool
}

type requeuer interface {
	Requeue(job models.JobDefinition)
}

type stateful interface {
	State() *scheduler.SchedulerState
}

type configured interface {
	Config() scheduler.Config
}

// StatePersister stores serialized scheduler state. LoadState returns nil
// data when nothing was saved.
type StatePersister interface {
	SaveState(ctx context.Context, experimentID string, data []byte) error
	LoadState(ctx context.Context, experimentID string) ([]byte, error)
}

// Callbacks receive run transitions observed between two polls and every
// successful dispatch. Nil callbacks are skipped.
type Callbacks struct {
	OnTrainingCompleted func(run models.RunInfo, failed bool)
	OnEvalCompleted     func(run models.RunInfo, failed bool)
	OnJobDispatch       func(job models.JobDefinition, dispatchID string)
}

// Option customizes an AdaptiveController
type Option func(*AdaptiveController)

// WithPersister saves the scheduler state after every Schedule call
func WithPersister(p StatePersister) Option {
	return func(c *AdaptiveController) {
		c.persister = p
	}
}

// WithLogger sets the logger
func WithLogger(log logr.Logger) Option {
	return func(c *AdaptiveController) {
		c.log = log
	}
}

// WithMetrics records loop metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *AdaptiveController) {
		c.metrics = m
	}
}

// WithTracer wraps iterations and external calls in spans
func WithTracer(p *tracing.Provider) Option {
	return func(c *AdaptiveController) {
		c.tracer = p
	}
}

// AdaptiveController is the outer loop. The loop itself is single
// goroutine; Status and Stop may be called from any goroutine.
type AdaptiveController struct {
	config     AdaptiveConfig
	store      store.Store
	scheduler  ExperimentScheduler
	dispatcher dispatcher.Dispatcher
	persister  StatePersister
	log        logr.Logger
	metrics    *metrics.Metrics
	tracer     *tracing.Provider
	scoreKey   string

	// Loop-owned
	previous map[string]models.RunStatus
	baseline bool

	mu      sync.Mutex
	status  Status
	active  map[string]string // job key to dispatch id
	cancel  context.CancelFunc
	stopped bool
}

// New builds a controller. The collaborators are required.
func New(config AdaptiveConfig, s store.Store, sched ExperimentScheduler, d dispatcher.Dispatcher, opts ...Option) (*AdaptiveController, error) {
	if s == nil || sched == nil || d == nil {
		return nil, errors.New("controller: store, scheduler and dispatcher are required")
	}

	c := &AdaptiveController{
		config:     config,
		store:      s,
		scheduler:  sched,
		dispatcher: d,
		log:        logr.Discard(),
		previous:   make(map[string]models.RunStatus),
		active:     make(map[string]string),
	}

	if sc, ok := sched.(configured); ok {
		cfg := sc.Config()
		c.scoreKey = cfg.ScoreKey

		if c.config.ExperimentID == "" {
			c.config.ExperimentID = cfg.ExperimentID
		}
	}

	if c.config.ExperimentID == "" {
		return nil, errors.New("controller: experiment id is required")
	}

	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("controller config: %w", err)
	}

	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.WithValues("experiment", c.config.ExperimentID)
	c.status = Status{ExperimentID: c.config.ExperimentID, RunsByStatus: map[models.RunStatus]int{}}

	return c, nil
}

// LoadState reads a persisted scheduler state. It returns nil, nil when none
// was saved.
func LoadState(ctx context.Context, p StatePersister, experimentID string) (*scheduler.SchedulerState, error) {
	data, err := p.LoadState(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	if data == nil {
		return nil, nil
	}

	return scheduler.LoadState(data)
}

// Run polls until the experiment completes, ctx ends or Stop is called. A
// failed iteration is logged and the loop continues, unless
// MaxConsecutiveFailures iterations fail in a row.
func (c *AdaptiveController) Run(ctx context.Context, callbacks Callbacks) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.status.Running {
		c.mu.Unlock()
		return errors.New("controller is already running")
	}
	c.cancel = cancel
	c.stopped = false
	c.status.Running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.status.Running = false
		c.mu.Unlock()
	}()

	if c.config.HeartbeatInterval > 0 {
		go c.heartbeat(ctx)
	}

	c.log.Info("Controller started",
		"maxParallelTraining", c.config.MaxParallelTraining,
		"pollInterval", c.config.PollInterval,
	)

	failures := 0

	for {
		done, err := c.iterate(ctx, callbacks)

		if ctx.Err() != nil {
			return c.exit(ctx)
		}

		if err != nil {
			failures++
			c.setError(err)
			c.log.Error(err, "Iteration failed", "consecutiveFailures", failures)

			if failures >= c.config.MaxConsecutiveFailures {
				return fmt.Errorf("%w: %d: %w", ErrTooManyFailures, failures, err)
			}
		} else {
			failures = 0
		}

		if done {
			c.mu.Lock()
			c.status.Complete = true
			c.mu.Unlock()

			c.log.Info("Experiment complete")

			return nil
		}

		timer := time.NewTimer(c.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.exit(ctx)
		case <-timer.C:
		}
	}
}

func (c *AdaptiveController) exit(ctx context.Context) error {
	if c.isStopped() {
		c.log.Info("Controller stopped")
		return nil
	}

	return ctx.Err()
}

// iterate runs one poll. It reports whether the experiment is complete.
func (c *AdaptiveController) iterate(ctx context.Context, callbacks Callbacks) (done bool, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "controller.poll",
		attribute.String("experiment", c.config.ExperimentID))
	defer func() { tracing.End(span, err) }()

	c.metrics.LoopIteration()

	runs, err := retry(ctx, c, "fetch_runs", func(ctx context.Context) ([]models.RunInfo, error) {
		return c.store.FetchRuns(ctx, store.Filter{Group: c.config.ExperimentID})
	})
	if err != nil {
		return false, fmt.Errorf("fetch runs: %w", err)
	}

	c.observe(runs)

	if c.scheduler.IsExperimentComplete(runs) {
		c.notify(runs, callbacks)

		return true, nil
	}

	active := 0
	for _, run := range runs {
		if run.Status().TrainingActive() {
			active++
		}
	}

	slots := max(c.config.MaxParallelTraining-active, 0)

	jobs, schedErr := c.schedule(ctx, runs, slots)

	// Whatever was emitted is already recorded in the state
	c.saveState(ctx)

	for _, job := range jobs {
		c.dispatch(ctx, job, callbacks)
	}

	c.notify(runs, callbacks)

	if schedErr != nil {
		return false, fmt.Errorf("schedule: %w", schedErr)
	}

	return false, nil
}

func (c *AdaptiveController) schedule(ctx context.Context, runs []models.RunInfo, slots int) (jobs []models.JobDefinition, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "controller.schedule", attribute.Int("slots", slots))
	defer func() { tracing.End(span, err) }()

	jobs, err = c.scheduler.Schedule(ctx, runs, slots)

	span.SetAttributes(attribute.Int("jobs", len(jobs)))

	return jobs, err
}

// dispatch hands job to the dispatcher and records it in the store. A failed
// dispatch goes back to the scheduler for the next iteration.
func (c *AdaptiveController) dispatch(ctx context.Context, job models.JobDefinition, callbacks Callbacks) {
	log := c.log.WithValues("run_id", job.RunID, "job_type", job.Type)

	ctx, span := c.tracer.StartSpan(ctx, "controller.dispatch",
		attribute.String("run_id", job.RunID),
		attribute.String("job_type", string(job.Type)),
	)

	id, err := retry(ctx, c, "dispatch", func(ctx context.Context) (string, error) {
		return c.dispatcher.Dispatch(ctx, job)
	})
	tracing.End(span, err)

	if err != nil {
		log.Error(err, "Dispatch failed, requeueing", "attempts", c.config.Retry.MaxAttempts)
		c.metrics.DispatchFailed(string(job.Type))

		if r, ok := c.scheduler.(requeuer); ok {
			r.Requeue(job)
		}

		return
	}

	c.metrics.JobDispatched(string(job.Type))
	log.Info("Job dispatched", "dispatch_id", id)

	c.mu.Lock()
	c.active[job.Key()] = id
	c.mu.Unlock()

	if err := c.record(ctx, job); err != nil {
		// The scheduler dispatches it again once the confirmation times out
		log.Error(err, "Failed to record dispatched job")
	}

	if callbacks.OnJobDispatch != nil {
		callbacks.OnJobDispatch(job, id)
	}
}

// record writes the dispatch to the store: training creates the run, eval
// flags it.
func (c *AdaptiveController) record(ctx context.Context, job models.JobDefinition) error {
	switch job.Type {
	case models.JobTypeTraining:
		summary := map[string]any{}
		if s, ok := job.Metadata[scheduler.MetadataSuggestion]; ok {
			summary[models.KeySuggestion] = s
		}
		if t, ok := job.Metadata[scheduler.MetadataTrial]; ok {
			summary[models.KeyTrial] = t
		}

		_, err := retry(ctx, c, "init_run", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.store.InitRun(ctx, job.RunID, store.InitRunOptions{
				Group:          c.config.ExperimentID,
				InitialSummary: summary,
			})
		})

		return err
	case models.JobTypeEval:
		ok, err := retry(ctx, c, "update_run_summary", func(ctx context.Context) (bool, error) {
			return c.store.UpdateRunSummary(ctx, job.RunID, map[string]any{models.KeyEvalStarted: true})
		})
		if err == nil && !ok {
			err = fmt.Errorf("%w: %s", store.ErrRunNotFound, job.RunID)
		}

		return err
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (c *AdaptiveController) saveState(ctx context.Context) {
	if c.persister == nil {
		return
	}

	s, ok := c.scheduler.(stateful)
	if !ok {
		return
	}

	data, err := s.State().Dump()
	if err != nil {
		c.log.Error(err, "Failed to serialize scheduler state")
		return
	}

	_, err = retry(ctx, c, "save_state", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.persister.SaveState(ctx, c.config.ExperimentID, data)
	})
	if err != nil {
		c.log.Error(err, "Failed to save scheduler state")
	}
}

// notify diffs runs against the previous snapshot. The first snapshot only
// sets the baseline, so a restarted controller does not replay callbacks.
func (c *AdaptiveController) notify(runs []models.RunInfo, callbacks Callbacks) {
	if !c.baseline {
		c.baseline = true

		for _, run := range runs {
			c.previous[run.RunID] = run.Status()
		}

		return
	}

	for _, run := range runs {
		cur := run.Status()
		old, seen := c.previous[run.RunID]
		if !seen {
			old = models.RunStatusPending
		}

		c.previous[run.RunID] = cur

		if cur == old {
			continue
		}

		if err := models.ValidateTransition(old, cur); err != nil {
			c.log.Info("Ignoring run transition", "run_id", run.RunID, "error", err.Error())
			continue
		}

		// A run may skip phases between two polls; report each one.
		if cur.TrainingFinished() && !old.TrainingFinished() {
			c.log.V(1).Info("Training completed", "run_id", run.RunID)

			if callbacks.OnTrainingCompleted != nil {
				callbacks.OnTrainingCompleted(run, false)
			}
		}

		switch {
		case cur == models.RunStatusCompleted:
			c.log.V(1).Info("Eval completed", "run_id", run.RunID)

			if callbacks.OnEvalCompleted != nil {
				callbacks.OnEvalCompleted(run, false)
			}
		case cur == models.RunStatusFailed && (old.TrainingFinished() || run.HasStartedEval()):
			c.log.Info("Eval failed", "run_id", run.RunID)

			if callbacks.OnEvalCompleted != nil {
				callbacks.OnEvalCompleted(run, true)
			}
		case cur == models.RunStatusFailed:
			c.log.Info("Training failed", "run_id", run.RunID)

			if callbacks.OnTrainingCompleted != nil {
				callbacks.OnTrainingCompleted(run, true)
			}
		}
	}
}

// Stop ends Run and cancels the jobs still active, when the dispatcher can
func (c *AdaptiveController) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}

	ids := make(map[string]string, len(c.active))
	for k, v := range c.active {
		ids[k] = v
	}
	c.mu.Unlock()

	canceler, ok := c.dispatcher.(dispatcher.Canceler)
	if !ok {
		return nil
	}

	var errs []error
	for key, id := range ids {
		err := canceler.Cancel(ctx, id)
		switch {
		case errors.Is(err, dispatcher.ErrUnknownDispatch):
			// Already exited
		case errors.Is(err, dispatcher.ErrCancelUnsupported):
			return nil
		case err != nil:
			errs = append(errs, fmt.Errorf("cancel %s: %w", key, err))
		default:
			c.log.Info("Cancelled job", "job", key, "dispatch_id", id)
		}
	}

	return errors.Join(errs...)
}

func (c *AdaptiveController) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Status()
			c.log.Info("Heartbeat",
				"iterations", s.Iterations,
				"activeJobs", s.ActiveJobs,
				"completedRuns", len(s.CompletedRuns),
				"lastError", s.LastError,
			)
		}
	}
}

func (c *AdaptiveController) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopped
}

// retry runs fn with the configured exponential backoff. Every retry is
// logged and counted under op.
func retry[T any](ctx context.Context, c *AdaptiveController, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0

	return backoff.Retry(ctx, func() (T, error) {
		attempt++

		return fn(ctx)
	},
		backoff.WithBackOff(c.config.Retry.backoff()),
		backoff.WithMaxTries(c.config.Retry.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.Retried(op)
			c.log.Info("Retrying", "op", op, "attempt", attempt, "next", next, "error", err.Error())
		}),
	)
}
