package config

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/thalesfsp/protein/controller"
	"github.com/thalesfsp/protein/dispatcher"
	"github.com/thalesfsp/protein/internal/logging"
	"github.com/thalesfsp/protein/internal/metrics"
	"github.com/thalesfsp/protein/internal/tracing"
	"github.com/thalesfsp/protein/optimizer"
	"github.com/thalesfsp/protein/scheduler"
	"github.com/thalesfsp/protein/store"
)

// Runtime is everything a controller needs, built from one Config
type Runtime struct {
	Log        logr.Logger
	Store      store.Store
	Persister  controller.StatePersister
	Dispatcher dispatcher.Dispatcher
	Optimizer  *optimizer.ProteinOptimizer
	Scheduler  *scheduler.BatchedSyncedScheduler
	Controller *controller.AdaptiveController
	Metrics    *metrics.Metrics
	Tracer     *tracing.Provider
}

// Logger builds the configured logger
func (c *Config) Logger() logr.Logger {
	return logging.New(c.Log)
}

// BuildStore opens the configured store
func (c *Config) BuildStore() (store.Store, error) {
	s, err := store.NewStore(c.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	return s, nil
}

// BuildPersister selects where the scheduler state lives: StateDir when set,
// otherwise the store itself if it can hold documents, otherwise a .protein
// directory.
func (c *Config) BuildPersister(s store.Store) controller.StatePersister {
	if c.StateDir != "" {
		return scheduler.FilePersister{Dir: c.StateDir}
	}

	if p, ok := s.(controller.StatePersister); ok {
		return p
	}

	return scheduler.FilePersister{Dir: ".protein"}
}

// BuildDispatcher creates the configured dispatcher; jobs report their
// lifecycle into reporter.
func (c *Config) BuildDispatcher(reporter dispatcher.Reporter, log logr.Logger) (dispatcher.Dispatcher, error) {
	return dispatcher.NewDispatcher(c.Dispatcher, reporter, log.WithName("dispatcher"))
}

// BuildOptimizer creates the Protein optimizer over the configured search
// space. m may be nil.
func (c *Config) BuildOptimizer(m *metrics.Metrics, log logr.Logger) (*optimizer.ProteinOptimizer, error) {
	opt, err := optimizer.NewProteinOptimizer(c.Parameters, c.Protein, c.Fill)
	if err != nil {
		return nil, err
	}

	opt.Log = log.WithName("optimizer")
	opt.OnSuggest = m.ObserveSuggest

	return opt, nil
}

// BuildScheduler creates the scheduler, resuming from state when not nil
func (c *Config) BuildScheduler(opt optimizer.Optimizer, state *scheduler.SchedulerState, log logr.Logger) (*scheduler.BatchedSyncedScheduler, error) {
	return scheduler.NewBatchedSyncedScheduler(c.Scheduler, opt,
		scheduler.WithState(state),
		scheduler.WithLogger(log.WithName("scheduler")),
	)
}

// Build validates c and wires a Runtime. The scheduler resumes from the
// persisted state of the experiment, if any.
func (c *Config) Build(ctx context.Context) (*Runtime, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rt := &Runtime{
		Log:     c.Logger(),
		Metrics: metrics.New(),
	}

	tracer, err := tracing.InitTracer(ctx, c.Tracing, rt.Log.WithName("tracing"))
	if err != nil {
		return nil, err
	}
	rt.Tracer = tracer

	if rt.Store, err = c.BuildStore(); err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	rt.Persister = c.BuildPersister(rt.Store)

	if rt.Dispatcher, err = c.BuildDispatcher(rt.Store, rt.Log); err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	if rt.Optimizer, err = c.BuildOptimizer(rt.Metrics, rt.Log); err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	state, err := controller.LoadState(ctx, rt.Persister, c.Scheduler.ExperimentID)
	if err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	if state != nil {
		rt.Log.Info("Resuming experiment", "experiment_id", c.Scheduler.ExperimentID, "trials_issued", state.TrialsIssued)
	}

	if rt.Scheduler, err = c.BuildScheduler(rt.Optimizer, state, rt.Log); err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	rt.Controller, err = controller.New(c.AdaptiveConfig(), rt.Store, rt.Scheduler, rt.Dispatcher,
		controller.WithPersister(rt.Persister),
		controller.WithLogger(rt.Log.WithName("controller")),
		controller.WithMetrics(rt.Metrics),
		controller.WithTracer(rt.Tracer),
	)
	if err != nil {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	return rt, nil
}

// Close flushes spans and closes the store when it holds a connection
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error

	if err := rt.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if closer, ok := rt.Store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
