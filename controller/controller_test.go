package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/protein/dispatcher"
	"github.com/thalesfsp/protein/internal/metrics"
	"github.com/thalesfsp/protein/models"
	"github.com/thalesfsp/protein/optimizer"
	"github.com/thalesfsp/protein/scheduler"
	"github.com/thalesfsp/protein/store"
)

func testConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MaxParallelTraining: 2,
		PollInterval:        time.Millisecond,
		Retry: Retry{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
		MaxConsecutiveFailures: 3,
	}
}

func schedulerConfig() scheduler.Config {
	return scheduler.Config{
		ExperimentID: "exp",
		MaxTrials:    4,
		BatchSize:    2,
		ScoreKey:     "score",
		CostKey:      "cost",
		Train:        scheduler.JobTemplate{Entrypoint: "train.py"},
		Eval:         scheduler.JobTemplate{Entrypoint: "eval.py"},
	}
}

// recordingOptimizer suggests lr = 0.1, 0.2, ... and remembers how many
// observations every call saw.
type recordingOptimizer struct {
	mu    sync.Mutex
	seen  []int
	count int
}

func (o *recordingOptimizer) Suggest(_ context.Context, observations []optimizer.Observation, n int) ([]map[string]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.seen = append(o.seen, len(observations))

	out := make([]map[string]any, n)
	for i := range out {
		o.count++
		out[i] = map[string]any{"lr": 0.1 * float64(o.count)}
	}

	return out, nil
}

// fakeDispatcher accepts every job, optionally failing the first attempts
type fakeDispatcher struct {
	mu        sync.Mutex
	jobs      []models.JobDefinition
	failures  map[string]int
	cancelled []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job models.JobDefinition) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failures[job.Key()] > 0 {
		d.failures[job.Key()]--
		return "", errors.New("cluster unavailable")
	}

	d.jobs = append(d.jobs, job)

	return "dispatch-" + job.Key(), nil
}

func (d *fakeDispatcher) Cancel(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelled = append(d.cancelled, id)

	return nil
}

func (d *fakeDispatcher) dispatched() []models.JobDefinition {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]models.JobDefinition(nil), d.jobs...)
}

// completeJobs plays the role of the training and eval scripts: it reports
// results as soon as the controller recorded the dispatch.
func completeJobs(t *testing.T, s store.Store) func(models.JobDefinition, string) {
	return func(job models.JobDefinition, _ string) {
		var update map[string]any

		switch job.Type {
		case models.JobTypeTraining:
			update = map[string]any{
				models.KeyTrainingStarted: true,
				models.KeyTrainingDone:    true,
			}
		case models.JobTypeEval:
			update = map[string]any{
				models.KeyEvaluated: true,
				"score":             0.5,
				"cost":              10,
			}
		}

		ok, err := s.UpdateRunSummary(context.Background(), job.RunID, update)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func newController(t *testing.T, s store.Store, d dispatcher.Dispatcher, opts ...Option) (*AdaptiveController, *scheduler.BatchedSyncedScheduler, *recordingOptimizer) {
	t.Helper()

	opt := &recordingOptimizer{}

	sched, err := scheduler.NewBatchedSyncedScheduler(schedulerConfig(), opt, scheduler.WithLogger(testr.New(t)))
	require.NoError(t, err)

	opts = append([]Option{WithLogger(testr.New(t))}, opts...)

	c, err := New(testConfig(), s, sched, d, opts...)
	require.NoError(t, err)

	return c, sched, opt
}

func TestControllerRunsExperiment(t *testing.T) {
	s := store.NewMemoryStore()
	d := &fakeDispatcher{}
	c, sched, opt := newController(t, s, d, WithPersister(s), WithMetrics(metrics.New()))

	var (
		mu               sync.Mutex
		trainingComplete []string
		evalComplete     []string
	)

	err := c.Run(context.Background(), Callbacks{
		OnJobDispatch: completeJobs(t, s),
		OnTrainingCompleted: func(run models.RunInfo, failed bool) {
			mu.Lock()
			defer mu.Unlock()

			assert.False(t, failed)
			trainingComplete = append(trainingComplete, run.RunID)
		},
		OnEvalCompleted: func(run models.RunInfo, failed bool) {
			mu.Lock()
			defer mu.Unlock()

			assert.False(t, failed)
			evalComplete = append(evalComplete, run.RunID)
		},
	})
	require.NoError(t, err)

	jobs := d.dispatched()
	require.Len(t, jobs, 8)

	var types []models.JobType
	for _, job := range jobs {
		types = append(types, job.Type)
	}
	assert.Equal(t, []models.JobType{
		models.JobTypeTraining, models.JobTypeTraining,
		models.JobTypeEval, models.JobTypeEval,
		models.JobTypeTraining, models.JobTypeTraining,
		models.JobTypeEval, models.JobTypeEval,
	}, types)

	// The second batch was suggested from the fully resolved first batch
	assert.Equal(t, []int{0, 2}, opt.seen)

	assert.Len(t, trainingComplete, 4)
	assert.Len(t, evalComplete, 4)

	runs, err := s.FetchRuns(context.Background(), store.Filter{Group: "exp"})
	require.NoError(t, err)
	require.Len(t, runs, 4)

	for i, run := range runs {
		assert.Equal(t, models.RunStatusCompleted, run.Status())

		suggestion, ok := run.Suggestion()
		require.True(t, ok)
		assert.Contains(t, suggestion, "lr")

		trial, ok := run.Metric(models.KeyTrial)
		require.True(t, ok)
		assert.Equal(t, scheduler.RunID("exp", int(trial)), run.RunID, "run %d", i)
	}

	status := c.Status()
	assert.True(t, status.Complete)
	assert.False(t, status.Running)
	assert.Equal(t, 4, status.TrialsIssued)
	assert.Len(t, status.CompletedRuns, 4)
	assert.Equal(t, 4, status.RunsByStatus[models.RunStatusCompleted])
	assert.Zero(t, status.ActiveJobs)
	require.NotNil(t, status.BestScore)
	assert.Equal(t, 0.5, *status.BestScore)

	// State was persisted and resumes the same experiment
	state, err := LoadState(context.Background(), s, "exp")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, sched.State().TrialsIssued, state.TrialsIssued)
	assert.Equal(t, 4, state.TrialsIssued)
}

func TestControllerRequeuesFailedDispatch(t *testing.T) {
	s := store.NewMemoryStore()

	first := scheduler.RunID("exp", 0)
	d := &fakeDispatcher{failures: map[string]int{
		first + "/" + string(models.JobTypeTraining): 3,
	}}

	c, _, _ := newController(t, s, d)

	require.NoError(t, c.Run(context.Background(), Callbacks{OnJobDispatch: completeJobs(t, s)}))

	// Two attempts per iteration, so the job went back to the scheduler once
	// and was dispatched unchanged on the next iteration.
	var trainings []string
	for _, job := range d.dispatched() {
		if job.Type == models.JobTypeTraining {
			trainings = append(trainings, job.RunID)
		}
	}

	assert.Len(t, trainings, 4)
	assert.Contains(t, trainings, first)
}

type countingDispatcher struct {
	next  dispatcher.Dispatcher
	calls int
}

func (d *countingDispatcher) Dispatch(ctx context.Context, job models.JobDefinition) (string, error) {
	d.calls++
	return d.next.Dispatch(ctx, job)
}

func TestControllerDoesNotRetryInvalidJobs(t *testing.T) {
	s := store.NewMemoryStore()
	d := &countingDispatcher{next: dispatcher.NewLocalDispatcher(t.TempDir())}
	c, _, _ := newController(t, s, d)

	// No entrypoint, so the dispatcher rejects it permanently
	c.dispatch(context.Background(), models.JobDefinition{Type: models.JobTypeTraining, RunID: "exp_trial_0000"}, Callbacks{})
	assert.Equal(t, 1, d.calls)

	runs, err := s.FetchRuns(context.Background(), store.Filter{Group: "exp"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

type failingStore struct {
	*store.MemoryStore
	calls int
}

func (f *failingStore) FetchRuns(context.Context, store.Filter) ([]models.RunInfo, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func TestControllerHaltsAfterConsecutiveFailures(t *testing.T) {
	s := &failingStore{MemoryStore: store.NewMemoryStore()}
	c, _, _ := newController(t, s, &fakeDispatcher{})

	err := c.Run(context.Background(), Callbacks{})
	require.ErrorIs(t, err, ErrTooManyFailures)
	assert.ErrorContains(t, err, "connection refused")

	// Three iterations, two attempts each
	assert.Equal(t, 6, s.calls)
	assert.Contains(t, c.Status().LastError, "connection refused")
}

func TestControllerStop(t *testing.T) {
	s := store.NewMemoryStore()
	d := &fakeDispatcher{}
	c, _, _ := newController(t, s, d)

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), Callbacks{})
	}()

	require.Eventually(t, func() bool {
		return c.Status().ActiveJobs == 2
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}

	assert.Len(t, d.cancelled, 2)
	assert.False(t, c.Status().Running)
}

func TestControllerContextCancel(t *testing.T) {
	s := store.NewMemoryStore()
	c, _, _ := newController(t, s, &fakeDispatcher{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Jobs never finish, so only the deadline ends the loop
	err := c.Run(ctx, Callbacks{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func run(id string, summary map[string]any) models.RunInfo {
	return models.RunInfo{RunID: id, Summary: summary}
}

func TestNotifyTransitions(t *testing.T) {
	c, _, _ := newController(t, store.NewMemoryStore(), &fakeDispatcher{})

	type event struct {
		kind   string
		runID  string
		failed bool
	}

	var events []event
	callbacks := Callbacks{
		OnTrainingCompleted: func(r models.RunInfo, failed bool) {
			events = append(events, event{"training", r.RunID, failed})
		},
		OnEvalCompleted: func(r models.RunInfo, failed bool) {
			events = append(events, event{"eval", r.RunID, failed})
		},
	}

	// The first snapshot is the baseline
	c.notify([]models.RunInfo{
		run("old", map[string]any{models.KeyEvaluated: true}),
		run("a", nil),
		run("b", map[string]any{models.KeyTrainingDone: true}),
		run("done", map[string]any{models.KeyEvaluated: true}),
	}, callbacks)
	assert.Empty(t, events)

	c.notify([]models.RunInfo{
		run("old", map[string]any{models.KeyEvaluated: true}),
		run("a", map[string]any{models.KeyFailed: true}),
		run("b", map[string]any{models.KeyTrainingDone: true, models.KeyEvalStarted: true, models.KeyFailed: true}),
		run("c", map[string]any{models.KeyTrainingDone: true, models.KeyEvaluated: true}),
		// Completed runs never fail afterwards
		run("done", map[string]any{models.KeyEvaluated: true, models.KeyFailed: true}),
	}, callbacks)

	assert.Equal(t, []event{
		{"training", "a", true},
		{"eval", "b", true},
		{"training", "c", false},
		{"eval", "c", false},
	}, events)
}

func TestNewValidation(t *testing.T) {
	s := store.NewMemoryStore()
	sched, err := scheduler.NewBatchedSyncedScheduler(schedulerConfig(), &recordingOptimizer{})
	require.NoError(t, err)

	_, err = New(testConfig(), nil, sched, &fakeDispatcher{})
	assert.Error(t, err)

	config := testConfig()
	config.MaxParallelTraining = 0
	_, err = New(config, s, sched, &fakeDispatcher{})
	assert.ErrorContains(t, err, "max_parallel_training")

	c, err := New(testConfig(), s, sched, &fakeDispatcher{})
	require.NoError(t, err)
	assert.Equal(t, "exp", c.Status().ExperimentID)

	assert.NoError(t, DefaultAdaptiveConfig().Validate())
}
