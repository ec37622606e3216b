package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/protein/models"
	"github.com/thalesfsp/protein/store"
)

func requireShell(t *testing.T) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
}

func shellJob(runID string, typ models.JobType, script string) models.JobDefinition {
	return models.JobDefinition{
		Type:         typ,
		RunID:        runID,
		ExperimentID: "exp",
		Entrypoint:   "sh",
		Args:         []string{"-c", script, "sh"},
		Overrides:    map[string]string{"lr": "0.01"},
	}
}

func initRun(t *testing.T, s *store.MemoryStore, runID string) {
	t.Helper()
	require.NoError(t, s.InitRun(context.Background(), runID, store.InitRunOptions{Group: "exp"}))
}

func fetch(t *testing.T, s *store.MemoryStore, runID string) models.RunInfo {
	t.Helper()

	runs, err := s.FetchRuns(context.Background(), store.Filter{})
	require.NoError(t, err)

	for _, r := range runs {
		if r.RunID == runID {
			return r
		}
	}

	t.Fatalf("run %s not found", runID)

	return models.RunInfo{}
}

func TestLocalDispatcherTraining(t *testing.T) {
	requireShell(t)

	s := store.NewMemoryStore()
	initRun(t, s, "exp_trial_0000")

	logDir := t.TempDir()
	d := NewLocalDispatcher(logDir, WithReporter(s), WithLogger(testr.New(t)))

	job := shellJob("exp_trial_0000", models.JobTypeTraining,
		`echo "$PROTEIN_RUN_ID $PROTEIN_EXPERIMENT_ID $PROTEIN_JOB_TYPE $1"`)

	id, err := d.Dispatch(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, job.Key()+"#"))

	d.Wait()
	assert.Empty(t, d.Running())

	run := fetch(t, s, "exp_trial_0000")
	assert.Equal(t, models.RunStatusTrainingDoneNoEval, run.Status())

	out, err := os.ReadFile(filepath.Join(logDir, "exp_trial_0000.training.log"))
	require.NoError(t, err)
	assert.Equal(t, "exp_trial_0000 exp training lr=0.01\n", string(out))
}

func TestLocalDispatcherEvalAndFailure(t *testing.T) {
	requireShell(t)

	s := store.NewMemoryStore()
	initRun(t, s, "ok")
	initRun(t, s, "broken")

	d := NewLocalDispatcher(t.TempDir(), WithReporter(s))

	_, err := d.Dispatch(context.Background(), shellJob("ok", models.JobTypeEval, "exit 0"))
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), shellJob("broken", models.JobTypeTraining, "exit 3"))
	require.NoError(t, err)

	d.Wait()

	assert.Equal(t, models.RunStatusCompleted, fetch(t, s, "ok").Status())

	broken := fetch(t, s, "broken")
	assert.Equal(t, models.RunStatusFailed, broken.Status())
	assert.Equal(t, "exit status 3", broken.Summary[models.KeyFailureReason])
}

func TestLocalDispatcherCancel(t *testing.T) {
	requireShell(t)

	s := store.NewMemoryStore()
	initRun(t, s, "long")

	d := NewLocalDispatcher(t.TempDir(), WithReporter(s))

	id, err := d.Dispatch(context.Background(), shellJob("long", models.JobTypeTraining, "sleep 30"))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, d.Running())

	require.NoError(t, d.Cancel(context.Background(), id))
	d.Wait()

	run := fetch(t, s, "long")
	assert.True(t, run.HasFailed())
	assert.Equal(t, "canceled", run.Summary[models.KeyFailureReason])

	assert.ErrorIs(t, d.Cancel(context.Background(), id), ErrUnknownDispatch)
}

func TestLocalDispatcherRejects(t *testing.T) {
	d := NewLocalDispatcher(t.TempDir(), WithMinAvailableMemory(1<<30))
	d.available = func(context.Context) (uint64, error) { return 1 << 20, nil }

	_, err := d.Dispatch(context.Background(), shellJob("a", models.JobTypeTraining, "true"))
	assert.ErrorIs(t, err, ErrInsufficientMemory)

	_, err = d.Dispatch(context.Background(), models.JobDefinition{Type: "deploy", RunID: "a"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	var permanent *backoff.PermanentError
	assert.ErrorAs(t, err, &permanent)

	// Memory pressure passes, so it stays retryable
	_, err = d.Dispatch(context.Background(), shellJob("a", models.JobTypeTraining, "true"))
	assert.False(t, errors.As(err, &permanent))

	d = NewLocalDispatcher(t.TempDir())
	_, err = d.Dispatch(context.Background(), models.JobDefinition{
		Type:       models.JobTypeTraining,
		RunID:      "a",
		Entrypoint: filepath.Join(t.TempDir(), "missing"),
	})
	assert.ErrorContains(t, err, "failed to start")
}

type countingDispatcher struct {
	mu    sync.Mutex
	calls []models.JobDefinition
}

func (c *countingDispatcher) Dispatch(_ context.Context, job models.JobDefinition) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, job)

	return job.Key(), nil
}

func TestRateLimited(t *testing.T) {
	inner := &countingDispatcher{}
	d := RateLimited(inner, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), models.JobDefinition{RunID: "r", Type: models.JobTypeTraining})
		require.NoError(t, err)
	}

	// One token up front, then one every 50ms
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Len(t, inner.calls, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RateLimited(inner, 0.001, 1).Dispatch(ctx, models.JobDefinition{})
	assert.Error(t, err)

	assert.ErrorIs(t, d.Cancel(context.Background(), "x"), ErrCancelUnsupported)
	assert.Same(t, inner, d.Unwrap())
}

func TestNewDispatcher(t *testing.T) {
	d, err := NewDispatcher(Config{LogDir: t.TempDir()}, nil, testr.New(t))
	require.NoError(t, err)
	assert.IsType(t, &LocalDispatcher{}, d)

	d, err = NewDispatcher(Config{Type: "local", RateLimit: 2, Burst: 1}, store.NewMemoryStore(), testr.New(t))
	require.NoError(t, err)

	limited, ok := d.(*RateLimitedDispatcher)
	require.True(t, ok)
	assert.IsType(t, &LocalDispatcher{}, limited.Unwrap())

	_, err = NewDispatcher(Config{Type: "slurm"}, nil, testr.New(t))
	assert.ErrorIs(t, err, ErrUnsupportedDispatcher)
}
