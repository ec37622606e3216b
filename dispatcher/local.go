package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/thalesfsp/protein/models"
)

// Environment variables set on every job process
const (
	EnvRunID        = "PROTEIN_RUN_ID"
	EnvExperimentID = "PROTEIN_EXPERIMENT_ID"
	EnvJobType      = "PROTEIN_JOB_TYPE"
)

const (
	reportTimeout = 30 * time.Second
	killDelay     = 10 * time.Second
)

var errRunMissing = errors.New("run not created yet")

// LocalOption configures a LocalDispatcher
type LocalOption func(*LocalDispatcher)

// WithReporter records lifecycle flags for every job from its process exit
func WithReporter(r Reporter) LocalOption {
	return func(d *LocalDispatcher) {
		d.reporter = r
	}
}

// WithLogger sets the logger
func WithLogger(log logr.Logger) LocalOption {
	return func(d *LocalDispatcher) {
		d.log = log
	}
}

// WithWorkDir sets the working directory of job processes
func WithWorkDir(dir string) LocalOption {
	return func(d *LocalDispatcher) {
		d.workDir = dir
	}
}

// WithMinAvailableMemory refuses dispatches while the host has less than
// bytes of available memory. Zero disables the check.
func WithMinAvailableMemory(bytes uint64) LocalOption {
	return func(d *LocalDispatcher) {
		d.minAvailable = bytes
	}
}

type process struct {
	job    models.JobDefinition
	cancel context.CancelFunc
}

// LocalDispatcher runs every job as a child process of the controller. Job
// output goes to <log dir>/<run id>.<type>.log.
type LocalDispatcher struct {
	logDir       string
	workDir      string
	reporter     Reporter
	minAvailable uint64
	log          logr.Logger

	available func(ctx context.Context) (uint64, error)

	mu      sync.Mutex
	running map[string]*process
	wg      sync.WaitGroup
}

// NewLocalDispatcher creates a dispatcher writing job logs into logDir
func NewLocalDispatcher(logDir string, opts ...LocalOption) *LocalDispatcher {
	if logDir == "" {
		logDir = "logs"
	}

	d := &LocalDispatcher{
		logDir:    logDir,
		log:       logr.Discard(),
		available: availableMemory,
		running:   make(map[string]*process),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch starts the job process and returns once it is running. The
// process outlives ctx; use Cancel to stop it.
//
// Invalid jobs fail with a *backoff.PermanentError wrapping ErrInvalidJob, so
// retrying callers give up at once.
func (d *LocalDispatcher) Dispatch(ctx context.Context, job models.JobDefinition) (string, error) {
	if err := job.Validate(); err != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: %w", ErrInvalidJob, err))
	}

	if d.minAvailable > 0 {
		avail, err := d.available(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to read available memory: %w", err)
		}

		if avail < d.minAvailable {
			return "", fmt.Errorf("%w: %d MiB available, %d MiB required", ErrInsufficientMemory, avail>>20, d.minAvailable>>20)
		}
	}

	if err := os.MkdirAll(d.logDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log dir: %w", err)
	}

	logPath := filepath.Join(d.logDir, fmt.Sprintf("%s.%s.log", job.RunID, job.Type))

	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open job log: %w", err)
	}

	procCtx, cancel := context.WithCancel(context.Background())

	args := append(append([]string{}, job.Args...), job.OverrideArgs()...)

	cmd := exec.CommandContext(procCtx, job.Entrypoint, args...)
	cmd.Dir = d.workDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = killDelay
	cmd.Env = append(os.Environ(),
		EnvRunID+"="+job.RunID,
		EnvExperimentID+"="+job.ExperimentID,
		EnvJobType+"="+string(job.Type),
	)
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		cancel()
		out.Close()

		return "", fmt.Errorf("failed to start %s: %w", job.Entrypoint, err)
	}

	id := fmt.Sprintf("%s#%d", job.Key(), cmd.Process.Pid)

	d.mu.Lock()
	d.running[id] = &process{job: job, cancel: cancel}
	d.mu.Unlock()

	log := d.log.WithValues("run_id", job.RunID, "job_type", job.Type, "dispatch_id", id)
	log.Info("Job started", "entrypoint", job.Entrypoint, "log", logPath)

	d.wg.Add(1)
	go d.wait(procCtx, log, id, job, cmd, out)

	return id, nil
}

func (d *LocalDispatcher) wait(ctx context.Context, log logr.Logger, id string, job models.JobDefinition, cmd *exec.Cmd, out *os.File) {
	defer d.wg.Done()

	if job.Type == models.JobTypeTraining {
		d.report(log, job.RunID, map[string]any{models.KeyTrainingStarted: true})
	}

	err := cmd.Wait()
	out.Close()

	canceled := errors.Is(ctx.Err(), context.Canceled)

	d.mu.Lock()
	proc := d.running[id]
	delete(d.running, id)
	d.mu.Unlock()

	proc.cancel()

	switch {
	case err == nil:
		log.Info("Job finished")

		if job.Type == models.JobTypeTraining {
			d.report(log, job.RunID, map[string]any{models.KeyTrainingDone: true})
		} else {
			d.report(log, job.RunID, map[string]any{models.KeyEvaluated: true})
		}
	default:
		reason := err.Error()
		if canceled {
			reason = "canceled"
		}

		log.Error(err, "Job failed", "reason", reason)
		d.report(log, job.RunID, map[string]any{
			models.KeyFailed:        true,
			models.KeyFailureReason: reason,
		})
	}
}

// report records update on the run. The caller creates the run right after
// Dispatch returns, so a missing run is retried like a transient error.
func (d *LocalDispatcher) report(log logr.Logger, runID string, update map[string]any) {
	if d.reporter == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := d.reporter.UpdateRunSummary(ctx, runID, update)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, errRunMissing
		}

		return true, nil
	}, backoff.WithBackOff(d.backoff()), backoff.WithMaxElapsedTime(reportTimeout))
	if err != nil {
		log.Error(err, "Failed to report job lifecycle", "update", update)
	}
}

func (d *LocalDispatcher) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	return b
}

// Cancel stops a running job. Its exit is reported as a failure.
func (d *LocalDispatcher) Cancel(_ context.Context, dispatchID string) error {
	d.mu.Lock()
	proc, ok := d.running[dispatchID]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDispatch, dispatchID)
	}

	proc.cancel()

	return nil
}

// Running returns the dispatch ids of jobs still running
func (d *LocalDispatcher) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Wait blocks until every dispatched job has exited and been reported
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

func availableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}

	return vm.Available, nil
}
