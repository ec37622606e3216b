// Package scheduler decides which jobs an experiment needs next.
//
// BatchedSyncedScheduler runs trials in synchronous batches: evaluation jobs
// are emitted as soon as training finishes, and new suggestions are requested
// only once every run of the previous batch is trained and evaluated, so the
// optimizer never fits on a partially resolved batch.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/thalesfsp/protein/models"
	"github.com/thalesfsp/protein/optimizer"
)

// Metadata keys set on emitted jobs.
const (
	MetadataSuggestion = "suggestion"
	MetadataTrial      = "trial"
)

// BatchedSyncedScheduler implements the batched synchronous policy. It owns its
// SchedulerState and mutates it only inside Schedule and Requeue.
type BatchedSyncedScheduler struct {
	mu sync.Mutex

	config    Config
	optimizer optimizer.Optimizer
	state     *SchedulerState
	log       logr.Logger
	now       func() time.Time
}

// Option customizes a BatchedSyncedScheduler.
type Option func(*BatchedSyncedScheduler)

// WithState resumes from a previously persisted state.
func WithState(state *SchedulerState) Option {
	return func(s *BatchedSyncedScheduler) {
		if state != nil {
			s.state = state.Clone()
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(s *BatchedSyncedScheduler) {
		s.log = log
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *BatchedSyncedScheduler) {
		s.now = now
	}
}

// NewBatchedSyncedScheduler validates config and builds a scheduler.
func NewBatchedSyncedScheduler(config Config, opt optimizer.Optimizer, opts ...Option) (*BatchedSyncedScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}

	if opt == nil {
		return nil, fmt.Errorf("scheduler config: optimizer is required")
	}

	s := &BatchedSyncedScheduler{
		config:    config,
		optimizer: opt,
		state:     NewState(),
		log:       logr.Discard(),
		now:       time.Now,
	}

	for _, o := range opts {
		o(s)
	}

	return s, nil
}

// Config returns the scheduler configuration.
func (s *BatchedSyncedScheduler) Config() Config {
	return s.config
}

// State returns a copy of the current state.
func (s *BatchedSyncedScheduler) State() *SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Clone()
}

// Requeue records a job whose dispatch failed. The next Schedule call emits it
// again unchanged.
func (s *BatchedSyncedScheduler) Requeue(job models.JobDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, queued := range s.state.Requeued {
		if queued.Key() == job.Key() {
			return
		}
	}

	s.state.Requeued = append(s.state.Requeued, job)
}

// Schedule returns the jobs to dispatch given the current runs of the
// experiment and the number of free training slots.
//
// Within one call evaluation jobs are computed first and are never limited by
// slots. Training jobs are emitted only when every known run is resolved,
// never more than slots, and never past MaxTrials.
func (s *BatchedSyncedScheduler) Schedule(ctx context.Context, runs []models.RunInfo, slots int) ([]models.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	byID := s.reconcile(runs)

	var jobs []models.JobDefinition

	// Failed and timed out dispatches first, identical to the original.
	for _, job := range s.redispatch(byID, now) {
		if job.Type == models.JobTypeTraining {
			if slots <= 0 {
				s.state.Requeued = append(s.state.Requeued, job)

				continue
			}

			slots--
		}

		jobs = append(jobs, s.emit(job, now))
	}

	// Evaluations for every run whose training just finished.
	for _, id := range sortedIDs(byID) {
		run := byID[id]
		if run.Status() != models.RunStatusTrainingDoneNoEval || s.state.phase(id) != "training" {
			continue
		}

		if _, pending := s.state.Dispatched[evalKey(id)]; pending {
			continue
		}

		jobs = append(jobs, s.emit(s.evalJob(run, now), now))
	}

	if !s.resolved() || slots <= 0 {
		return jobs, nil
	}

	remaining := s.config.MaxTrials - s.state.TrialsIssued
	n := min(s.config.BatchSize, slots, remaining)

	if n <= 0 {
		return jobs, nil
	}

	observations := s.Observations(runs)

	suggestions, err := s.optimizer.Suggest(ctx, observations, n)
	if err != nil {
		return jobs, fmt.Errorf("optimizer suggest: %w", err)
	}

	if len(suggestions) > n {
		suggestions = suggestions[:n]
	}

	for _, suggestion := range suggestions {
		trial := s.state.TrialsIssued
		s.state.TrialsIssued++

		jobs = append(jobs, s.emit(s.trainingJob(trial, suggestion, now), now))
	}

	if len(suggestions) > 0 {
		s.state.LastBatchDispatchedAt = now

		s.log.Info("dispatching batch",
			"experiment", s.config.ExperimentID,
			"trials", len(suggestions),
			"observations", len(observations),
			"trialsIssued", s.state.TrialsIssued,
		)
	}

	return jobs, nil
}

// IsExperimentComplete reports whether the trial budget is spent and every run
// is terminal with nothing left in flight.
func (s *BatchedSyncedScheduler) IsExperimentComplete(runs []models.RunInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]models.RunInfo, len(runs))
	for _, run := range runs {
		byID[run.RunID] = run
	}

	if max(s.state.TrialsIssued, issuedTrials(runs)) < s.config.MaxTrials {
		return false
	}

	if len(s.state.Requeued) > 0 {
		return false
	}

	for _, run := range runs {
		if !run.Status().IsTerminal() && !s.state.RunsCompleted.Has(run.RunID) {
			return false
		}
	}

	for _, set := range []RunSet{s.state.RunsInTraining, s.state.RunsInEval} {
		for id := range set {
			run, ok := byID[id]
			if !ok || !run.Status().IsTerminal() {
				return false
			}
		}
	}

	for _, record := range s.state.Dispatched {
		run, ok := byID[record.Job.RunID]
		if !ok || !run.Status().IsTerminal() {
			return false
		}
	}

	return true
}

// reconcile folds the store snapshot into the state. The snapshot is the
// source of truth except that a completed run never moves back.
func (s *BatchedSyncedScheduler) reconcile(runs []models.RunInfo) map[string]models.RunInfo {
	byID := make(map[string]models.RunInfo, len(runs))

	for _, run := range runs {
		byID[run.RunID] = run

		id := run.RunID
		status := run.Status()

		// The run exists, so its training dispatch is confirmed.
		delete(s.state.Dispatched, trainingKey(id))

		if run.HasStartedEval() || status.IsTerminal() {
			delete(s.state.Dispatched, evalKey(id))
		}

		switch {
		case s.state.RunsCompleted.Has(id):
			if !status.IsTerminal() {
				s.log.Info("ignoring regressed run", "run_id", id, "status", status)
			}
		case status.IsTerminal():
			s.state.complete(id)
		case status == models.RunStatusInEval:
			s.state.moveToEval(id)
		case s.state.phase(id) == "":
			// Unknown run, e.g. after state loss.
			s.state.RunsInTraining.Add(id)
		}
	}

	s.state.TrialsIssued = max(s.state.TrialsIssued, issuedTrials(runs))

	return byID
}

// redispatch drains the requeue list and the dispatches the store has not
// confirmed within the timeout.
func (s *BatchedSyncedScheduler) redispatch(byID map[string]models.RunInfo, now time.Time) []models.JobDefinition {
	jobs := s.state.Requeued
	s.state.Requeued = nil

	queued := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		queued[job.Key()] = true
		delete(s.state.Dispatched, job.Key())
	}

	timeout := s.config.confirmTimeout()

	for _, key := range sortedKeys(s.state.Dispatched) {
		record := s.state.Dispatched[key]
		if queued[key] || now.Sub(record.At) < timeout {
			continue
		}

		if run, ok := byID[record.Job.RunID]; ok && run.Status().IsTerminal() {
			delete(s.state.Dispatched, key)

			continue
		}

		s.log.Info("dispatch not confirmed, dispatching again",
			"run_id", record.Job.RunID,
			"job_type", record.Job.Type,
			"since", record.At,
		)

		delete(s.state.Dispatched, key)
		jobs = append(jobs, record.Job)
	}

	// Evaluations first.
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Type == models.JobTypeEval && jobs[j].Type != models.JobTypeEval
	})

	return jobs
}

// emit records job as dispatched and updates the phase sets.
func (s *BatchedSyncedScheduler) emit(job models.JobDefinition, now time.Time) models.JobDefinition {
	switch job.Type {
	case models.JobTypeTraining:
		if s.state.phase(job.RunID) == "" {
			s.state.RunsInTraining.Add(job.RunID)
		}
	case models.JobTypeEval:
		s.state.moveToEval(job.RunID)
	}

	s.state.Dispatched[job.Key()] = DispatchRecord{Job: job, At: now}

	return job
}

// resolved reports whether no run is mid training or mid eval and nothing is
// waiting for confirmation.
func (s *BatchedSyncedScheduler) resolved() bool {
	return len(s.state.RunsInTraining) == 0 &&
		len(s.state.RunsInEval) == 0 &&
		len(s.state.Dispatched) == 0 &&
		len(s.state.Requeued) == 0
}

// Observations scans finished runs. Completed runs with a numeric score are
// successes; failed runs, and completed runs without a usable score, are
// failures. Runs without a stored suggestion are skipped.
func (s *BatchedSyncedScheduler) Observations(runs []models.RunInfo) []optimizer.Observation {
	sorted := append([]models.RunInfo(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RunID < sorted[j].RunID
	})

	var out []optimizer.Observation

	for _, run := range sorted {
		status := run.Status()
		if !status.IsTerminal() {
			continue
		}

		suggestion, ok := run.Suggestion()
		if !ok {
			continue
		}

		obs := optimizer.Observation{Suggestion: suggestion}

		if s.config.CostKey != "" {
			obs.Cost, _ = run.Metric(s.config.CostKey)
		}

		score, ok := run.Metric(s.config.ScoreKey)

		switch {
		case status == models.RunStatusFailed:
			obs.IsFailure = true
		case !ok || math.IsNaN(score) || math.IsInf(score, 0):
			s.log.Info("completed run has no usable score, recording a failure", "run_id", run.RunID, "key", s.config.ScoreKey)

			obs.IsFailure = true
		default:
			obs.Score = score
		}

		out = append(out, obs)
	}

	return out
}

func (s *BatchedSyncedScheduler) trainingJob(trial int, suggestion map[string]any, now time.Time) models.JobDefinition {
	tpl := s.config.Train

	overrides := make(map[string]string, len(tpl.Overrides))
	for k, v := range tpl.Overrides {
		overrides[k] = v
	}

	flatten("", suggestion, overrides)

	return models.JobDefinition{
		Type:         models.JobTypeTraining,
		RunID:        RunID(s.config.ExperimentID, trial),
		ExperimentID: s.config.ExperimentID,
		Entrypoint:   tpl.Entrypoint,
		Args:         append([]string(nil), tpl.Args...),
		Overrides:    overrides,
		Resources:    tpl.Resources,
		Metadata: map[string]any{
			MetadataSuggestion: suggestion,
			MetadataTrial:      trial,
		},
		CreatedAt: now,
	}
}

func (s *BatchedSyncedScheduler) evalJob(run models.RunInfo, now time.Time) models.JobDefinition {
	tpl := s.config.Eval

	overrides := make(map[string]string, len(tpl.Overrides)+1)
	for k, v := range tpl.Overrides {
		overrides[k] = v
	}

	overrides["run_id"] = run.RunID

	return models.JobDefinition{
		Type:         models.JobTypeEval,
		RunID:        run.RunID,
		ExperimentID: s.config.ExperimentID,
		Entrypoint:   tpl.Entrypoint,
		Args:         append([]string(nil), tpl.Args...),
		Overrides:    overrides,
		Resources:    tpl.Resources,
		CreatedAt:    now,
	}
}

// RunID derives the run id of a trial. The same experiment and trial always
// give the same id, so rescheduling after state loss does not fork runs.
func RunID(experimentID string, trial int) string {
	name := []byte(experimentID + "/" + strconv.Itoa(trial))
	hash := uuid.NewSHA1(uuid.NameSpaceOID, name).String()

	return fmt.Sprintf("%s_trial_%04d_%s", experimentID, trial, hash[:8])
}

// issuedTrials is one past the highest trial number recorded in runs.
func issuedTrials(runs []models.RunInfo) int {
	var n int

	for _, run := range runs {
		if trial, ok := run.Metric(models.KeyTrial); ok {
			n = max(n, int(trial)+1)
		}
	}

	return n
}

func trainingKey(runID string) string {
	return runID + "/" + string(models.JobTypeTraining)
}

func evalKey(runID string) string {
	return runID + "/" + string(models.JobTypeEval)
}

// flatten writes nested values as dotted key=string overrides.
func flatten(prefix string, v map[string]any, out map[string]string) {
	for k, val := range v {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := val.(map[string]any); ok {
			flatten(key, nested, out)

			continue
		}

		out[key] = formatValue(val)
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}

		return string(data)
	}
}

func sortedIDs(m map[string]models.RunInfo) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func sortedKeys(m map[string]DispatchRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
