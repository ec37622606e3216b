package controller

import (
	"math"
	"sort"
	"time"

	"github.com/thalesfsp/protein/models"
)

// Status is a point in time view of the controller
type Status struct {
	ExperimentID  string                   `json:"experiment_id"`
	Running       bool                     `json:"running"`
	Complete      bool                     `json:"complete"`
	Iterations    int                      `json:"iterations"`
	ActiveJobs    int                      `json:"active_jobs"`
	TrialsIssued  int                      `json:"trials_issued"`
	RunsByStatus  map[models.RunStatus]int `json:"runs_by_status"`
	CompletedRuns []string                 `json:"completed_runs"`
	BestScore     *float64                 `json:"best_score,omitempty"`
	LastPollAt    time.Time                `json:"last_poll_at"`
	LastError     string                   `json:"last_error,omitempty"`
}

// Status returns a copy of the current status
func (c *AdaptiveController) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.status
	s.ActiveJobs = len(c.active)
	s.RunsByStatus = make(map[models.RunStatus]int, len(c.status.RunsByStatus))
	for k, v := range c.status.RunsByStatus {
		s.RunsByStatus[k] = v
	}
	s.CompletedRuns = append([]string(nil), c.status.CompletedRuns...)

	if c.status.BestScore != nil {
		best := *c.status.BestScore
		s.BestScore = &best
	}

	return s
}

// observe folds a store snapshot into the status and drops active jobs whose
// phase is over.
func (c *AdaptiveController) observe(runs []models.RunInfo) {
	byStatus := make(map[models.RunStatus]int, len(models.AllRunStatuses))
	byID := make(map[string]models.RunStatus, len(runs))

	var completed []string
	best := math.Inf(-1)

	for _, run := range runs {
		status := run.Status()
		byStatus[status]++
		byID[run.RunID] = status

		if status == models.RunStatusCompleted {
			completed = append(completed, run.RunID)

			if c.scoreKey != "" {
				if v, ok := run.Metric(c.scoreKey); ok && !math.IsNaN(v) && v > best {
					best = v
				}
			}
		}
	}

	sort.Strings(completed)

	statuses := make([]string, len(models.AllRunStatuses))
	for i, s := range models.AllRunStatuses {
		statuses[i] = string(s)
	}

	counts := make(map[string]int, len(byStatus))
	for k, v := range byStatus {
		counts[string(k)] = v
	}

	c.metrics.SetRuns(counts, statuses)

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.active {
		runID, jobType := splitKey(key)

		status, ok := byID[runID]
		if !ok {
			continue
		}

		if status.IsTerminal() || (jobType == models.JobTypeTraining && status.TrainingFinished()) {
			delete(c.active, key)
		}
	}

	c.status.Iterations++
	c.status.LastPollAt = time.Now()
	c.status.RunsByStatus = byStatus
	c.status.CompletedRuns = completed

	if s, ok := c.scheduler.(stateful); ok {
		c.status.TrialsIssued = s.State().TrialsIssued
	}

	if !math.IsInf(best, -1) {
		c.status.BestScore = &best
		c.metrics.SetBestScore(best)
	}
}

func (c *AdaptiveController) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.LastError = err.Error()
}

// splitKey reverses models.JobDefinition.Key
func splitKey(key string) (string, models.JobType) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], models.JobType(key[i+1:])
		}
	}

	return key, ""
}
