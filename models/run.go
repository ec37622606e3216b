package models

import (
	"strings"
	"time"
)

// Reserved summary keys carrying the run lifecycle. Training and evaluation
// jobs (or the dispatcher on their behalf) set them through the store.
const (
	KeyTrainingStarted = "adaptive/training_started"
	KeyTrainingDone    = "adaptive/training_done"
	KeyEvalStarted     = "adaptive/eval_started"
	KeyEvaluated       = "adaptive/evaluated"
	KeyFailed          = "adaptive/failed"
	KeyFailureReason   = "adaptive/failure_reason"

	// KeySuggestion holds the hyperparameters the run was created with
	KeySuggestion = "adaptive/suggestion"

	// KeyTrial holds the trial number of the run
	KeyTrial = "adaptive/trial"
)

// RunInfo is a snapshot of one run as returned by a store. The store is the
// single writer of authoritative run state.
type RunInfo struct {
	RunID         string         `json:"run_id"`
	Group         string         `json:"group,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
	Summary       map[string]any `json:"summary,omitempty"`
}

// Status derives the fine grained run status from the lifecycle flags. A
// failure wins over every other flag.
func (r RunInfo) Status() RunStatus {
	switch {
	case r.Flag(KeyFailed):
		return RunStatusFailed
	case r.Flag(KeyEvaluated):
		return RunStatusCompleted
	case r.Flag(KeyEvalStarted):
		return RunStatusInEval
	case r.Flag(KeyTrainingDone):
		return RunStatusTrainingDoneNoEval
	case r.Flag(KeyTrainingStarted):
		return RunStatusInTraining
	default:
		return RunStatusPending
	}
}

// JobStatus projects Status onto the coarse job view
func (r RunInfo) JobStatus() JobStatus {
	return r.Status().JobStatus()
}

// HasFailed reports whether the run failed
func (r RunInfo) HasFailed() bool {
	return r.Flag(KeyFailed)
}

// HasStartedEval reports whether an evaluation was requested for the run
func (r RunInfo) HasStartedEval() bool {
	return r.Flag(KeyEvalStarted) || r.Flag(KeyEvaluated)
}

// Flag reads a boolean summary entry. Strings "true"/"1" and non-zero numbers
// also count, since some trackers store everything as text or metrics.
func (r RunInfo) Flag(key string) bool {
	v, ok := r.Summary[key]
	if !ok {
		return false
	}

	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	default:
		f, ok := AsFloat(v)
		return ok && f != 0
	}
}

// Metric reads a numeric summary entry. Dotted keys are also looked up in
// nested maps ("eval.score" matches {"eval": {"score": 1}}).
func (r RunInfo) Metric(key string) (float64, bool) {
	v, ok := Lookup(r.Summary, key)
	if !ok {
		return 0, false
	}

	return AsFloat(v)
}

// Suggestion returns the hyperparameters stored at run creation
func (r RunInfo) Suggestion() (map[string]any, bool) {
	s, ok := r.Summary[KeySuggestion].(map[string]any)

	return s, ok && len(s) > 0
}

// Lookup resolves a flat key first, then a dotted path through nested maps
func Lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}

	var cur any = m
	for _, part := range strings.Split(key, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}

		if cur, ok = node[part]; !ok {
			return nil, false
		}
	}

	return cur, true
}

// AsFloat converts the numeric types found in decoded documents
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case interface{ Float64() (float64, error) }:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
