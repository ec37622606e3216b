package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/thalesfsp/protein/models"
)

// StateVersion is the current SchedulerState layout.
const StateVersion = 1

// RunSet is a set of run ids. It serializes as a sorted list.
type RunSet map[string]struct{}

// Add inserts id.
func (s RunSet) Add(id string) { s[id] = struct{}{} }

// Remove deletes id.
func (s RunSet) Remove(id string) { delete(s, id) }

// Has reports whether id is present.
func (s RunSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexical order.
func (s RunSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

// MarshalJSON implements json.Marshaler.
func (s RunSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *RunSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}

	*s = make(RunSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}

	return nil
}

// DispatchRecord remembers a job handed to the controller until the store
// confirms it.
type DispatchRecord struct {
	Job models.JobDefinition `json:"job"`
	At  time.Time            `json:"at"`
}

// SchedulerState is the scheduler bookkeeping that must survive a controller
// restart. A run id is in at most one of the three sets and only moves from
// training to eval to completed.
type SchedulerState struct {
	Version        int    `json:"version"`
	RunsInTraining RunSet `json:"runs_in_training"`
	RunsInEval     RunSet `json:"runs_in_eval"`
	RunsCompleted  RunSet `json:"runs_completed"`

	// Dispatched holds unconfirmed jobs keyed by JobDefinition.Key.
	Dispatched map[string]DispatchRecord `json:"dispatched"`

	// Requeued holds jobs whose dispatch failed. They are emitted again by
	// the next Schedule call.
	Requeued []models.JobDefinition `json:"requeued,omitempty"`

	TrialsIssued          int       `json:"trials_issued"`
	LastBatchDispatchedAt time.Time `json:"last_batch_dispatched_at"`
}

// NewState returns an empty state.
func NewState() *SchedulerState {
	return &SchedulerState{
		Version:        StateVersion,
		RunsInTraining: RunSet{},
		RunsInEval:     RunSet{},
		RunsCompleted:  RunSet{},
		Dispatched:     map[string]DispatchRecord{},
	}
}

// Dump serializes the state.
func (s *SchedulerState) Dump() ([]byte, error) {
	return json.Marshal(s)
}

// LoadState parses a state produced by Dump and checks its invariants.
func LoadState(data []byte) (*SchedulerState, error) {
	s := NewState()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode scheduler state: %w", err)
	}

	if s.Version != StateVersion {
		return nil, fmt.Errorf("unsupported scheduler state version %d", s.Version)
	}

	if s.RunsInTraining == nil {
		s.RunsInTraining = RunSet{}
	}

	if s.RunsInEval == nil {
		s.RunsInEval = RunSet{}
	}

	if s.RunsCompleted == nil {
		s.RunsCompleted = RunSet{}
	}

	if s.Dispatched == nil {
		s.Dispatched = map[string]DispatchRecord{}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate checks that no run is in two sets.
func (s *SchedulerState) Validate() error {
	for id := range s.RunsInTraining {
		if s.RunsInEval.Has(id) || s.RunsCompleted.Has(id) {
			return fmt.Errorf("run %s is tracked in more than one phase", id)
		}
	}

	for id := range s.RunsInEval {
		if s.RunsCompleted.Has(id) {
			return fmt.Errorf("run %s is tracked in more than one phase", id)
		}
	}

	return nil
}

// Clone returns a deep copy.
func (s *SchedulerState) Clone() *SchedulerState {
	out := &SchedulerState{
		Version:               s.Version,
		RunsInTraining:        make(RunSet, len(s.RunsInTraining)),
		RunsInEval:            make(RunSet, len(s.RunsInEval)),
		RunsCompleted:         make(RunSet, len(s.RunsCompleted)),
		Dispatched:            make(map[string]DispatchRecord, len(s.Dispatched)),
		Requeued:              append([]models.JobDefinition(nil), s.Requeued...),
		TrialsIssued:          s.TrialsIssued,
		LastBatchDispatchedAt: s.LastBatchDispatchedAt,
	}

	for id := range s.RunsInTraining {
		out.RunsInTraining.Add(id)
	}

	for id := range s.RunsInEval {
		out.RunsInEval.Add(id)
	}

	for id := range s.RunsCompleted {
		out.RunsCompleted.Add(id)
	}

	for k, v := range s.Dispatched {
		out.Dispatched[k] = v
	}

	return out
}

// phase reports which set holds id, or "" when none does.
func (s *SchedulerState) phase(id string) string {
	switch {
	case s.RunsCompleted.Has(id):
		return "completed"
	case s.RunsInEval.Has(id):
		return "eval"
	case s.RunsInTraining.Has(id):
		return "training"
	default:
		return ""
	}
}

// moveToEval moves id out of training. It never moves a completed run back.
func (s *SchedulerState) moveToEval(id string) {
	if s.RunsCompleted.Has(id) {
		return
	}

	s.RunsInTraining.Remove(id)
	s.RunsInEval.Add(id)
}

// complete moves id to the completed set from any phase.
func (s *SchedulerState) complete(id string) {
	s.RunsInTraining.Remove(id)
	s.RunsInEval.Remove(id)
	s.RunsCompleted.Add(id)
}
