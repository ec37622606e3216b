package models

import "fmt"

// RunStatus is the fine grained state of a run, derived from its summary
type RunStatus string

// Run states
const (
	RunStatusPending            RunStatus = "PENDING"               // Created, training not started
	RunStatusInTraining         RunStatus = "IN_TRAINING"           // Training job running
	RunStatusTrainingDoneNoEval RunStatus = "TRAINING_DONE_NO_EVAL" // Training finished, eval not requested
	RunStatusInEval             RunStatus = "IN_EVAL"               // Eval job running
	RunStatusCompleted          RunStatus = "COMPLETED"             // Trained and evaluated
	RunStatusFailed             RunStatus = "FAILED"                // Failed in any phase
)

// JobStatus is the coarse view of a run used for capacity and completion checks
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// AllRunStatuses lists the run states in lifecycle order
var AllRunStatuses = []RunStatus{
	RunStatusPending,
	RunStatusInTraining,
	RunStatusTrainingDoneNoEval,
	RunStatusInEval,
	RunStatusCompleted,
	RunStatusFailed,
}

// validTransitions maps from-state to allowed to-states. Skipping states is
// allowed because a poll may miss short phases; going back never is.
var validTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusPending: {
		RunStatusInTraining:         true,
		RunStatusTrainingDoneNoEval: true, // Training finished between two polls
		RunStatusInEval:             true,
		RunStatusCompleted:          true,
		RunStatusFailed:             true,
	},
	RunStatusInTraining: {
		RunStatusTrainingDoneNoEval: true,
		RunStatusInEval:             true,
		RunStatusCompleted:          true,
		RunStatusFailed:             true,
	},
	RunStatusTrainingDoneNoEval: {
		RunStatusInEval:    true,
		RunStatusCompleted: true,
		RunStatusFailed:    true,
	},
	RunStatusInEval: {
		RunStatusCompleted: true,
		RunStatusFailed:    true,
	},
	// Terminal states (no transitions allowed)
	RunStatusCompleted: {},
	RunStatusFailed:    {},
}

// ValidateTransition checks if a state transition is valid. Staying in the
// same state is always valid.
func ValidateTransition(from, to RunStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if _, exists := validTransitions[to]; !exists {
		return fmt.Errorf("unknown target state: %s", to)
	}

	if from == to || allowed[to] {
		return nil
	}

	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

// IsTerminal returns true if the state is terminal (no further transitions)
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// TrainingActive returns true while a training job holds a slot
func (s RunStatus) TrainingActive() bool {
	return s == RunStatusPending || s == RunStatusInTraining
}

// TrainingFinished returns true once training produced a result
func (s RunStatus) TrainingFinished() bool {
	return s == RunStatusTrainingDoneNoEval || s == RunStatusInEval || s == RunStatusCompleted
}

// JobStatus projects the run state onto the coarse job view
func (s RunStatus) JobStatus() JobStatus {
	switch s {
	case RunStatusPending:
		return JobStatusPending
	case RunStatusInTraining, RunStatusInEval:
		return JobStatusRunning
	case RunStatusTrainingDoneNoEval, RunStatusCompleted:
		return JobStatusCompleted
	default:
		return JobStatusFailed
	}
}
