package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// JobType represents the type of job
type JobType string

const (
	JobTypeTraining JobType = "training"
	JobTypeEval     JobType = "eval"
)

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	return t == JobTypeTraining || t == JobTypeEval
}

// Resources specifies what a job asks from the compute backend
type Resources struct {
	GPUs  int `json:"gpus,omitempty" yaml:"gpus,omitempty" mapstructure:"gpus"`
	Nodes int `json:"nodes,omitempty" yaml:"nodes,omitempty" mapstructure:"nodes"`
}

// JobDefinition is a unit of work produced by the scheduler and consumed by a
// dispatcher. It is never modified once dispatched.
type JobDefinition struct {
	Type         JobType           `json:"type"`
	RunID        string            `json:"run_id"`
	ExperimentID string            `json:"experiment_id"`
	Entrypoint   string            `json:"entrypoint"`
	Args         []string          `json:"args,omitempty"`
	Overrides    map[string]string `json:"overrides,omitempty"`
	Resources    Resources         `json:"resources"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Validate checks the fields every dispatcher relies on
func (j JobDefinition) Validate() error {
	if !j.Type.Valid() {
		return fmt.Errorf("invalid job type %q", j.Type)
	}

	if j.RunID == "" {
		return errors.New("job has no run id")
	}

	if j.Entrypoint == "" {
		return fmt.Errorf("job %s has no entrypoint", j.RunID)
	}

	return nil
}

// Key identifies the job within an experiment: a run has at most one job of
// each type.
func (j JobDefinition) Key() string {
	return j.RunID + "/" + string(j.Type)
}

// OverrideArgs renders the overrides as sorted key=value arguments
func (j JobDefinition) OverrideArgs() []string {
	keys := make([]string, 0, len(j.Overrides))
	for k := range j.Overrides {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, k+"="+j.Overrides[k])
	}

	return args
}
