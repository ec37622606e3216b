package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thalesfsp/protein/models"
)

// DefaultDispatchConfirmTimeout is how long a dispatched job may stay invisible
// in the store before it is dispatched again.
const DefaultDispatchConfirmTimeout = 15 * time.Minute

// JobTemplate describes how to launch one kind of job. Suggestions are added to
// Overrides for training jobs. Override keys are case sensitive dotted paths,
// so they are skipped by mapstructure decoders.
type JobTemplate struct {
	Entrypoint string            `json:"entrypoint" yaml:"entrypoint" mapstructure:"entrypoint"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
	Overrides  map[string]string `json:"overrides,omitempty" yaml:"overrides,omitempty" mapstructure:"-"`
	Resources  models.Resources  `json:"resources" yaml:"resources" mapstructure:"resources"`
}

// Config configures a BatchedSyncedScheduler.
type Config struct {
	ExperimentID string `json:"experiment_id" yaml:"experiment_id" mapstructure:"experiment_id"`

	// MaxTrials is the total number of training runs of the experiment.
	MaxTrials int `json:"max_trials" yaml:"max_trials" mapstructure:"max_trials"`

	// BatchSize caps the suggestions requested per batch.
	BatchSize int `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`

	// ScoreKey and CostKey are summary keys read from completed runs. An empty
	// CostKey gives every run a zero cost.
	ScoreKey string `json:"score_key" yaml:"score_key" mapstructure:"score_key"`
	CostKey  string `json:"cost_key" yaml:"cost_key" mapstructure:"cost_key"`

	Train JobTemplate `json:"train" yaml:"train" mapstructure:"train"`
	Eval  JobTemplate `json:"eval" yaml:"eval" mapstructure:"eval"`

	// DispatchConfirmTimeout bounds how long a dispatched job may go
	// unconfirmed by the store. Zero selects DefaultDispatchConfirmTimeout.
	DispatchConfirmTimeout time.Duration `json:"dispatch_confirm_timeout" yaml:"dispatch_confirm_timeout" mapstructure:"dispatch_confirm_timeout"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.ExperimentID == "":
		return errors.New("experiment_id is required")
	case c.MaxTrials <= 0:
		return fmt.Errorf("max_trials must be positive, got %d", c.MaxTrials)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.ScoreKey == "":
		return errors.New("score_key is required")
	case c.Train.Entrypoint == "":
		return errors.New("train.entrypoint is required")
	case c.Eval.Entrypoint == "":
		return errors.New("eval.entrypoint is required")
	case c.DispatchConfirmTimeout < 0:
		return fmt.Errorf("dispatch_confirm_timeout must not be negative, got %s", c.DispatchConfirmTimeout)
	}

	return nil
}

// ModelDump returns the configuration as a plain document, suitable for
// persisting next to the experiment.
func (c Config) ModelDump() map[string]any {
	data, err := json.Marshal(c)
	if err != nil {
		return map[string]any{"experiment_id": c.ExperimentID}
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"experiment_id": c.ExperimentID}
	}

	return out
}

func (c Config) confirmTimeout() time.Duration {
	if c.DispatchConfirmTimeout == 0 {
		return DefaultDispatchConfirmTimeout
	}

	return c.DispatchConfirmTimeout
}
