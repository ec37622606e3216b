package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry configures the exponential backoff around store and dispatcher calls
type Retry struct {
	MaxAttempts    uint          `mapstructure:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" json:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier" json:"multiplier"`
}

// AdaptiveConfig configures the controller loop
type AdaptiveConfig struct {
	// ExperimentID selects the runs fetched from the store. Empty takes it
	// from the scheduler when the scheduler exposes its config.
	ExperimentID string `mapstructure:"experiment_id" json:"experiment_id"`

	MaxParallelTraining int           `mapstructure:"max_parallel_training" json:"max_parallel_training"`
	PollInterval        time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	Retry               Retry         `mapstructure:"retry" json:"retry"`

	// MaxConsecutiveFailures halts the loop after that many failed
	// iterations in a row
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures" json:"max_consecutive_failures"`

	// HeartbeatInterval logs a status line periodically; zero disables it
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
}

// DefaultAdaptiveConfig returns the default loop settings
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MaxParallelTraining: 4,
		PollInterval:        30 * time.Second,
		Retry: Retry{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
		},
		MaxConsecutiveFailures: 5,
		HeartbeatInterval:      5 * time.Minute,
	}
}

// Validate checks the loop settings
func (c AdaptiveConfig) Validate() error {
	var errs []error

	if c.MaxParallelTraining < 1 {
		errs = append(errs, fmt.Errorf("max_parallel_training must be at least 1, got %d", c.MaxParallelTraining))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}

	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 {
		errs = append(errs, errors.New("retry backoffs must not be negative"))
	}

	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}

	if c.MaxConsecutiveFailures < 1 {
		errs = append(errs, fmt.Errorf("max_consecutive_failures must be at least 1, got %d", c.MaxConsecutiveFailures))
	}

	if c.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("heartbeat_interval must not be negative"))
	}

	return errors.Join(errs...)
}

func (r Retry) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()

	if r.InitialBackoff > 0 {
		b.InitialInterval = r.InitialBackoff
	}

	if r.MaxBackoff > 0 {
		b.MaxInterval = r.MaxBackoff
	}

	if r.Multiplier > 0 {
		b.Multiplier = r.Multiplier
	}

	return b
}
