// Package dispatcher launches training and evaluation jobs. The controller
// only needs Dispatch; backends that can stop their jobs also implement
// Canceler.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/thalesfsp/protein/models"
)

var (
	// ErrUnsupportedDispatcher is returned by NewDispatcher for an unknown type
	ErrUnsupportedDispatcher = errors.New("unsupported dispatcher type")

	// ErrInsufficientMemory is returned when the host is below the memory floor
	ErrInsufficientMemory = errors.New("insufficient available memory")

	// ErrUnknownDispatch is returned by Cancel for an id it never issued or
	// whose job already exited
	ErrUnknownDispatch = errors.New("unknown dispatch id")

	// ErrCancelUnsupported is returned when the wrapped backend cannot cancel
	ErrCancelUnsupported = errors.New("dispatcher cannot cancel jobs")

	// ErrInvalidJob wraps JobDefinition validation failures. Dispatching the
	// same job again cannot succeed.
	ErrInvalidJob = errors.New("invalid job")
)

// Dispatcher starts a job and returns an opaque dispatch id
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.JobDefinition) (string, error)
}

// Canceler stops a previously dispatched job
type Canceler interface {
	Cancel(ctx context.Context, dispatchID string) error
}

// Reporter receives lifecycle flags for runs. Any store satisfies it.
type Reporter interface {
	UpdateRunSummary(ctx context.Context, runID string, update map[string]any) (bool, error)
}

// Config selects and configures a backend
type Config struct {
	Type    string `mapstructure:"type"`
	LogDir  string `mapstructure:"log_dir"`
	WorkDir string `mapstructure:"work_dir"`

	// RateLimit caps dispatches per second; zero disables the limiter
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`

	MinAvailableMemoryMB uint64 `mapstructure:"min_available_memory_mb"`
}

// NewDispatcher creates a dispatcher based on configuration. reporter may be
// nil, in which case jobs report their own lifecycle.
func NewDispatcher(config Config, reporter Reporter, log logr.Logger) (Dispatcher, error) {
	var d Dispatcher

	switch config.Type {
	case "local", "":
		opts := []LocalOption{
			WithLogger(log),
			WithWorkDir(config.WorkDir),
			WithMinAvailableMemory(config.MinAvailableMemoryMB << 20),
		}
		if reporter != nil {
			opts = append(opts, WithReporter(reporter))
		}

		d = NewLocalDispatcher(config.LogDir, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDispatcher, config.Type)
	}

	if config.RateLimit > 0 {
		d = RateLimited(d, config.RateLimit, config.Burst)
	}

	return d, nil
}
