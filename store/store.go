// Package store holds the run tracking backends. A store is the single
// writer of authoritative run state: the controller reads run snapshots from
// it and training or evaluation jobs report their lifecycle flags and metrics
// into it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/thalesfsp/protein/models"
)

var (
	// ErrRunNotFound is returned when an operation names an unknown run
	ErrRunNotFound = errors.New("run not found")

	// ErrUnsupportedStore is returned by NewStore for an unknown type
	ErrUnsupportedStore = errors.New("unsupported store type")
)

// InitRunOptions describe a run at creation
type InitRunOptions struct {
	Group          string
	Tags           []string
	InitialSummary map[string]any
}

// Filter selects runs. Empty fields match everything; a run must carry every
// listed tag.
type Filter struct {
	Group string
	Tags  []string
}

// Store defines the run tracking interface. All three operations may fail
// with transient I/O errors and are retried by the caller.
type Store interface {
	// InitRun creates the run if it does not exist. Creating an existing run
	// is a no-op.
	InitRun(ctx context.Context, runID string, opts InitRunOptions) error

	// FetchRuns returns a snapshot of the matching runs
	FetchRuns(ctx context.Context, filter Filter) ([]models.RunInfo, error)

	// UpdateRunSummary merges update into the run summary. It reports false
	// when the run does not exist.
	UpdateRunSummary(ctx context.Context, runID string, update map[string]any) (bool, error)
}

// Config selects and configures a backend
type Config struct {
	Type string `mapstructure:"type"` // "memory", "sqlite", "postgres" or "mlflow"
	DSN  string `mapstructure:"dsn"`  // Connection string

	// SQLite database file, used when DSN is empty
	Path string `mapstructure:"path"`

	// PostgreSQL pool
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	MLflow MLflowConfig `mapstructure:"mlflow"`
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = config.Path
		}
		if path == "" {
			path = "protein.db"
		}

		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "mlflow":
		return NewMLflowStore(config.MLflow)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStore, config.Type)
	}
}

func (f Filter) matches(group string, tags []string) bool {
	if f.Group != "" && f.Group != group {
		return false
	}

	for _, tag := range f.Tags {
		if !slices.Contains(tags, tag) {
			return false
		}
	}

	return true
}

// mergeSummary applies update on top of summary, replacing top level keys
func mergeSummary(summary, update map[string]any) map[string]any {
	merged := make(map[string]any, len(summary)+len(update))
	for k, v := range summary {
		merged[k] = v
	}

	for k, v := range update {
		merged[k] = v
	}

	return merged
}

// normalize passes a summary through JSON so every backend hands back the
// same value types.
func normalize(summary map[string]any) (map[string]any, error) {
	if len(summary) == 0 {
		return map[string]any{}, nil
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}

	return out, nil
}

func sortRuns(runs []models.RunInfo) {
	slices.SortFunc(runs, func(a, b models.RunInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		if a.RunID < b.RunID {
			return -1
		}
		if a.RunID > b.RunID {
			return 1
		}

		return 0
	})
}
