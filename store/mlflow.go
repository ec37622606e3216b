package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/databricks/databricks-sdk-go"
	"github.com/databricks/databricks-sdk-go/service/ml"

	"github.com/thalesfsp/protein/models"
)

// Tags written on every MLflow run managed by the store
const (
	TagRunID     = "protein_run_id"
	TagGroup     = "protein_group"
	TagLabels    = "protein_tags"
	TagRunName   = "mlflow.runName"
	SummaryTag   = "summary."
	maxTagsBatch = 100
)

// MLflowConfig points the store at a tracking server or Databricks workspace
type MLflowConfig struct {
	TrackingURI  string `mapstructure:"tracking_uri"`
	Token        string `mapstructure:"token"`
	Profile      string `mapstructure:"profile"`
	ExperimentID string `mapstructure:"experiment_id"`
}

// experimentsAPI is the part of the MLflow experiments service the store uses
type experimentsAPI interface {
	CreateRun(ctx context.Context, request ml.CreateRun) (*ml.CreateRunResponse, error)
	SearchRunsAll(ctx context.Context, request ml.SearchRuns) ([]ml.Run, error)
	LogBatch(ctx context.Context, request ml.LogBatch) error
}

// MLflowStore maps runs onto MLflow runs of one experiment. Numeric summary
// values are logged as metrics for the tracking UI; every summary entry is
// also kept as a JSON tag, which is what FetchRuns reads back.
type MLflowStore struct {
	api          experimentsAPI
	experimentID string
	now          func() time.Time
}

// NewMLflowStore creates a store talking to the configured MLflow server
func NewMLflowStore(config MLflowConfig) (*MLflowStore, error) {
	if config.ExperimentID == "" {
		return nil, errors.New("mlflow experiment id is required")
	}

	dbConfig := &databricks.Config{}

	switch {
	case strings.HasPrefix(config.TrackingURI, "databricks://"):
		dbConfig.Profile = strings.TrimPrefix(config.TrackingURI, "databricks://")
	case config.TrackingURI == "databricks":
		dbConfig.Profile = config.Profile
	default:
		dbConfig.Host = config.TrackingURI
	}

	if config.Token != "" {
		dbConfig.Token = config.Token
	} else if dbConfig.Host != "" && dbConfig.Profile == "" {
		// Plain MLflow servers ignore authentication
		dbConfig.Token = "unused"
	}

	if dbConfig.Host == "" && dbConfig.Profile == "" {
		return nil, errors.New("mlflow tracking uri or databricks profile is required")
	}

	client, err := databricks.NewWorkspaceClient(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create MLflow client: %w", err)
	}

	return newMLflowStore(client.Experiments, config.ExperimentID), nil
}

func newMLflowStore(api experimentsAPI, experimentID string) *MLflowStore {
	return &MLflowStore{api: api, experimentID: experimentID, now: time.Now}
}

// InitRun creates an MLflow run tagged with runID unless one exists
func (s *MLflowStore) InitRun(ctx context.Context, runID string, opts InitRunOptions) error {
	existing, err := s.find(ctx, runID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	labels, err := json.Marshal(nonNil(opts.Tags))
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	resp, err := s.api.CreateRun(ctx, ml.CreateRun{
		ExperimentId: s.experimentID,
		RunName:      runID,
		StartTime:    s.now().UnixMilli(),
		Tags: []ml.RunTag{
			{Key: TagRunID, Value: runID},
			{Key: TagGroup, Value: opts.Group},
			{Key: TagLabels, Value: string(labels)},
			{Key: TagRunName, Value: runID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", runID, err)
	}

	if len(opts.InitialSummary) == 0 {
		return nil
	}

	return s.log(ctx, resp.Run.Info.RunId, opts.InitialSummary)
}

// FetchRuns searches the experiment for managed runs matching filter
func (s *MLflowStore) FetchRuns(ctx context.Context, filter Filter) ([]models.RunInfo, error) {
	query := fmt.Sprintf("tags.%s LIKE '%%'", TagRunID)
	if filter.Group != "" {
		query = fmt.Sprintf("tags.%s = '%s'", TagGroup, escape(filter.Group))
	}

	found, err := s.api.SearchRunsAll(ctx, ml.SearchRuns{
		ExperimentIds: []string{s.experimentID},
		Filter:        query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search runs: %w", err)
	}

	runs := make([]models.RunInfo, 0, len(found))
	for _, r := range found {
		run, ok, err := toRunInfo(r)
		if err != nil {
			return nil, err
		}

		if ok && filter.matches(run.Group, run.Tags) {
			runs = append(runs, run)
		}
	}

	sortRuns(runs)

	return runs, nil
}

// UpdateRunSummary logs update onto the MLflow run tagged with runID
func (s *MLflowStore) UpdateRunSummary(ctx context.Context, runID string, update map[string]any) (bool, error) {
	existing, err := s.find(ctx, runID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	if err := s.log(ctx, existing.Info.RunId, update); err != nil {
		return false, err
	}

	return true, nil
}

func (s *MLflowStore) find(ctx context.Context, runID string) (*ml.Run, error) {
	found, err := s.api.SearchRunsAll(ctx, ml.SearchRuns{
		ExperimentIds: []string{s.experimentID},
		Filter:        fmt.Sprintf("tags.%s = '%s'", TagRunID, escape(runID)),
		MaxResults:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up run %s: %w", runID, err)
	}

	if len(found) == 0 || found[0].Info == nil {
		return nil, nil
	}

	return &found[0], nil
}

// log writes summary entries as tags, batching to the API limit
func (s *MLflowStore) log(ctx context.Context, mlflowRunID string, summary map[string]any) error {
	now := s.now().UnixMilli()

	var (
		tags    []ml.RunTag
		metrics []ml.Metric
	)

	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := summary[k]

		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode summary key %s: %w", k, err)
		}

		tags = append(tags, ml.RunTag{Key: SummaryTag + k, Value: string(data)})

		if f, ok := models.AsFloat(v); ok {
			metrics = append(metrics, ml.Metric{Key: k, Value: f, Timestamp: now})
		} else if b, ok := v.(bool); ok {
			metrics = append(metrics, ml.Metric{Key: k, Value: boolMetric(b), Timestamp: now})
		}
	}

	for len(tags) > 0 || len(metrics) > 0 {
		batch := ml.LogBatch{RunId: mlflowRunID}

		n := min(len(tags), maxTagsBatch)
		batch.Tags, tags = tags[:n], tags[n:]

		n = min(len(metrics), maxTagsBatch)
		batch.Metrics, metrics = metrics[:n], metrics[n:]

		if err := s.api.LogBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to log summary: %w", err)
		}
	}

	return nil
}

// toRunInfo rebuilds a RunInfo from the tags of an MLflow run. ok is false
// for runs the store does not manage.
func toRunInfo(r ml.Run) (models.RunInfo, bool, error) {
	if r.Info == nil || r.Data == nil {
		return models.RunInfo{}, false, nil
	}

	run := models.RunInfo{Summary: map[string]any{}}

	for _, tag := range r.Data.Tags {
		switch {
		case tag.Key == TagRunID:
			run.RunID = tag.Value
		case tag.Key == TagGroup:
			run.Group = tag.Value
		case tag.Key == TagLabels:
			if err := json.Unmarshal([]byte(tag.Value), &run.Tags); err != nil {
				return run, false, fmt.Errorf("failed to decode tags of %s: %w", r.Info.RunId, err)
			}
		case strings.HasPrefix(tag.Key, SummaryTag):
			var v any
			if err := json.Unmarshal([]byte(tag.Value), &v); err != nil {
				v = tag.Value
			}

			run.Summary[strings.TrimPrefix(tag.Key, SummaryTag)] = v
		}
	}

	if run.RunID == "" {
		return run, false, nil
	}

	run.CreatedAt = time.UnixMilli(r.Info.StartTime)
	run.LastUpdatedAt = run.CreatedAt

	for _, m := range r.Data.Metrics {
		if t := time.UnixMilli(m.Timestamp); t.After(run.LastUpdatedAt) {
			run.LastUpdatedAt = t
		}
	}

	return run, true, nil
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}

	return 0
}

func escape(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}
