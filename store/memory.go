package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/thalesfsp/protein/models"
)

// MemoryStore is an in-memory implementation of the store. It also keeps
// scheduler state, so a single value serves dry runs and tests.
type MemoryStore struct {
	runs   map[string]*models.RunInfo
	states map[string][]byte
	mu     sync.RWMutex
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*models.RunInfo),
		states: make(map[string][]byte),
		now:    time.Now,
	}
}

// InitRun adds the run unless it already exists
func (s *MemoryStore) InitRun(_ context.Context, runID string, opts InitRunOptions) error {
	summary, err := normalize(opts.InitialSummary)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; ok {
		return nil
	}

	now := s.now()
	s.runs[runID] = &models.RunInfo{
		RunID:         runID,
		Group:         opts.Group,
		Tags:          slices.Clone(opts.Tags),
		CreatedAt:     now,
		LastUpdatedAt: now,
		Summary:       summary,
	}

	return nil
}

// FetchRuns returns copies of the matching runs ordered by creation time
func (s *MemoryStore) FetchRuns(_ context.Context, filter Filter) ([]models.RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]models.RunInfo, 0, len(s.runs))
	for _, run := range s.runs {
		if !filter.matches(run.Group, run.Tags) {
			continue
		}

		cp := *run
		cp.Tags = slices.Clone(run.Tags)
		cp.Summary = mergeSummary(run.Summary, nil)
		runs = append(runs, cp)
	}

	sortRuns(runs)

	return runs, nil
}

// UpdateRunSummary merges update into the run summary
func (s *MemoryStore) UpdateRunSummary(_ context.Context, runID string, update map[string]any) (bool, error) {
	update, err := normalize(update)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, nil
	}

	run.Summary = mergeSummary(run.Summary, update)
	run.LastUpdatedAt = s.now()

	return true, nil
}

// SaveState stores a scheduler state document
func (s *MemoryStore) SaveState(_ context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[id] = slices.Clone(data)

	return nil
}

// LoadState returns the stored document, or nil when there is none
func (s *MemoryStore) LoadState(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.states[id]), nil
}
