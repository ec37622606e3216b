package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/protein/models"
)

func TestStateDumpLoad(t *testing.T) {
	state := NewState()
	state.RunsInTraining.Add("b")
	state.RunsInTraining.Add("a")
	state.RunsInEval.Add("c")
	state.RunsCompleted.Add("d")
	state.TrialsIssued = 4
	state.LastBatchDispatchedAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	state.Dispatched["a/training"] = DispatchRecord{
		Job: models.JobDefinition{Type: models.JobTypeTraining, RunID: "a", Entrypoint: "train.py"},
		At:  state.LastBatchDispatchedAt,
	}
	state.Requeued = []models.JobDefinition{{Type: models.JobTypeEval, RunID: "c", Entrypoint: "eval.py"}}

	data, err := state.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"runs_in_training":["a","b"]`)

	loaded, err := LoadState(data)
	require.NoError(t, err)

	assert.Equal(t, state.RunsInTraining, loaded.RunsInTraining)
	assert.Equal(t, state.RunsInEval, loaded.RunsInEval)
	assert.Equal(t, state.RunsCompleted, loaded.RunsCompleted)
	assert.Equal(t, 4, loaded.TrialsIssued)
	assert.True(t, state.LastBatchDispatchedAt.Equal(loaded.LastBatchDispatchedAt))
	assert.Equal(t, "a", loaded.Dispatched["a/training"].Job.RunID)
	assert.Len(t, loaded.Requeued, 1)
}

func TestLoadStateRejectsInvalid(t *testing.T) {
	_, err := LoadState([]byte(`{"version": 99}`))
	assert.ErrorContains(t, err, "version")

	_, err = LoadState([]byte(`{"version": 1, "runs_in_training": ["a"], "runs_completed": ["a"]}`))
	assert.ErrorContains(t, err, "more than one phase")

	_, err = LoadState([]byte(`not json`))
	assert.Error(t, err)

	state, err := LoadState([]byte(`{"version": 1}`))
	require.NoError(t, err)
	assert.NotNil(t, state.RunsInEval)
	assert.NotNil(t, state.Dispatched)
}

func TestStateClone(t *testing.T) {
	state := NewState()
	state.RunsInTraining.Add("a")

	clone := state.Clone()
	clone.RunsInTraining.Add("b")
	clone.moveToEval("a")

	assert.True(t, state.RunsInTraining.Has("a"))
	assert.False(t, state.RunsInTraining.Has("b"))
	assert.True(t, clone.RunsInEval.Has("a"))
}

func TestStateTransitions(t *testing.T) {
	state := NewState()
	state.RunsInTraining.Add("a")

	state.moveToEval("a")
	assert.Equal(t, "eval", state.phase("a"))

	state.complete("a")
	assert.Equal(t, "completed", state.phase("a"))

	// Never backwards.
	state.moveToEval("a")
	assert.Equal(t, "completed", state.phase("a"))
	assert.NoError(t, state.Validate())
}

func TestFilePersister(t *testing.T) {
	ctx := context.Background()
	p := FilePersister{Dir: t.TempDir()}

	data, err := p.LoadState(ctx, "exp")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, p.SaveState(ctx, "exp", []byte(`{"version":1}`)))
	require.NoError(t, p.SaveState(ctx, "exp", []byte(`{"version":1,"trials_issued":3}`)))

	data, err = p.LoadState(ctx, "exp")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"trials_issued":3}`, string(data))
}
