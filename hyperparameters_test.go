package protein

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/protein/models"
)

func testSpace() map[string]ParameterConfig {
	return map[string]ParameterConfig{
		"trainer.optimizer.learning_rate": {Min: 1e-5, Max: 1e-2, Distribution: Log},
		"trainer.batch_size":              {Min: 256, Max: 8192, Distribution: Pow2},
		"trainer.ppo.gamma":               {Min: 0.9, Max: 0.999, Distribution: Logit},
		"trainer.epochs":                  {Min: 1, Max: 10, IsInteger: true},
	}
}

func TestHyperparametersOrder(t *testing.T) {
	hp, err := NewHyperparameters(testSpace())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"trainer.batch_size",
		"trainer.epochs",
		"trainer.optimizer.learning_rate",
		"trainer.ppo.gamma",
	}, hp.Names())
	assert.Equal(t, 4, hp.Dim())
}

func TestHyperparametersEmpty(t *testing.T) {
	_, err := NewHyperparameters(nil)
	require.Error(t, err)

	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestHyperparametersRoundTrip(t *testing.T) {
	hp, err := NewHyperparameters(testSpace())
	require.NoError(t, err)

	d := map[string]any{
		"trainer": map[string]any{
			"batch_size": 1024,
			"epochs":     4,
			"optimizer":  map[string]any{"learning_rate": 3e-4},
			"ppo":        map[string]any{"gamma": 0.99},
		},
	}

	vector, err := hp.FromDict(d)
	require.NoError(t, err)

	got := hp.ToDict(vector, nil)

	trainer := got["trainer"].(map[string]any)
	assert.Equal(t, 1024, trainer["batch_size"])
	assert.Equal(t, 4, trainer["epochs"])
	assert.InDelta(t, 3e-4, trainer["optimizer"].(map[string]any)["learning_rate"], 1e-12)
	assert.InDelta(t, 0.99, trainer["ppo"].(map[string]any)["gamma"], 1e-9)
}

func TestHyperparametersFlatDict(t *testing.T) {
	hp, err := NewHyperparameters(testSpace())
	require.NoError(t, err)

	flat := map[string]any{
		"trainer.batch_size":              2048.0,
		"trainer.epochs":                  int64(2),
		"trainer.optimizer.learning_rate": 1e-3,
		"trainer.ppo.gamma":               0.95,
	}

	vector, err := hp.FromDict(flat)
	require.NoError(t, err)

	got := hp.ToDict(vector, nil)

	want := map[string]float64{
		"trainer.batch_size":              2048,
		"trainer.epochs":                  2,
		"trainer.optimizer.learning_rate": 1e-3,
		"trainer.ppo.gamma":               0.95,
	}

	for name, v := range want {
		raw, ok := models.Lookup(got, name)
		require.True(t, ok, name)

		value, ok := models.AsFloat(raw)
		require.True(t, ok, name)
		assert.InDelta(t, v, value, 1e-9, name)
	}
}

func TestHyperparametersMissingKey(t *testing.T) {
	hp, err := NewHyperparameters(testSpace())
	require.NoError(t, err)

	_, err = hp.FromDict(map[string]any{"trainer": map[string]any{"epochs": 3}})
	assert.ErrorContains(t, err, "missing")

	_, err = hp.FromDict(map[string]any{
		"trainer.batch_size":              "large",
		"trainer.epochs":                  2,
		"trainer.optimizer.learning_rate": 1e-3,
		"trainer.ppo.gamma":               0.95,
	})
	assert.ErrorContains(t, err, "not numeric")
}

func TestHyperparametersFillIsCopied(t *testing.T) {
	hp, err := NewHyperparameters(testSpace())
	require.NoError(t, err)

	fill := map[string]any{
		"env":     "navigation",
		"trainer": map[string]any{"total_timesteps": 1000000},
	}

	got := hp.ToDict(hp.SearchCenter(), fill)

	assert.Equal(t, "navigation", got["env"])
	assert.Equal(t, 1000000, got["trainer"].(map[string]any)["total_timesteps"])
	assert.Contains(t, got["trainer"], "batch_size")

	// The caller's fill is untouched.
	assert.NotContains(t, fill["trainer"], "batch_size")
}

func TestHyperparametersSample(t *testing.T) {
	hp, err := NewHyperparameters(testSpace())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))

	vectors, dicts := hp.Sample(rng, 64, nil, 1, nil)
	require.Len(t, vectors, 64)
	require.Len(t, dicts, 64)

	for i, v := range vectors {
		for _, x := range v {
			assert.GreaterOrEqual(t, x, -1.0)
			assert.LessOrEqual(t, x, 1.0)
		}

		lr := dicts[i]["trainer"].(map[string]any)["optimizer"].(map[string]any)["learning_rate"].(float64)
		assert.GreaterOrEqual(t, lr, 1e-5)
		assert.LessOrEqual(t, lr, 1e-2)
	}
}

func TestHyperparametersSampleAroundCenters(t *testing.T) {
	hp, err := NewHyperparameters(map[string]ParameterConfig{
		"x": {Min: 0, Max: 1, Scale: 0.1},
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	center := []float64{0.8}

	for _, v := range hp.SampleVectors(rng, 100, [][]float64{center}, 1) {
		assert.InDelta(t, 0.8, v[0], 0.1+1e-12)
	}
}
