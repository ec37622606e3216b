package protein

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRBFKernel(t *testing.T) {
	assert.Equal(t, 1.0, rbf([]float64{0.3, -0.2}, []float64{0.3, -0.2}, 1))
	assert.InDelta(t, math.Exp(-0.5), rbf([]float64{0}, []float64{1}, 1), 1e-12)
	assert.Less(t, rbf([]float64{-1}, []float64{1}, 1), rbf([]float64{0}, []float64{1}, 1))
	assert.Less(t, rbf([]float64{0}, []float64{1}, 0.5), rbf([]float64{0}, []float64{1}, 1))
}

func TestGaussianProcessFitPredict(t *testing.T) {
	gp := newGaussianProcess()

	f := func(x float64) float64 { return math.Sin(3 * x) }

	for i := 0; i < 15; i++ {
		x := -1 + 2*float64(i)/14
		gp.Update([]float64{x}, f(x))
	}

	require.NoError(t, gp.Fit())

	for _, x := range []float64{-0.5, 0.1, 0.7} {
		mean, variance := gp.Predict([]float64{x})
		assert.InDelta(t, f(x), mean, 0.1, "x=%v", x)
		assert.Less(t, variance, 0.05)
	}

	_, near := gp.Predict([]float64{0})
	_, far := gp.Predict([]float64{10})
	assert.Greater(t, far, near)
}

func TestGaussianProcessUnfit(t *testing.T) {
	gp := newGaussianProcess()

	mean, variance := gp.Predict([]float64{0.5})
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 1.0, variance)

	assert.ErrorIs(t, gp.Fit(), ErrDegenerateSurrogate)

	gp.Update([]float64{0}, math.NaN())
	assert.ErrorIs(t, gp.Fit(), ErrDegenerateSurrogate)
}

func TestGaussianProcessSetSigma(t *testing.T) {
	gp := newGaussianProcess()
	gp.SetSigma(0.42)

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 8; i++ {
		x := []float64{2*rng.Float64() - 1, 2*rng.Float64() - 1}
		gp.Update(x, x[0]+x[1])
	}

	require.NoError(t, gp.Fit())
	assert.Equal(t, 0.42, gp.sigma)
}

func TestGaussianProcessConstantTargets(t *testing.T) {
	gp := newGaussianProcess()

	for _, x := range []float64{-0.5, 0, 0.5} {
		gp.Update([]float64{x}, 3)
	}

	require.NoError(t, gp.Fit())

	mean, _ := gp.Predict([]float64{0.25})
	assert.InDelta(t, 3, mean, 1e-6)
}

func TestGPSurrogate(t *testing.T) {
	s := NewGPSurrogate(0)

	// Nothing fit yet: the prior.
	assert.Equal(t, Prediction{ScoreStd: 1, CostStd: 1}, s.Predict([]float64{0}))

	points := [][]float64{{-0.8}, {-0.3}, {0.2}, {0.6}, {0.9}}
	scores := []float64{0.1, 0.4, 0.8, 0.6, 0.3}
	costs := []float64{1, 2, 3, 4, 5}

	require.NoError(t, s.Fit(points, scores, costs))

	pred := s.Predict([]float64{0.2})
	assert.InDelta(t, 0.8, pred.ScoreMean, 0.05)
	assert.InDelta(t, 3, pred.CostMean, 0.2)
	assert.GreaterOrEqual(t, pred.ScoreStd, 0.0)
}

func TestGPSurrogateLengthscale(t *testing.T) {
	points := [][]float64{{-0.8}, {-0.3}, {0.2}, {0.6}, {0.9}}
	scores := []float64{0.1, 0.4, 0.8, 0.6, 0.3}
	costs := []float64{1, 2, 3, 4, 5}

	pinned := NewGPSurrogate(0.3).(*gpSurrogate)
	require.NoError(t, pinned.Fit(points, scores, costs))
	assert.Equal(t, 0.3, pinned.score.sigma)
	assert.Equal(t, 0.3, pinned.cost.sigma)

	searched := NewGPSurrogate(0).(*gpSurrogate)
	require.NoError(t, searched.Fit(points, scores, costs))
	assert.Contains(t, lengthscaleGrid, searched.score.sigma)
}

func TestGPSurrogateDegenerate(t *testing.T) {
	s := NewGPSurrogate(0)

	err := s.Fit([][]float64{{0.1}, {0.1}}, []float64{1, 2}, []float64{1, 1})
	assert.ErrorIs(t, err, ErrDegenerateSurrogate)

	err = s.Fit([][]float64{{0.1}, {0.2}}, []float64{1}, []float64{1, 1})
	assert.ErrorIs(t, err, ErrDegenerateSurrogate)
}
