package protein

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

const (
	// defaultNoise is the observation noise added to the kernel diagonal, in
	// standardized target units.
	defaultNoise = 1e-3

	// minVariance floors predicted variances so acquisition functions never
	// divide by zero.
	minVariance = 1e-12
)

// lengthscaleGrid is searched by Fit for the kernel width that maximizes the
// log marginal likelihood. Inputs live in [-1, 1], so the grid spans from very
// local to almost flat.
var lengthscaleGrid = []float64{0.05, 0.1, 0.2, 0.35, 0.5, 0.75, 1, 1.5, 2, 3}

// Surrogate predicts score and cost for unobserved points. Protein only needs
// these two calls, so any regression model can be plugged in with WithSurrogate.
type Surrogate interface {
	// Fit trains the model. points are normalized vectors, scores and costs the
	// targets at each point. An error makes the optimizer fall back to random
	// exploration for the current suggestion.
	Fit(points [][]float64, scores, costs []float64) error

	// Predict returns the posterior mean and standard deviation at point.
	Predict(point []float64) Prediction
}

// gaussianProcess implements a thread-safe exact Gaussian Process regression
// with an RBF kernel over multidimensional inputs.
//
// Fields:
// - mu: RWMutex for thread-safe access to all fields
// - X: Observed input points (normalized hyperparameter vectors)
// - Y: Observed targets at each input point
// - sigma: Kernel width controlling the smoothness of interpolation
// - noise: Diagonal jitter, in standardized target units
// - chol, alpha: Cached factorization of the kernel matrix and K^-1 y
//
// Thread safety:
// - Uses RLock for read operations (Predict)
// - Uses Lock for write operations (Update, Fit, SetSigma)
//
// Memory usage:
// - O(n^2) for the cached Cholesky factor, where n is the number of observations.
type gaussianProcess struct {
	mu sync.RWMutex

	X [][]float64
	Y []float64

	sigma float64
	noise float64

	// fixedSigma disables the lengthscale search in Fit.
	fixedSigma bool

	yMean float64
	yStd  float64

	chol  *mat.Cholesky
	alpha *mat.VecDense
}

//////
// Methods.
//////

// Update adds a new observation to the model. The cached factorization is
// dropped, so Fit must be called before the next Predict.
//
// Important notes:
// - Copies x to prevent external modifications.
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	newX := make([]float64, len(x))
	copy(newX, x)

	gp.X = append(gp.X, newX)
	gp.Y = append(gp.Y, y)

	gp.chol, gp.alpha = nil, nil
}

// Fit factorizes the kernel matrix of the current observations. Unless the
// width was pinned with SetSigma, every value of the lengthscale grid is tried
// and the one with the highest log marginal likelihood is kept.
//
// Returns:
// - ErrDegenerateSurrogate when there are no observations, the targets are not
//   finite, or no factorization succeeds.
//
// Performance considerations:
// - O(g * n^3) where g is the grid size.
func (gp *gaussianProcess) Fit() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	n := len(gp.X)
	if n == 0 {
		return fmt.Errorf("%w: no observations", ErrDegenerateSurrogate)
	}

	for _, y := range gp.Y {
		if !isFinite(y) {
			return fmt.Errorf("%w: non-finite target", ErrDegenerateSurrogate)
		}
	}

	gp.yMean, gp.yStd = meanStd(gp.Y)

	ys := mat.NewVecDense(n, nil)
	for i, y := range gp.Y {
		ys.SetVec(i, (y-gp.yMean)/gp.yStd)
	}

	candidates := lengthscaleGrid
	if gp.fixedSigma {
		candidates = []float64{gp.sigma}
	}

	bestLML := math.Inf(-1)

	var (
		bestChol  *mat.Cholesky
		bestAlpha *mat.VecDense
		bestSigma float64
	)

	for _, sigma := range candidates {
		chol, ok := factorize(gp.X, sigma, gp.noise)
		if !ok {
			continue
		}

		alpha := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(alpha, ys); err != nil {
			continue
		}

		lml := -0.5*mat.Dot(ys, alpha) - 0.5*chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
		if lml > bestLML {
			bestLML, bestChol, bestAlpha, bestSigma = lml, chol, alpha, sigma
		}
	}

	if bestChol == nil {
		return fmt.Errorf("%w: kernel matrix is not positive definite", ErrDegenerateSurrogate)
	}

	gp.chol, gp.alpha, gp.sigma = bestChol, bestAlpha, bestSigma

	return nil
}

// Predict estimates the target and its uncertainty at x.
//
// Returns:
// - mean: Posterior mean in target units
// - variance: Posterior variance in target units squared
//
// Important notes:
// - Returns (0, 1) when the model has not been fit.
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if gp.chol == nil {
		return 0, 1
	}

	n := len(gp.X)

	ks := mat.NewVecDense(n, nil)
	for i := range gp.X {
		ks.SetVec(i, rbf(x, gp.X[i], gp.sigma))
	}

	mean = mat.Dot(ks, gp.alpha)*gp.yStd + gp.yMean

	v := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(v, ks); err != nil {
		return mean, gp.yStd * gp.yStd
	}

	variance = math.Max(1-mat.Dot(ks, v), minVariance) * gp.yStd * gp.yStd

	return mean, variance
}

// SetSigma pins the kernel width. Fit will no longer search the grid.
func (gp *gaussianProcess) SetSigma(sigma float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.sigma = sigma
	gp.fixedSigma = true
	gp.chol, gp.alpha = nil, nil
}

// gpSurrogate models score and cost with two independent Gaussian processes.
// A positive lengthscale pins the kernel width of both.
type gpSurrogate struct {
	lengthscale float64

	score *gaussianProcess
	cost  *gaussianProcess
}

// Fit implements Surrogate.
func (s *gpSurrogate) Fit(points [][]float64, scores, costs []float64) error {
	if len(points) != len(scores) || len(points) != len(costs) {
		return fmt.Errorf("%w: %d points, %d scores, %d costs", ErrDegenerateSurrogate, len(points), len(scores), len(costs))
	}

	if distinctPoints(points) < 2 {
		return fmt.Errorf("%w: fewer than two distinct points", ErrDegenerateSurrogate)
	}

	score, cost := newGaussianProcess(), newGaussianProcess()
	if s.lengthscale > 0 {
		score.SetSigma(s.lengthscale)
		cost.SetSigma(s.lengthscale)
	}

	for i, p := range points {
		score.Update(p, scores[i])
		cost.Update(p, costs[i])
	}

	if err := score.Fit(); err != nil {
		return fmt.Errorf("score model: %w", err)
	}

	if err := cost.Fit(); err != nil {
		return fmt.Errorf("cost model: %w", err)
	}

	s.score, s.cost = score, cost

	return nil
}

// Predict implements Surrogate.
func (s *gpSurrogate) Predict(point []float64) Prediction {
	if s.score == nil {
		return Prediction{ScoreStd: 1, CostStd: 1}
	}

	sm, sv := s.score.Predict(point)
	cm, cv := s.cost.Predict(point)

	return Prediction{
		ScoreMean: sm,
		ScoreStd:  math.Sqrt(sv),
		CostMean:  cm,
		CostStd:   math.Sqrt(cv),
	}
}

//////
// Factory.
//////

// newGaussianProcess creates a model with sigma = 1 (suitable for normalized
// inputs) and the default noise level.
func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{
		sigma: 1.0,
		noise: defaultNoise,
		yStd:  1,
	}
}

// NewGPSurrogate returns the default Surrogate: exact Gaussian-process
// regressions for score and cost. A zero lengthscale lets each model pick its
// own by marginal likelihood.
func NewGPSurrogate(lengthscale float64) Surrogate {
	return &gpSurrogate{lengthscale: lengthscale}
}

//////
// Helper functions.
//////

func rbf(x1, x2 []float64, sigma float64) float64 {
	return math.Exp(-squaredDistance(x1, x2) / (2 * sigma * sigma))
}

// factorize builds K + noise*I and its Cholesky factor. When the matrix is
// numerically singular the jitter is raised a few times before giving up.
func factorize(xs [][]float64, sigma, noise float64) (*mat.Cholesky, bool) {
	n := len(xs)

	for jitter := noise; jitter <= 1e-1; jitter *= 10 {
		k := mat.NewSymDense(n, nil)

		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v := rbf(xs[i], xs[j], sigma)
				if i == j {
					v += jitter
				}

				k.SetSym(i, j, v)
			}
		}

		var chol mat.Cholesky
		if chol.Factorize(k) {
			return &chol, true
		}
	}

	return nil, false
}

// meanStd returns the mean and standard deviation of ys. A zero spread is
// reported as 1 so standardization stays well defined.
func meanStd(ys []float64) (mean, std float64) {
	for _, y := range ys {
		mean += y
	}

	mean /= float64(len(ys))

	for _, y := range ys {
		std += (y - mean) * (y - mean)
	}

	std = math.Sqrt(std / float64(len(ys)))
	if std < 1e-12 {
		std = 1
	}

	return mean, std
}

func distinctPoints(points [][]float64) int {
	var distinct [][]float64

outer:
	for _, p := range points {
		for _, q := range distinct {
			if squaredDistance(p, q) < 1e-18 {
				continue outer
			}
		}

		distinct = append(distinct, p)
	}

	return len(distinct)
}
