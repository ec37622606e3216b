package protein

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

//////
// Const, vars, types.
//////

// maxExpansion caps how far the search radius grows while the best score stalls.
const maxExpansion = 4.0

// Protein is a multi-objective Bayesian optimizer. It maximizes score while
// minimizing cost: observations feed a Gaussian-process surrogate, candidates
// are drawn around the score-vs-cost Pareto front and ranked with an
// acquisition function.
//
// Thread safety:
// - Observe and Suggest are serialized by an internal mutex
// - Safe for concurrent access from multiple goroutines
type Protein struct {
	mu sync.Mutex

	hyperparameters *Hyperparameters
	config          Config
	acquisition     AcquisitionFunc
	surrogate       Surrogate
	rng             *rand.Rand
	log             logr.Logger

	observations []Observation

	// bestScore and stall drive the search expansion: stall counts successful
	// observations since bestScore last improved.
	bestScore float64
	hasBest   bool
	stall     int
}

// Option customizes a Protein at construction.
type Option func(*Protein)

// WithSurrogate replaces the default Gaussian-process surrogate.
func WithSurrogate(s Surrogate) Option {
	return func(p *Protein) {
		p.surrogate = s
	}
}

// WithLogger sets the logger used for per-suggestion diagnostics.
func WithLogger(log logr.Logger) Option {
	return func(p *Protein) {
		p.log = log
	}
}

//////
// Methods.
//////

// Hyperparameters returns the search space.
func (p *Protein) Hyperparameters() *Hyperparameters {
	return p.hyperparameters
}

// Config returns the optimizer configuration after defaults were applied.
func (p *Protein) Config() Config {
	return p.config
}

// Observations returns a copy of the observation log.
func (p *Protein) Observations() []Observation {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Observation, len(p.observations))
	copy(out, p.observations)

	return out
}

// Observe records the outcome of a hyperparameter set. hypers may be nested or
// flat and must contain every parameter of the search space. Non-finite scores
// or costs are recorded as failures.
//
// Failed observations are excluded from the Pareto front and enter the score
// model with a penalized score, so the acquisition function steers away from
// that region.
func (p *Protein) Observe(hypers map[string]any, score, cost float64, isFailure bool) error {
	vector, err := p.hyperparameters.FromDict(hypers)
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}

	p.ObserveVector(vector, score, cost, isFailure)

	return nil
}

// ObserveVector is Observe for an already normalized vector.
func (p *Protein) ObserveVector(vector []float64, score, cost float64, isFailure bool) {
	if !isFinite(score) || !isFinite(cost) {
		isFailure = true
	}

	input := make([]float64, len(vector))
	copy(input, vector)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.observations = append(p.observations, Observation{
		Input:     input,
		Score:     score,
		Cost:      cost,
		IsFailure: isFailure,
	})

	if isFailure {
		return
	}

	switch {
	case !p.hasBest || score > p.bestScore+p.config.ParetoEps:
		p.bestScore, p.hasBest, p.stall = score, true, 0
	default:
		p.stall++
	}
}

// Suggest proposes n hyperparameter sets. fill provides values for keys outside
// the search space and is copied into every suggestion.
//
// Each suggestion has a decision index k = len(observations) + i. The index
// alone decides the branch taken:
// - k == 0 with SeedWithSearchCenter: the search centre, an exploration
//   point like the random samples that follow it
// - fewer than NumRandomSamples successes: space-filling random sample
// - every ResampleFrequency-th decision: an existing Pareto point
// - every 1/ExplorationRate-th decision: the most uncertain random candidate
// - otherwise: the best acquisition value among candidates around the front
//
// When the surrogate cannot be fit the random branch is used instead, so
// Suggest only fails on invalid input.
func (p *Protein) Suggest(n int, fill map[string]any) ([]Suggestion, error) {
	if n < 0 {
		return nil, fmt.Errorf("suggest: negative count %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Suggestion, 0, n)

	// pending holds the points chosen earlier in this batch. Points picked
	// from the model are also believed: they enter the next fit with their
	// predicted outcome so later picks spread out.
	var pending, believed []Observation

	for i := 0; i < n; i++ {
		k := len(p.observations) + i

		vector, info := p.suggestOne(k, pending, believed)

		p.log.V(1).Info("suggestion",
			"decision", k,
			"phase", info.Phase,
			"predictedScore", info.PredictedScore,
			"predictedCost", info.PredictedCost,
			"candidates", info.Candidates,
		)

		guess := Observation{
			Input: vector,
			Score: info.PredictedScore,
			Cost:  info.PredictedCost,
		}

		pending = append(pending, guess)

		if info.Phase == PhaseAcquisition || info.Phase == PhaseResample {
			believed = append(believed, guess)
		}

		out = append(out, Suggestion{
			Params: p.hyperparameters.ToDict(vector, fill),
			Vector: vector,
			Info:   info,
		})
	}

	return out, nil
}

func (p *Protein) suggestOne(k int, pending, believed []Observation) ([]float64, SuggestionInfo) {
	if k == 0 && p.config.SeedWithSearchCenter {
		return p.hyperparameters.SearchCenter(), SuggestionInfo{Phase: PhaseSearchCenter}
	}

	if p.successes() < p.config.NumRandomSamples {
		return p.randomSample(pending), SuggestionInfo{Phase: PhaseRandom, Candidates: p.config.RandomSuggestions}
	}

	front, _ := ParetoPoints(p.observations, p.config.ParetoEps)
	if len(front) == 0 {
		return p.randomSample(pending), SuggestionInfo{Phase: PhaseFallback, Candidates: p.config.RandomSuggestions}
	}

	if p.config.ResampleFrequency > 0 && k%p.config.ResampleFrequency == p.config.ResampleFrequency-1 {
		pick := front[p.rng.Intn(len(front))]

		vector := make([]float64, len(pick.Input))
		copy(vector, pick.Input)

		return vector, SuggestionInfo{
			Phase:          PhaseResample,
			PredictedScore: pick.Score,
			PredictedCost:  pick.Cost,
			ParetoSize:     len(front),
		}
	}

	if err := p.fit(front, believed); err != nil {
		p.log.V(1).Info("surrogate fit failed, sampling at random", "error", err.Error())

		return p.randomSample(pending), SuggestionInfo{Phase: PhaseFallback, ParetoSize: len(front)}
	}

	if p.explorationDue(k) {
		return p.explore(front)
	}

	vector, info, ok := p.acquire(front)
	if !ok {
		return p.randomSample(pending), SuggestionInfo{Phase: PhaseFallback, ParetoSize: len(front)}
	}

	return vector, info
}

// fit trains the surrogate on the observation log (or the front only) plus the
// believed points of the current batch.
func (p *Protein) fit(front, believed []Observation) error {
	data := p.observations
	if p.config.FitOnParetoOnly {
		data = front
	}

	data = append(append([]Observation{}, data...), believed...)

	points, scores, costs := p.trainingSet(data)

	return p.surrogate.Fit(points, scores, costs)
}

// trainingSet replaces failure scores by minScore - FailurePenalty*spread and
// missing failure costs by the highest observed cost.
func (p *Protein) trainingSet(data []Observation) (points [][]float64, scores, costs []float64) {
	var okScores, okCosts []float64

	for _, o := range data {
		if !o.IsFailure {
			okScores = append(okScores, o.Score)
			okCosts = append(okCosts, o.Cost)
		}
	}

	lo, hi := minMax(okScores)

	spread := hi - lo
	if spread < 1e-12 {
		spread = math.Max(math.Abs(lo), 1)
	}

	penalty := lo - p.config.FailurePenalty*spread

	_, maxCost := minMax(okCosts)

	for _, o := range data {
		points = append(points, o.Input)

		if !o.IsFailure {
			scores = append(scores, o.Score)
			costs = append(costs, o.Cost)

			continue
		}

		scores = append(scores, penalty)

		if isFinite(o.Cost) {
			costs = append(costs, o.Cost)
		} else {
			costs = append(costs, maxCost)
		}
	}

	return points, scores, costs
}

// acquire draws SuggestionsPerPareto candidates around each front point and
// keeps the best one under MaxSuggestionCost. ok is false when every candidate
// is over budget.
func (p *Protein) acquire(front []Observation) ([]float64, SuggestionInfo, bool) {
	centers := make([][]float64, len(front))
	frontScores := make([]float64, len(front))
	frontCosts := make([]float64, len(front))

	for i, o := range front {
		centers[i] = o.Input
		frontScores[i] = o.Score
		frontCosts[i] = o.Cost
	}

	scale := p.config.GlobalSearchScale * math.Min(1+p.config.ExpansionRate*float64(p.stall), maxExpansion)

	candidates := p.hyperparameters.SampleVectors(p.rng, p.config.SuggestionsPerPareto*len(front), centers, scale)

	scoreLo, scoreHi := minMax(frontScores)
	costLo, costHi := minMax(frontCosts)

	scoreSpan := math.Max(scoreHi-scoreLo, 1e-6)
	costSpan := math.Max(costHi-costLo, 1e-6)

	params := AcquisitionParams{
		Beta:        p.config.UCBBeta,
		Xi:          0.01,
		BestSoFar:   (p.bestScore - scoreLo) / scoreSpan,
		RandomState: p.rng,
	}

	if p.config.RandomizeAcquisition {
		params.Beta *= p.rng.ExpFloat64()
	}

	targetCost := p.rng.Float64() * (1 + p.config.ExpansionRate)

	var (
		best     []float64
		bestInfo SuggestionInfo
		bestAcq  = math.Inf(-1)
	)

	for _, c := range candidates {
		pred := p.surrogate.Predict(c)
		if pred.CostMean > p.config.MaxSuggestionCost {
			continue
		}

		mean := (pred.ScoreMean - scoreLo) / scoreSpan
		std := pred.ScoreStd / scoreSpan

		var acq float64

		if p.acquisition == nil {
			acq = naiveAcquisition(mean, (pred.CostMean-costLo)/costSpan, targetCost)
		} else {
			acq = p.acquisition(mean, std*std, params)
		}

		if !isFinite(acq) || acq <= bestAcq {
			continue
		}

		best, bestAcq = c, acq
		bestInfo = SuggestionInfo{
			Phase:          PhaseAcquisition,
			PredictedScore: pred.ScoreMean,
			PredictedCost:  pred.CostMean,
			ScoreStd:       pred.ScoreStd,
			Acquisition:    acq,
			ParetoSize:     len(front),
			Candidates:     len(candidates),
		}
	}

	return best, bestInfo, best != nil
}

// explore picks the random candidate the surrogate is least certain about.
func (p *Protein) explore(front []Observation) ([]float64, SuggestionInfo) {
	candidates := p.uniform(p.config.RandomSuggestions)

	var (
		best []float64
		info = SuggestionInfo{Phase: PhaseRandom, ParetoSize: len(front), Candidates: len(candidates)}
		std  = -1.0
	)

	for _, c := range candidates {
		pred := p.surrogate.Predict(c)
		if pred.ScoreStd > std {
			best, std = c, pred.ScoreStd
			info.PredictedScore, info.PredictedCost, info.ScoreStd = pred.ScoreMean, pred.CostMean, pred.ScoreStd
		}
	}

	return best, info
}

// randomSample draws RandomSuggestions points around the search centre and
// returns the one farthest from every observed and pending point.
func (p *Protein) randomSample(pending []Observation) []float64 {
	candidates := p.hyperparameters.SampleVectors(p.rng, max(p.config.RandomSuggestions, 1), nil, p.config.GlobalSearchScale)

	seen := make([][]float64, 0, len(p.observations)+len(pending))
	for _, o := range p.observations {
		seen = append(seen, o.Input)
	}

	for _, o := range pending {
		seen = append(seen, o.Input)
	}

	if len(seen) == 0 {
		return candidates[0]
	}

	var (
		best     []float64
		bestDist = -1.0
	)

	for _, c := range candidates {
		nearest := math.Inf(1)
		for _, s := range seen {
			nearest = math.Min(nearest, squaredDistance(c, s))
		}

		if nearest > bestDist {
			best, bestDist = c, nearest
		}
	}

	return best
}

// uniform draws n points uniformly over the whole normalized space.
func (p *Protein) uniform(n int) [][]float64 {
	out := make([][]float64, max(n, 1))
	for i := range out {
		point := make([]float64, p.hyperparameters.Dim())
		for d := range point {
			point[d] = 2*p.rng.Float64() - 1
		}

		out[i] = point
	}

	return out
}

func (p *Protein) explorationDue(k int) bool {
	if p.config.ExplorationRate <= 0 {
		return false
	}

	every := int(math.Max(math.Round(1/p.config.ExplorationRate), 1))

	return k%every == every-1
}

func (p *Protein) successes() int {
	var n int

	for _, o := range p.observations {
		if !o.IsFailure {
			n++
		}
	}

	return n
}

// Validate checks the optimizer settings.
func (c Config) Validate() error {
	switch {
	case c.MaxSuggestionCost <= 0:
		return configErrorf("max_suggestion_cost", "must be positive, got %v", c.MaxSuggestionCost)
	case c.ResampleFrequency < 0:
		return configErrorf("resample_frequency", "must not be negative, got %d", c.ResampleFrequency)
	case c.NumRandomSamples < 0:
		return configErrorf("num_random_samples", "must not be negative, got %d", c.NumRandomSamples)
	case c.GlobalSearchScale <= 0:
		return configErrorf("global_search_scale", "must be positive, got %v", c.GlobalSearchScale)
	case c.RandomSuggestions <= 0:
		return configErrorf("random_suggestions", "must be positive, got %d", c.RandomSuggestions)
	case c.SuggestionsPerPareto <= 0:
		return configErrorf("suggestions_per_pareto", "must be positive, got %d", c.SuggestionsPerPareto)
	case c.ExpansionRate < 0:
		return configErrorf("expansion_rate", "must not be negative, got %v", c.ExpansionRate)
	case c.UCBBeta < 0:
		return configErrorf("ucb_beta", "must not be negative, got %v", c.UCBBeta)
	case c.ExplorationRate < 0 || c.ExplorationRate > 1:
		return configErrorf("exploration_rate", "must be in [0, 1], got %v", c.ExplorationRate)
	case c.FailurePenalty < 0:
		return configErrorf("failure_penalty", "must not be negative, got %v", c.FailurePenalty)
	case c.ParetoEps < 0:
		return configErrorf("pareto_eps", "must not be negative, got %v", c.ParetoEps)
	case c.Lengthscale < 0:
		return configErrorf("lengthscale", "must not be negative, got %v", c.Lengthscale)
	}

	return validAcquisition(c.AcquisitionFn)
}

//////
// Factory.
//////

// DefaultConfig returns a Config with recommended values:
// - UCB acquisition with Beta 2
// - 10 random samples before the surrogate is trusted
// - 256 candidates per Pareto point
// - the first suggestion at the search centre
func DefaultConfig() Config {
	return Config{
		MaxSuggestionCost:    3600,
		ResampleFrequency:    0,
		NumRandomSamples:     10,
		GlobalSearchScale:    1,
		RandomSuggestions:    1024,
		SuggestionsPerPareto: 256,
		ExpansionRate:        0.25,
		AcquisitionFn:        AcquisitionUCB,
		UCBBeta:              2,
		SeedWithSearchCenter: true,
		FailurePenalty:       1,
		ParetoEps:            1e-6,
	}
}

// New builds a Protein over the given search space.
//
// Returns a *ConfigurationError when the space or config is invalid.
//
// Usage example:
//
//	p, err := protein.New(map[string]protein.ParameterConfig{
//	    "trainer.optimizer.learning_rate": {Min: 1e-5, Max: 1e-2, Distribution: protein.Log},
//	}, protein.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//
//	suggestions, err := p.Suggest(4, nil)
func New(space map[string]ParameterConfig, config Config, opts ...Option) (*Protein, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	hp, err := NewHyperparameters(space)
	if err != nil {
		return nil, err
	}

	acquisition, err := acquisitionFor(config.AcquisitionFn)
	if err != nil {
		return nil, err
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	p := &Protein{
		hyperparameters: hp,
		config:          config,
		acquisition:     acquisition,
		surrogate:       NewGPSurrogate(config.Lengthscale),
		rng:             rand.New(rand.NewSource(seed)),
		log:             logr.Discard(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}
