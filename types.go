package protein

import (
	"math/rand"
)

// Distribution selects how a hyperparameter is mapped between its raw value and
// the normalized space the optimizer works in.
type Distribution string

const (
	// Linear maps [Min, Max] affinely onto [-1, 1].
	Linear Distribution = "linear"

	// Log maps the base-10 logarithm of [Min, Max] onto [-1, 1]. Min must be
	// strictly positive.
	Log Distribution = "log"

	// Logit maps the log-odds of a value in (0, 1) onto [-1, 1]. Useful for
	// quantities such as discount factors or GAE lambda that crowd near 1.
	Logit Distribution = "logit"

	// Pow2 maps log2 of [Min, Max] onto [-1, 1] and snaps unnormalized values to
	// the nearest power of two. Typically used for batch sizes.
	Pow2 Distribution = "pow2"
)

// Valid reports whether d is one of the supported distributions.
func (d Distribution) Valid() bool {
	switch d {
	case Linear, Log, Logit, Pow2:
		return true
	default:
		return false
	}
}

// DefaultSearchScale is used when a ParameterConfig leaves Scale at zero.
const DefaultSearchScale = 0.5

// ParameterConfig describes one hyperparameter of the search space. It is built
// once from the sweep configuration and never modified afterwards.
//
// Fields:
// - Min, Max: inclusive bounds of the raw value (Min < Max)
// - Scale: width of the random search around the centre, in normalized units
// - Mean: optional search centre as a raw value; nil selects the middle of the range
// - Distribution: transform used for normalization
// - IsInteger: round unnormalized values to the nearest integer
//
// Usage:
//
//	lr := ParameterConfig{
//	    Min:          1e-5,
//	    Max:          1e-2,
//	    Mean:         Float(3e-4),
//	    Distribution: Log,
//	}
type ParameterConfig struct {
	Min          float64      `json:"min" yaml:"min" mapstructure:"min"`
	Max          float64      `json:"max" yaml:"max" mapstructure:"max"`
	Scale        float64      `json:"scale,omitempty" yaml:"scale,omitempty" mapstructure:"scale"`
	Mean         *float64     `json:"mean,omitempty" yaml:"mean,omitempty" mapstructure:"mean"`
	Distribution Distribution `json:"distribution" yaml:"distribution" mapstructure:"distribution"`
	IsInteger    bool         `json:"is_integer,omitempty" yaml:"is_integer,omitempty" mapstructure:"is_integer"`
}

// Float returns a pointer to v. Handy for ParameterConfig.Mean literals.
func Float(v float64) *float64 {
	return &v
}

// Acquisition names an acquisition strategy used to rank candidate points.
type Acquisition string

const (
	// AcquisitionNaive weights the predicted score by how close the predicted
	// cost is to a random cost target.
	AcquisitionNaive Acquisition = "naive"

	// AcquisitionEI is Expected Improvement over the best observed score.
	AcquisitionEI Acquisition = "ei"

	// AcquisitionPI is Probability of Improvement over the best observed score.
	AcquisitionPI Acquisition = "pi"

	// AcquisitionUCB is the Upper Confidence Bound, mean + beta * stddev.
	AcquisitionUCB Acquisition = "ucb"

	// AcquisitionThompson draws one posterior sample per candidate.
	AcquisitionThompson Acquisition = "thompson"
)

// Config holds the tunables of the Protein optimizer.
//
// Default values recommendations:
// - NumRandomSamples: 10 (more = better initial model, slower start)
// - SuggestionsPerPareto: 256 (more = better search per suggestion, slower)
// - UCBBeta: 2.0 (higher = more exploration)
//
// Note:
// - A zero Seed seeds the random source from the clock.
type Config struct {
	// MaxSuggestionCost discards candidates whose predicted cost exceeds it.
	MaxSuggestionCost float64 `json:"max_suggestion_cost" yaml:"max_suggestion_cost" mapstructure:"max_suggestion_cost"`

	// ResampleFrequency re-proposes an existing Pareto point every N decisions.
	// Zero disables resampling.
	ResampleFrequency int `json:"resample_frequency" yaml:"resample_frequency" mapstructure:"resample_frequency"`

	// NumRandomSamples is the number of successful observations required before
	// the surrogate model is trusted.
	NumRandomSamples int `json:"num_random_samples" yaml:"num_random_samples" mapstructure:"num_random_samples"`

	// GlobalSearchScale multiplies the per-parameter search scale when
	// perturbing around Pareto points.
	GlobalSearchScale float64 `json:"global_search_scale" yaml:"global_search_scale" mapstructure:"global_search_scale"`

	// RandomSuggestions is the pool size drawn during pure exploration.
	RandomSuggestions int `json:"random_suggestions" yaml:"random_suggestions" mapstructure:"random_suggestions"`

	// SuggestionsPerPareto is the number of candidates drawn around each
	// Pareto point.
	SuggestionsPerPareto int `json:"suggestions_per_pareto" yaml:"suggestions_per_pareto" mapstructure:"suggestions_per_pareto"`

	// ExpansionRate widens the search radius while the best score stalls and
	// stretches the cost target of the naive acquisition.
	ExpansionRate float64 `json:"expansion_rate" yaml:"expansion_rate" mapstructure:"expansion_rate"`

	// AcquisitionFn selects the acquisition strategy.
	AcquisitionFn Acquisition `json:"acquisition_fn" yaml:"acquisition_fn" mapstructure:"acquisition_fn"`

	// UCBBeta is the exploration weight of UCB.
	UCBBeta float64 `json:"ucb_beta" yaml:"ucb_beta" mapstructure:"ucb_beta"`

	// RandomizeAcquisition scales UCBBeta by an Exp(1) draw per suggestion
	// so repeated calls do not collapse onto the same local optimum.
	RandomizeAcquisition bool `json:"randomize_acquisition" yaml:"randomize_acquisition" mapstructure:"randomize_acquisition"`

	// SeedWithSearchCenter makes the very first suggestion the search centre.
	SeedWithSearchCenter bool `json:"seed_with_search_center" yaml:"seed_with_search_center" mapstructure:"seed_with_search_center"`

	// ExplorationRate forces a purely random suggestion every 1/ExplorationRate
	// decisions. Zero disables it.
	ExplorationRate float64 `json:"exploration_rate" yaml:"exploration_rate" mapstructure:"exploration_rate"`

	// FitOnParetoOnly fits the surrogate on Pareto points only instead of all
	// observations.
	FitOnParetoOnly bool `json:"fit_on_pareto_only" yaml:"fit_on_pareto_only" mapstructure:"fit_on_pareto_only"`

	// FailurePenalty controls how far below the worst success a failed
	// observation is placed, in units of the observed score spread.
	FailurePenalty float64 `json:"failure_penalty" yaml:"failure_penalty" mapstructure:"failure_penalty"`

	// ParetoEps is the tolerance under which two scores or costs are equal.
	ParetoEps float64 `json:"pareto_eps" yaml:"pareto_eps" mapstructure:"pareto_eps"`

	// Lengthscale pins the RBF kernel width of the surrogate, in normalized
	// units. Zero searches a grid by marginal likelihood.
	Lengthscale float64 `json:"lengthscale" yaml:"lengthscale" mapstructure:"lengthscale"`

	// Seed seeds the random source. Zero uses the clock.
	Seed int64 `json:"seed" yaml:"seed" mapstructure:"seed"`
}

// Observation is a single evaluated point as seen by the optimizer.
type Observation struct {
	// Input is the normalized hyperparameter vector.
	Input []float64

	// Score is the objective to maximize.
	Score float64

	// Cost is the secondary objective to minimize.
	Cost float64

	// IsFailure marks runs that crashed or produced no usable score.
	IsFailure bool
}

// Phase describes which branch of the optimizer produced a suggestion.
type Phase string

const (
	PhaseSearchCenter Phase = "search_center"
	PhaseRandom       Phase = "random"
	PhaseResample     Phase = "resample"
	PhaseAcquisition  Phase = "acquisition"
	PhaseFallback     Phase = "fallback"
)

// SuggestionInfo carries diagnostics about how a suggestion was chosen.
type SuggestionInfo struct {
	Phase          Phase   `json:"phase"`
	PredictedScore float64 `json:"predicted_score,omitempty"`
	PredictedCost  float64 `json:"predicted_cost,omitempty"`
	ScoreStd       float64 `json:"score_std,omitempty"`
	Acquisition    float64 `json:"acquisition,omitempty"`
	ParetoSize     int     `json:"pareto_size,omitempty"`
	Candidates     int     `json:"candidates,omitempty"`
}

// Suggestion is a proposed hyperparameter set.
type Suggestion struct {
	Params map[string]any
	Vector []float64
	Info   SuggestionInfo
}

// Prediction is the surrogate's belief about a point.
type Prediction struct {
	ScoreMean float64
	ScoreStd  float64
	CostMean  float64
	CostStd   float64
}

// AcquisitionFunc defines the signature for acquisition functions used to rank
// candidate points. Higher values indicate more promising points.
//
// Parameters:
// - mean: The predicted (normalized) score at a point
// - variance: The predicted variance at that point
// - params: Additional parameters needed by specific acquisition functions
//
// Implementation notes for custom acquisition functions:
// - Should handle zero variance
// - Must not retain params.RandomState across optimizer instances
// - Should return higher values for more promising points
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds parameters used by acquisition functions.
type AcquisitionParams struct {
	// Beta controls the exploration-exploitation trade-off of UCB.
	// - Higher values (e.g., 3.0 or 5.0) favor uncertain areas
	// - Lower values (e.g., 0.1 or 0.5) favor known good areas
	Beta float64

	// Xi is the minimum improvement PI and EI look for over BestSoFar.
	Xi float64

	// BestSoFar is the best (highest) normalized score observed so far.
	BestSoFar float64

	// RandomState is the random number generator used by Thompson sampling.
	RandomState *rand.Rand
}
