// Package optimizer decouples schedulers from the optimization engine. An
// Optimizer is stateless with respect to its caller: the whole observation
// history is passed on every call.
package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/thalesfsp/protein"
)

//////
// Const, vars, types.
//////

// Observation is one resolved trial as seen by an Optimizer.
type Observation struct {
	// Suggestion holds the hyperparameters the trial ran with, nested or flat.
	Suggestion map[string]any `json:"suggestion"`
	Score      float64        `json:"score"`
	Cost       float64        `json:"cost"`
	IsFailure  bool           `json:"is_failure"`
}

// Optimizer proposes hyperparameter sets from a history of observations.
type Optimizer interface {
	Suggest(ctx context.Context, observations []Observation, n int) ([]map[string]any, error)
}

// Func adapts a function to the Optimizer interface.
type Func func(ctx context.Context, observations []Observation, n int) ([]map[string]any, error)

// Suggest implements Optimizer.
func (f Func) Suggest(ctx context.Context, observations []Observation, n int) ([]map[string]any, error) {
	return f(ctx, observations, n)
}

// ProteinOptimizer rebuilds a protein.Protein from the full history on every
// call, so it holds no state between calls and a restarted controller gets the
// same behaviour.
type ProteinOptimizer struct {
	space  map[string]protein.ParameterConfig
	config protein.Config
	fill   map[string]any
	opts   []protein.Option

	// Log is used for skipped observations and suggestion diagnostics.
	Log logr.Logger

	// OnSuggest, when set, receives the duration of every Suggest call.
	OnSuggest func(time.Duration)
}

//////
// Methods.
//////

// Suggest implements Optimizer. Observations whose suggestion does not cover
// the search space are logged and skipped.
//
// The random source is seeded with config.Seed + len(observations) so a
// fixed seed gives a different but reproducible draw at every step.
func (o *ProteinOptimizer) Suggest(ctx context.Context, observations []Observation, n int) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	config := o.config
	if config.Seed != 0 {
		config.Seed += int64(len(observations))
	}

	opts := append([]protein.Option{protein.WithLogger(o.Log)}, o.opts...)

	p, err := protein.New(o.space, config, opts...)
	if err != nil {
		return nil, fmt.Errorf("build optimizer: %w", err)
	}

	for i, obs := range observations {
		if err := p.Observe(obs.Suggestion, obs.Score, obs.Cost, obs.IsFailure); err != nil {
			o.Log.Info("skipping observation", "index", i, "error", err.Error())
		}
	}

	suggestions, err := p.Suggest(n, o.fill)
	if err != nil {
		return nil, fmt.Errorf("suggest: %w", err)
	}

	out := make([]map[string]any, len(suggestions))
	for i, s := range suggestions {
		out[i] = s.Params

		o.Log.V(1).Info("suggested",
			"phase", s.Info.Phase,
			"predictedScore", s.Info.PredictedScore,
			"predictedCost", s.Info.PredictedCost,
		)
	}

	if o.OnSuggest != nil {
		o.OnSuggest(time.Since(start))
	}

	return out, nil
}

//////
// Factory.
//////

// NewProteinOptimizer validates the search space and config eagerly, so a bad
// sweep definition fails before any job is dispatched. fill is merged into
// every suggestion for keys outside the search space.
func NewProteinOptimizer(space map[string]protein.ParameterConfig, config protein.Config, fill map[string]any, opts ...protein.Option) (*ProteinOptimizer, error) {
	if _, err := protein.New(space, config, opts...); err != nil {
		return nil, err
	}

	return &ProteinOptimizer{
		space:  space,
		config: config,
		fill:   fill,
		opts:   opts,
		Log:    logr.Discard(),
	}, nil
}
