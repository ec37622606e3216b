// Package protein provides multi-objective Bayesian hyperparameter optimization
// for expensive training runs. It maximizes a score while minimizing a cost,
// using Gaussian-process surrogates and a score-vs-cost Pareto front.
//
// # Features
//
// The package includes the following key features:
//
//   - Parameter transforms: linear, log, logit and power-of-two spaces, each
//     optionally integer valued, normalized to [-1, 1]
//   - Structured search spaces: dotted parameter names map to nested
//     dictionaries, so suggestions plug straight into job overrides
//   - Pareto-guided search: candidates are drawn around the current front and
//     the search radius widens while the best score stalls
//   - Multiple Acquisition Functions: Upper Confidence Bound (UCB), Probability
//     of Improvement (PI), Expected Improvement (EI), Thompson Sampling and a
//     cost-targeting naive strategy
//   - Failure aware: failed runs are penalized in the surrogate and never join
//     the front
//   - Reproducible schedule: the branch taken for every suggestion depends only
//     on the size of the observation history
//
// # Search space
//
//	p, err := protein.New(map[string]protein.ParameterConfig{
//	    "trainer.optimizer.learning_rate": {Min: 1e-5, Max: 1e-2, Distribution: protein.Log},
//	    "trainer.ppo.gae_lambda":          {Min: 0.8, Max: 0.999, Distribution: protein.Logit},
//	    "trainer.batch_size":              {Min: 1024, Max: 65536, Distribution: protein.Pow2},
//	}, protein.DefaultConfig())
//
// # Acquisition Functions
//
// 1. Upper Confidence Bound (UCB):
//
//   - Default choice, mean + Beta * stddev
//
//   - RandomizeAcquisition scales Beta by an Exp(1) draw per suggestion
//
//     config := protein.DefaultConfig()
//     config.UCBBeta = 2.0
//
// 2. Probability of Improvement (PI) and Expected Improvement (EI):
//
//   - Improvement over the best observed score
//
//     config.AcquisitionFn = protein.AcquisitionEI
//
// 3. Thompson Sampling:
//
//   - One posterior draw per candidate, no tuning required
//
// 4. Naive:
//
//   - Predicted score weighted by closeness to a random cost target, which
//     spreads suggestions along the front
//
// # Loop
//
//	for {
//	    suggestions, _ := p.Suggest(1, nil)
//	    score, cost := train(suggestions[0].Params)
//	    _ = p.Observe(suggestions[0].Params, score, cost, false)
//	}
//
// # Thread Safety
//
// Protein serializes Observe and Suggest with a mutex. Hyperparameters is
// immutable after construction.
package protein
