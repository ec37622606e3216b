package protein

import (
	"fmt"
	"math"
)

//////
// Available acquisition functions for Bayesian optimization.
// Each function helps decide which points to evaluate next by balancing
// exploration (trying new areas) and exploitation (focusing on known good areas).
// Scores are maximized, so higher acquisition values are better.
//////

// UCB implements the Upper Confidence Bound acquisition function.
//
// How it works:
// - Adds Beta standard deviations to the predicted score
// - The Beta parameter controls the trade-off between exploration and exploitation
//
// Example:
//
//	value := UCB(0.5, 0.2, AcquisitionParams{Beta: 2.0})
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean + params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement (PI) calculates the probability that a point scores
// higher than BestSoFar + Xi.
//
// When to use:
// - When you want to be conservative in exploring new points
// - When being "probably better" matters more than "how much better"
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(math.Max(variance, minVariance))

	z := (mean - params.BestSoFar - params.Xi) / sigma

	return normalCDF(z)
}

// ExpectedImprovement (EI) calculates the expected amount by which a point
// improves on BestSoFar + Xi.
//
// When to use:
// - Most commonly used acquisition function
// - When the magnitude of improvement matters
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(math.Max(variance, minVariance))

	improvement := mean - params.BestSoFar - params.Xi
	z := improvement / sigma

	return improvement*normalCDF(z) + sigma*normalPDF(z)
}

// ThompsonSampling draws one sample from the posterior at the point.
//
// Warning:
// - params.RandomState is required
// - Don't share RandomState between different optimization runs.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}

// naiveAcquisition weights the predicted score by how close the predicted cost
// is to a target cost. Both are expected in [0, 1] (normalized over the Pareto
// front) and the weight decays linearly with the distance to the target.
func naiveAcquisition(score, cost, targetCost float64) float64 {
	weight := 1 - math.Abs(targetCost-cost)

	return score * math.Max(weight, 0)
}

// acquisitionFor returns the acquisition function registered for name.
func acquisitionFor(name Acquisition) (AcquisitionFunc, error) {
	switch name {
	case AcquisitionUCB, "":
		return UCB, nil
	case AcquisitionEI:
		return ExpectedImprovement, nil
	case AcquisitionPI:
		return ProbabilityOfImprovement, nil
	case AcquisitionThompson:
		return ThompsonSampling, nil
	case AcquisitionNaive:
		// Scored separately, it needs the predicted cost.
		return nil, nil
	default:
		return nil, configErrorf("acquisition_fn", "unknown acquisition function %q", name)
	}
}

// validAcquisition is used by config validation to reject typos early.
func validAcquisition(name Acquisition) error {
	if _, err := acquisitionFor(name); err != nil {
		return fmt.Errorf("acquisition: %w", err)
	}

	return nil
}
