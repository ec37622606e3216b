package protein

// ParetoPoints returns the observations on the score-vs-cost Pareto front,
// maximizing score and minimizing cost, together with their indices in obs.
// Failed observations never take part.
func ParetoPoints(obs []Observation, eps float64) ([]Observation, []int) {
	return ParetoPointsOriented(obs, 1, eps)
}

// ParetoPointsOriented is ParetoPoints with an explicit score direction: +1
// maximizes score, -1 minimizes it. Cost is always minimized.
//
// Two values closer than eps are treated as equal. When two observations are
// equal in both objectives the earlier one stays on the front, so the front is
// stable as duplicates arrive.
//
// Results keep the order of obs.
func ParetoPointsOriented(obs []Observation, direction float64, eps float64) ([]Observation, []int) {
	if direction >= 0 {
		direction = 1
	} else {
		direction = -1
	}

	var (
		front   []Observation
		indices []int
	)

	for i, candidate := range obs {
		if candidate.IsFailure {
			continue
		}

		dominated := false

		for j, other := range obs {
			if i == j || other.IsFailure {
				continue
			}

			if dominates(other, candidate, j < i, direction, eps) {
				dominated = true

				break
			}
		}

		if !dominated {
			front = append(front, candidate)
			indices = append(indices, i)
		}
	}

	return front, indices
}

// dominates reports whether a dominates b. earlier tells whether a was
// observed before b and breaks exact ties.
func dominates(a, b Observation, earlier bool, direction, eps float64) bool {
	sa, sb := direction*a.Score, direction*b.Score

	if sa < sb-eps || a.Cost > b.Cost+eps {
		return false
	}

	if sa > sb+eps || a.Cost < b.Cost-eps {
		return true
	}

	return earlier
}
