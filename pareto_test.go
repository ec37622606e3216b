package protein

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func obs(score, cost float64) Observation {
	return Observation{Input: []float64{0}, Score: score, Cost: cost}
}

func TestParetoPoints(t *testing.T) {
	points := []Observation{
		obs(0.8, 10),
		obs(0.5, 5),
		obs(0.4, 8), // dominated by 1
		obs(0.9, 20),
		{Input: []float64{0}, Score: 1.0, Cost: 1, IsFailure: true},
	}

	front, idx := ParetoPoints(points, 1e-6)

	assert.Equal(t, []int{0, 1, 3}, idx)
	assert.Len(t, front, 3)

	for _, o := range front {
		assert.False(t, o.IsFailure)
	}
}

func TestParetoPointsTiesFavorEarlier(t *testing.T) {
	points := []Observation{
		obs(0.8, 10),
		obs(0.5, 5),
		obs(0.8+1e-9, 10-1e-9),
	}

	_, idx := ParetoPoints(points, 1e-6)
	assert.Equal(t, []int{0, 1}, idx)
}

func TestParetoPointsOrientedMinimize(t *testing.T) {
	points := []Observation{
		obs(0.8, 10),
		obs(0.5, 5),
		obs(0.4, 8),
		obs(0.9, 20),
	}

	_, idx := ParetoPointsOriented(points, -1, 1e-6)
	assert.Equal(t, []int{1, 2}, idx)
}

func TestParetoPointsStability(t *testing.T) {
	points := []Observation{
		obs(0.8, 10),
		obs(0.5, 5),
		obs(0.9, 20),
	}

	_, before := ParetoPoints(points, 1e-6)

	// A dominated observation leaves the front unchanged.
	_, after := ParetoPoints(append(points, obs(0.6, 12)), 1e-6)
	assert.Equal(t, before, after)

	// A non-dominated one joins it.
	_, after = ParetoPoints(append(points, obs(0.7, 6)), 1e-6)
	assert.NotEqual(t, before, after)
	assert.Contains(t, after, 3)
}

func TestParetoPointsNoMutualDomination(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	var points []Observation
	for i := 0; i < 200; i++ {
		points = append(points, Observation{
			Input:     []float64{rng.Float64()},
			Score:     rng.Float64(),
			Cost:      rng.Float64() * 100,
			IsFailure: rng.Intn(10) == 0,
		})
	}

	const eps = 1e-6

	front, idx := ParetoPoints(points, eps)
	assert.Less(t, len(front), len(points))

	onFront := map[int]bool{}
	for _, i := range idx {
		onFront[i] = true
	}

	for _, i := range idx {
		for _, j := range idx {
			if i != j {
				assert.False(t, dominates(points[j], points[i], j < i, 1, eps), "%d dominates %d", j, i)
			}
		}
	}

	// Every successful point off the front is dominated by something.
	for i, p := range points {
		if p.IsFailure || onFront[i] {
			continue
		}

		dominated := false
		for j, q := range points {
			if j != i && !q.IsFailure && dominates(q, p, j < i, 1, eps) {
				dominated = true
			}
		}

		assert.True(t, dominated, "point %d", i)
	}
}

func TestParetoPointsEmpty(t *testing.T) {
	front, idx := ParetoPoints(nil, 1e-6)
	assert.Empty(t, front)
	assert.Empty(t, idx)

	front, _ = ParetoPoints([]Observation{{Score: 1, IsFailure: true}}, 1e-6)
	assert.Empty(t, front)
}
