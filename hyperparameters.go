package protein

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/thalesfsp/protein/models"
)

// Hyperparameters is the search space: a named collection of ParameterSpace
// objects with a stable order. It converts between flat normalized vectors used
// by the surrogate and structured dictionaries stored in run summaries.
//
// Thread safety:
// - Immutable after construction, safe for concurrent use
// - Sampling methods take the caller's *rand.Rand and do not synchronize it
type Hyperparameters struct {
	names  []string
	spaces []ParameterSpace

	centers []float64
	scales  []float64
}

// NewHyperparameters builds a search space. Parameters are ordered by name so
// that vectors are stable across processes.
//
// Usage example:
//
//	hp, err := NewHyperparameters(map[string]ParameterConfig{
//	    "trainer.optimizer.learning_rate": {Min: 1e-5, Max: 1e-2, Distribution: Log},
//	    "trainer.batch_size":              {Min: 256, Max: 8192, Distribution: Pow2},
//	})
func NewHyperparameters(params map[string]ParameterConfig) (*Hyperparameters, error) {
	if len(params) == 0 {
		return nil, &ConfigurationError{Reason: ErrEmptySpace.Error()}
	}

	h := &Hyperparameters{}

	for _, name := range sortedKeys(params) {
		s, err := NewParameterSpace(name, params[name])
		if err != nil {
			return nil, err
		}

		h.names = append(h.names, name)
		h.spaces = append(h.spaces, s)
		h.centers = append(h.centers, s.SearchCenter())
		h.scales = append(h.scales, s.SearchScale())
	}

	return h, nil
}

// Names returns the parameter names in vector order.
func (h *Hyperparameters) Names() []string {
	out := make([]string, len(h.names))
	copy(out, h.names)

	return out
}

// Spaces returns the parameter spaces in vector order.
func (h *Hyperparameters) Spaces() []ParameterSpace {
	out := make([]ParameterSpace, len(h.spaces))
	copy(out, h.spaces)

	return out
}

// Dim is the number of parameters.
func (h *Hyperparameters) Dim() int {
	return len(h.spaces)
}

// SearchCenter returns the normalized search centre.
func (h *Hyperparameters) SearchCenter() []float64 {
	out := make([]float64, len(h.centers))
	copy(out, h.centers)

	return out
}

// SampleVectors draws n normalized points. Each point picks one centre of mu
// uniformly (the search centre when mu is empty) and perturbs every coordinate
// by scale * searchScale * U(-1, 1). Results are clipped to [-1, 1].
func (h *Hyperparameters) SampleVectors(rng *rand.Rand, n int, mu [][]float64, scale float64) [][]float64 {
	if len(mu) == 0 {
		mu = [][]float64{h.centers}
	}

	out := make([][]float64, n)
	for i := range out {
		center := mu[rng.Intn(len(mu))]

		point := make([]float64, len(h.spaces))
		for d := range point {
			delta := scale * h.scales[d] * (2*rng.Float64() - 1)
			point[d] = clamp(center[d]+delta, -1, 1)
		}

		out[i] = point
	}

	return out
}

// Sample draws n points like SampleVectors and also returns their structured
// form, with fill supplying values for every key outside the search space.
func (h *Hyperparameters) Sample(rng *rand.Rand, n int, mu [][]float64, scale float64, fill map[string]any) ([][]float64, []map[string]any) {
	vectors := h.SampleVectors(rng, n, mu, scale)

	dicts := make([]map[string]any, len(vectors))
	for i, v := range vectors {
		dicts[i] = h.ToDict(v, fill)
	}

	return vectors, dicts
}

// FromDict converts a structured dictionary to a normalized vector. Both nested
// ({"trainer": {"lr": 0.1}}) and flat ({"trainer.lr": 0.1}) layouts are
// accepted. Every parameter of the space must be present and numeric.
func (h *Hyperparameters) FromDict(params map[string]any) ([]float64, error) {
	vector := make([]float64, len(h.spaces))

	for i, s := range h.spaces {
		raw, ok := models.Lookup(params, s.Name())
		if !ok {
			return nil, fmt.Errorf("parameter %q missing", s.Name())
		}

		value, ok := models.AsFloat(raw)
		if !ok {
			return nil, fmt.Errorf("parameter %q is not numeric: %v", s.Name(), raw)
		}

		vector[i] = s.Normalize(value)
	}

	return vector, nil
}

// ToDict converts a normalized vector into a nested dictionary. fill is deep
// copied first, so it provides defaults for every key not in the search space
// and is never modified. Integer spaces produce int values.
func (h *Hyperparameters) ToDict(vector []float64, fill map[string]any) map[string]any {
	out, _ := deepCopy(fill).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}

	for i, s := range h.spaces {
		value := s.Unnormalize(vector[i])

		cfg := s.Config()
		if cfg.IsInteger || cfg.Distribution == Pow2 {
			setPath(out, s.Name(), int(math.Round(value)))

			continue
		}

		setPath(out, s.Name(), value)
	}

	return out
}

