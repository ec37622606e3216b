package protein

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameterSpaceRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		config ParameterConfig
		values []float64
		delta  float64
	}{
		{
			name:   "linear",
			config: ParameterConfig{Min: -3, Max: 7, Distribution: Linear},
			values: []float64{-3, -1.5, 0, 2.25, 5, 7},
			delta:  1e-9,
		},
		{
			name:   "linear integer",
			config: ParameterConfig{Min: 1, Max: 64, Distribution: Linear, IsInteger: true},
			values: []float64{1, 2, 17, 33, 63, 64},
			delta:  0,
		},
		{
			name:   "log",
			config: ParameterConfig{Min: 1e-5, Max: 1e-1, Distribution: Log},
			values: []float64{1e-5, 3e-5, 1e-4, 2.5e-3, 0.05, 0.1},
			delta:  1e-12,
		},
		{
			name:   "logit",
			config: ParameterConfig{Min: 0.8, Max: 0.999, Distribution: Logit},
			values: []float64{0.8, 0.9, 0.95, 0.99, 0.995, 0.999},
			delta:  1e-9,
		},
		{
			name:   "pow2",
			config: ParameterConfig{Min: 256, Max: 65536, Distribution: Pow2},
			values: []float64{256, 512, 1024, 4096, 32768, 65536},
			delta:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewParameterSpace(tt.name, tt.config)
			require.NoError(t, err)

			for _, v := range tt.values {
				x := s.Normalize(v)
				assert.GreaterOrEqual(t, x, -1-1e-9)
				assert.LessOrEqual(t, x, 1+1e-9)
				assert.InDelta(t, v, s.Unnormalize(x), tt.delta, "value %v", v)
			}
		})
	}
}

func TestParameterSpaceBounds(t *testing.T) {
	s, err := NewParameterSpace("lr", ParameterConfig{Min: 1e-4, Max: 1e-2, Distribution: Log})
	require.NoError(t, err)

	assert.InDelta(t, -1, s.Normalize(1e-4), 1e-12)
	assert.InDelta(t, 1, s.Normalize(1e-2), 1e-12)
	assert.InDelta(t, 1e-3, s.Unnormalize(0), 1e-15)

	// Out of range inputs are clamped.
	assert.InDelta(t, 1e-2, s.Unnormalize(5), 1e-15)
	assert.InDelta(t, 1e-4, s.Unnormalize(-5), 1e-15)
}

func TestParameterSpacePow2Snaps(t *testing.T) {
	s, err := NewParameterSpace("batch", ParameterConfig{Min: 256, Max: 8192, Distribution: Pow2})
	require.NoError(t, err)

	for _, x := range []float64{-1, -0.73, -0.2, 0.1, 0.44, 0.99, 1} {
		v := s.Unnormalize(x)
		exp := math.Log2(v)
		assert.Equal(t, math.Round(exp), exp, "x=%v gave %v", x, v)
	}

	// Bounds that are not powers of two snap inwards.
	s, err = NewParameterSpace("bs", ParameterConfig{Min: 3, Max: 100, Distribution: Pow2})
	require.NoError(t, err)

	assert.Equal(t, 4.0, s.Unnormalize(-1))
	assert.Equal(t, 64.0, s.Unnormalize(1))

	for _, x := range []float64{-0.9, -0.5, 0, 0.3, 0.8, 0.97} {
		v := s.Unnormalize(x)
		exp := math.Log2(v)
		assert.Equal(t, math.Round(exp), exp, "x=%v gave %v", x, v)
		assert.GreaterOrEqual(t, v, 4.0)
		assert.LessOrEqual(t, v, 64.0)
	}
}

func TestParameterSpaceSearchCenter(t *testing.T) {
	s, err := NewParameterSpace("gamma", ParameterConfig{Min: 0, Max: 10})
	require.NoError(t, err)

	assert.Equal(t, Linear, s.Config().Distribution)
	assert.Equal(t, 0.0, s.SearchCenter())
	assert.Equal(t, DefaultSearchScale, s.SearchScale())

	s, err = NewParameterSpace("gamma", ParameterConfig{Min: 0, Max: 10, Mean: Float(7.5), Scale: 0.25})
	require.NoError(t, err)

	assert.InDelta(t, 0.5, s.SearchCenter(), 1e-12)
	assert.Equal(t, 0.25, s.SearchScale())
}

func TestParameterSpaceInvalid(t *testing.T) {
	tests := []struct {
		name   string
		config ParameterConfig
	}{
		{"min equals max", ParameterConfig{Min: 1, Max: 1}},
		{"min above max", ParameterConfig{Min: 2, Max: 1}},
		{"negative scale", ParameterConfig{Min: 0, Max: 1, Scale: -1}},
		{"unknown distribution", ParameterConfig{Min: 0, Max: 1, Distribution: "cubic"}},
		{"log non-positive", ParameterConfig{Min: 0, Max: 1, Distribution: Log}},
		{"pow2 non-positive", ParameterConfig{Min: -2, Max: 8, Distribution: Pow2}},
		{"pow2 without a power of two", ParameterConfig{Min: 5, Max: 7, Distribution: Pow2}},
		{"logit outside unit interval", ParameterConfig{Min: 0.5, Max: 1, Distribution: Logit}},
		{"mean outside bounds", ParameterConfig{Min: 0, Max: 1, Mean: Float(2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParameterSpace("p", tt.config)
			require.Error(t, err)

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, "p", cfgErr.Parameter)
		})
	}
}
