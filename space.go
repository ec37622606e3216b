package protein

import (
	"math"
)

//////
// Const, vars, types.
//////

// logitEps keeps logit inputs away from exact 0 and 1.
const logitEps = 1e-9

// ParameterSpace encodes and decodes one hyperparameter between its raw value
// and the normalized [-1, 1] representation used by the optimizer.
//
// Normalize and Unnormalize are mutually inverse up to rounding: integer and
// power-of-two spaces snap values, log and logit spaces lose a few ulps.
type ParameterSpace interface {
	// Name is the dotted parameter name, e.g. "trainer.optimizer.learning_rate".
	Name() string

	// Config returns the configuration the space was built from.
	Config() ParameterConfig

	// Normalize maps a raw value into normalized space.
	Normalize(value float64) float64

	// Unnormalize maps a normalized value back to a raw value, clamped to
	// [Min, Max] and rounded when the space is integer valued.
	Unnormalize(x float64) float64

	// SearchCenter is the normalized search centre.
	SearchCenter() float64

	// SearchScale is the normalized search radius.
	SearchScale() float64
}

// space implements ParameterSpace for every Distribution. The transform pair
// works on the "warped" axis: identity for linear, log10 for log, log-odds for
// logit and log2 for pow2. Normalization is then a plain affine map of the warped
// bounds onto [-1, 1].
type space struct {
	name   string
	config ParameterConfig

	warpedMin float64
	warpedMax float64
	center    float64
	scale     float64

	// Exponent range of the powers of two inside [Min, Max], pow2 only.
	expMin float64
	expMax float64
}

//////
// Factory.
//////

// NewParameterSpace validates config and builds the matching transform.
//
// Returns a *ConfigurationError when:
// - Min >= Max
// - Scale is negative
// - Distribution is unknown
// - Min <= 0 for log and pow2 spaces
// - no power of two lies in [Min, Max] for pow2 spaces
// - the bounds are outside (0, 1) for logit spaces
// - Mean lies outside [Min, Max]
//
// A zero Scale selects DefaultSearchScale.
func NewParameterSpace(name string, config ParameterConfig) (ParameterSpace, error) {
	if config.Distribution == "" {
		config.Distribution = Linear
	}

	if !config.Distribution.Valid() {
		return nil, configErrorf(name, "unknown distribution %q", config.Distribution)
	}

	if math.IsNaN(config.Min) || math.IsNaN(config.Max) || config.Min >= config.Max {
		return nil, configErrorf(name, "min (%v) must be less than max (%v)", config.Min, config.Max)
	}

	if config.Scale < 0 {
		return nil, configErrorf(name, "scale must be positive, got %v", config.Scale)
	}

	if config.Scale == 0 {
		config.Scale = DefaultSearchScale
	}

	switch config.Distribution {
	case Log, Pow2:
		if config.Min <= 0 {
			return nil, configErrorf(name, "%s distribution requires min > 0, got %v", config.Distribution, config.Min)
		}
	case Logit:
		if config.Min <= 0 || config.Max >= 1 {
			return nil, configErrorf(name, "logit distribution requires 0 < min < max < 1, got [%v, %v]", config.Min, config.Max)
		}
	}

	if config.Mean != nil && (*config.Mean < config.Min || *config.Mean > config.Max) {
		return nil, configErrorf(name, "mean %v outside [%v, %v]", *config.Mean, config.Min, config.Max)
	}

	s := &space{
		name:   name,
		config: config,
		scale:  config.Scale,
	}

	s.warpedMin = s.warp(config.Min)
	s.warpedMax = s.warp(config.Max)

	if config.Distribution == Pow2 {
		s.expMin = math.Ceil(s.warpedMin)
		s.expMax = math.Floor(s.warpedMax)

		if s.expMin > s.expMax {
			return nil, configErrorf(name, "pow2 distribution needs a power of two in [%v, %v]", config.Min, config.Max)
		}
	}

	if config.Mean != nil {
		s.center = s.Normalize(*config.Mean)
	}

	return s, nil
}

//////
// Methods.
//////

func (s *space) Name() string { return s.name }

func (s *space) Config() ParameterConfig { return s.config }

func (s *space) SearchCenter() float64 { return s.center }

func (s *space) SearchScale() float64 { return s.scale }

// Normalize maps value onto [-1, 1]. Values outside the bounds extrapolate.
func (s *space) Normalize(value float64) float64 {
	zeroOne := (s.warp(value) - s.warpedMin) / (s.warpedMax - s.warpedMin)

	return 2*zeroOne - 1
}

// Unnormalize maps x back to a raw value.
func (s *space) Unnormalize(x float64) float64 {
	x = clamp(x, -1, 1)

	warped := (x+1)/2*(s.warpedMax-s.warpedMin) + s.warpedMin

	var value float64

	switch s.config.Distribution {
	case Log:
		value = math.Pow(10, warped)
	case Logit:
		value = 1 / (1 + math.Exp(-warped))
	case Pow2:
		// Clamping the exponent keeps the value on the power of two grid.
		return math.Pow(2, clamp(math.Round(warped), s.expMin, s.expMax))
	default:
		value = warped
	}

	value = clamp(value, s.config.Min, s.config.Max)

	if s.config.IsInteger {
		value = math.Round(value)
	}

	return value
}

func (s *space) warp(value float64) float64 {
	switch s.config.Distribution {
	case Log:
		return math.Log10(value)
	case Logit:
		v := clamp(value, logitEps, 1-logitEps)
		return math.Log(v / (1 - v))
	case Pow2:
		return math.Log2(value)
	default:
		return value
	}
}
