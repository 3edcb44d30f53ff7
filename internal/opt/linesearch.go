package opt

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

// LineSearchConfig controls the back-tracking line search.
type LineSearchConfig struct {
	// MaxIterations bounds the number of trial steps per search
	MaxIterations int `json:"maxIterations" yaml:"max_iterations"`

	// DecreaseFactor is the Armijo sufficient-decrease constant c1
	DecreaseFactor float64 `json:"decreaseFactor" yaml:"decrease_factor"`

	// ContractionFactor shrinks the step after a rejected trial
	ContractionFactor float64 `json:"contractionFactor" yaml:"contraction_factor"`

	// CurvatureFactor is the strong-Wolfe constant c2; zero disables the check
	CurvatureFactor float64 `json:"curvatureFactor,omitempty" yaml:"curvature_factor"`

	// MinStepLength is the smallest step tried before giving up
	MinStepLength float64 `json:"minStepLength" yaml:"min_step_length"`

	// MaxStepLength caps the initial and any extrapolated step
	MaxStepLength float64 `json:"maxStepLength" yaml:"max_step_length"`

	// EnforceNumericalStability turns non-finite scores and step underflow
	// into errors instead of recoverable rejections
	EnforceNumericalStability bool `json:"enforceNumericalStability,omitempty" yaml:"enforce_numerical_stability"`
}

// DefaultLineSearchConfig returns the usual Armijo back-tracking constants.
func DefaultLineSearchConfig() LineSearchConfig {
	return LineSearchConfig{
		MaxIterations:     100,
		DecreaseFactor:    1e-4,
		ContractionFactor: 0.5,
		MinStepLength:     1e-10,
		MaxStepLength:     1e3,
	}
}

// withDefaults fills zero fields from DefaultLineSearchConfig.
func (c LineSearchConfig) withDefaults() LineSearchConfig {
	d := DefaultLineSearchConfig()
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.DecreaseFactor == 0 {
		c.DecreaseFactor = d.DecreaseFactor
	}
	if c.ContractionFactor == 0 {
		c.ContractionFactor = d.ContractionFactor
	}
	if c.MinStepLength == 0 {
		c.MinStepLength = d.MinStepLength
	}
	if c.MaxStepLength == 0 {
		c.MaxStepLength = d.MaxStepLength
	}
	return c
}

// Validate checks the constants after defaults are applied.
func (c LineSearchConfig) Validate() error {
	c = c.withDefaults()
	if c.MaxIterations < 0 {
		return fmt.Errorf("line search max iterations must be positive, got %d", c.MaxIterations)
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		return fmt.Errorf("decrease factor must be in (0, 1), got %g", c.DecreaseFactor)
	}
	if c.ContractionFactor <= 0 || c.ContractionFactor >= 1 {
		return fmt.Errorf("contraction factor must be in (0, 1), got %g", c.ContractionFactor)
	}
	if c.CurvatureFactor < 0 || c.CurvatureFactor >= 1 {
		return fmt.Errorf("curvature factor must be in [0, 1), got %g", c.CurvatureFactor)
	}
	if c.CurvatureFactor > 0 && c.CurvatureFactor <= c.DecreaseFactor {
		return fmt.Errorf("curvature factor %g must exceed decrease factor %g", c.CurvatureFactor, c.DecreaseFactor)
	}
	if c.MinStepLength <= 0 || c.MaxStepLength <= c.MinStepLength {
		return fmt.Errorf("invalid step bounds [%g, %g]", c.MinStepLength, c.MaxStepLength)
	}
	return nil
}

// BackTrackLineSearch finds a step length along a fixed direction that
// satisfies the Armijo condition, shrinking geometrically from the initial
// step. It only evaluates the problem and never commits parameters.
type BackTrackLineSearch struct {
	config LineSearchConfig
	step   StepFunction
}

// NewBackTrackLineSearch creates a line search. A nil step defaults to DefaultStep.
func NewBackTrackLineSearch(config LineSearchConfig, step StepFunction) *BackTrackLineSearch {
	if step == nil {
		step = DefaultStep{}
	}
	return &BackTrackLineSearch{config: config.withDefaults(), step: step}
}

// Config returns the effective configuration.
func (ls *BackTrackLineSearch) Config() LineSearchConfig {
	return ls.config
}

// Search returns the accepted step length along dir starting from the
// problem's current parameters. A zero step with a nil error means no
// progress is possible from here.
func (ls *BackTrackLineSearch) Search(p Problem, dir []float64, initialStep float64) (float64, error) {
	cfg := ls.config
	sign := ls.step.Sign()

	x0 := p.Params()
	if len(dir) != len(x0) {
		return 0, fmt.Errorf("%w: direction has %d entries, parameters have %d",
			ErrInvalidDirection, len(dir), len(x0))
	}

	f0, g0 := p.Gradient(x0)
	if !isFinite(f0) || !allFinite(g0) {
		if cfg.EnforceNumericalStability {
			return 0, fmt.Errorf("%w: initial score %g", ErrNumericalInstability, f0)
		}
		return 0, fmt.Errorf("%w: non-finite initial score %g", ErrLineSearchFailed, f0)
	}
	if f0 == 0 {
		return 0, nil
	}

	slope := sign * floats.Dot(g0, dir)
	if !(slope < 0) {
		return 0, fmt.Errorf("%w: directional derivative %g", ErrInvalidDirection, slope)
	}

	if initialStep <= 0 || !isFinite(initialStep) {
		initialStep = 1
	}
	a := math.Min(initialStep, cfg.MaxStepLength)

	// fallback is the last step that passed Armijo while extrapolating
	fallback := 0.0
	contracted := false

	for i := 0; i < cfg.MaxIterations; i++ {
		if a < cfg.MinStepLength {
			if fallback > 0 {
				return fallback, nil
			}
			if cfg.EnforceNumericalStability {
				return 0, fmt.Errorf("%w: %w: step %g below minimum %g",
					ErrLineSearchFailed, ErrStepUnderflow, a, cfg.MinStepLength)
			}
			slog.Debug("Line search step underflow", "step", a, "min_step", cfg.MinStepLength)
			return 0, nil
		}

		candidate := ls.step.Step(x0, dir, a)
		f := p.Score(candidate)
		if !isFinite(f) {
			if cfg.EnforceNumericalStability {
				return 0, fmt.Errorf("%w: score %g at step %g", ErrNumericalInstability, f, a)
			}
			if fallback > 0 {
				return fallback, nil
			}
			a *= cfg.ContractionFactor
			contracted = true
			continue
		}

		if f > f0+cfg.DecreaseFactor*a*slope {
			if fallback > 0 {
				return fallback, nil
			}
			a *= cfg.ContractionFactor
			contracted = true
			continue
		}

		if cfg.CurvatureFactor == 0 {
			return a, nil
		}

		_, g := p.Gradient(candidate)
		if !allFinite(g) {
			if cfg.EnforceNumericalStability {
				return 0, fmt.Errorf("%w: non-finite gradient at step %g", ErrNumericalInstability, a)
			}
			return a, nil
		}
		newSlope := sign * floats.Dot(g, dir)
		if math.Abs(newSlope) <= cfg.CurvatureFactor*math.Abs(slope) {
			return a, nil
		}

		// Still descending steeply: the step is too short, try a longer one
		// as long as nothing has been rejected yet.
		next := a / cfg.ContractionFactor
		if newSlope < 0 && !contracted && next <= cfg.MaxStepLength {
			fallback = a
			a = next
			continue
		}
		return a, nil
	}

	if fallback > 0 {
		return fallback, nil
	}
	return 0, fmt.Errorf("%w: no acceptable step after %d trials", ErrLineSearchFailed, cfg.MaxIterations)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if !isFinite(x) {
			return false
		}
	}
	return true
}
