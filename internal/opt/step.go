package opt

import "gonum.org/v1/gonum/floats"

// StepFunction produces candidate parameters from a base point, a direction
// and a step length. Implementations never mutate their inputs.
type StepFunction interface {
	Step(params, dir []float64, stepLength float64) []float64

	// Sign is +1 when the step moves along dir and -1 when it moves against it.
	Sign() float64
}

// DefaultStep computes params + stepLength*dir.
type DefaultStep struct{}

func (DefaultStep) Step(params, dir []float64, stepLength float64) []float64 {
	return scaledStep(params, dir, stepLength)
}

func (DefaultStep) Sign() float64 { return 1 }

// NegativeStep computes params - stepLength*dir, for drivers that track
// ascent directions.
type NegativeStep struct{}

func (NegativeStep) Step(params, dir []float64, stepLength float64) []float64 {
	return scaledStep(params, dir, -stepLength)
}

func (NegativeStep) Sign() float64 { return -1 }

func scaledStep(params, dir []float64, alpha float64) []float64 {
	out := make([]float64, len(params))
	copy(out, params)
	if alpha == 0 {
		return out
	}
	floats.AddScaled(out, alpha, dir)
	return out
}
