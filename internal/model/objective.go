package model

import "sync/atomic"

// Objective binds a model to a dataset and exposes the point-evaluation
// interface the optimizer consumes. Every read returns a copy and every
// write replaces the whole vector, so the optimizer never observes a
// partially applied step.
type Objective struct {
	model       Model
	data        *Dataset
	evaluations atomic.Int64
}

// NewObjective wraps m and data.
func NewObjective(m Model, data *Dataset) *Objective {
	return &Objective{model: m, data: data}
}

// Model returns the wrapped model.
func (o *Objective) Model() Model { return o.model }

// Data returns the bound dataset.
func (o *Objective) Data() *Dataset { return o.data }

// Params returns a copy of the current parameters.
func (o *Objective) Params() []float64 { return o.model.Params() }

// Score evaluates the loss at params.
func (o *Objective) Score(params []float64) float64 {
	o.evaluations.Add(1)
	return o.model.Score(params, o.data)
}

// Gradient evaluates loss and gradient at params.
func (o *Objective) Gradient(params []float64) (float64, []float64) {
	o.evaluations.Add(1)
	return o.model.Gradient(params, o.data)
}

// ApplyStep commits params as the model's new parameters.
func (o *Objective) ApplyStep(params []float64) error {
	return o.model.SetParams(params)
}

// CurrentScore evaluates the loss at the current parameters.
func (o *Objective) CurrentScore() float64 {
	return o.Score(o.model.Params())
}

// Evaluations returns how many score/gradient evaluations were requested.
func (o *Objective) Evaluations() int {
	return int(o.evaluations.Load())
}
