package model

import (
	"errors"
	"fmt"
)

// Quadratic is the separable convex objective f(x) = ½ Σ aᵢ (xᵢ − cᵢ)².
// It ignores the dataset.
type Quadratic struct {
	curvature []float64
	center    []float64
	params    []float64
}

// NewQuadratic builds a quadratic with per-coordinate curvature and minimizer.
func NewQuadratic(curvature, center []float64) (*Quadratic, error) {
	if len(curvature) == 0 {
		return nil, errors.New("quadratic needs at least one dimension")
	}
	if len(curvature) != len(center) {
		return nil, fmt.Errorf("curvature/center length mismatch: %d vs %d", len(curvature), len(center))
	}
	for i, a := range curvature {
		if a <= 0 {
			return nil, fmt.Errorf("curvature[%d] must be positive, got %g", i, a)
		}
	}
	return &Quadratic{
		curvature: append([]float64(nil), curvature...),
		center:    append([]float64(nil), center...),
	}, nil
}

func (q *Quadratic) Kind() Kind { return KindQuadratic }

func (q *Quadratic) NumParams() int { return len(q.curvature) }

// Init starts at the origin.
func (q *Quadratic) Init() error {
	if len(q.curvature) == 0 {
		return errors.New("quadratic is empty")
	}
	q.params = make([]float64, len(q.curvature))
	return nil
}

func (q *Quadratic) Params() []float64 {
	return append([]float64(nil), q.params...)
}

func (q *Quadratic) SetParams(params []float64) error {
	if len(params) != q.NumParams() {
		return fmt.Errorf("parameter length mismatch: got %d, want %d", len(params), q.NumParams())
	}
	q.params = append(q.params[:0:0], params...)
	return nil
}

// Minimizer returns a copy of the center.
func (q *Quadratic) Minimizer() []float64 {
	return append([]float64(nil), q.center...)
}

func (q *Quadratic) Score(params []float64, _ *Dataset) float64 {
	checkLength(q, params)
	var sum float64
	for i, x := range params {
		d := x - q.center[i]
		sum += q.curvature[i] * d * d
	}
	return 0.5 * sum
}

func (q *Quadratic) Gradient(params []float64, data *Dataset) (float64, []float64) {
	checkLength(q, params)
	grad := make([]float64, len(params))
	for i, x := range params {
		grad[i] = q.curvature[i] * (x - q.center[i])
	}
	return q.Score(params, data), grad
}

type quadraticDescriptor struct {
	Curvature []float64 `json:"curvature"`
	Center    []float64 `json:"center"`
}

func (q *Quadratic) MarshalBinary() ([]byte, error) {
	if len(q.params) != q.NumParams() {
		return nil, errors.New("quadratic is not initialized")
	}
	return encodeModel(quadraticDescriptor{Curvature: q.curvature, Center: q.center}, q.params)
}

func (q *Quadratic) UnmarshalBinary(data []byte) error {
	var desc quadraticDescriptor
	params, err := decodeModel(data, &desc)
	if err != nil {
		return err
	}
	fresh, err := NewQuadratic(desc.Curvature, desc.Center)
	if err != nil {
		return fmt.Errorf("invalid quadratic descriptor: %w", err)
	}
	if len(params) != fresh.NumParams() {
		return fmt.Errorf("parameter length mismatch: got %d, want %d", len(params), fresh.NumParams())
	}
	q.curvature, q.center, q.params = fresh.curvature, fresh.center, params
	return nil
}
