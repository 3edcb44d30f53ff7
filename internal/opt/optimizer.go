// Package opt implements line-search based optimizers over a flat parameter
// vector: steepest descent, nonlinear conjugate gradient and L-BFGS, all of
// which delegate step-length selection to a back-tracking line search, plus
// a derivative-free Mayfly driver.
package opt

import (
	"errors"
	"fmt"
	"strings"
)

// Problem is the capability the optimizer needs from a model: evaluation at
// arbitrary points and a commit operation for accepted steps.
type Problem interface {
	// Params returns a copy of the current parameters.
	Params() []float64

	// Score evaluates the objective at params without side effects.
	Score(params []float64) float64

	// Gradient evaluates the objective and its gradient at params without
	// side effects.
	Gradient(params []float64) (float64, []float64)

	// ApplyStep commits params as the current parameters.
	ApplyStep(params []float64) error
}

// Optimizer defines a derivative-free box-constrained optimization algorithm.
type Optimizer interface {
	// Run executes the optimization
	// eval: objective function to minimize
	// lower, upper: parameter bounds
	// dim: dimensionality of parameter space
	// Returns: best parameters and best cost
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error)
}

// Algorithm selects the optimizer driver.
type Algorithm string

const (
	AlgorithmGradientDescent   Algorithm = "gradient_descent"
	AlgorithmConjugateGradient Algorithm = "conjugate_gradient"
	AlgorithmLBFGS             Algorithm = "lbfgs"
	// AlgorithmHessianFree is recognized but not implemented; requesting it
	// fails with ErrUnsupportedOptimizer.
	AlgorithmHessianFree Algorithm = "hessian_free"
	AlgorithmMayfly      Algorithm = "mayfly"
)

// Error taxonomy. Callers match with errors.Is.
var (
	// ErrInvalidDirection means the search direction is not a descent direction.
	ErrInvalidDirection = errors.New("search direction is not a descent direction")

	// ErrLineSearchFailed means no acceptable step was found.
	ErrLineSearchFailed = errors.New("line search failed")

	// ErrStepUnderflow means the step length shrank below the minimum.
	ErrStepUnderflow = errors.New("step length underflow")

	// ErrNumericalInstability means non-finite values were seen in strict mode.
	ErrNumericalInstability = errors.New("numerical instability")

	// ErrUnsupportedOptimizer means the requested algorithm is not available.
	ErrUnsupportedOptimizer = errors.New("unsupported optimizer")
)

// ParseAlgorithm accepts the canonical names plus the upper-case enum style
// (e.g. "LBFGS", "CONJUGATE_GRADIENT").
func ParseAlgorithm(s string) (Algorithm, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch Algorithm(name) {
	case AlgorithmGradientDescent, AlgorithmConjugateGradient, AlgorithmLBFGS,
		AlgorithmHessianFree, AlgorithmMayfly:
		return Algorithm(name), nil
	case "line_gradient_descent", "gd":
		return AlgorithmGradientDescent, nil
	case "cg":
		return AlgorithmConjugateGradient, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedOptimizer, s)
}

// Supported reports whether a driver exists for a.
func (a Algorithm) Supported() bool {
	switch a {
	case AlgorithmGradientDescent, AlgorithmConjugateGradient, AlgorithmLBFGS, AlgorithmMayfly:
		return true
	}
	return false
}
