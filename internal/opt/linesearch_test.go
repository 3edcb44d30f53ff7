package opt

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/netsolver/internal/model"
)

// funcProblem is a Problem backed by plain functions.
type funcProblem struct {
	x     []float64
	score func(x []float64) float64
	grad  func(x []float64) []float64
}

func (p *funcProblem) Params() []float64 { return append([]float64(nil), p.x...) }

func (p *funcProblem) Score(x []float64) float64 { return p.score(x) }

func (p *funcProblem) Gradient(x []float64) (float64, []float64) {
	return p.score(x), p.grad(x)
}

func (p *funcProblem) ApplyStep(x []float64) error {
	p.x = append([]float64(nil), x...)
	return nil
}

func newQuadraticObjective(t *testing.T, curvature, center []float64) *model.Objective {
	t.Helper()
	q, err := model.NewQuadratic(curvature, center)
	require.NoError(t, err)
	require.NoError(t, q.Init())
	return model.NewObjective(q, nil)
}

// liar reports a descent gradient while the score rises in every direction.
func liar(x0 float64) *funcProblem {
	return &funcProblem{
		x:     []float64{x0},
		score: func(x []float64) float64 { return 1 + math.Abs(x[0]-x0) },
		grad:  func([]float64) []float64 { return []float64{-1} },
	}
}

func TestStepFunctions(t *testing.T) {
	params := []float64{1, 2, 3}
	dir := []float64{1, -1, 0.5}

	assert.Equal(t, []float64{3, 0, 4}, DefaultStep{}.Step(params, dir, 2))
	assert.Equal(t, []float64{-1, 4, 2}, NegativeStep{}.Step(params, dir, 2))
	assert.Equal(t, 1.0, DefaultStep{}.Sign())
	assert.Equal(t, -1.0, NegativeStep{}.Sign())

	// inputs are untouched
	assert.Equal(t, []float64{1, 2, 3}, params)
	assert.Equal(t, []float64{1, -1, 0.5}, dir)
}

func TestStepFunctions_ZeroStepIsIdempotent(t *testing.T) {
	params := []float64{1, -2, 3}
	dir := []float64{math.Inf(1), math.NaN(), 4}

	for _, step := range []StepFunction{DefaultStep{}, NegativeStep{}} {
		out := step.Step(params, dir, 0)
		assert.Equal(t, params, out)
		out[0] = 99
		assert.Equal(t, 1.0, params[0])
	}
}

func TestBackTrackLineSearch_NeverIncreasesScore(t *testing.T) {
	rnd := rand.New(rand.NewSource(12345))
	obj := newQuadraticObjective(t, []float64{1, 10, 100}, []float64{2, -1, 0.5})
	ls := NewBackTrackLineSearch(DefaultLineSearchConfig(), nil)

	for trial := 0; trial < 50; trial++ {
		x0 := []float64{rnd.NormFloat64(), rnd.NormFloat64(), rnd.NormFloat64()}
		require.NoError(t, obj.ApplyStep(x0))
		f0, g0 := obj.Gradient(x0)

		// perturbed negative gradient, still a descent direction
		dir := make([]float64, len(g0))
		for i := range dir {
			dir[i] = -g0[i] * (0.5 + rnd.Float64())
		}
		require.Less(t, floats.Dot(dir, g0), 0.0)

		a, err := ls.Search(obj, dir, 1+10*rnd.Float64())
		require.NoError(t, err)
		if a > 0 {
			assert.LessOrEqual(t, obj.Score(DefaultStep{}.Step(x0, dir, a)), f0)
		}
		// the search never commits
		assert.Equal(t, x0, obj.Params())
	}
}

func TestBackTrackLineSearch_OrthogonalDirection(t *testing.T) {
	obj := newQuadraticObjective(t, []float64{1, 4}, []float64{1, -1})
	// gradient at origin is (-1, 4)
	ls := NewBackTrackLineSearch(DefaultLineSearchConfig(), nil)

	_, err := ls.Search(obj, []float64{4, 1}, 1)
	assert.True(t, errors.Is(err, ErrInvalidDirection))

	_, err = ls.Search(obj, []float64{-1, 4}, 1) // ascent
	assert.True(t, errors.Is(err, ErrInvalidDirection))

	_, err = ls.Search(obj, []float64{1}, 1)
	assert.True(t, errors.Is(err, ErrInvalidDirection))
}

func TestBackTrackLineSearch_ZeroScore(t *testing.T) {
	obj := newQuadraticObjective(t, []float64{1}, []float64{0})
	ls := NewBackTrackLineSearch(DefaultLineSearchConfig(), nil)

	a, err := ls.Search(obj, []float64{1}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a)
}

func TestBackTrackLineSearch_NegativeStep(t *testing.T) {
	obj := newQuadraticObjective(t, []float64{1, 4}, []float64{1, -1})
	f0, g0 := obj.Gradient(obj.Params())

	ls := NewBackTrackLineSearch(DefaultLineSearchConfig(), NegativeStep{})
	a, err := ls.Search(obj, g0, 1)
	require.NoError(t, err)
	require.Greater(t, a, 0.0)
	assert.Less(t, obj.Score(NegativeStep{}.Step(obj.Params(), g0, a)), f0)

	// the gradient itself is an ascent direction for the default step
	_, err = NewBackTrackLineSearch(DefaultLineSearchConfig(), DefaultStep{}).Search(obj, g0, 1)
	assert.True(t, errors.Is(err, ErrInvalidDirection))
}

func TestBackTrackLineSearch_Underflow(t *testing.T) {
	cfg := DefaultLineSearchConfig()

	a, err := NewBackTrackLineSearch(cfg, nil).Search(liar(0), []float64{1}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a)

	cfg.EnforceNumericalStability = true
	_, err = NewBackTrackLineSearch(cfg, nil).Search(liar(0), []float64{1}, 1)
	assert.True(t, errors.Is(err, ErrLineSearchFailed))
	assert.True(t, errors.Is(err, ErrStepUnderflow))
}

func TestBackTrackLineSearch_ExhaustedIterations(t *testing.T) {
	cfg := DefaultLineSearchConfig()
	cfg.MaxIterations = 3

	_, err := NewBackTrackLineSearch(cfg, nil).Search(liar(0), []float64{1}, 1)
	assert.True(t, errors.Is(err, ErrLineSearchFailed))
	assert.False(t, errors.Is(err, ErrStepUnderflow))
}

func TestBackTrackLineSearch_NonFiniteScore(t *testing.T) {
	// f(x) = (x-1)² for x < 0.3, +Inf beyond; minimum at 1 is unreachable
	p := &funcProblem{
		x: []float64{0},
		score: func(x []float64) float64 {
			if x[0] >= 0.3 {
				return math.Inf(1)
			}
			return (x[0] - 1) * (x[0] - 1)
		},
		grad: func(x []float64) []float64 { return []float64{2*x[0] - 2} },
	}

	cfg := DefaultLineSearchConfig()
	a, err := NewBackTrackLineSearch(cfg, nil).Search(p, []float64{1}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.25, a)

	cfg.EnforceNumericalStability = true
	_, err = NewBackTrackLineSearch(cfg, nil).Search(p, []float64{1}, 1)
	assert.True(t, errors.Is(err, ErrNumericalInstability))
}

func TestBackTrackLineSearch_NonFiniteStart(t *testing.T) {
	p := &funcProblem{
		x:     []float64{0},
		score: func([]float64) float64 { return math.NaN() },
		grad:  func([]float64) []float64 { return []float64{-1} },
	}

	_, err := NewBackTrackLineSearch(DefaultLineSearchConfig(), nil).Search(p, []float64{1}, 1)
	assert.True(t, errors.Is(err, ErrLineSearchFailed))

	cfg := DefaultLineSearchConfig()
	cfg.EnforceNumericalStability = true
	_, err = NewBackTrackLineSearch(cfg, nil).Search(p, []float64{1}, 1)
	assert.True(t, errors.Is(err, ErrNumericalInstability))
}

func TestBackTrackLineSearch_CurvatureExpandsShortSteps(t *testing.T) {
	obj := newQuadraticObjective(t, []float64{1}, []float64{10})
	cfg := DefaultLineSearchConfig()
	cfg.CurvatureFactor = 0.9

	a, err := NewBackTrackLineSearch(cfg, nil).Search(obj, []float64{1}, 0.1)
	require.NoError(t, err)
	// 0.1 doubles until |f'(a)| = |a-10| <= 9
	assert.InDelta(t, 1.6, a, 1e-12)

	// without the curvature check the first Armijo step is taken
	a, err = NewBackTrackLineSearch(DefaultLineSearchConfig(), nil).Search(obj, []float64{1}, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0.1, a)
}

func TestBackTrackLineSearch_MaxStepLength(t *testing.T) {
	obj := newQuadraticObjective(t, []float64{1}, []float64{10})
	cfg := DefaultLineSearchConfig()
	cfg.MaxStepLength = 2

	a, err := NewBackTrackLineSearch(cfg, nil).Search(obj, []float64{1}, 50)
	require.NoError(t, err)
	assert.Equal(t, 2.0, a)
}

func TestLineSearchConfig_Validate(t *testing.T) {
	assert.NoError(t, LineSearchConfig{}.Validate())
	assert.NoError(t, DefaultLineSearchConfig().Validate())

	tests := []struct {
		name string
		cfg  LineSearchConfig
	}{
		{"decrease too large", LineSearchConfig{DecreaseFactor: 1.5}},
		{"contraction too large", LineSearchConfig{ContractionFactor: 1}},
		{"curvature below decrease", LineSearchConfig{DecreaseFactor: 0.5, CurvatureFactor: 0.1}},
		{"inverted bounds", LineSearchConfig{MinStepLength: 1, MaxStepLength: 0.5}},
		{"negative iterations", LineSearchConfig{MaxIterations: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}
