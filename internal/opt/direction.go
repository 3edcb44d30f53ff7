package opt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DirectionRule produces descent directions from successive iterates.
// Implementations remember the previous point themselves; after Reset the
// next call returns the steepest-descent direction.
type DirectionRule interface {
	// Direction returns a descent direction at x and whether it is a
	// steepest-descent restart.
	Direction(x, grad []float64) (dir []float64, restarted bool)
	Reset()
	State() *State
	Restore(s *State) error
}

// State is the serializable memory of a direction rule, carried inside
// snapshots so a resumed run continues with the same curvature information.
type State struct {
	Algorithm     Algorithm   `json:"algorithm"`
	Iteration     int         `json:"iteration"`
	SinceRestart  int         `json:"sinceRestart,omitempty"`
	PrevParams    []float64   `json:"prevParams,omitempty"`
	PrevGradient  []float64   `json:"prevGradient,omitempty"`
	PrevDirection []float64   `json:"prevDirection,omitempty"`
	S             [][]float64 `json:"s,omitempty"`
	Y             [][]float64 `json:"y,omitempty"`
}

func steepest(grad []float64) []float64 {
	dir := make([]float64, len(grad))
	copy(dir, grad)
	floats.Scale(-1, dir)
	return dir
}

func cloneVec(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}

// SteepestDescent always follows the negative gradient.
type SteepestDescent struct{}

func (SteepestDescent) Direction(_, grad []float64) ([]float64, bool) {
	return steepest(grad), true
}

func (SteepestDescent) Reset() {}

func (SteepestDescent) State() *State {
	return &State{Algorithm: AlgorithmGradientDescent}
}

func (SteepestDescent) Restore(*State) error { return nil }

// CGVariant selects the conjugate-gradient beta formula.
type CGVariant string

const (
	PolakRibiere   CGVariant = "polak_ribiere"
	FletcherReeves CGVariant = "fletcher_reeves"
)

// ConjugateGradient is nonlinear CG with automatic restarts: when beta is
// negative, when the combined direction is not a descent direction, and
// every RestartAfter iterations.
type ConjugateGradient struct {
	Variant      CGVariant
	RestartAfter int

	prevGrad      []float64
	prevDir       []float64
	prevGradNorm2 float64
	sinceRestart  int
}

func (cg *ConjugateGradient) Direction(_, grad []float64) ([]float64, bool) {
	dir := steepest(grad)
	gradNorm2 := floats.Dot(grad, grad)

	restart := cg.prevGrad == nil || len(cg.prevGrad) != len(grad) || cg.prevGradNorm2 == 0
	if !restart {
		cg.sinceRestart++
		if cg.RestartAfter > 0 && cg.sinceRestart >= cg.RestartAfter {
			restart = true
		}
	}

	if !restart {
		var beta float64
		switch cg.Variant {
		case FletcherReeves:
			beta = gradNorm2 / cg.prevGradNorm2
		default:
			// Polak-Ribière: gᵀ(g - g_prev) / |g_prev|²
			beta = (gradNorm2 - floats.Dot(grad, cg.prevGrad)) / cg.prevGradNorm2
		}
		if !(beta > 0) || math.IsInf(beta, 0) {
			restart = true
		} else {
			floats.AddScaled(dir, beta, cg.prevDir)
			if floats.Dot(grad, dir) >= 0 {
				restart = true
				dir = steepest(grad)
			}
		}
	}

	if restart {
		cg.sinceRestart = 0
	}
	cg.prevGrad = cloneVec(grad)
	cg.prevDir = cloneVec(dir)
	cg.prevGradNorm2 = gradNorm2
	return dir, restart
}

func (cg *ConjugateGradient) Reset() {
	cg.prevGrad = nil
	cg.prevDir = nil
	cg.prevGradNorm2 = 0
	cg.sinceRestart = 0
}

func (cg *ConjugateGradient) State() *State {
	return &State{
		Algorithm:     AlgorithmConjugateGradient,
		SinceRestart:  cg.sinceRestart,
		PrevGradient:  cloneVec(cg.prevGrad),
		PrevDirection: cloneVec(cg.prevDir),
	}
}

func (cg *ConjugateGradient) Restore(s *State) error {
	cg.Reset()
	if s == nil {
		return nil
	}
	if s.Algorithm != AlgorithmConjugateGradient {
		return fmt.Errorf("cannot restore %s state into conjugate gradient", s.Algorithm)
	}
	if len(s.PrevGradient) != len(s.PrevDirection) {
		return fmt.Errorf("conjugate gradient state has mismatched vectors: %d vs %d",
			len(s.PrevGradient), len(s.PrevDirection))
	}
	if s.PrevGradient == nil {
		return nil
	}
	cg.prevGrad = cloneVec(s.PrevGradient)
	cg.prevDir = cloneVec(s.PrevDirection)
	cg.prevGradNorm2 = floats.Dot(cg.prevGrad, cg.prevGrad)
	cg.sinceRestart = s.SinceRestart
	return nil
}

// LBFGS approximates the inverse Hessian from the last Store curvature
// pairs using the two-loop recursion. Pairs with non-positive curvature
// are skipped.
type LBFGS struct {
	Store int

	x, grad []float64

	s, y  [][]float64 // ring buffers
	rho   []float64
	alpha []float64
	head  int // next slot to write
	count int
}

func (l *LBFGS) init(dim int) {
	if l.Store < 1 {
		l.Store = 10
	}
	if len(l.s) == l.Store && len(l.x) == dim {
		return
	}
	l.s = make([][]float64, l.Store)
	l.y = make([][]float64, l.Store)
	l.rho = make([]float64, l.Store)
	l.alpha = make([]float64, l.Store)
	l.head = 0
	l.count = 0
}

func (l *LBFGS) push(s, y []float64, sy float64) {
	l.s[l.head] = s
	l.y[l.head] = y
	l.rho[l.head] = 1 / sy
	l.head = (l.head + 1) % l.Store
	if l.count < l.Store {
		l.count++
	}
}

// index maps the i-th oldest pair to its ring slot.
func (l *LBFGS) index(i int) int {
	return (l.head - l.count + i + l.Store) % l.Store
}

func (l *LBFGS) Direction(x, grad []float64) ([]float64, bool) {
	l.init(len(x))

	if l.x == nil || len(l.x) != len(x) {
		l.x = cloneVec(x)
		l.grad = cloneVec(grad)
		l.count = 0
		return steepest(grad), true
	}

	s := make([]float64, len(x))
	floats.SubTo(s, x, l.x)
	y := make([]float64, len(grad))
	floats.SubTo(y, grad, l.grad)
	if sy := floats.Dot(s, y); sy > 0 && isFinite(sy) {
		l.push(s, y, sy)
	}
	l.x = cloneVec(x)
	l.grad = cloneVec(grad)

	if l.count == 0 {
		return steepest(grad), true
	}

	q := cloneVec(grad)
	for i := l.count - 1; i >= 0; i-- {
		k := l.index(i)
		l.alpha[k] = l.rho[k] * floats.Dot(l.s[k], q)
		floats.AddScaled(q, -l.alpha[k], l.y[k])
	}

	newest := l.index(l.count - 1)
	gamma := floats.Dot(l.s[newest], l.y[newest]) / floats.Dot(l.y[newest], l.y[newest])
	floats.Scale(gamma, q)

	for i := 0; i < l.count; i++ {
		k := l.index(i)
		beta := l.rho[k] * floats.Dot(l.y[k], q)
		floats.AddScaled(q, l.alpha[k]-beta, l.s[k])
	}
	floats.Scale(-1, q)

	if !allFinite(q) || floats.Dot(grad, q) >= 0 {
		l.count = 0
		l.head = 0
		return steepest(grad), true
	}
	return q, false
}

func (l *LBFGS) Reset() {
	l.x = nil
	l.grad = nil
	l.count = 0
	l.head = 0
}

// History returns the stored curvature pair count.
func (l *LBFGS) History() int {
	return l.count
}

func (l *LBFGS) State() *State {
	st := &State{
		Algorithm:    AlgorithmLBFGS,
		PrevParams:   cloneVec(l.x),
		PrevGradient: cloneVec(l.grad),
	}
	for i := 0; i < l.count; i++ {
		k := l.index(i)
		st.S = append(st.S, cloneVec(l.s[k]))
		st.Y = append(st.Y, cloneVec(l.y[k]))
	}
	return st
}

func (l *LBFGS) Restore(st *State) error {
	l.Reset()
	if st == nil {
		return nil
	}
	if st.Algorithm != AlgorithmLBFGS {
		return fmt.Errorf("cannot restore %s state into lbfgs", st.Algorithm)
	}
	if len(st.S) != len(st.Y) {
		return fmt.Errorf("lbfgs state has %d s vectors and %d y vectors", len(st.S), len(st.Y))
	}
	if len(st.PrevParams) != len(st.PrevGradient) {
		return fmt.Errorf("lbfgs state has mismatched params and gradient")
	}
	if st.PrevParams == nil {
		return nil
	}

	dim := len(st.PrevParams)
	l.init(dim)
	l.head = 0
	l.count = 0

	// keep only the newest pairs that fit
	pairs := len(st.S)
	start := 0
	if pairs > l.Store {
		start = pairs - l.Store
	}
	for i := start; i < pairs; i++ {
		if len(st.S[i]) != dim || len(st.Y[i]) != dim {
			l.Reset()
			return fmt.Errorf("lbfgs pair %d has wrong dimension", i)
		}
		sy := floats.Dot(st.S[i], st.Y[i])
		if !(sy > 0) {
			continue
		}
		l.push(cloneVec(st.S[i]), cloneVec(st.Y[i]), sy)
	}
	l.x = cloneVec(st.PrevParams)
	l.grad = cloneVec(st.PrevGradient)
	return nil
}
