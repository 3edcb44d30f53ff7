package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Config holds the solver settings.
type Config struct {
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`

	// MaxIterations bounds the number of outer iterations per Optimize call
	MaxIterations int `json:"maxIterations" yaml:"max_iterations"`

	LineSearch LineSearchConfig `json:"lineSearch" yaml:"line_search"`

	// LineSearchRetries is how often a failed search is retried with a
	// ten times smaller initial step; negative disables retries
	LineSearchRetries int `json:"lineSearchRetries" yaml:"line_search_retries"`

	InitialStepLength float64 `json:"initialStepLength" yaml:"initial_step_length"`

	// GradientTolerance stops when the gradient norm falls below it
	GradientTolerance float64 `json:"gradientTolerance" yaml:"gradient_tolerance"`

	// ScoreTolerance is the minimum relative improvement; zero disables the check
	ScoreTolerance float64 `json:"scoreTolerance" yaml:"score_tolerance"`
	Patience       int     `json:"patience" yaml:"patience"`

	// HistorySize is the number of L-BFGS curvature pairs
	HistorySize int `json:"historySize" yaml:"history_size"`

	CGVariant CGVariant `json:"cgVariant,omitempty" yaml:"cg_variant"`

	// NegativeStep makes the drivers track ascent directions and step
	// against them
	NegativeStep bool `json:"negativeStep,omitempty" yaml:"negative_step"`

	Mayfly MayflyConfig `json:"mayfly" yaml:"mayfly"`
}

// MayflyConfig configures the derivative-free driver.
type MayflyConfig struct {
	Iterations int     `json:"iterations" yaml:"iterations"`
	Population int     `json:"population" yaml:"population"`
	Radius     float64 `json:"radius" yaml:"radius"`
	Seed       int64   `json:"seed" yaml:"seed"`
}

// DefaultConfig returns L-BFGS with the default line search.
func DefaultConfig() Config {
	return Config{
		Algorithm:         AlgorithmLBFGS,
		MaxIterations:     100,
		LineSearch:        DefaultLineSearchConfig(),
		LineSearchRetries: 1,
		InitialStepLength: 1,
		GradientTolerance: 1e-8,
		Patience:          1,
		HistorySize:       10,
		CGVariant:         PolakRibiere,
		Mayfly: MayflyConfig{
			Iterations: 50,
			Population: 20,
			Radius:     0.5,
			Seed:       42,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	c.LineSearch = c.LineSearch.withDefaults()
	if c.LineSearchRetries == 0 {
		c.LineSearchRetries = d.LineSearchRetries
	}
	if c.LineSearchRetries < 0 {
		c.LineSearchRetries = 0
	}
	if c.InitialStepLength == 0 {
		c.InitialStepLength = d.InitialStepLength
	}
	if c.Patience == 0 {
		c.Patience = d.Patience
	}
	if c.HistorySize == 0 {
		c.HistorySize = d.HistorySize
	}
	if c.CGVariant == "" {
		c.CGVariant = d.CGVariant
	}
	if c.Mayfly.Iterations == 0 {
		c.Mayfly.Iterations = d.Mayfly.Iterations
	}
	if c.Mayfly.Population == 0 {
		c.Mayfly.Population = d.Mayfly.Population
	}
	if c.Mayfly.Radius == 0 {
		c.Mayfly.Radius = d.Mayfly.Radius
	}
	return c
}

// Validate reports configuration errors. Unsupported algorithms wrap
// ErrUnsupportedOptimizer.
func (c Config) Validate() error {
	if !c.Algorithm.Supported() {
		return fmt.Errorf("%w: %q", ErrUnsupportedOptimizer, c.Algorithm)
	}
	c = c.withDefaults()
	if c.MaxIterations < 0 {
		return fmt.Errorf("max iterations must be non-negative, got %d", c.MaxIterations)
	}
	if c.InitialStepLength < 0 {
		return fmt.Errorf("initial step length must be positive, got %g", c.InitialStepLength)
	}
	if c.GradientTolerance < 0 || c.ScoreTolerance < 0 {
		return fmt.Errorf("tolerances must be non-negative")
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("history size must be positive, got %d", c.HistorySize)
	}
	if c.CGVariant != PolakRibiere && c.CGVariant != FletcherReeves {
		return fmt.Errorf("unknown conjugate gradient variant %q", c.CGVariant)
	}
	if c.Algorithm == AlgorithmMayfly {
		if c.Mayfly.Population < 20 {
			return fmt.Errorf("mayfly population must be at least 20, got %d", c.Mayfly.Population)
		}
		if c.Mayfly.Radius <= 0 {
			return fmt.Errorf("mayfly radius must be positive, got %g", c.Mayfly.Radius)
		}
	}
	return c.LineSearch.Validate()
}

// Status is the reason an optimization run stopped.
type Status string

const (
	StatusMaxIterations     Status = "max_iterations"
	StatusGradientConverged Status = "gradient_converged"
	StatusScoreConverged    Status = "score_converged"
	StatusNoProgress        Status = "no_progress"
	StatusAtMinimum         Status = "at_minimum"
)

// Result summarizes an optimization run.
type Result struct {
	Params       []float64 `json:"-"`
	Score        float64   `json:"score"`
	InitialScore float64   `json:"initialScore"`
	Iterations   int       `json:"iterations"`
	Status       Status    `json:"status"`
	Evaluations  int       `json:"evaluations"`
}

// Solver drives one optimization algorithm over a Problem. A Solver is not
// safe for concurrent use; run one per worker.
type Solver struct {
	config    Config
	search    *BackTrackLineSearch
	step      StepFunction
	rule      DirectionRule
	box       Optimizer
	listeners []IterationListener
	iteration int
}

// NewSolver validates cfg and builds the driver for its algorithm.
func NewSolver(cfg Config, listeners ...IterationListener) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	var step StepFunction = DefaultStep{}
	if cfg.NegativeStep {
		step = NegativeStep{}
	}

	s := &Solver{
		config:    cfg,
		step:      step,
		search:    NewBackTrackLineSearch(cfg.LineSearch, step),
		listeners: append([]IterationListener(nil), listeners...),
	}

	switch cfg.Algorithm {
	case AlgorithmGradientDescent:
		s.rule = SteepestDescent{}
	case AlgorithmConjugateGradient:
		s.rule = &ConjugateGradient{Variant: cfg.CGVariant}
	case AlgorithmLBFGS:
		s.rule = &LBFGS{Store: cfg.HistorySize}
	case AlgorithmMayfly:
		s.box = NewMayfly(cfg.Mayfly.Iterations, cfg.Mayfly.Population, cfg.Mayfly.Seed)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Solver) Config() Config {
	return s.config
}

// Iteration returns the number of accepted steps across all Optimize calls.
func (s *Solver) Iteration() int {
	return s.iteration
}

// State captures the direction rule memory and iteration counter.
func (s *Solver) State() *State {
	if s.rule == nil {
		return &State{Algorithm: s.config.Algorithm, Iteration: s.iteration}
	}
	st := s.rule.State()
	st.Iteration = s.iteration
	return st
}

// Restore loads a previously captured State. A nil state resets the solver.
func (s *Solver) Restore(st *State) error {
	if st == nil {
		if s.rule != nil {
			s.rule.Reset()
		}
		s.iteration = 0
		return nil
	}
	if st.Algorithm != s.config.Algorithm {
		return fmt.Errorf("optimizer state is for %s, solver runs %s", st.Algorithm, s.config.Algorithm)
	}
	if s.rule != nil {
		if err := s.rule.Restore(st); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	s.iteration = st.Iteration
	return nil
}

// Optimize runs until convergence, MaxIterations, or a surfaced failure.
// Cancellation is checked between iterations.
func (s *Solver) Optimize(ctx context.Context, p Problem) (*Result, error) {
	counted := &countingProblem{Problem: p}
	if s.config.Algorithm == AlgorithmMayfly {
		return s.optimizeMayfly(ctx, counted)
	}

	if cg, ok := s.rule.(*ConjugateGradient); ok && cg.RestartAfter == 0 {
		cg.RestartAfter = len(p.Params())
	}

	x := counted.Params()
	f, g := counted.Gradient(x)
	res := &Result{InitialScore: f, Status: StatusMaxIterations}

	tracker := NewConvergenceTracker(ConvergenceConfig{
		Enabled:   s.config.ScoreTolerance > 0,
		Patience:  s.config.Patience,
		Threshold: s.config.ScoreTolerance,
	})
	tracker.Update(f)

	for res.Iterations < s.config.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("optimization cancelled after %d iterations: %w", res.Iterations, err)
		}
		if f == 0 {
			res.Status = StatusAtMinimum
			break
		}
		gradNorm := floats.Norm(g, 2)
		if gradNorm < s.config.GradientTolerance {
			res.Status = StatusGradientConverged
			break
		}

		dir, restarted := s.rule.Direction(x, g)
		a, dir, err := s.searchWithRecovery(counted, x, g, dir, restarted)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", s.iteration, err)
		}
		if a == 0 {
			res.Status = StatusNoProgress
			break
		}

		next := s.step.Step(x, s.orient(dir), a)
		if err := counted.ApplyStep(next); err != nil {
			return nil, fmt.Errorf("failed to apply step at iteration %d: %w", s.iteration, err)
		}
		nf, ng := counted.Gradient(next)
		if s.config.LineSearch.EnforceNumericalStability && (!isFinite(nf) || !allFinite(ng)) {
			return nil, fmt.Errorf("iteration %d: %w: score %g after step", s.iteration, ErrNumericalInstability, nf)
		}
		x, f, g = next, nf, ng

		s.iteration++
		res.Iterations++
		s.notify(Iteration{
			Index:        s.iteration,
			Score:        f,
			StepLength:   a,
			GradientNorm: floats.Norm(g, 2),
		})

		if tracker.Update(f) {
			res.Status = StatusScoreConverged
			break
		}
	}

	res.Params = x
	res.Score = f
	res.Evaluations = counted.evaluations
	return res, nil
}

// orient maps a descent direction to what the step function expects.
func (s *Solver) orient(dir []float64) []float64 {
	if s.step.Sign() > 0 {
		return dir
	}
	ascent := cloneVec(dir)
	floats.Scale(-1, ascent)
	return ascent
}

func (s *Solver) initialStep(dir []float64, restarted bool) float64 {
	init := s.config.InitialStepLength
	if !restarted && s.config.Algorithm == AlgorithmLBFGS {
		return init
	}
	if n := floats.Norm(dir, 2); n > 0 && isFinite(n) {
		return math.Min(init, init/n)
	}
	return init
}

func (s *Solver) searchWithRecovery(p Problem, x, g, dir []float64, restarted bool) (float64, []float64, error) {
	initial := s.initialStep(dir, restarted)
	a, err := s.search.Search(p, s.orient(dir), initial)

	if errors.Is(err, ErrInvalidDirection) && s.config.Algorithm != AlgorithmGradientDescent {
		slog.Debug("Direction rejected, restarting with steepest descent",
			"algorithm", s.config.Algorithm, "iteration", s.iteration)
		s.rule.Reset()
		dir, _ = s.rule.Direction(x, g)
		initial = s.initialStep(dir, true)
		a, err = s.search.Search(p, s.orient(dir), initial)
	}

	for retry := 0; retry < s.config.LineSearchRetries; retry++ {
		if !errors.Is(err, ErrLineSearchFailed) || errors.Is(err, ErrStepUnderflow) {
			break
		}
		initial /= 10
		slog.Debug("Retrying line search", "initial_step", initial, "retry", retry+1)
		a, err = s.search.Search(p, s.orient(dir), initial)
	}
	return a, dir, err
}

func (s *Solver) optimizeMayfly(ctx context.Context, p *countingProblem) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("optimization cancelled: %w", err)
	}

	x0 := p.Params()
	f0 := p.Score(x0)
	res := &Result{Params: x0, Score: f0, InitialScore: f0, Status: StatusNoProgress}

	dim := len(x0)
	r := s.config.Mayfly.Radius
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := range lower {
		lower[i], upper[i] = -r, r
	}

	// search over offsets around x0
	candidate := make([]float64, dim)
	eval := func(offset []float64) float64 {
		floats.AddTo(candidate, x0, offset)
		return p.Score(candidate)
	}

	offset, cost, err := s.box.Run(eval, lower, upper, dim)
	if err != nil {
		return nil, fmt.Errorf("iteration %d: %w", s.iteration, err)
	}

	if cost < f0 && isFinite(cost) {
		next := make([]float64, dim)
		floats.AddTo(next, x0, offset)
		if err := p.ApplyStep(next); err != nil {
			return nil, fmt.Errorf("failed to apply mayfly step: %w", err)
		}
		res.Params = next
		res.Score = cost
		res.Status = StatusMaxIterations
		res.Iterations = 1
		s.iteration++
		s.notify(Iteration{Index: s.iteration, Score: cost, StepLength: floats.Norm(offset, 2)})
	}

	res.Evaluations = p.evaluations
	return res, nil
}

func (s *Solver) notify(it Iteration) {
	for _, l := range s.listeners {
		l.OnIteration(it)
	}
}

// countingProblem counts objective evaluations made during one run.
type countingProblem struct {
	Problem
	evaluations int
}

func (c *countingProblem) Score(params []float64) float64 {
	c.evaluations++
	return c.Problem.Score(params)
}

func (c *countingProblem) Gradient(params []float64) (float64, []float64) {
	c.evaluations++
	return c.Problem.Gradient(params)
}
