package opt

import (
	"log/slog"
	"math"
)

// ConvergenceConfig defines parameters for detecting optimization convergence
type ConvergenceConfig struct {
	// Enabled controls whether convergence detection is active
	Enabled bool

	// Patience is the number of iterations with no significant improvement
	// before stopping
	Patience int

	// Threshold is the minimum relative improvement required to count as progress
	// Relative improvement = (oldScore - newScore) / |oldScore|
	Threshold float64
}

// ConvergenceTracker tracks score history and detects when optimization has converged
type ConvergenceTracker struct {
	config          ConvergenceConfig
	history         []float64
	best            float64 // Best score ever seen
	lastSignificant float64 // Last score that was a significant improvement
	staleCount      int     // Number of iterations without significant improvement
}

// NewConvergenceTracker creates a new convergence tracker with the given config
func NewConvergenceTracker(config ConvergenceConfig) *ConvergenceTracker {
	if config.Patience < 1 {
		config.Patience = 1
	}
	return &ConvergenceTracker{
		config:          config,
		best:            math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records a new score and returns true if convergence is detected
func (c *ConvergenceTracker) Update(score float64) bool {
	if !c.config.Enabled {
		return false
	}

	c.history = append(c.history, score)
	if score < c.best {
		c.best = score
	}

	if len(c.history) == 1 {
		c.lastSignificant = score
		return false
	}

	denom := math.Abs(c.lastSignificant)
	if denom < math.SmallestNonzeroFloat64 {
		denom = math.SmallestNonzeroFloat64
	}
	relativeImprovement := (c.lastSignificant - score) / denom

	if relativeImprovement >= c.config.Threshold {
		c.lastSignificant = score
		c.staleCount = 0
		return false
	}

	c.staleCount++
	slog.Debug("No significant score improvement",
		"score", score,
		"last_significant", c.lastSignificant,
		"relative_improvement", relativeImprovement,
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
	)

	if c.staleCount >= c.config.Patience {
		slog.Info("Convergence detected - stopping early",
			"stale_count", c.staleCount,
			"patience", c.config.Patience,
			"best_score", c.best,
		)
		return true
	}
	return false
}

// Best returns the best score seen so far
func (c *ConvergenceTracker) Best() float64 {
	return c.best
}

// History returns the full score history
func (c *ConvergenceTracker) History() []float64 {
	return append([]float64{}, c.history...)
}

// StaleCount returns the current number of iterations without improvement
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

// Reset clears the tracker's state
func (c *ConvergenceTracker) Reset() {
	c.history = nil
	c.best = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.staleCount = 0
}
