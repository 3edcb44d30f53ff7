package opt

import "log/slog"

// Iteration describes one accepted optimizer step.
type Iteration struct {
	Index        int     `json:"iteration"`
	Score        float64 `json:"score"`
	StepLength   float64 `json:"stepLength"`
	GradientNorm float64 `json:"gradientNorm"`
}

// IterationListener is notified after every accepted step.
type IterationListener interface {
	OnIteration(it Iteration)
}

// ListenerFunc adapts a function to IterationListener.
type ListenerFunc func(it Iteration)

func (f ListenerFunc) OnIteration(it Iteration) { f(it) }

// ScoreIterationListener logs the score every Frequency iterations.
type ScoreIterationListener struct {
	Frequency int
	Logger    *slog.Logger
}

// NewScoreIterationListener logs to the default logger.
func NewScoreIterationListener(frequency int) *ScoreIterationListener {
	if frequency < 1 {
		frequency = 1
	}
	return &ScoreIterationListener{Frequency: frequency, Logger: slog.Default()}
}

func (l *ScoreIterationListener) OnIteration(it Iteration) {
	freq := l.Frequency
	if freq < 1 {
		freq = 1
	}
	if it.Index%freq != 0 {
		return
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Score at iteration",
		"iteration", it.Index,
		"score", it.Score,
		"step_length", it.StepLength,
		"gradient_norm", it.GradientNorm,
	)
}
