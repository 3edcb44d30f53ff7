package store

import (
	"log/slog"

	"github.com/cwbudde/netsolver/internal/opt"
)

// TraceListener records every optimizer iteration to a trace file.
// Entries are numbered from Offset+1 so resumed runs continue numbering.
type TraceListener struct {
	Writer *TraceWriter
	Offset int

	count int
}

func (l *TraceListener) OnIteration(it opt.Iteration) {
	l.count++
	entry := TraceEntry{
		Iteration:    l.Offset + l.count,
		Score:        it.Score,
		StepLength:   it.StepLength,
		GradientNorm: it.GradientNorm,
	}
	if err := l.Writer.Write(entry); err != nil {
		slog.Warn("Failed to write trace entry", "iteration", entry.Iteration, "error", err)
	}
}
