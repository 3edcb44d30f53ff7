// Package reduce implements iterative parameter averaging: a master ships a
// snapshot of the global model to every worker, each worker trains on its
// own shard, and the master averages the returned parameter vectors.
package reduce

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cwbudde/netsolver/internal/model"
	"github.com/cwbudde/netsolver/internal/opt"
	"github.com/cwbudde/netsolver/internal/update"
)

// Worker trains a copy of the global model on its shard.
type Worker struct {
	ID   string
	Kind model.Kind
	Data *model.Dataset

	// Solver configures local training; MaxIterations is the number of
	// local iterations per round
	Solver opt.Config

	Listeners []opt.IterationListener
}

// Compute decodes snapshot into a fresh container of the worker's kind,
// trains it locally and returns the updated snapshot.
func (w *Worker) Compute(ctx context.Context, snapshot []byte) ([]byte, error) {
	if w.Data.NumExamples() == 0 {
		return nil, fmt.Errorf("worker %s has no data", w.ID)
	}

	u := update.NewEmpty(w.Kind)
	if err := u.FromBytes(snapshot); err != nil {
		return nil, fmt.Errorf("worker %s failed to decode snapshot: %w", w.ID, err)
	}

	solver, err := opt.NewSolver(w.Solver, w.Listeners...)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", w.ID, err)
	}

	res, err := solver.Optimize(ctx, model.NewObjective(u.Get(), w.Data))
	if err != nil {
		return nil, fmt.Errorf("worker %s training failed: %w", w.ID, err)
	}

	slog.Debug("Worker round complete",
		"worker_id", w.ID,
		"examples", w.Data.NumExamples(),
		"initial_score", res.InitialScore,
		"score", res.Score,
		"iterations", res.Iterations,
		"status", res.Status,
	)

	out, err := u.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("worker %s failed to encode snapshot: %w", w.ID, err)
	}
	return out, nil
}

// Shard splits data round-robin into n parts. Parts are empty when n
// exceeds the number of examples.
func Shard(data *model.Dataset, n int) []*model.Dataset {
	if n < 1 {
		n = 1
	}
	indices := make([][]int, n)
	for i := 0; i < data.NumExamples(); i++ {
		indices[i%n] = append(indices[i%n], i)
	}
	shards := make([]*model.Dataset, n)
	for i := range shards {
		shards[i] = data.Subset(indices[i])
	}
	return shards
}

// NewWorkers builds one worker per shard of data.
func NewWorkers(kind model.Kind, data *model.Dataset, n int, solver opt.Config) []*Worker {
	shards := Shard(data, n)
	workers := make([]*Worker, 0, len(shards))
	for i, shard := range shards {
		if shard.NumExamples() == 0 {
			continue
		}
		workers = append(workers, &Worker{
			ID:     fmt.Sprintf("worker-%d", i),
			Kind:   kind,
			Data:   shard,
			Solver: solver,
		})
	}
	return workers
}
