package reduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/netsolver/internal/model"
	"github.com/cwbudde/netsolver/internal/opt"
	"github.com/cwbudde/netsolver/internal/update"
)

// Master coordinates rounds of local training and parameter averaging.
type Master struct {
	Kind    model.Kind
	Workers []*Worker
	Rounds  int

	// Parallelism bounds concurrently running workers; zero means all
	Parallelism int

	// Weighted averages parameters in proportion to shard size
	Weighted bool

	// Data scores the global model after every round; nil skips scoring
	Data *model.Dataset

	// Listeners receive one Iteration per round
	Listeners []opt.IterationListener

	// OnSnapshot, if set, is called with every broadcast snapshot
	OnSnapshot func(round int, snapshot []byte)
}

// Result summarizes a reduce run.
type Result struct {
	Params       []float64 `json:"-"`
	Score        float64   `json:"score"`
	InitialScore float64   `json:"initialScore"`
	Rounds       int       `json:"rounds"`
}

// Run trains global in place for Rounds rounds. A worker failure aborts the
// round and the run; global keeps the parameters of the last full round.
func (m *Master) Run(ctx context.Context, global model.Model) (*Result, error) {
	if global == nil {
		return nil, errors.New("reduce needs a global model")
	}
	if global.Kind() != m.Kind {
		return nil, fmt.Errorf("%w: global model is %s, master declares %s",
			update.ErrKindMismatch, global.Kind(), m.Kind)
	}
	if len(m.Workers) == 0 {
		return nil, errors.New("reduce needs at least one worker")
	}
	if m.Rounds < 1 {
		return nil, fmt.Errorf("rounds must be positive, got %d", m.Rounds)
	}

	weights := m.weights()
	params := global.Params()
	res := &Result{InitialScore: m.score(global, params)}
	res.Score = res.InitialScore

	for round := 1; round <= m.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("reduce cancelled before round %d: %w", round, err)
		}

		snapshot, err := update.New(global).ToBytes()
		if err != nil {
			return nil, fmt.Errorf("round %d: failed to encode global model: %w", round, err)
		}
		if m.OnSnapshot != nil {
			m.OnSnapshot(round, snapshot)
		}

		results, err := m.fanOut(ctx, snapshot)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}

		avg := make([]float64, len(params))
		for i, p := range results {
			if len(p) != len(avg) {
				return nil, fmt.Errorf("round %d: worker %s returned %d params, want %d",
					round, m.Workers[i].ID, len(p), len(avg))
			}
			floats.AddScaled(avg, weights[i], p)
		}

		if err := global.SetParams(avg); err != nil {
			return nil, fmt.Errorf("round %d: failed to apply averaged params: %w", round, err)
		}
		moved := floats.Distance(avg, params, 2)
		params = avg
		res.Score = m.score(global, params)
		res.Rounds = round

		slog.Info("Reduce round complete",
			"round", round,
			"workers", len(m.Workers),
			"score", res.Score,
			"moved", moved,
		)
		for _, l := range m.Listeners {
			l.OnIteration(opt.Iteration{Index: round, Score: res.Score, StepLength: moved})
		}
	}

	res.Params = params
	return res, nil
}

// fanOut runs every worker on snapshot and returns their decoded parameter
// vectors in worker order.
func (m *Master) fanOut(ctx context.Context, snapshot []byte) ([][]float64, error) {
	results := make([][]float64, len(m.Workers))

	g, gctx := errgroup.WithContext(ctx)
	if m.Parallelism > 0 {
		g.SetLimit(m.Parallelism)
	}

	for i, w := range m.Workers {
		g.Go(func() error {
			out, err := w.Compute(gctx, snapshot)
			if err != nil {
				return err
			}
			u := update.NewEmpty(m.Kind)
			if err := u.FromBytes(out); err != nil {
				return fmt.Errorf("worker %s returned an invalid snapshot: %w", w.ID, err)
			}
			results[i] = u.Get().Params()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (m *Master) weights() []float64 {
	weights := make([]float64, len(m.Workers))
	if !m.Weighted {
		for i := range weights {
			weights[i] = 1 / float64(len(weights))
		}
		return weights
	}

	var total float64
	for i, w := range m.Workers {
		weights[i] = float64(w.Data.NumExamples())
		total += weights[i]
	}
	if total == 0 {
		for i := range weights {
			weights[i] = 1 / float64(len(weights))
		}
		return weights
	}
	floats.Scale(1/total, weights)
	return weights
}

func (m *Master) score(global model.Model, params []float64) float64 {
	if m.Data == nil {
		return 0
	}
	return global.Score(params, m.Data)
}
