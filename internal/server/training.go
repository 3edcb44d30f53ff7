package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cwbudde/netsolver/internal/config"
	"github.com/cwbudde/netsolver/internal/metrics"
	"github.com/cwbudde/netsolver/internal/model"
	"github.com/cwbudde/netsolver/internal/opt"
	"github.com/cwbudde/netsolver/internal/reduce"
	"github.com/cwbudde/netsolver/internal/update"
)

// training is a job resolved into a dataset, a model and solver settings.
type training struct {
	cfg  config.Config
	data *model.Dataset
	net  model.Model

	// state is the optimizer memory restored from, then captured into,
	// snapshots
	state  *opt.State
	solver *opt.Solver
}

// outcome summarizes a finished training run.
type outcome struct {
	Score        float64
	InitialScore float64
	Iterations   int
	Status       opt.Status
}

// ApplyJobConfig overlays the non-zero fields of jc on base and validates
// the result.
func ApplyJobConfig(base config.Config, jc JobConfig) (config.Config, error) {
	if err := jc.Validate(); err != nil {
		return base, err
	}

	cfg := base
	cfg.Network.Hidden = append([]int(nil), base.Network.Hidden...)

	if jc.Dataset != "" {
		cfg.Network.Dataset = jc.Dataset
	}
	if jc.Classes > 0 {
		cfg.Network.Classes = jc.Classes
	}
	if jc.Hidden != nil {
		cfg.Network.Hidden = append([]int(nil), jc.Hidden...)
	}
	if jc.Activation != "" {
		cfg.Network.Activation = model.Activation(jc.Activation)
	}
	if jc.Seed != 0 {
		cfg.Network.Seed = jc.Seed
	}
	if jc.Algorithm != "" {
		cfg.Optimizer.Algorithm = opt.Algorithm(jc.Algorithm)
	}
	if jc.Iters > 0 {
		cfg.Optimizer.MaxIterations = jc.Iters
	}
	if jc.LineSearchIters > 0 {
		cfg.Optimizer.LineSearch.MaxIterations = jc.LineSearchIters
	}
	if jc.Strict {
		cfg.Optimizer.LineSearch.EnforceNumericalStability = true
	}
	if jc.Workers > 0 {
		cfg.Reduce.Workers = jc.Workers
	}
	if jc.Rounds > 0 {
		cfg.Reduce.Rounds = jc.Rounds
	}
	if jc.CheckpointInterval > 0 {
		cfg.Server.CheckpointInterval = jc.CheckpointInterval
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newTraining loads the dataset and builds the model. A non-empty snapshot
// replaces the freshly initialized network, including optimizer memory.
func newTraining(cfg config.Config, snapshot []byte) (*training, error) {
	data, err := cfg.LoadDataset()
	if err != nil {
		return nil, err
	}

	t := &training{cfg: cfg, data: data}
	if len(snapshot) > 0 {
		u := update.NewEmpty(model.KindNetwork)
		if err := u.FromBytes(snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		net := u.Get().(*model.Network)
		conf := net.Config()
		if conf.Layers[0].NIn != data.NumInputs() || conf.Layers[len(conf.Layers)-1].NOut != data.NumOutputs() {
			return nil, fmt.Errorf("snapshot network %d->%d does not fit dataset %d->%d",
				conf.Layers[0].NIn, conf.Layers[len(conf.Layers)-1].NOut, data.NumInputs(), data.NumOutputs())
		}
		t.net = net
		t.state = u.OptimizerState()
		return t, nil
	}

	if data.NumOutputs() != cfg.Network.Classes {
		return nil, fmt.Errorf("dataset has %d classes, config declares %d", data.NumOutputs(), cfg.Network.Classes)
	}
	netConf := cfg.NetworkConfig(data.NumInputs())
	if err := netConf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network: %w", err)
	}
	net := model.NewNetwork(netConf)
	if err := net.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize network: %w", err)
	}
	t.net = net
	return t, nil
}

// run trains the model in place. More than one configured worker switches
// to iterative reduce.
func (t *training) run(ctx context.Context, jobID string, listeners ...opt.IterationListener) (*outcome, error) {
	if t.cfg.Reduce.Workers > 1 {
		return t.runReduce(ctx, jobID, listeners)
	}

	solver, err := opt.NewSolver(t.cfg.SolverConfig(), listeners...)
	if err != nil {
		return nil, err
	}
	if t.state != nil {
		if err := solver.Restore(t.state); err != nil {
			slog.Warn("Discarding optimizer state", "job_id", jobID, "error", err)
		}
	}
	t.solver = solver

	res, err := solver.Optimize(ctx, model.NewObjective(t.net, t.data))
	t.state = solver.State()
	if err != nil {
		return nil, err
	}
	return &outcome{
		Score:        res.Score,
		InitialScore: res.InitialScore,
		Iterations:   res.Iterations,
		Status:       res.Status,
	}, nil
}

func (t *training) runReduce(ctx context.Context, jobID string, listeners []opt.IterationListener) (*outcome, error) {
	master := &reduce.Master{
		Kind:        model.KindNetwork,
		Workers:     reduce.NewWorkers(model.KindNetwork, t.data, t.cfg.Reduce.Workers, t.cfg.SolverConfig()),
		Rounds:      t.cfg.Reduce.Rounds,
		Parallelism: t.cfg.Reduce.Parallelism,
		Weighted:    t.cfg.Reduce.Weighted,
		Data:        t.data,
		Listeners:   listeners,
		OnSnapshot: func(round int, snapshot []byte) {
			metrics.ObserveSnapshot(len(snapshot))
			slog.Debug("Broadcasting snapshot", "job_id", jobID, "round", round, "bytes", len(snapshot))
		},
	}

	// averaged parameters invalidate any curvature memory
	t.state = nil

	res, err := master.Run(ctx, t.net)
	if err != nil {
		return nil, err
	}
	return &outcome{
		Score:        res.Score,
		InitialScore: res.InitialScore,
		Iterations:   res.Rounds,
		Status:       opt.StatusMaxIterations,
	}, nil
}

// currentState returns the optimizer memory, live while a solver runs.
func (t *training) currentState() *opt.State {
	if t.solver != nil {
		return t.solver.State()
	}
	return t.state
}

// snapshot encodes the model together with the optimizer memory.
func (t *training) snapshot() ([]byte, error) {
	u := update.New(t.net)
	u.SetOptimizerState(t.currentState())
	data, err := u.ToBytes()
	if err != nil {
		return nil, err
	}
	metrics.ObserveSnapshot(len(data))
	return data, nil
}
