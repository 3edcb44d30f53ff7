package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/netsolver/internal/config"
	"github.com/cwbudde/netsolver/internal/model"
	"github.com/cwbudde/netsolver/internal/opt"
	"github.com/cwbudde/netsolver/internal/server"
	"github.com/cwbudde/netsolver/internal/store"
	"github.com/cwbudde/netsolver/internal/update"
)

// trainFlags are the model and optimizer flags shared by train and reduce.
type trainFlags struct {
	dataset    string
	classes    int
	hidden     []int
	activation string
	algorithm  string
	iters      int
	lsIters    int
	strict     bool
	seed       int64
	outPath    string
	printEvery int
}

func (f *trainFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dataset, "dataset", "", `Dataset: "iris" or a CSV path (last column is the class)`)
	cmd.Flags().IntVar(&f.classes, "classes", 0, "Number of classes in the CSV")
	cmd.Flags().IntSliceVar(&f.hidden, "hidden", nil, "Hidden layer widths, e.g. 8,8")
	cmd.Flags().StringVar(&f.activation, "activation", "", "Hidden activation: identity, sigmoid, tanh, relu")
	cmd.Flags().StringVar(&f.algorithm, "algorithm", "", "Optimizer: gradient_descent, conjugate_gradient, lbfgs, mayfly")
	cmd.Flags().IntVar(&f.iters, "iters", 0, "Max optimizer iterations")
	cmd.Flags().IntVar(&f.lsIters, "ls-iters", 0, "Max line search iterations")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "Fail on non-finite scores and step underflow")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "Weight initialization seed")
	cmd.Flags().StringVar(&f.outPath, "out", "model.nsnp", "Snapshot output path")
	cmd.Flags().IntVar(&f.printEvery, "print-every", 10, "Log the score every N iterations")
}

func (f *trainFlags) jobConfig() store.JobConfig {
	return store.JobConfig{
		Dataset:         f.dataset,
		Classes:         f.classes,
		Hidden:          f.hidden,
		Activation:      f.activation,
		Algorithm:       f.algorithm,
		Iters:           f.iters,
		LineSearchIters: f.lsIters,
		Strict:          f.strict,
		Seed:            f.seed,
	}
}

// prepare resolves the flags against appConfig and builds a fresh network.
func (f *trainFlags) prepare(jc store.JobConfig) (config.Config, *model.Dataset, *model.Network, error) {
	cfg, err := server.ApplyJobConfig(appConfig, jc)
	if err != nil {
		return cfg, nil, nil, err
	}

	data, err := cfg.LoadDataset()
	if err != nil {
		return cfg, nil, nil, err
	}

	netConf := cfg.NetworkConfig(data.NumInputs())
	if data.NumOutputs() != cfg.Network.Classes {
		return cfg, nil, nil, fmt.Errorf("dataset has %d classes, config declares %d", data.NumOutputs(), cfg.Network.Classes)
	}
	net := model.NewNetwork(netConf)
	if err := net.Init(); err != nil {
		return cfg, nil, nil, fmt.Errorf("failed to initialize network: %w", err)
	}
	return cfg, data, net, nil
}

var trainOpts trainFlags

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a network on one machine",
	Long:  `Trains a network with the configured optimizer and writes the model snapshot, including optimizer state.`,
	RunE:  runTrain,
}

func init() {
	trainOpts.register(trainCmd)
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, data, net, err := trainOpts.prepare(trainOpts.jobConfig())
	if err != nil {
		return err
	}

	slog.Info("Starting training",
		"dataset", cfg.Network.Dataset,
		"examples", data.NumExamples(),
		"params", net.NumParams(),
		"algorithm", cfg.Optimizer.Algorithm,
		"iters", cfg.Optimizer.MaxIterations,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	solver, err := opt.NewSolver(cfg.SolverConfig(), opt.NewScoreIterationListener(trainOpts.printEvery))
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := solver.Optimize(ctx, model.NewObjective(net, data))
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	elapsed := time.Since(start)

	u := update.New(net)
	u.SetOptimizerState(solver.State())
	snapshot, err := u.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := writeFileAtomic(trainOpts.outPath, snapshot); err != nil {
		return err
	}

	accuracy := net.Accuracy(data)
	slog.Info("Training complete",
		"elapsed", elapsed,
		"initial_score", res.InitialScore,
		"score", res.Score,
		"iterations", res.Iterations,
		"evaluations", res.Evaluations,
		"status", res.Status,
		"accuracy", accuracy,
	)

	fmt.Printf("Wrote %s (score: %.6f -> %.6f, %d iterations, %s, accuracy %.1f%%)\n",
		trainOpts.outPath, res.InitialScore, res.Score, res.Iterations, res.Status, accuracy*100)
	return nil
}
