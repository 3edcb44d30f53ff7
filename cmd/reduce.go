package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/netsolver/internal/model"
	"github.com/cwbudde/netsolver/internal/opt"
	"github.com/cwbudde/netsolver/internal/reduce"
	"github.com/cwbudde/netsolver/internal/update"
)

var (
	reduceOpts        trainFlags
	reduceWorkers     int
	reduceRounds      int
	reduceParallelism int
	reduceWeighted    bool
)

var reduceCmd = &cobra.Command{
	Use:   "reduce",
	Short: "Train with iterative parameter averaging",
	Long: `Splits the dataset across workers. Every round each worker trains a copy
of the global model on its shard for --iters iterations, then the master
averages the returned parameters.`,
	RunE: runReduce,
}

func init() {
	reduceOpts.register(reduceCmd)
	reduceCmd.Flags().IntVar(&reduceWorkers, "workers", 0, "Number of workers (default from config)")
	reduceCmd.Flags().IntVar(&reduceRounds, "rounds", 0, "Number of averaging rounds (default from config)")
	reduceCmd.Flags().IntVar(&reduceParallelism, "parallelism", -1, "Concurrently running workers, 0 for all")
	reduceCmd.Flags().BoolVar(&reduceWeighted, "weighted", false, "Weight the average by shard size")
	rootCmd.AddCommand(reduceCmd)
}

func runReduce(cmd *cobra.Command, args []string) error {
	jc := reduceOpts.jobConfig()
	jc.Workers = reduceWorkers
	jc.Rounds = reduceRounds
	cfg, data, net, err := reduceOpts.prepare(jc)
	if err != nil {
		return err
	}
	if reduceParallelism >= 0 {
		cfg.Reduce.Parallelism = reduceParallelism
	}
	if cmd.Flags().Changed("weighted") {
		cfg.Reduce.Weighted = reduceWeighted
	}

	master := &reduce.Master{
		Kind:        model.KindNetwork,
		Workers:     reduce.NewWorkers(model.KindNetwork, data, cfg.Reduce.Workers, cfg.SolverConfig()),
		Rounds:      cfg.Reduce.Rounds,
		Parallelism: cfg.Reduce.Parallelism,
		Weighted:    cfg.Reduce.Weighted,
		Data:        data,
		Listeners:   []opt.IterationListener{opt.NewScoreIterationListener(1)},
	}

	slog.Info("Starting reduce",
		"dataset", cfg.Network.Dataset,
		"workers", len(master.Workers),
		"rounds", master.Rounds,
		"local_iters", cfg.Optimizer.MaxIterations,
		"algorithm", cfg.Optimizer.Algorithm,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	res, err := master.Run(ctx, net)
	if err != nil {
		return fmt.Errorf("reduce failed: %w", err)
	}

	snapshot, err := update.New(net).ToBytes()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := writeFileAtomic(reduceOpts.outPath, snapshot); err != nil {
		return err
	}

	accuracy := net.Accuracy(data)
	slog.Info("Reduce complete",
		"elapsed", time.Since(start),
		"initial_score", res.InitialScore,
		"score", res.Score,
		"rounds", res.Rounds,
		"accuracy", accuracy,
	)

	fmt.Printf("Wrote %s (score: %.6f -> %.6f, %d rounds, accuracy %.1f%%)\n",
		reduceOpts.outPath, res.InitialScore, res.Score, res.Rounds, accuracy*100)
	return nil
}
