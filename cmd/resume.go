package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/cwbudde/netsolver/internal/server"
	"github.com/cwbudde/netsolver/internal/store"
)

var (
	resumeDataDir string
	resumeIters   int
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume training from a checkpoint",
	Long: `Loads the checkpoint of a job, restores the network and optimizer state,
and continues training in the foreground. The checkpoint is updated in place.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "", "Checkpoint directory (default from config)")
	resumeCmd.Flags().IntVar(&resumeIters, "iters", 0, "Iterations to run (default: the checkpoint's budget)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	cfg := appConfig
	if resumeDataDir != "" {
		cfg.Store.Dir = resumeDataDir
	}

	checkpointStore, err := store.NewFSStore(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	srv := server.NewServer("", checkpointStore, cfg)
	job, err := srv.ResumeCheckpoint(jobID, resumeIters)
	if err != nil {
		return fmt.Errorf("failed to resume %s: %w", jobID, err)
	}
	startIteration := job.Iterations

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := srv.RunJob(ctx, jobID); err != nil {
		return fmt.Errorf("resumed training failed: %w", err)
	}

	final, _ := srv.Jobs().GetJob(jobID)
	fmt.Printf("Resumed %s: iterations %d -> %d, score %.6f -> %.6f (%s)\n",
		jobID, startIteration, final.Iterations, final.InitialScore, final.Score, final.Status)
	return nil
}
