package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/netsolver/internal/server"
	"github.com/cwbudde/netsolver/internal/store"
)

var (
	servePort       int
	serveDataDir    string
	serveDatasetDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server",
	Long: `Starts the job server. Jobs are submitted to /api/v1/jobs, progress is
streamed over SSE and Prometheus metrics are served on /metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Checkpoint directory (default from config)")
	serveCmd.Flags().StringVar(&serveDatasetDir, "dataset-dir", "", "Directory of CSV datasets jobs may reference (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveDataDir != "" {
		cfg.Store.Dir = serveDataDir
	}
	if serveDatasetDir != "" {
		cfg.Server.DataDir = serveDatasetDir
	}

	checkpointStore, err := store.NewFSStore(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	srv := server.NewServer(fmt.Sprintf(":%d", cfg.Server.Port), checkpointStore, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("Received signal", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
