package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/cwbudde/netsolver/internal/config"
	"github.com/cwbudde/netsolver/internal/metrics"
	"github.com/cwbudde/netsolver/internal/opt"
	"github.com/cwbudde/netsolver/internal/store"
)

// resolveJobConfig records the effective settings in the job config so
// checkpoints carry everything needed for a compatible resume.
func resolveJobConfig(cfg config.Config, jc JobConfig) JobConfig {
	jc.Dataset = cfg.Network.Dataset
	jc.Classes = cfg.Network.Classes
	jc.Hidden = append([]int(nil), cfg.Network.Hidden...)
	jc.Activation = string(cfg.Network.Activation)
	jc.Seed = cfg.Network.Seed
	jc.Algorithm = string(cfg.Optimizer.Algorithm)
	jc.Iters = cfg.Optimizer.MaxIterations
	jc.LineSearchIters = cfg.Optimizer.LineSearch.MaxIterations
	jc.Strict = cfg.Optimizer.LineSearch.EnforceNumericalStability
	jc.Workers = cfg.Reduce.Workers
	if jc.Workers > 1 {
		jc.Rounds = cfg.Reduce.Rounds
	}
	jc.CheckpointInterval = cfg.Server.CheckpointInterval
	return jc
}

// runJob executes a training job in the background.
// If checkpointStore is not nil and the resolved CheckpointInterval is > 0,
// a checkpoint is saved every CheckpointInterval seconds and once at the end.
// Jobs that leave the interval unset inherit server.checkpoint_interval.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, base config.Config, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
		j.cancel = cancel
	})
	if err != nil {
		return err
	}

	cfg, err := ApplyJobConfig(base, job.Config)
	if err != nil {
		markJobFailed(jm, jobID, fmt.Errorf("invalid job config: %w", err))
		return err
	}
	job.Config = resolveJobConfig(cfg, job.Config)

	t, err := newTraining(cfg, job.snapshot)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	initialScore := t.net.Score(t.net.Params(), t.data)
	jm.UpdateJob(jobID, func(j *Job) {
		j.Config = job.Config
		j.InitialScore = initialScore
		j.Score = initialScore
	})

	slog.Info("Starting job",
		"job_id", jobID,
		"dataset", cfg.Network.Dataset,
		"algorithm", cfg.Optimizer.Algorithm,
		"params", t.net.NumParams(),
		"workers", cfg.Reduce.Workers,
		"initial_score", initialScore,
	)

	// Check for cancellation before starting expensive operation
	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	listeners := []opt.IterationListener{
		&progressListener{jm: jm, jobID: jobID, base: job.Iterations},
		&metrics.Listener{Job: jobID, Reduce: cfg.Reduce.Workers > 1},
	}

	if traces, ok := checkpointStore.(store.TraceStore); ok {
		tw, err := traces.OpenTrace(jobID, job.ResumedFrom != "")
		if err != nil {
			slog.Warn("Trace disabled", "job_id", jobID, "error", err)
		} else {
			defer tw.Close()
			listeners = append(listeners, &store.TraceListener{Writer: tw, Offset: job.Iterations})
		}
	}

	if checkpointStore != nil && job.Config.CheckpointInterval > 0 {
		interval := time.Duration(job.Config.CheckpointInterval) * time.Second
		listeners = append(listeners, newCheckpointListener(interval, func() {
			if err := saveCheckpoint(jm, checkpointStore, t, jobID); err != nil {
				slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
			}
		}))
	}

	progressDone := make(chan struct{})
	go monitorProgress(ctx, jm, jobID, progressDone)

	start := time.Now()
	result, err := t.run(ctx, jobID, listeners...)
	close(progressDone)
	elapsed := time.Since(start)

	// the model holds the last accepted step even when training stopped early
	snapshot, snapErr := t.snapshot()
	if snapErr != nil {
		slog.Warn("Failed to encode final snapshot", "job_id", jobID, "error", snapErr)
	} else {
		jm.UpdateJob(jobID, func(j *Job) { j.snapshot = snapshot })
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			markJobCancelled(jm, jobID)
			return err
		}
		if errors.Is(err, opt.ErrLineSearchFailed) {
			metrics.ObserveLineSearchFailure(string(cfg.Optimizer.Algorithm))
		}
		markJobFailed(jm, jobID, err)
		return err
	}

	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Score = result.Score
		j.InitialScore = result.InitialScore
		j.Iterations = job.Iterations + result.Iterations
		j.Status = result.Status
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	if checkpointStore != nil && job.Config.CheckpointInterval > 0 {
		if err := saveCheckpoint(jm, checkpointStore, t, jobID); err != nil {
			slog.Error("Failed to save final checkpoint", "job_id", jobID, "error", err)
		}
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", elapsed,
		"initial_score", result.InitialScore,
		"score", result.Score,
		"iterations", result.Iterations,
		"status", result.Status,
	)
	metrics.ObserveJobFinished(string(StateCompleted))

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:      jobID,
		State:      StateCompleted,
		Iterations: job.Iterations + result.Iterations,
		Score:      result.Score,
		Timestamp:  time.Now(),
	})

	return nil
}

// progressListener mirrors optimizer progress into the job record.
// Iterations continue from base.
type progressListener struct {
	jm    *JobManager
	jobID string
	base  int
	count int
}

func (l *progressListener) OnIteration(it opt.Iteration) {
	l.count++
	l.jm.UpdateJob(l.jobID, func(j *Job) {
		j.Iterations = l.base + l.count
		j.Score = it.Score
		j.stepLength = it.StepLength
		j.gradientNorm = it.GradientNorm
	})
}

// checkpointListener calls save at most once per interval. It runs on the
// training goroutine, so the model and optimizer memory are consistent.
type checkpointListener struct {
	limiter *rate.Limiter
	save    func()
}

// newCheckpointListener starts with an empty bucket: the first save
// happens one interval after the job started, not on the first iteration.
func newCheckpointListener(interval time.Duration, save func()) *checkpointListener {
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	limiter.Allow()
	return &checkpointListener{limiter: limiter, save: save}
}

func (l *checkpointListener) OnIteration(opt.Iteration) {
	if l.limiter.Allow() {
		l.save()
	}
}

// monitorProgress periodically broadcasts progress events during training
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond) // Throttle to 2 updates per second
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}

			jm.broadcaster.Broadcast(ProgressEvent{
				JobID:        jobID,
				State:        job.State,
				Iterations:   job.Iterations,
				Score:        job.Score,
				StepLength:   job.stepLength,
				GradientNorm: job.gradientNorm,
				Timestamp:    time.Now(),
			})
		}
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
	metrics.ObserveJobFinished(string(StateFailed))
	broadcastFinal(jm, jobID)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
	metrics.ObserveJobFinished(string(StateCancelled))
	broadcastFinal(jm, jobID)
}

func broadcastFinal(jm *JobManager, jobID string) {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return
	}
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:      jobID,
		State:      job.State,
		Iterations: job.Iterations,
		Score:      job.Score,
		Timestamp:  time.Now(),
	})
}

// saveCheckpoint saves a checkpoint holding the current model and
// optimizer memory.
func saveCheckpoint(jm *JobManager, checkpointStore store.Store, t *training, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	snapshot, err := t.snapshot()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	checkpoint := store.NewCheckpoint(
		jobID,
		snapshot,
		t.net.Kind().String(),
		job.Score,
		job.InitialScore,
		job.Iterations,
		job.Config,
	)
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("Checkpoint saved",
		"job_id", jobID,
		"iteration", job.Iterations,
		"score", job.Score,
		"snapshot_bytes", len(snapshot),
	)
	return nil
}
