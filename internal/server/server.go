// Package server runs training jobs behind an HTTP API with SSE progress
// streams and Prometheus metrics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cwbudde/netsolver/internal/config"
	"github.com/cwbudde/netsolver/internal/metrics"
	"github.com/cwbudde/netsolver/internal/model"
	"github.com/cwbudde/netsolver/internal/store"
	"github.com/cwbudde/netsolver/internal/update"
)

// maxSnapshotUpload bounds PUT snapshot bodies.
const maxSnapshotUpload = 64 << 20

var errJobActive = errors.New("job is active")

// Server represents the HTTP server
type Server struct {
	jobManager      *JobManager
	checkpointStore store.Store
	base            config.Config
	addr            string
	server          *http.Server
}

// NewServer creates a new HTTP server. Jobs start from base overlaid with
// their own config; checkpointStore may be nil.
func NewServer(addr string, checkpointStore store.Store, base config.Config) *Server {
	return &Server{
		jobManager:      NewJobManager(),
		checkpointStore: checkpointStore,
		base:            base,
		addr:            addr,
	}
}

// Jobs returns the job manager.
func (s *Server) Jobs() *JobManager {
	return s.jobManager
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("/api/v1/checkpoints/", s.handleCheckpointsWithID)
	mux.Handle("/metrics", metrics.Handler())

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels running jobs and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	for _, job := range s.jobManager.GetRunningJobs() {
		s.jobManager.CancelJob(job.ID)
	}
	s.jobManager.broadcaster.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// RunJob trains a job synchronously.
func (s *Server) RunJob(ctx context.Context, jobID string) error {
	return runJob(ctx, s.jobManager, s.checkpointStore, s.base, jobID)
}

// ResumeCheckpoint registers a pending job that continues the stored
// checkpoint of jobID under the same ID. A positive iters overrides the
// stored iteration budget.
func (s *Server) ResumeCheckpoint(jobID string, iters int) (*Job, error) {
	if s.checkpointStore == nil {
		return nil, errors.New("no checkpoint store configured")
	}
	checkpoint, err := s.checkpointStore.LoadCheckpoint(jobID)
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s is invalid: %w", jobID, err)
	}

	cfg := checkpoint.Config
	if iters > 0 {
		cfg.Iters = iters
	}
	if err := checkpoint.IsCompatible(cfg); err != nil {
		return nil, err
	}

	return s.jobManager.restoreJob(jobID, cfg, checkpoint.Iteration, checkpoint.Score, checkpoint.Snapshot)
}

// DeleteCheckpoint removes the stored checkpoint of a job that is not
// pending or running and drops the job's metric series.
func (s *Server) DeleteCheckpoint(jobID string) error {
	if s.checkpointStore == nil {
		return errors.New("no checkpoint store configured")
	}
	if job, ok := s.jobManager.GetJob(jobID); ok && !job.finished() {
		return fmt.Errorf("%w: %s is %s", errJobActive, jobID, job.State)
	}
	if err := s.checkpointStore.DeleteCheckpoint(jobID); err != nil {
		return err
	}
	metrics.Forget(jobID)
	slog.Info("Deleted checkpoint", "job_id", jobID)
	return nil
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch {
	case (sub == "" || sub == "status") && r.Method == http.MethodGet:
		s.handleGetJobStatus(w, r, jobID)
	case sub == "" && r.Method == http.MethodDelete:
		s.handleCancelJob(w, r, jobID)
	case sub == "stream" && r.Method == http.MethodGet:
		s.handleJobStream(w, r, jobID)
	case sub == "snapshot" && r.Method == http.MethodGet:
		s.handleGetSnapshot(w, r, jobID)
	case sub == "snapshot" && r.Method == http.MethodPut:
		s.handlePutSnapshot(w, r, jobID)
	case sub == "resume" && r.Method == http.MethodPost:
		s.handleResumeJob(w, r, jobID)
	case sub == "trace" && r.Method == http.MethodGet:
		s.handleGetTrace(w, r, jobID)
	case sub == "" || sub == "status" || sub == "stream" || sub == "snapshot" || sub == "resume" || sub == "trace":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var jc JobConfig
	if err := json.NewDecoder(r.Body).Decode(&jc); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	dataset, err := s.base.RequestDataset(jc.Dataset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jc.Dataset = dataset

	cfg, err := ApplyJobConfig(s.base, jc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(resolveJobConfig(cfg, jc))
	go runJob(context.Background(), s.jobManager, s.checkpointStore, s.base, job.ID)

	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	ips := float64(0)
	if elapsed.Seconds() > 0 {
		ips = float64(job.Iterations) / elapsed.Seconds()
	}

	response := map[string]interface{}{
		"id":                  job.ID,
		"state":               job.State,
		"config":              job.Config,
		"score":               job.Score,
		"initialScore":        job.InitialScore,
		"iterations":          job.Iterations,
		"status":              job.Status,
		"elapsed":             elapsed.Seconds(),
		"iterationsPerSecond": ips,
		"startTime":           job.StartTime,
		"endTime":             job.EndTime,
		"resumedFrom":         job.ResumedFrom,
		"hasSnapshot":         len(job.snapshot) > 0,
		"error":               job.Error,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleCancelJob handles DELETE /api/v1/jobs/:id
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := s.jobManager.CancelJob(jobID); err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleGetSnapshot handles GET /api/v1/jobs/:id/snapshot
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request, jobID string) {
	snapshot, exists := s.jobManager.Snapshot(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if len(snapshot) == 0 {
		http.Error(w, "No snapshot yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".nsnp"))
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, jobID+".nsnp", time.Time{}, bytes.NewReader(snapshot))
}

// handlePutSnapshot handles PUT /api/v1/jobs/:id/snapshot
func (s *Server) handlePutSnapshot(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if !job.finished() {
		http.Error(w, "Job is still running", http.StatusConflict)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotUpload))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read snapshot: %v", err), http.StatusBadRequest)
		return
	}

	u := update.NewEmpty(model.KindNetwork)
	if err := u.FromBytes(data); err != nil {
		http.Error(w, err.Error(), snapshotErrorStatus(err))
		return
	}

	err = s.jobManager.UpdateJob(jobID, func(j *Job) {
		j.snapshot = data
	})
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	slog.Info("Snapshot replaced", "job_id", jobID, "snapshot_bytes", len(data), "params", u.Get().NumParams())
	w.WriteHeader(http.StatusNoContent)
}

// handleResumeJob handles POST /api/v1/jobs/:id/resume, continuing a
// finished job from its current snapshot
func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.jobManager.rearmJob(jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	go runJob(context.Background(), s.jobManager, s.checkpointStore, s.base, job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

// handleGetTrace handles GET /api/v1/jobs/:id/trace?since=N
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request, jobID string) {
	traces, ok := s.checkpointStore.(store.TraceStore)
	if !ok {
		http.Error(w, "Traces not available", http.StatusNotFound)
		return
	}

	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
		since = n
	}

	entries, err := traces.ReadTrace(jobID, since)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Trace not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleListCheckpoints handles GET /api/v1/checkpoints
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.checkpointStore == nil {
		writeJSON(w, http.StatusOK, []store.CheckpointInfo{})
		return
	}

	infos, err := s.checkpointStore.ListCheckpoints()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleCheckpointsWithID handles DELETE /api/v1/checkpoints/:id and
// POST /api/v1/checkpoints/:id/resume
func (s *Server) handleCheckpointsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/checkpoints/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteCheckpoint(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "resume" && r.Method == http.MethodPost:
		s.handleResumeCheckpoint(w, r, parts[0])
	case len(parts) == 1, len(parts) == 2 && parts[1] == "resume":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleResumeCheckpoint(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.ResumeCheckpoint(jobID, 0)
	if err != nil {
		var compat *store.CompatibilityError
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.As(err, &compat):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	go runJob(context.Background(), s.jobManager, s.checkpointStore, s.base, job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := s.DeleteCheckpoint(jobID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, errJobActive):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// snapshotErrorStatus maps decode failures to HTTP status codes.
func snapshotErrorStatus(err error) int {
	switch {
	case errors.Is(err, update.ErrKindMismatch):
		return http.StatusConflict
	case errors.Is(err, update.ErrUnknownModelType), errors.Is(err, update.ErrCorruptSnapshot):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
