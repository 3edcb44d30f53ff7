package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FSStore implements the Store interface using filesystem-based persistence.
// Checkpoints are stored in a directory structure: <baseDir>/jobs/<jobID>/
// with checkpoint.json holding metadata and snapshot.nsnp the model bytes.
//
// Thread-safety: This implementation uses atomic file operations (rename)
// and does not require locks. Multiple goroutines can safely call methods
// concurrently.
type FSStore struct {
	baseDir string // Root directory for all checkpoint data (e.g., "./data")
}

var (
	_ Store      = (*FSStore)(nil)
	_ TraceStore = (*FSStore)(nil)
)

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{
		baseDir: baseDir,
	}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

// jobDir returns the directory path for a given job ID.
func (fs *FSStore) jobDir(jobID string) string {
	return filepath.Join(fs.baseDir, "jobs", jobID)
}

// checkpointPath returns the path to the checkpoint.json file for a job.
func (fs *FSStore) checkpointPath(jobID string) string {
	return filepath.Join(fs.jobDir(jobID), "checkpoint.json")
}

// snapshotPath returns the path to the binary snapshot for a job.
func (fs *FSStore) snapshotPath(jobID string) string {
	return filepath.Join(fs.jobDir(jobID), "snapshot.nsnp")
}

func (fs *FSStore) tracePath(jobID string) string {
	return filepath.Join(fs.jobDir(jobID), traceFileName)
}

// OpenTrace opens <baseDir>/jobs/<jobID>/trace.jsonl, creating the job
// directory when needed.
func (fs *FSStore) OpenTrace(jobID string, appendMode bool) (*TraceWriter, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}
	if err := os.MkdirAll(fs.jobDir(jobID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}
	return OpenTraceWriter(fs.tracePath(jobID), appendMode)
}

// ReadTrace returns ErrNotFound when the job never wrote a trace.
func (fs *FSStore) ReadTrace(jobID string, since int) ([]TraceEntry, error) {
	entries, err := ReadTraceFile(fs.tracePath(jobID), since)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trace for job %s: %w", jobID, err)
	}
	return entries, nil
}

// writeAtomic writes data to a temp file and renames it into place.
func writeAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// SaveCheckpoint atomically saves a checkpoint for the given job.
// The snapshot is written first so checkpoint.json never refers to a
// missing or partial snapshot.
func (fs *FSStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if len(checkpoint.Snapshot) == 0 {
		return &ValidationError{Field: "Snapshot", Reason: "cannot be empty"}
	}

	jobDir := fs.jobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	if err := writeAtomic(fs.snapshotPath(jobID), checkpoint.Snapshot); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	finalPath := fs.checkpointPath(jobID)
	if err := writeAtomic(finalPath, data); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Debug("Checkpoint saved", "job_id", jobID, "path", finalPath, "snapshot_bytes", len(checkpoint.Snapshot))
	return nil
}

// loadMetadata reads checkpoint.json only.
func (fs *FSStore) loadMetadata(jobID string) (*Checkpoint, error) {
	path := fs.checkpointPath(jobID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &NotFoundError{JobID: jobID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat checkpoint file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// LoadCheckpoint retrieves the checkpoint for the given job.
func (fs *FSStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	checkpoint, err := fs.loadMetadata(jobID)
	if err != nil {
		return nil, err
	}

	snapshot, err := os.ReadFile(fs.snapshotPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for job %s: %w", jobID, err)
	}
	checkpoint.Snapshot = snapshot

	slog.Debug("Checkpoint loaded", "job_id", jobID, "snapshot_bytes", len(snapshot))
	return checkpoint, nil
}

// ListCheckpoints returns metadata for all available checkpoints.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	jobsDir := filepath.Join(fs.baseDir, "jobs")

	if _, err := os.Stat(jobsDir); os.IsNotExist(err) {
		return []CheckpointInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat jobs directory: %w", err)
	}

	entries, err := os.ReadDir(jobsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	infos := []CheckpointInfo{}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		jobID := entry.Name()
		if _, err := os.Stat(fs.checkpointPath(jobID)); os.IsNotExist(err) {
			continue // Skip directories without checkpoint.json (e.g. trace only)
		}

		checkpoint, err := fs.loadMetadata(jobID)
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "job_id", jobID, "error", err)
			continue
		}

		info := checkpoint.ToInfo()
		if stat, err := os.Stat(fs.snapshotPath(jobID)); err == nil {
			info.SnapshotSize = stat.Size()
		} else {
			slog.Warn("Checkpoint has no snapshot", "job_id", jobID, "error", err)
			continue
		}
		infos = append(infos, info)
	}

	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint removes the checkpoint and all associated artifacts.
func (fs *FSStore) DeleteCheckpoint(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}

	jobDir := fs.jobDir(jobID)

	if _, err := os.Stat(jobDir); os.IsNotExist(err) {
		return &NotFoundError{JobID: jobID}
	} else if err != nil {
		return fmt.Errorf("failed to stat job directory: %w", err)
	}

	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}

	slog.Debug("Checkpoint deleted", "job_id", jobID, "path", jobDir)
	return nil
}
