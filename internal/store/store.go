package store

// Store persists one checkpoint per training job. Implementations are
// safe for concurrent use.
type Store interface {
	// SaveCheckpoint replaces the checkpoint of jobID. The write is atomic:
	// a crash leaves either the old or the new checkpoint, never a mix.
	SaveCheckpoint(jobID string, checkpoint *Checkpoint) error

	// LoadCheckpoint returns ErrNotFound when jobID has no checkpoint.
	LoadCheckpoint(jobID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata only; snapshots are not read.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the checkpoint together with the job's
	// snapshot and trace. Returns ErrNotFound for unknown jobs.
	DeleteCheckpoint(jobID string) error
}

// TraceStore is implemented by stores that also keep a per-job score
// trace next to the checkpoint.
type TraceStore interface {
	// OpenTrace opens the job's trace for writing. With appendMode the
	// existing entries are kept, otherwise the trace starts empty.
	OpenTrace(jobID string, appendMode bool) (*TraceWriter, error)

	// ReadTrace returns the entries with an iteration number above since.
	ReadTrace(jobID string, since int) ([]TraceEntry, error)
}

// ErrNotFound matches any *NotFoundError via errors.Is.
var ErrNotFound = &NotFoundError{}

// NotFoundError reports a job with no stored checkpoint or trace.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID == "" {
		return "checkpoint not found"
	}
	return "checkpoint not found: " + e.JobID
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
