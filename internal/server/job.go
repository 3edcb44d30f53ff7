package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/netsolver/internal/opt"
	"github.com/cwbudde/netsolver/internal/store"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// JobConfig is an alias to avoid duplication with store.JobConfig
type JobConfig = store.JobConfig

// Job represents a training job
type Job struct {
	ID           string     `json:"id"`
	State        JobState   `json:"state"`
	Config       JobConfig  `json:"config"`
	Score        float64    `json:"score"`
	InitialScore float64    `json:"initialScore"`
	Iterations   int        `json:"iterations"`
	Status       opt.Status `json:"status,omitempty"`
	ResumedFrom  string     `json:"resumedFrom,omitempty"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	Error        string     `json:"error,omitempty"`

	// snapshot is the latest encoded model; a pending job starts from it
	snapshot     []byte
	stepLength   float64
	gradientNorm float64
	cancel       context.CancelFunc
}

// finished reports whether the job reached a terminal state.
func (j *Job) finished() bool {
	return j.State == StateCompleted || j.State == StateFailed || j.State == StateCancelled
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a new job with the given configuration
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	cp := *job
	return &cp
}

// GetJob returns a copy of the job with the given ID
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// ListJobs returns copies of all jobs
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			cp := *job
			runningJobs = append(runningJobs, &cp)
		}
	}
	return runningJobs
}

// Snapshot returns the latest model snapshot of a job, or nil if none was
// recorded yet.
func (jm *JobManager) Snapshot(id string) ([]byte, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return job.snapshot, true
}

// CancelJob stops a running job. Cancelling a finished job is a no-op.
func (jm *JobManager) CancelJob(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.cancel != nil {
		job.cancel()
	}
	return nil
}

// restoreJob registers a pending job under an existing ID, starting from
// snapshot with iterations already done.
func (jm *JobManager) restoreJob(id string, config JobConfig, iterations int, score float64, snapshot []byte) (*Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if existing, ok := jm.jobs[id]; ok && !existing.finished() {
		return nil, fmt.Errorf("job %s is %s", id, existing.State)
	}

	job := &Job{
		ID:          id,
		State:       StatePending,
		Config:      config,
		Score:       score,
		Iterations:  iterations,
		ResumedFrom: id,
		StartTime:   time.Now(),
		snapshot:    snapshot,
	}
	jm.jobs[id] = job
	cp := *job
	return &cp, nil
}

// rearmJob moves a finished job with a snapshot back to pending.
func (jm *JobManager) rearmJob(id string) (*Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	if !job.finished() {
		return nil, fmt.Errorf("job %s is %s", id, job.State)
	}
	if len(job.snapshot) == 0 {
		return nil, fmt.Errorf("job %s has no snapshot", id)
	}

	job.State = StatePending
	job.ResumedFrom = id
	job.Error = ""
	job.Status = ""
	job.EndTime = nil
	job.StartTime = time.Now()
	cp := *job
	return &cp, nil
}
