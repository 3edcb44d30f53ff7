package store

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

// JobConfig is the per-job request: zero values fall back to the server
// configuration. It lives in store so checkpoints can carry it.
type JobConfig struct {
	Dataset    string `json:"dataset" validate:"max=4096"` // "iris" or a CSV path
	Classes    int    `json:"classes,omitempty" validate:"gte=0"`
	Hidden     []int  `json:"hidden,omitempty" validate:"max=16,dive,gte=1,lte=4096"`
	Activation string `json:"activation" validate:"omitempty,oneof=identity sigmoid tanh relu"`
	Algorithm  string `json:"algorithm"`
	Iters      int    `json:"iters" validate:"gte=0"`

	LineSearchIters int   `json:"lineSearchIters,omitempty" validate:"gte=0"`
	Strict          bool  `json:"strict,omitempty"`
	Seed            int64 `json:"seed"`

	// Workers > 1 trains with iterative reduce for Rounds rounds
	Workers int `json:"workers,omitempty" validate:"gte=0,lte=1024"`
	Rounds  int `json:"rounds,omitempty" validate:"gte=0"`

	CheckpointInterval int `json:"checkpointInterval,omitempty" validate:"gte=0"` // seconds, 0 = server default
}

var jobValidate = validator.New()

// Validate checks the per-field bounds of a request. Whether the values
// fit together (classes vs. dataset, algorithm names) is decided when the
// config is applied on top of the server defaults.
func (jc JobConfig) Validate() error {
	err := jobValidate.Struct(jc)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: "Config." + fe.Field(), Reason: describeRule(fe)}
	}
	return err
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "max":
		return "exceeds maximum " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "failed rule " + fe.Tag()
}

// Checkpoint represents a saved training state that can be resumed later.
//
// Snapshot holds the serialized model (see package update) including the
// optimizer memory, so a resumed L-BFGS or CG run continues with the same
// curvature information. It is stored next to the JSON metadata as a
// separate binary file.
type Checkpoint struct {
	// JobID is the unique identifier for this training job
	JobID string `json:"jobId"`

	// Snapshot is the serialized model and optimizer state
	Snapshot []byte `json:"-"`

	// Kind is the model kind recorded in the snapshot
	Kind string `json:"kind"`

	// Score is the training loss of the snapshot's parameters
	Score float64 `json:"score"`

	// InitialScore is the loss before training, for tracking improvement
	InitialScore float64 `json:"initialScore"`

	// Iteration is the number of accepted optimizer steps (or reduce rounds)
	Iteration int `json:"iteration"`

	// Timestamp records when this checkpoint was created
	Timestamp time.Time `json:"timestamp"`

	// Config holds the job configuration, needed for validation during resume.
	Config JobConfig `json:"config"`
}

// CheckpointInfo contains metadata about a checkpoint without the snapshot.
type CheckpointInfo struct {
	JobID     string    `json:"jobId"`
	Kind      string    `json:"kind"`
	Score     float64   `json:"score"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
	Algorithm string    `json:"algorithm"`
	Dataset   string    `json:"dataset"`
	Hidden    []int     `json:"hidden,omitempty"`

	// SnapshotSize is the size of the snapshot file in bytes
	SnapshotSize int64 `json:"snapshotSize"`
}

// NewCheckpoint creates a checkpoint from job state.
func NewCheckpoint(jobID string, snapshot []byte, kind string, score, initialScore float64, iteration int, config JobConfig) *Checkpoint {
	return &Checkpoint{
		JobID:        jobID,
		Snapshot:     snapshot,
		Kind:         kind,
		Score:        score,
		InitialScore: initialScore,
		Iteration:    iteration,
		Timestamp:    time.Now(),
		Config:       config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo (metadata only).
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:        c.JobID,
		Kind:         c.Kind,
		Score:        c.Score,
		Iteration:    c.Iteration,
		Timestamp:    c.Timestamp,
		Algorithm:    c.Config.Algorithm,
		Dataset:      c.Config.Dataset,
		Hidden:       c.Config.Hidden,
		SnapshotSize: int64(len(c.Snapshot)),
	}
}

// Validate checks if the checkpoint has valid data.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if len(c.Snapshot) == 0 {
		return &ValidationError{Field: "Snapshot", Reason: "cannot be empty"}
	}
	if c.Kind == "" {
		return &ValidationError{Field: "Kind", Reason: "cannot be empty"}
	}
	if math.IsNaN(c.Score) || math.IsInf(c.Score, 0) {
		return &ValidationError{Field: "Score", Reason: "must be finite"}
	}
	if c.Score < 0 {
		return &ValidationError{Field: "Score", Reason: "cannot be negative"}
	}
	if c.InitialScore < 0 {
		return &ValidationError{Field: "InitialScore", Reason: "cannot be negative"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.Dataset == "" {
		return &ValidationError{Field: "Config.Dataset", Reason: "cannot be empty"}
	}
	if c.Config.Algorithm == "" {
		return &ValidationError{Field: "Config.Algorithm", Reason: "cannot be empty"}
	}
	if c.Config.Iters <= 0 {
		return &ValidationError{Field: "Config.Iters", Reason: "must be positive"}
	}
	return c.Config.Validate()
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks if this checkpoint can be resumed with the given config.
// The dataset and network architecture must match; so must the algorithm,
// since the snapshot carries that algorithm's optimizer memory.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if c.Config.Dataset != config.Dataset {
		return &CompatibilityError{
			Field:    "Dataset",
			Expected: c.Config.Dataset,
			Actual:   config.Dataset,
		}
	}
	if !slices.Equal(c.Config.Hidden, config.Hidden) {
		return &CompatibilityError{
			Field:    "Hidden",
			Expected: fmt.Sprintf("%v", c.Config.Hidden),
			Actual:   fmt.Sprintf("%v", config.Hidden),
		}
	}
	if c.Config.Activation != config.Activation {
		return &CompatibilityError{
			Field:    "Activation",
			Expected: c.Config.Activation,
			Actual:   config.Activation,
		}
	}
	if c.Config.Algorithm != config.Algorithm {
		return &CompatibilityError{
			Field:    "Algorithm",
			Expected: c.Config.Algorithm,
			Actual:   config.Algorithm,
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
