package server

import (
	"testing"
	"time"
)

func TestJobManager_CreateJob(t *testing.T) {
	jm := NewJobManager()

	config := JobConfig{
		Dataset:   "iris",
		Hidden:    []int{4},
		Algorithm: "lbfgs",
		Iters:     100,
		Seed:      42,
	}

	job := jm.CreateJob(config)

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}

	if job.State != StatePending {
		t.Errorf("Initial state should be pending, got %s", job.State)
	}

	if job.Config.Dataset != "iris" {
		t.Errorf("Config not set correctly")
	}
}

func TestJobManager_GetJob(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{Dataset: "iris"})

	retrieved, exists := jm.GetJob(job.ID)
	if !exists {
		t.Fatal("Job should exist")
	}

	if retrieved.ID != job.ID {
		t.Error("Retrieved wrong job")
	}

	// callers receive copies
	retrieved.State = StateFailed
	again, _ := jm.GetJob(job.ID)
	if again.State != StatePending {
		t.Error("Mutating a returned job should not change the manager's job")
	}

	_, exists = jm.GetJob("nonexistent")
	if exists {
		t.Error("Should not find nonexistent job")
	}
}

func TestJobManager_ListJobs(t *testing.T) {
	jm := NewJobManager()

	if len(jm.ListJobs()) != 0 {
		t.Error("Should start with no jobs")
	}

	jm.CreateJob(JobConfig{Dataset: "iris"})
	jm.CreateJob(JobConfig{Dataset: "other.csv"})

	jobs := jm.ListJobs()
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestJobManager_UpdateJob(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{Dataset: "iris"})

	err := jm.UpdateJob(job.ID, func(j *Job) {
		j.State = StateRunning
		j.Iterations = 10
		j.Score = 0.25
	})

	if err != nil {
		t.Errorf("Update should succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateRunning {
		t.Error("State should be updated")
	}
	if updated.Iterations != 10 {
		t.Error("Iterations should be updated")
	}
	if updated.Score != 0.25 {
		t.Error("Score should be updated")
	}

	if len(jm.GetRunningJobs()) != 1 {
		t.Error("Expected one running job")
	}

	err = jm.UpdateJob("nonexistent", func(j *Job) {})
	if err == nil {
		t.Error("Update of nonexistent job should fail")
	}
}

func TestJobManager_ThreadSafety(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{Dataset: "iris"})

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(iteration int) {
			jm.UpdateJob(job.ID, func(j *Job) {
				j.Iterations = iteration
				time.Sleep(1 * time.Millisecond)
			})
			jm.GetJob(job.ID)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	_, exists := jm.GetJob(job.ID)
	if !exists {
		t.Error("Job should still exist after concurrent updates")
	}
}

func TestJobManager_SnapshotAndRearm(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{Dataset: "iris"})

	snapshot, exists := jm.Snapshot(job.ID)
	if !exists || snapshot != nil {
		t.Fatalf("New job should exist without snapshot, got exists=%v len=%d", exists, len(snapshot))
	}
	if _, exists := jm.Snapshot("nonexistent"); exists {
		t.Error("Should not find snapshot of nonexistent job")
	}

	if _, err := jm.rearmJob(job.ID); err == nil {
		t.Error("Pending job should not be rearmed")
	}

	jm.UpdateJob(job.ID, func(j *Job) {
		j.State = StateCompleted
		j.Iterations = 7
	})
	if _, err := jm.rearmJob(job.ID); err == nil {
		t.Error("Job without snapshot should not be rearmed")
	}

	jm.UpdateJob(job.ID, func(j *Job) { j.snapshot = []byte{1, 2, 3} })
	rearmed, err := jm.rearmJob(job.ID)
	if err != nil {
		t.Fatalf("Rearm should succeed: %v", err)
	}
	if rearmed.State != StatePending || rearmed.Iterations != 7 || rearmed.ResumedFrom != job.ID {
		t.Errorf("Unexpected rearmed job: %+v", rearmed)
	}
}

func TestJobManager_RestoreJob(t *testing.T) {
	jm := NewJobManager()

	job, err := jm.restoreJob("saved", JobConfig{Dataset: "iris"}, 12, 0.5, []byte{1})
	if err != nil {
		t.Fatalf("Restore should succeed: %v", err)
	}
	if job.ID != "saved" || job.Iterations != 12 || job.Score != 0.5 {
		t.Errorf("Unexpected restored job: %+v", job)
	}

	if _, err := jm.restoreJob("saved", JobConfig{Dataset: "iris"}, 0, 0, []byte{1}); err == nil {
		t.Error("Restoring over a pending job should fail")
	}
}

func TestJobManager_CancelJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{Dataset: "iris"})

	cancelled := false
	jm.UpdateJob(job.ID, func(j *Job) { j.cancel = func() { cancelled = true } })

	if err := jm.CancelJob(job.ID); err != nil {
		t.Fatalf("Cancel should succeed: %v", err)
	}
	if !cancelled {
		t.Error("Cancel func should have been called")
	}
	if err := jm.CancelJob("nonexistent"); err == nil {
		t.Error("Cancel of nonexistent job should fail")
	}
}
