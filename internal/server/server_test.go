package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/netsolver/internal/model"
	"github.com/cwbudde/netsolver/internal/store"
	"github.com/cwbudde/netsolver/internal/update"
)

func TestServer_CreateJob(t *testing.T) {
	s := NewServer(":8080", nil, testConfig())

	config := JobConfig{
		Dataset:   "iris",
		Hidden:    []int{4},
		Algorithm: "lbfgs",
		Iters:     3,
		Seed:      42,
	}

	body, _ := json.Marshal(config)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleCreateJob(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Expected pending state, got %s", job.State)
	}
	if job.Config.Activation == "" || job.Config.Classes != 3 {
		t.Errorf("Response should carry the effective config: %+v", job.Config)
	}
}

func TestServer_CreateJob_Invalid(t *testing.T) {
	s := NewServer(":8080", nil, testConfig())

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"dataset":`},
		{"unknown algorithm", `{"algorithm":"newton"}`},
		{"unsupported algorithm", `{"algorithm":"hessian_free"}`},
		{"bad hidden width", `{"hidden":[0]}`},
		{"negative iters", `{"iters":-3}`},
		{"unknown activation", `{"activation":"swish"}`},
		{"absolute dataset path", `{"dataset":"/etc/passwd"}`},
		{"dataset outside data dir", `{"dataset":"../secret.csv"}`},
		{"dataset without data dir", `{"dataset":"wine.csv"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			s.handleCreateJob(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}

	if len(s.jobManager.ListJobs()) != 0 {
		t.Error("Invalid requests should not create jobs")
	}
}

func TestServer_CreateJob_DataDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tiny.csv"), []byte("1,2,0\n3,4,1\n2,1,0\n4,3,1\n"), 0644); err != nil {
		t.Fatalf("Failed to write dataset: %v", err)
	}
	cfg := testConfig()
	cfg.Server.DataDir = dir
	s := NewServer(":8080", nil, cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"dataset":"tiny.csv","classes":2,"iters":2}`))
	w := httptest.NewRecorder()
	s.handleCreateJob(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if want := filepath.Join(dir, "tiny.csv"); job.Config.Dataset != want {
		t.Errorf("Dataset should resolve inside the data dir: got %q, want %q", job.Config.Dataset, want)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"dataset":"../tiny.csv"}`))
	w = httptest.NewRecorder()
	s.handleCreateJob(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an escaping path, got %d", w.Code)
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := NewServer(":8080", nil, testConfig())

	s.jobManager.CreateJob(JobConfig{Dataset: "iris"})
	s.jobManager.CreateJob(JobConfig{Dataset: "iris"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()

	s.handleListJobs(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var jobs []*Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	s := NewServer(":8080", nil, testConfig())

	job := s.jobManager.CreateJob(JobConfig{Dataset: "iris"})

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/status", job.ID), nil)
	w := httptest.NewRecorder()

	s.handleGetJobStatus(w, req, job.ID)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["id"] != job.ID {
		t.Error("Response should contain job ID")
	}
	if response["state"] != string(StatePending) {
		t.Errorf("Expected pending state, got %v", response["state"])
	}
	if response["hasSnapshot"] != false {
		t.Error("New job should not have a snapshot")
	}
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	s := NewServer(":8080", nil, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/status", nil)
	w := httptest.NewRecorder()

	s.handleGetJobStatus(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_Routing(t *testing.T) {
	s := NewServer(":8080", nil, testConfig())
	h := s.Handler()
	job := s.jobManager.CreateJob(JobConfig{Dataset: "iris"})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/v1/jobs/" + job.ID, http.StatusOK},
		{http.MethodGet, "/api/v1/jobs/" + job.ID + "/status", http.StatusOK},
		{http.MethodGet, "/api/v1/jobs/" + job.ID + "/snapshot", http.StatusNotFound},
		{http.MethodPost, "/api/v1/jobs/" + job.ID + "/status", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/jobs/" + job.ID + "/best.png", http.StatusNotFound},
		{http.MethodGet, "/api/v1/jobs/", http.StatusBadRequest},
		{http.MethodDelete, "/api/v1/jobs/nonexistent", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/jobs/" + job.ID, http.StatusAccepted},
		{http.MethodPost, "/api/v1/jobs/" + job.ID + "/resume", http.StatusConflict},
		{http.MethodGet, "/api/v1/jobs/" + job.ID + "/trace", http.StatusNotFound},
		{http.MethodPost, "/api/v1/jobs/" + job.ID + "/trace", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/v1/jobs", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/checkpoints", http.StatusOK},
		{http.MethodPost, "/api/v1/checkpoints/abc/resume", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/checkpoints/abc", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/v1/checkpoints/abc", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/checkpoints/abc/trace", http.StatusNotFound},
		{http.MethodOptions, "/api/v1/jobs", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestServer_Snapshot(t *testing.T) {
	s := NewServer(":8080", nil, testConfig())
	h := s.Handler()

	job := s.jobManager.CreateJob(JobConfig{Dataset: "iris", Iters: 3})
	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("Job failed: %v", err)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/snapshot", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "application/octet-stream" {
		t.Errorf("Unexpected content type %q", w.Header().Get("Content-Type"))
	}
	downloaded := w.Body.Bytes()

	u := update.NewEmpty(model.KindNetwork)
	if err := u.FromBytes(downloaded); err != nil {
		t.Fatalf("Downloaded snapshot should decode: %v", err)
	}

	// upload a different network of the same shape
	other := model.NewNetwork(model.NewDenseConfig(4, []int{4}, 3, model.ActivationTanh, 99))
	if err := other.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	upload, err := update.New(other).ToBytes()
	if err != nil {
		t.Fatalf("ToBytes failed: %v", err)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/jobs/"+job.ID+"/snapshot", bytes.NewReader(upload)))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d: %s", w.Code, w.Body.String())
	}
	stored, _ := s.jobManager.Snapshot(job.ID)
	if !bytes.Equal(stored, upload) {
		t.Error("Uploaded snapshot should replace the job snapshot")
	}

	q, err := model.NewQuadratic([]float64{1}, []float64{0})
	if err != nil {
		t.Fatalf("NewQuadratic failed: %v", err)
	}
	q.Init()
	wrongKind, _ := update.New(q).ToBytes()

	tests := []struct {
		name string
		body []byte
		want int
	}{
		{"garbage", []byte("not a snapshot"), http.StatusBadRequest},
		{"wrong kind", wrongKind, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/jobs/"+job.ID+"/snapshot", bytes.NewReader(tt.body)))
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}

	stored, _ = s.jobManager.Snapshot(job.ID)
	if !bytes.Equal(stored, upload) {
		t.Error("Rejected uploads should leave the snapshot unchanged")
	}

	running := s.jobManager.CreateJob(JobConfig{Dataset: "iris"})
	s.jobManager.UpdateJob(running.ID, func(j *Job) { j.State = StateRunning })
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/jobs/"+running.ID+"/snapshot", bytes.NewReader(upload)))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for running job, got %d", w.Code)
	}
}

func TestServer_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	fs, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	s := NewServer("localhost:0", fs, testConfig())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	config := JobConfig{
		Dataset:            "iris",
		Algorithm:          "conjugate_gradient",
		Iters:              5,
		CheckpointInterval: 60,
	}

	body, _ := json.Marshal(config)
	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	var job Job
	json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()

	waitForState(t, srv.URL, job.ID, StateCompleted)

	resp, err = http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/snapshot")
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	snapshot, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(snapshot) == 0 {
		t.Fatalf("Expected snapshot, got %d (%d bytes)", resp.StatusCode, len(snapshot))
	}

	resp, err = http.Get(srv.URL + "/api/v1/checkpoints")
	if err != nil {
		t.Fatalf("Failed to list checkpoints: %v", err)
	}
	var infos []store.CheckpointInfo
	json.NewDecoder(resp.Body).Decode(&infos)
	resp.Body.Close()
	if len(infos) != 1 || infos[0].JobID != job.ID {
		t.Fatalf("Expected one checkpoint for %s, got %+v", job.ID, infos)
	}

	resp, err = http.Post(srv.URL+"/api/v1/checkpoints/"+job.ID+"/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("Failed to resume checkpoint: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	waitForState(t, srv.URL, job.ID, StateCompleted)

	resp, err = http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/trace")
	if err != nil {
		t.Fatalf("Failed to get trace: %v", err)
	}
	var trace []store.TraceEntry
	json.NewDecoder(resp.Body).Decode(&trace)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(trace) == 0 {
		t.Fatalf("Expected trace entries, got %d (%d entries)", resp.StatusCode, len(trace))
	}
	for i, entry := range trace {
		if entry.Iteration != i+1 {
			t.Errorf("Trace entry %d has iteration %d", i, entry.Iteration)
		}
	}

	resp, err = http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/trace?since=" + strconv.Itoa(len(trace)-1))
	if err != nil {
		t.Fatalf("Failed to get trace: %v", err)
	}
	var tail []store.TraceEntry
	json.NewDecoder(resp.Body).Decode(&tail)
	resp.Body.Close()
	if len(tail) != 1 || tail[0].Iteration != len(trace) {
		t.Errorf("Expected only the last entry, got %+v", tail)
	}

	resp, err = http.Get(srv.URL + "/api/v1/jobs/" + job.ID + "/trace?since=x")
	if err != nil {
		t.Fatalf("Failed to get trace: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad since, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to get metrics: %v", err)
	}
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !containsString(string(metricsBody), "netsolver_optimizer_iterations_total") {
		t.Error("Metrics should expose optimizer iterations")
	}
}

// waitForState polls the status endpoint until the job reaches want
func TestServer_DeleteCheckpoint(t *testing.T) {
	fs, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	s := NewServer("", fs, testConfig())
	job := s.jobManager.CreateJob(JobConfig{Dataset: "iris", Algorithm: "lbfgs", Iters: 3, CheckpointInterval: 60})
	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob should succeed: %v", err)
	}

	handler := s.Handler()
	scrape := func() string {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return w.Body.String()
	}
	series := fmt.Sprintf("job=%q", job.ID)
	if !strings.Contains(scrape(), series) {
		t.Fatalf("Metrics should carry series for %s", job.ID)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/checkpoints/"+job.ID, nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := fs.LoadCheckpoint(job.ID); err == nil {
		t.Error("Checkpoint should be removed")
	}
	if strings.Contains(scrape(), series) {
		t.Errorf("Metrics for %s should be dropped", job.ID)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/checkpoints/"+job.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for a missing checkpoint, got %d", w.Code)
	}

	running := s.jobManager.CreateJob(JobConfig{Dataset: "iris"})
	s.jobManager.UpdateJob(running.ID, func(j *Job) { j.State = StateRunning })
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/checkpoints/"+running.ID, nil))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for a running job, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/checkpoints/"+job.ID, nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func waitForState(t *testing.T, baseURL, jobID string, want JobState) {
	t.Helper()

	maxAttempts := 100
	for i := 0; i < maxAttempts; i++ {
		resp, err := http.Get(baseURL + "/api/v1/jobs/" + jobID + "/status")
		if err != nil {
			t.Fatalf("Failed to get status: %v", err)
		}

		var status map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()

		if status["state"] == string(want) {
			return
		}
		if status["state"] == string(StateFailed) {
			t.Fatalf("Job failed: %v", status["error"])
		}

		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Job did not reach %s in time", want)
}

func TestServer_JobStream_SSE(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping SSE test in short mode")
	}

	s := NewServer(":8080", nil, testConfig())
	job := s.jobManager.CreateJob(JobConfig{Dataset: "iris", Iters: 50})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/stream", job.ID), nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan bool)
	go func() {
		s.handleJobStream(w, req, job.ID)
		done <- true
	}()

	// let the handler subscribe before the job starts
	time.Sleep(50 * time.Millisecond)
	go s.RunJob(ctx, job.ID)

	select {
	case <-done:
		// stream ends with the final event
	case <-time.After(5 * time.Second):
		cancel()
		<-done
	}

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Error("Expected text/event-stream content type")
	}

	body := w.Body.String()
	if !containsString(body, "data: {") {
		t.Fatal("Expected SSE data in response")
	}
	if !containsString(body, "event: done") {
		t.Error("Expected the stream to end with a done event")
	}
	if !containsString(body, `"state":"completed"`) {
		t.Error("Expected a completion event")
	}
}

func TestServer_JobStream_NotFound(t *testing.T) {
	s := NewServer(":8080", nil, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/stream", nil)
	w := httptest.NewRecorder()

	s.handleJobStream(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch)

	event := ProgressEvent{
		JobID:      "job1",
		State:      StateRunning,
		Iterations: 10,
		Score:      0.5,
		Timestamp:  time.Now(),
	}
	eb.Broadcast(event)

	select {
	case received := <-ch:
		if received.JobID != "job1" {
			t.Errorf("Expected jobID job1, got %s", received.JobID)
		}
		if received.Iterations != 10 {
			t.Errorf("Expected 10 iterations, got %d", received.Iterations)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}

	// late subscribers receive the last event
	late := eb.Subscribe("job1")
	select {
	case received := <-late:
		if received.Score != 0.5 {
			t.Errorf("Expected cached event, got %+v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for cached event")
	}

	eb.Unsubscribe("job1", late)
}

func TestEventBroadcaster_SlowSubscriberGetsLatest(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch)

	for i := 1; i <= subscriberBuffer+5; i++ {
		eb.Broadcast(ProgressEvent{JobID: "job1", State: StateRunning, Iterations: i})
	}
	eb.Broadcast(ProgressEvent{JobID: "job1", State: StateCompleted, Iterations: 100})

	var last ProgressEvent
	for len(ch) > 0 {
		last = <-ch
	}
	if last.State != StateCompleted || last.Iterations != 100 {
		t.Errorf("Expected the terminal event last, got %+v", last)
	}
}

func TestEventBroadcaster_Close(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("job1")

	eb.Close()
	if _, ok := <-ch; ok {
		t.Error("Close should close open subscriptions")
	}
	eb.Unsubscribe("job1", ch)

	after := eb.Subscribe("job1")
	if _, ok := <-after; ok {
		t.Error("Subscribing after Close should yield a closed channel")
	}
}

func containsString(haystack, needle string) bool {
	return bytes.Contains([]byte(haystack), []byte(needle))
}
