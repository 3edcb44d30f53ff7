package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// subscriberBuffer is the number of events a slow SSE client may lag behind.
const subscriberBuffer = 16

// ProgressEvent is the payload of one SSE message.
type ProgressEvent struct {
	JobID        string    `json:"jobId"`
	State        JobState  `json:"state"`
	Iterations   int       `json:"iterations"`
	Score        float64   `json:"score"`
	StepLength   float64   `json:"stepLength"`
	GradientNorm float64   `json:"gradientNorm"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e ProgressEvent) terminal() bool {
	return e.State != StatePending && e.State != StateRunning
}

// EventBroadcaster fans progress events out to the SSE subscribers of
// each job and remembers the latest event per job for late subscribers.
type EventBroadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[chan ProgressEvent]struct{}
	last   map[string]ProgressEvent
	closed bool
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subs: make(map[string]map[chan ProgressEvent]struct{}),
		last: make(map[string]ProgressEvent),
	}
}

// Subscribe registers a channel for jobID, primed with the latest event.
// After Close the returned channel is already closed.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBuffer)
	if eb.closed {
		close(ch)
		return ch
	}

	if eb.subs[jobID] == nil {
		eb.subs[jobID] = make(map[chan ProgressEvent]struct{})
	}
	eb.subs[jobID][ch] = struct{}{}
	if event, ok := eb.last[jobID]; ok {
		ch <- event
	}

	slog.Debug("SSE client subscribed", "job_id", jobID, "clients", len(eb.subs[jobID]))
	return ch
}

// Unsubscribe closes ch unless Close already did.
func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subs[jobID]
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(eb.subs, jobID)
	}
	slog.Debug("SSE client unsubscribed", "job_id", jobID)
}

// Broadcast never blocks. A subscriber whose buffer is full loses its
// oldest queued event so that the newest state, in particular a terminal
// one, is always delivered.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.last[event.JobID] = event
	for ch := range eb.subs[event.JobID] {
		select {
		case ch <- event:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
			slog.Warn("SSE event dropped", "job_id", event.JobID)
		}
	}
}

// Close ends every open stream. Used on server shutdown so SSE handlers
// return instead of holding connections open.
func (eb *EventBroadcaster) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for jobID, subs := range eb.subs {
		for ch := range subs {
			close(ch)
		}
		delete(eb.subs, jobID)
	}
	eb.closed = true
}

// handleJobStream handles GET /api/v1/jobs/:id/stream
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	initial := ProgressEvent{
		JobID:      job.ID,
		State:      job.State,
		Iterations: job.Iterations,
		Score:      job.Score,
		Timestamp:  time.Now(),
	}
	if err := writeSSEEvent(w, initial); err != nil {
		slog.Error("Failed to write SSE event", "job_id", jobID, "error", err)
		return
	}
	flusher.Flush()
	if initial.terminal() {
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("SSE client disconnected", "job_id", jobID)
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "job_id", jobID, "error", err)
				return
			}
			flusher.Flush()
			if event.terminal() {
				return
			}

		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one message. The id is the iteration count so
// clients can tell replayed events apart; terminal states use the
// "done" event type.
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	kind := "progress"
	if event.terminal() {
		kind = "done"
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Iterations, kind, data)
	return err
}
