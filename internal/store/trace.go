package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const traceFileName = "trace.jsonl"

// TraceEntry is one line of a job's trace: the state after an optimizer
// iteration, or after a reduce round for averaged jobs.
type TraceEntry struct {
	Iteration    int       `json:"iteration"`
	Score        float64   `json:"score"`
	StepLength   float64   `json:"stepLength,omitempty"`
	GradientNorm float64   `json:"gradientNorm,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TraceWriter appends JSON lines to a trace file. Safe for concurrent use.
type TraceWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	path string
	n    int
}

// OpenTraceWriter opens path for writing, truncating it unless appendMode.
func OpenTraceWriter(path string, appendMode bool) (*TraceWriter, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	buf := bufio.NewWriterSize(file, 64*1024)
	return &TraceWriter{
		file: file,
		buf:  buf,
		enc:  json.NewEncoder(buf),
		path: path,
	}, nil
}

// Write buffers one entry. A zero Timestamp is set to now.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	tw.n++
	return nil
}

// Len returns the number of entries written through tw.
func (tw *TraceWriter) Len() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.n
}

// Flush pushes buffered entries to disk.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace: %w", err)
	}
	return nil
}

func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	flushErr := tw.buf.Flush()
	closeErr := tw.file.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush trace: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close trace: %w", closeErr)
	}
	return nil
}

func (tw *TraceWriter) Path() string {
	return tw.path
}

// ReadTraceFile decodes the entries of a trace with Iteration > since.
// A truncated final line, left by a crash mid-write, ends the trace; any
// other malformed line is an error.
func ReadTraceFile(path string, since int) ([]TraceEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return decodeTrace(file, since)
}

func decodeTrace(r io.Reader, since int) ([]TraceEntry, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	entries := []TraceEntry{}
	for line := 1; ; line++ {
		var entry TraceEntry
		err := dec.Decode(&entry)
		if err == io.EOF {
			return entries, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			slog.Warn("Ignoring truncated trace entry", "line", line)
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode trace entry %d: %w", line, err)
		}
		if entry.Iteration > since {
			entries = append(entries, entry)
		}
	}
}
