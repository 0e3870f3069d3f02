// Package tracing captures runtime traces of fetches using the runtime
// FlightRecorder, so that a slow or failed fetch can be inspected with
// `go tool trace` after the fact.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// ErrStopped is returned by Snapshot after Stop.
var ErrStopped = errors.New("trace recorder stopped")

// Recorder keeps the most recent trace data in memory.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start begins recording into a ring buffer of bufferSize bytes
// (DefaultBufferSize if not positive). Only one recorder can run per process.
func Start(bufferSize int) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   30 * time.Second,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, fmt.Errorf("start flight recorder: %w", err)
	}
	return &Recorder{fr: fr}, nil
}

// Snapshot writes the buffered trace to w.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrStopped
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// SnapshotFile writes the buffered trace to path, replacing it atomically.
func (r *Recorder) SnapshotFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".trace-*.tmp")
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := r.Snapshot(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Stop stops recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// Task starts a trace task named name with the given attributes logged on
// it. The returned function ends the task. Tasks cost almost nothing when no
// trace is being recorded.
func Task(ctx context.Context, name string, attrs ...string) (context.Context, func()) {
	ctx, task := trace.NewTask(ctx, name)
	if trace.IsEnabled() {
		for i := 0; i+1 < len(attrs); i += 2 {
			trace.Log(ctx, attrs[i], attrs[i+1])
		}
	}
	return ctx, task.End
}

// Region runs fn inside a trace region named name.
func Region(ctx context.Context, name string, fn func()) {
	trace.WithRegion(ctx, name, fn)
}
