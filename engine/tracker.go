package engine

import (
	"sync"
	"time"

	"github.com/franksops/gofetch/sink"
	"github.com/franksops/gofetch/store"
)

// CheckpointConfig defines the criteria for when to save a run's progress
type CheckpointConfig struct {
	// BytesInterval triggers a save after this many bytes have been written
	BytesInterval int64
	// TimeInterval triggers a save after this much time has passed
	TimeInterval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for checkpointing
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 10 * 1024 * 1024, // 10 MB
	TimeInterval:  5 * time.Second,
}

// RunTracker journals the lifecycle of fetch jobs into a store.
type RunTracker struct {
	store  store.Store
	config CheckpointConfig
	now    func() time.Time
}

// NewRunTracker creates a new RunTracker
func NewRunTracker(s store.Store, config CheckpointConfig) *RunTracker {
	return &RunTracker{
		store:  s,
		config: config,
		now:    time.Now,
	}
}

// Begin records a new pending run for job.
func (rt *RunTracker) Begin(job FetchJob) error {
	now := rt.now()
	record := &store.RunRecord{
		ID:         job.ID,
		Output:     job.Output,
		Part:       job.Part,
		State:      store.StatePending,
		TotalBytes: -1,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if job.URL != nil {
		record.URL = job.URL.Redacted()
	}
	return rt.store.SaveRun(record)
}

func (rt *RunTracker) update(id string, fn func(*store.RunRecord)) error {
	record, err := rt.store.GetRun(id)
	if err != nil {
		return err
	}
	fn(record)
	record.UpdatedAt = rt.now()
	return rt.store.SaveRun(record)
}

// Mark moves a run to state.
func (rt *RunTracker) Mark(id string, state store.RunState) error {
	return rt.update(id, func(r *store.RunRecord) {
		r.State = state
	})
}

// Respond records the server's answer and moves the run to Transferring.
func (rt *RunTracker) Respond(id string, status int, total int64) error {
	return rt.update(id, func(r *store.RunRecord) {
		r.State = store.StateTransferring
		r.StatusCode = status
		r.TotalBytes = total
	})
}

// Complete marks a run as completed after written bytes.
func (rt *RunTracker) Complete(id string, written int64) error {
	return rt.update(id, func(r *store.RunRecord) {
		r.State = store.StateCompleted
		r.BytesTransferred = written
		if r.TotalBytes < 0 {
			r.TotalBytes = written
		}
	})
}

// Skip marks a run whose local copy was already current.
func (rt *RunTracker) Skip(id string, status int) error {
	return rt.update(id, func(r *store.RunRecord) {
		r.State = store.StateSkipped
		r.StatusCode = status
	})
}

// Fail records a failed or aborted run.
func (rt *RunTracker) Fail(id string, state store.RunState, err error) error {
	return rt.update(id, func(r *store.RunRecord) {
		r.State = state
		if err != nil {
			r.Error = err.Error()
		}
	})
}

// TrackedSink wraps a sink.Sink to count bytes written and checkpoint
// progress into the journal.
type TrackedSink struct {
	sink.Sink
	tracker *RunTracker
	runID   string

	mu              sync.Mutex
	bytesWritten    int64
	lastCheckpoint  int64
	lastCheckpointT time.Time
}

// Track wraps s so that writes are checkpointed against run id.
func (rt *RunTracker) Track(s sink.Sink, id string) *TrackedSink {
	return &TrackedSink{
		Sink:            s,
		tracker:         rt,
		runID:           id,
		lastCheckpointT: rt.now(),
	}
}

// Write implements sink.Sink and checkpoints progress
func (ts *TrackedSink) Write(p []byte) error {
	if err := ts.Sink.Write(p); err != nil {
		return err
	}

	ts.mu.Lock()
	ts.bytesWritten += int64(len(p))
	needsCheckpoint := ts.bytesWritten-ts.lastCheckpoint >= ts.tracker.config.BytesInterval ||
		ts.tracker.now().Sub(ts.lastCheckpointT) >= ts.tracker.config.TimeInterval
	current := ts.bytesWritten
	ts.mu.Unlock()

	if needsCheckpoint {
		ts.checkpoint(current)
	}
	return nil
}

func (ts *TrackedSink) checkpoint(written int64) {
	// a failed checkpoint must not fail the download
	err := ts.tracker.update(ts.runID, func(r *store.RunRecord) {
		r.BytesTransferred = written
	})
	if err != nil {
		return
	}
	ts.mu.Lock()
	ts.lastCheckpoint = written
	ts.lastCheckpointT = ts.tracker.now()
	ts.mu.Unlock()
}

// BytesWritten returns the total number of bytes written
func (ts *TrackedSink) BytesWritten() int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.bytesWritten
}
