package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestBoltStore_SaveAndGetRun(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	run := &RunRecord{
		ID:         "run-123",
		URL:        "http://example.com/file.iso",
		Output:     "/tmp/file.iso",
		State:      StatePending,
		TotalBytes: 1024,
		StartedAt:  time.Now().UTC(),
	}

	if err := store.SaveRun(run); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	retrieved, err := store.GetRun("run-123")
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	if retrieved.URL != run.URL {
		t.Errorf("Expected URL %s, got %s", run.URL, retrieved.URL)
	}
	if retrieved.State != run.State {
		t.Errorf("Expected State %s, got %s", run.State, retrieved.State)
	}

	run.State = StateTransferring
	run.BytesTransferred = 512
	if err := store.SaveRun(run); err != nil {
		t.Fatalf("Failed to update run: %v", err)
	}

	retrieved, err = store.GetRun("run-123")
	if err != nil {
		t.Fatalf("Failed to get updated run: %v", err)
	}
	if retrieved.State != StateTransferring {
		t.Errorf("Expected updated State %s, got %s", StateTransferring, retrieved.State)
	}
	if retrieved.BytesTransferred != 512 {
		t.Errorf("Expected updated bytes %d, got %d", 512, retrieved.BytesTransferred)
	}

	if _, err := store.GetRun("non-existent"); err != ErrRunNotFound {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func TestBoltStore_ListRuns(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "list.db"))
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []*RunRecord{
		{ID: "c", StartedAt: base.Add(2 * time.Hour), State: StateFailed},
		{ID: "a", StartedAt: base, State: StateCompleted, Part: 2},
		{ID: "b", StartedAt: base, State: StateCompleted, Part: 1},
	}
	for _, r := range records {
		if err := store.SaveRun(r); err != nil {
			t.Fatalf("Failed to save run %s: %v", r.ID, err)
		}
	}

	runs, err := store.ListRuns()
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(runs))
	}
	for i, want := range []string{"b", "a", "c"} {
		if runs[i].ID != want {
			t.Errorf("runs[%d] = %s; want %s", i, runs[i].ID, want)
		}
	}
}

func TestRunState_Terminal(t *testing.T) {
	for _, s := range []RunState{StateCompleted, StateSkipped, StateFailed, StateAborted} {
		if !s.Terminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	for _, s := range []RunState{StatePending, StateConnecting, StateTransferring} {
		if s.Terminal() {
			t.Errorf("Expected %s not to be terminal", s)
		}
	}
}

func TestBoltStore_Close(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test_close.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Failed to close BoltStore: %v", err)
	}

	if _, err := store.GetRun("run-123"); err == nil {
		t.Error("Expected error when accessing closed store, got nil")
	}
}
