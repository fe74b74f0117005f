package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrRunNotFound is returned when a run is not found in the journal.
	ErrRunNotFound = errors.New("run not found")
)

var (
	runsBucket = []byte("runs")
)

// RunState is the journaled state of a download run.
type RunState string

const (
	StatePending      RunState = "Pending"
	StateConnecting   RunState = "Connecting"
	StateTransferring RunState = "Transferring"
	StateCompleted    RunState = "Completed"
	StateSkipped      RunState = "Skipped"
	StateFailed       RunState = "Failed"
	StateAborted      RunState = "Aborted"
)

// Terminal reports whether no further transitions follow s.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateSkipped, StateFailed, StateAborted:
		return true
	}
	return false
}

// RunRecord is the journal entry of one download. Part is zero for a
// single-stream run and 1..N for the pieces of a multi-part run.
type RunRecord struct {
	ID               string    `json:"id"`
	URL              string    `json:"url"`
	Output           string    `json:"output"`
	Part             int       `json:"part,omitempty"`
	State            RunState  `json:"state"`
	StatusCode       int       `json:"status_code,omitempty"`
	BytesTransferred int64     `json:"bytes_transferred"`
	TotalBytes       int64     `json:"total_bytes"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Error            string    `json:"error,omitempty"`
}

// Store defines the interface of the run journal.
type Store interface {
	SaveRun(run *RunRecord) error
	GetRun(id string) (*RunRecord, error)
	ListRuns() ([]*RunRecord, error)
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens or creates the journal at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create runs bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveRun saves a run to the journal.
func (s *BoltStore) SaveRun(run *RunRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(runsBucket)

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}

		if err := b.Put([]byte(run.ID), data); err != nil {
			return fmt.Errorf("failed to put run: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a run from the journal.
func (s *BoltStore) GetRun(id string) (*RunRecord, error) {
	var run RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(runsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrRunNotFound
		}

		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("failed to unmarshal run: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &run, nil
}

// ListRuns returns all journaled runs, oldest first.
func (s *BoltStore) ListRuns() ([]*RunRecord, error) {
	var runs []*RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			var run RunRecord
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to unmarshal run %s: %w", k, err)
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].Part < runs[j].Part
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
