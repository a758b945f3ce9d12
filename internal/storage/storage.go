package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// JobRecord is a persisted record of a job that reached a terminal state.
type JobRecord struct {
	JobID       string
	ContentID   int
	DisplayName string
	Status      string
	Error       string
	Directory   string
	SubmittedAt time.Time
	FinishedAt  time.Time
}

// JobHistoryReadRepository reads the terminal job ledger.
type JobHistoryReadRepository interface {
	GetJobs(limit int) ([]JobRecord, error)
	GetJob(jobID string) (JobRecord, bool, error)
}

type JobHistoryWriteRepository interface {
	RecordJob(rec JobRecord) error
}

// JobHistoryPruner removes ledger rows that are no longer worth keeping.
type JobHistoryPruner interface {
	DeleteJobsFinishedBefore(cutoff time.Time) (int64, error)
}

type JobHistoryRepository interface {
	JobHistoryReadRepository
	JobHistoryWriteRepository
	JobHistoryPruner
}

// PersistenceError is returned when a durable document or database cannot be
// read or written.
type PersistenceError struct {
	Operation string // The operation that failed (e.g., "load", "save")
	Path      string // File or database the operation targeted
	Err       error  // Underlying error, if any
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s of %s: %v", e.Operation, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// WriteFileAtomic replaces path with data. The bytes are written to a temp
// file in the same directory, synced and renamed over the target, so a failed
// write leaves the previous content untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()

		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()

		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		cleanup()

		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()

		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		cleanup()

		return fmt.Errorf("failed to replace file: %w", err)
	}

	return nil
}
