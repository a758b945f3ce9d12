package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/steam_downloader/internal/storage"
	"github.com/italolelis/steam_downloader/internal/telemetry"
)

// InstrumentedJobRepository wraps JobRepository with telemetry.
type InstrumentedJobRepository struct {
	repo      *JobRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJobRepository creates a new instrumented job repository.
func NewInstrumentedJobRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedJobRepository {
	return &InstrumentedJobRepository{
		repo:      NewJobRepository(dbConn),
		telemetry: tel,
	}
}

// RecordJob stores a terminal job with telemetry.
func (r *InstrumentedJobRepository) RecordJob(rec storage.JobRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "record_job", func(ctx context.Context) error {
		return r.repo.RecordJob(rec)
	})
}

// DeleteJobsFinishedBefore prunes old jobs with telemetry.
func (r *InstrumentedJobRepository) DeleteJobsFinishedBefore(cutoff time.Time) (int64, error) {
	var n int64

	err := r.telemetry.InstrumentDBOperation(context.Background(), "delete_jobs", func(ctx context.Context) error {
		var err error
		n, err = r.repo.DeleteJobsFinishedBefore(cutoff)

		return err
	})

	return n, err
}

// GetJobs retrieves recent jobs with telemetry.
func (r *InstrumentedJobRepository) GetJobs(limit int) ([]storage.JobRecord, error) {
	var result []storage.JobRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_jobs", func(ctx context.Context) error {
		result, err = r.repo.GetJobs(limit)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// GetJob retrieves one job with telemetry.
func (r *InstrumentedJobRepository) GetJob(jobID string) (storage.JobRecord, bool, error) {
	var (
		result storage.JobRecord
		found  bool
		err    error
	)

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_job", func(ctx context.Context) error {
		result, found, err = r.repo.GetJob(jobID)

		return err
	})

	if instrumentedErr != nil {
		return storage.JobRecord{}, false, instrumentedErr
	}

	return result, found, nil
}
