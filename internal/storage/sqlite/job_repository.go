package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/steam_downloader/internal/storage"
)

const defaultHistoryLimit = 100

// JobRepository implements storage.JobHistoryRepository on SQLite.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(dbConn *sql.DB) *JobRepository {
	return &JobRepository{db: dbConn}
}

// RecordJob stores a terminal job. Recording the same job id again
// overwrites the previous row.
func (r *JobRepository) RecordJob(rec storage.JobRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO job_history (job_id, content_id, display_name, status, error, directory, submitted_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			directory = excluded.directory,
			finished_at = excluded.finished_at`,
		rec.JobID, rec.ContentID, rec.DisplayName, rec.Status, rec.Error, rec.Directory,
		rec.SubmittedAt.UTC().Format(time.RFC3339), rec.FinishedAt.UTC().Format(time.RFC3339),
	)

	return err
}

// DeleteJobsFinishedBefore removes jobs that finished before cutoff and
// returns how many rows were deleted.
func (r *JobRepository) DeleteJobsFinishedBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM job_history WHERE finished_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// GetJobs returns the most recently finished jobs first.
func (r *JobRepository) GetJobs(limit int) ([]storage.JobRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, err := r.db.Query(
		`SELECT job_id, content_id, display_name, status, error, directory, submitted_at, finished_at
		FROM job_history ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.JobRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *JobRepository) GetJob(jobID string) (storage.JobRecord, bool, error) {
	row := r.db.QueryRow(
		`SELECT job_id, content_id, display_name, status, error, directory, submitted_at, finished_at
		FROM job_history WHERE job_id = ?`, jobID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.JobRecord{}, false, nil
	}

	if err != nil {
		return storage.JobRecord{}, false, err
	}

	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.JobRecord, error) {
	var (
		rec                     storage.JobRecord
		errMsg, dir             sql.NullString
		submittedAt, finishedAt string
	)

	if err := s.Scan(&rec.JobID, &rec.ContentID, &rec.DisplayName, &rec.Status, &errMsg, &dir, &submittedAt, &finishedAt); err != nil {
		return storage.JobRecord{}, err
	}

	rec.Error = errMsg.String
	rec.Directory = dir.String

	// Unparseable timestamps are left zero.
	rec.SubmittedAt, _ = time.Parse(time.RFC3339, submittedAt)
	rec.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)

	return rec, nil
}
