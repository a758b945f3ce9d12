package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at dbPath and creates the job history
// table if it doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection keeps writes serialized without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS job_history (
		id INTEGER PRIMARY KEY,
		job_id TEXT UNIQUE,
		content_id INTEGER NOT NULL,
		display_name TEXT,
		status TEXT NOT NULL,
		error TEXT,
		directory TEXT,
		submitted_at DATETIME,
		finished_at DATETIME
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
