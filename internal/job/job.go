package job

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a download job.
type Status string

const (
	StatusQueued      Status = "Queued"
	StatusDownloading Status = "Downloading"
	StatusCompleted   Status = "Completed"
	StatusFailed      Status = "Failed"
)

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// Transitions only move forward; nothing ever returns to Queued.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusDownloading || to == StatusFailed
	case StatusDownloading:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Job is one requested content download.
type Job struct {
	ID          string     `json:"id"`
	ContentID   int        `json:"content_id"`
	DisplayName string     `json:"display_name"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	Directory   string     `json:"directory,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// QueueSnapshot is an aggregate view of the queue for polling callers.
type QueueSnapshot struct {
	Queued int   `json:"queued"`
	Active int   `json:"active"`
	Jobs   []Job `json:"jobs"`
}

var sequence atomic.Uint64

// NewID derives a job id from the content id and submission time. The
// trailing per-process sequence keeps ids distinct within the same second.
func NewID(contentID int, submittedAt time.Time) string {
	return fmt.Sprintf("%d-%d-%d", contentID, submittedAt.Unix(), sequence.Add(1))
}

// New validates the caller input and returns a Queued job.
func New(contentID int, displayName string, now time.Time) (*Job, error) {
	if err := Validate(contentID, displayName); err != nil {
		return nil, err
	}

	return &Job{
		ID:          NewID(contentID, now),
		ContentID:   contentID,
		DisplayName: strings.TrimSpace(displayName),
		Status:      StatusQueued,
		SubmittedAt: now,
	}, nil
}

// Validate checks the fields a submitter must supply.
func Validate(contentID int, displayName string) error {
	if contentID <= 0 {
		return &ValidationError{Field: "content_id", Reason: fmt.Sprintf("must be a positive integer, got %d", contentID)}
	}

	if strings.TrimSpace(displayName) == "" {
		return &ValidationError{Field: "display_name", Reason: "must not be empty"}
	}

	return nil
}

// Clone returns a deep copy safe to hand out to readers.
func (j *Job) Clone() Job {
	c := *j

	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}

	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}

	return c
}

// Duration is the time spent between start and finish, zero while unknown.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}

	return j.FinishedAt.Sub(*j.StartedAt)
}
