package job

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	now := time.Unix(1700000000, 0)

	j, err := New(730, "  Example App ", now)
	require.NoError(t, err)

	assert.Equal(t, 730, j.ContentID)
	assert.Equal(t, "Example App", j.DisplayName)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 0, j.Progress)
	assert.Empty(t, j.Error)
	assert.Regexp(t, `^730-1700000000-\d+$`, j.ID)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name      string
		contentID int
		display   string
		field     string
	}{
		{"zero id", 0, "name", "content_id"},
		{"negative id", -5, "name", "content_id"},
		{"empty name", 10, "", "display_name"},
		{"blank name", 10, "   ", "display_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.contentID, tt.display, time.Now())
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(fmt.Errorf("submit: %w", err), &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNewID_DistinctWithinSameSecond(t *testing.T) {
	now := time.Unix(1700000000, 0)
	seen := make(map[string]struct{})

	for i := 0; i < 100; i++ {
		id := NewID(730, now)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusDownloading, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusDownloading, StatusCompleted, true},
		{StatusDownloading, StatusFailed, true},
		{StatusDownloading, StatusQueued, false},
		{StatusCompleted, StatusQueued, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusQueued, false},
		{StatusFailed, StatusDownloading, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	started := time.Now()
	j := &Job{ID: "1", StartedAt: &started}

	c := j.Clone()
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, started, *j.StartedAt)
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Field: "content_id", Reason: "must be a positive integer, got 0"}

	assert.Equal(t, "invalid content_id: must be a positive integer, got 0", err.Error())
}
