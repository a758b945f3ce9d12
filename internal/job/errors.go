package job

import "fmt"

// ValidationError is returned for bad submitter input. It is raised before a
// job is ever enqueued.
type ValidationError struct {
	Field  string // Name of the rejected field
	Reason string // Human-readable explanation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
