package steamcmd

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPathNotWritable marks an install path SteamCMD cannot be written to.
// It triggers the one-time switch to the fallback path.
var ErrPathNotWritable = errors.New("steamcmd: install path not writable")

// ErrProbeFailed is returned when an installation completed but the probe
// invocation still does not succeed.
var ErrProbeFailed = errors.New("steamcmd: probe invocation failed")

// InstallationError represents a failure to make SteamCMD ready: network
// errors fetching the archive, permission problems, a corrupt archive or a
// binary that never passes the probe.
type InstallationError struct {
	Stage string // The step that failed (e.g., "prepare", "download", "extract", "verify")
	Path  string // Install path the attempt targeted
	Err   error  // Underlying error, if any
}

func (e *InstallationError) Error() string {
	return fmt.Sprintf("steamcmd installation failed during %s at %s: %v", e.Stage, e.Path, e.Err)
}

func (e *InstallationError) Unwrap() error {
	return e.Err
}

// InvocationError represents a SteamCMD run that did not succeed: the
// process could not be launched, timed out or exited non-zero.
type InvocationError struct {
	Args     []string // Redacted argument vector
	ExitCode int      // Process exit code, -1 when it never ran to completion
	TimedOut bool     // Whether the run was killed by its timeout
	Stderr   string   // Tail of the captured stderr
	Err      error    // Underlying error, if any
}

func (e *InvocationError) Error() string {
	cmd := strings.Join(e.Args, " ")

	switch {
	case e.TimedOut:
		return fmt.Sprintf("steamcmd %s timed out", cmd)
	case e.ExitCode > 0:
		return fmt.Sprintf("steamcmd %s exited with code %d", cmd, e.ExitCode)
	default:
		return fmt.Sprintf("steamcmd %s failed to run: %v", cmd, e.Err)
	}
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}
