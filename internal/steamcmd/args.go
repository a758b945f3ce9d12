package steamcmd

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	cmdForceInstallDir = "+force_install_dir"
	cmdForcePlatform   = "+@sSteamCmdForcePlatformType"
	cmdLogin           = "+login"
	cmdAppUpdate       = "+app_update"
	cmdQuit            = "+quit"
	argValidate        = "validate"
	anonymousUser      = "anonymous"
	redacted           = "********"
)

// Identity is the Steam account used to log in. The zero value logs in
// anonymously.
type Identity struct {
	Username string
	Password string
}

// Anonymous reports whether no credentials are set.
func (i Identity) Anonymous() bool {
	return i.Username == ""
}

// DownloadOptions are the parameters of one app download.
type DownloadOptions struct {
	ContentID int
	Directory string
	Identity  Identity
	Validate  bool

	// Platform overrides the platform SteamCMD fetches depots for
	// ("windows", "linux", "macos"). Empty means the host platform.
	Platform string
}

func (o DownloadOptions) validate() error {
	if o.ContentID <= 0 {
		return fmt.Errorf("content id must be positive, got %d", o.ContentID)
	}

	if strings.TrimSpace(o.Directory) == "" {
		return fmt.Errorf("target directory is required")
	}

	if !o.Identity.Anonymous() && o.Identity.Password == "" {
		return fmt.Errorf("password is required for user %q", o.Identity.Username)
	}

	// SteamCMD would read a leading "+" as the next command.
	if strings.HasPrefix(o.Identity.Password, "+") {
		return fmt.Errorf("password for user %q must not start with \"+\"", o.Identity.Username)
	}

	return nil
}

// BuildDownloadArgs returns the SteamCMD argument vector for opts. SteamCMD
// executes commands in order: the platform override must come before
// +app_update and "validate" must directly precede the final +quit.
func BuildDownloadArgs(opts DownloadOptions) []string {
	args := []string{cmdForceInstallDir, opts.Directory}

	if opts.Platform != "" {
		args = append(args, cmdForcePlatform, opts.Platform)
	}

	if opts.Identity.Anonymous() {
		args = append(args, cmdLogin, anonymousUser)
	} else {
		args = append(args, cmdLogin, opts.Identity.Username, opts.Identity.Password)
	}

	args = append(args, cmdAppUpdate, strconv.Itoa(opts.ContentID))

	if opts.Validate {
		args = append(args, argValidate)
	}

	return append(args, cmdQuit)
}

// RedactArgs returns a copy of args with the +login password masked. The
// token after a non-anonymous username is masked unless it is a command
// BuildDownloadArgs emits.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)

	for i := 0; i+2 < len(out); i++ {
		if out[i] != cmdLogin || out[i+1] == anonymousUser {
			continue
		}

		if !isKnownCommand(out[i+2]) {
			out[i+2] = redacted
		}
	}

	return out
}

func isKnownCommand(arg string) bool {
	switch arg {
	case cmdForceInstallDir, cmdForcePlatform, cmdLogin, cmdAppUpdate, cmdQuit:
		return true
	default:
		return false
	}
}
