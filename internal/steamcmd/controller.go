package steamcmd

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/italolelis/steam_downloader/internal/logctx"
	"github.com/italolelis/steam_downloader/internal/progress"
	"github.com/italolelis/steam_downloader/internal/telemetry"
)

const (
	DefaultProbeTimeout = 30 * time.Second
	defaultRunTimeout   = 5 * time.Minute
	outputTail          = 64 * 1024
	nonInteractiveEnv   = "STEAM_NOINTERACTIVE=1"
)

// Config configures a Controller.
type Config struct {
	InstallPath  string
	FallbackPath string
	ProbeTimeout time.Duration

	// Platform defaults to the running OS.
	Platform Platform

	// ArchiveURL overrides the platform's CDN archive.
	ArchiveURL string
	HTTPClient *http.Client
	Runner     CommandRunner

	// BootstrapDeps installs 32-bit libraries before installing on Linux.
	BootstrapDeps bool

	// PathSource, when set, is read before each readiness check. A new
	// value replaces the install path without a restart.
	PathSource func() string

	// OnPathChange is called after the controller switches to the fallback
	// path, so the switch can be persisted.
	OnPathChange func(path string)

	Telemetry *telemetry.Telemetry
}

// Controller detects, installs and invokes SteamCMD.
type Controller struct {
	installMu sync.Mutex

	mu          sync.RWMutex
	state       State
	installPath string
	sourcePath  string

	fallbackPath string
	pathSource   func() string
	onPathChange func(path string)
	probeTimeout time.Duration
	platform     Platform
	runner       CommandRunner
	installer    *Installer
	tel          *telemetry.Telemetry
}

func NewController(cfg Config) *Controller {
	if cfg.Platform.OS == "" {
		cfg.Platform = CurrentPlatform()
	}

	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}

	var deps *DependencyBootstrapper
	if cfg.BootstrapDeps {
		deps = NewDependencyBootstrapper(cfg.Runner)
	}

	return &Controller{
		state:        StateUnknown,
		installPath:  cfg.InstallPath,
		sourcePath:   cfg.InstallPath,
		fallbackPath: cfg.FallbackPath,
		pathSource:   cfg.PathSource,
		onPathChange: cfg.OnPathChange,
		probeTimeout: cfg.ProbeTimeout,
		platform:     cfg.Platform,
		runner:       cfg.Runner,
		installer:    NewInstaller(cfg.Platform, cfg.ArchiveURL, cfg.HTTPClient, deps),
		tel:          cfg.Telemetry,
	}
}

// State returns the last observed installation state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// InstallPath returns the directory SteamCMD lives in. It changes when an
// installation falls back to the secondary path.
func (c *Controller) InstallPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.installPath
}

// IsReady reports whether the installation is present and runnable.
func (c *Controller) IsReady(ctx context.Context) bool {
	ready := c.checkReady(ctx, c.InstallPath())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateInstalling {
		c.state = stateFor(ready)
	}

	return ready
}

// EnsureReady installs SteamCMD when it is missing or broken. Calls are
// serialized; a caller arriving during an installation waits for it.
func (c *Controller) EnsureReady(ctx context.Context) error {
	c.installMu.Lock()
	defer c.installMu.Unlock()

	c.syncInstallPath()

	primary := c.InstallPath()
	if c.checkReady(ctx, primary) {
		c.setState(StateReady)
		return nil
	}

	logger := logctx.LoggerFromContext(ctx).With("install_path", primary)

	candidates := []string{primary}
	if c.fallbackPath != "" && filepath.Clean(c.fallbackPath) != filepath.Clean(primary) {
		candidates = append(candidates, c.fallbackPath)

		if c.checkReady(ctx, c.fallbackPath) {
			c.switchTo(ctx, c.fallbackPath)
			c.setState(StateReady)
			logger.InfoContext(ctx, "using existing steamcmd at fallback path", "active_install_path", c.fallbackPath)

			return nil
		}
	}

	logger.InfoContext(ctx, "steamcmd not ready, installing")

	c.setState(StateInstalling)

	var err error

	for i, path := range candidates {
		if i > 0 {
			logger.WarnContext(ctx, "install path not writable, switching to fallback", "fallback_path", path)
		}

		err = c.tel.InstrumentInstall(ctx, func(ctx context.Context) error {
			return c.installer.Install(ctx, path)
		})
		if err == nil {
			if path != primary {
				c.switchTo(ctx, path)
			}

			break
		}

		if !errors.Is(err, ErrPathNotWritable) {
			break
		}
	}

	if err != nil {
		c.setState(StateNotInstalled)
		logger.ErrorContext(ctx, "steamcmd installation failed", "err", err)

		return err
	}

	active := c.InstallPath()
	if !c.checkReady(ctx, active) {
		c.setState(StateNotInstalled)

		return &InstallationError{Stage: "verify", Path: active, Err: ErrProbeFailed}
	}

	c.setState(StateReady)
	logger.InfoContext(ctx, "steamcmd ready", "active_install_path", active)

	return nil
}

// Run ensures SteamCMD is ready and executes it once with args.
func (c *Controller) Run(ctx context.Context, args []string, timeout time.Duration) error {
	if err := c.EnsureReady(ctx); err != nil {
		return err
	}

	return c.invoke(ctx, c.InstallPath(), "run", args, timeout, nil)
}

// Download fetches one app into opts.Directory. onProgress, when set,
// receives the percentages SteamCMD prints while downloading. Readiness is
// only re-checked when the controller is not already known to be ready.
func (c *Controller) Download(ctx context.Context, opts DownloadOptions, timeout time.Duration, onProgress func(int)) error {
	if err := opts.validate(); err != nil {
		return &InvocationError{Args: RedactArgs(BuildDownloadArgs(opts)), ExitCode: -1, Err: err}
	}

	if c.State() != StateReady || c.pathChanged() {
		if err := c.EnsureReady(ctx); err != nil {
			return err
		}
	}

	lw := progress.NewLineWriter(onProgress)
	defer lw.Flush()

	return c.invoke(ctx, c.InstallPath(), "download", BuildDownloadArgs(opts), timeout, lw)
}

// SelfTest starts SteamCMD and quits immediately.
func (c *Controller) SelfTest(ctx context.Context) error {
	return c.Run(ctx, []string{cmdQuit}, c.probeTimeout)
}

func (c *Controller) checkReady(ctx context.Context, path string) bool {
	for _, rel := range c.platform.Artifacts {
		if _, err := os.Stat(filepath.Join(path, rel)); err != nil {
			return false
		}
	}

	if err := c.invoke(ctx, path, "probe", []string{cmdQuit}, c.probeTimeout, nil); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "steamcmd probe failed", "install_path", path, "err", err)
		return false
	}

	return true
}

func (c *Controller) invoke(ctx context.Context, dir, operation string, args []string, timeout time.Duration, out io.Writer) error {
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}

	shown := RedactArgs(args)
	logger := logctx.LoggerFromContext(ctx).With("operation", operation, "args", shown)

	return c.tel.InstrumentToolInvocation(ctx, operation, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		stdout := newTailBuffer(outputTail)
		stderr := newTailBuffer(outputTail)

		var w io.Writer = stdout
		if out != nil {
			w = io.MultiWriter(stdout, out)
		}

		logger.DebugContext(ctx, "running steamcmd")

		code, err := c.runner.Run(rctx, Command{
			Name:   filepath.Join(dir, c.platform.Executable),
			Args:   args,
			Env:    append(os.Environ(), nonInteractiveEnv),
			Stdout: w,
			Stderr: stderr,
		})

		logger.DebugContext(ctx, "steamcmd exited",
			"exit_code", code,
			"stdout", stdout.String(),
			"stderr", stderr.String())

		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return &InvocationError{Args: shown, ExitCode: -1, TimedOut: true, Stderr: stderr.String(), Err: rctx.Err()}
		}

		if err == nil && code == 0 {
			return nil
		}

		return &InvocationError{Args: shown, ExitCode: code, Stderr: stderr.String(), Err: err}
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = s
}

// switchTo makes path the install path and reports the change.
func (c *Controller) switchTo(ctx context.Context, path string) {
	c.mu.Lock()
	c.installPath = path
	c.mu.Unlock()

	if c.onPathChange != nil {
		c.onPathChange(path)
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "steamcmd install path changed", "active_install_path", path)
}

// syncInstallPath adopts a changed PathSource value. It must be called with
// installMu held.
func (c *Controller) syncInstallPath() {
	if c.pathSource == nil {
		return
	}

	src := c.pathSource()
	if src == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if src == c.sourcePath {
		return
	}

	c.sourcePath = src
	c.installPath = src
	c.state = StateUnknown
}

func (c *Controller) pathChanged() bool {
	if c.pathSource == nil {
		return false
	}

	src := c.pathSource()

	c.mu.RLock()
	defer c.mu.RUnlock()

	return src != "" && src != c.sourcePath
}

func stateFor(ready bool) State {
	if ready {
		return StateReady
	}

	return StateNotInstalled
}
