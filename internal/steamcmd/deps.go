package steamcmd

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/italolelis/steam_downloader/internal/logctx"
)

// packageManager is one way of installing the 32-bit runtime SteamCMD needs.
type packageManager struct {
	binary   string
	commands [][]string
}

var packageManagers = []packageManager{
	{
		binary: "apt-get",
		commands: [][]string{
			{"dpkg", "--add-architecture", "i386"},
			{"apt-get", "update"},
			{"apt-get", "install", "-y", "lib32gcc-s1"},
		},
	},
	{
		binary: "yum",
		commands: [][]string{
			{"yum", "install", "-y", "glibc.i686", "libstdc++.i686"},
		},
	},
	{
		binary: "pacman",
		commands: [][]string{
			{"pacman", "-Sy", "--noconfirm", "lib32-gcc-libs"},
		},
	},
}

// lib32Markers are files whose presence means 32-bit libraries are installed.
var lib32Markers = []string{
	"/lib32/libgcc_s.so.1",
	"/usr/lib32/libgcc_s.so.1",
	"/lib/i386-linux-gnu/libgcc_s.so.1",
	"/usr/lib/i386-linux-gnu/libgcc_s.so.1",
}

const depCommandTimeout = 5 * time.Minute

// DependencyBootstrapper installs 32-bit compatibility libraries on Linux
// hosts. It never fails the caller; problems are logged as warnings.
type DependencyBootstrapper struct {
	runner   CommandRunner
	lookPath func(string) (string, error)
	markers  []string
}

func NewDependencyBootstrapper(runner CommandRunner) *DependencyBootstrapper {
	if runner == nil {
		runner = ExecRunner{}
	}

	return &DependencyBootstrapper{
		runner:   runner,
		lookPath: exec.LookPath,
		markers:  lib32Markers,
	}
}

// Ensure installs the libraries when none of the marker files exist.
func (b *DependencyBootstrapper) Ensure(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for _, m := range b.markers {
		if _, err := os.Stat(m); err == nil {
			logger.DebugContext(ctx, "32-bit libraries present", "marker", m)
			return
		}
	}

	pm, ok := b.packageManager()
	if !ok {
		logger.WarnContext(ctx, "no supported package manager found, steamcmd may fail to start")
		return
	}

	logger.InfoContext(ctx, "installing 32-bit libraries", "package_manager", pm.binary)

	for _, argv := range pm.commands {
		cctx, cancel := context.WithTimeout(ctx, depCommandTimeout)
		code, err := b.runner.Run(cctx, Command{Name: argv[0], Args: argv[1:], Env: os.Environ()})
		cancel()

		if err != nil {
			logger.WarnContext(ctx, "dependency command failed", "command", argv, "exit_code", code, "err", err)
		}
	}
}

func (b *DependencyBootstrapper) packageManager() (packageManager, bool) {
	for _, pm := range packageManagers {
		if _, err := b.lookPath(pm.binary); err == nil {
			return pm, true
		}
	}

	return packageManager{}, false
}
