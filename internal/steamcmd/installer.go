package steamcmd

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/steam_downloader/internal/logctx"
	"github.com/italolelis/steam_downloader/internal/progress"
)

const (
	dirPerm          = 0755
	execPerm         = 0755
	progressInterval = 1024 * 1024 // 1MB
)

// Installer fetches the SteamCMD archive and lays it out in an install path.
type Installer struct {
	platform   Platform
	archiveURL string
	client     *http.Client
	deps       *DependencyBootstrapper
}

// NewInstaller returns an installer for platform. A nil client uses
// http.DefaultClient. deps may be nil to skip library bootstrap.
func NewInstaller(platform Platform, archiveURL string, client *http.Client, deps *DependencyBootstrapper) *Installer {
	if archiveURL == "" {
		archiveURL = platform.ArchiveURL
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &Installer{
		platform:   platform,
		archiveURL: archiveURL,
		client:     client,
		deps:       deps,
	}
}

// Install downloads and extracts SteamCMD into path.
func (i *Installer) Install(ctx context.Context, path string) error {
	logger := logctx.LoggerFromContext(ctx).With("install_path", path)

	if err := ensureWritable(path); err != nil {
		return &InstallationError{Stage: "prepare", Path: path, Err: err}
	}

	if i.platform.NeedsLib32 && i.deps != nil {
		i.deps.Ensure(ctx)
	}

	archive, err := i.fetch(ctx)
	if err != nil {
		return &InstallationError{Stage: "download", Path: path, Err: err}
	}
	defer os.Remove(archive)

	switch i.platform.ArchiveKind {
	case ArchiveZip:
		err = extractZip(archive, path)
	default:
		err = extractTarGz(archive, path)
	}

	if err != nil {
		return &InstallationError{Stage: "extract", Path: path, Err: err}
	}

	for _, rel := range i.platform.Executables {
		p := filepath.Join(path, rel)
		if _, err := os.Stat(p); err != nil {
			continue
		}

		if err := os.Chmod(p, execPerm); err != nil {
			logger.WarnContext(ctx, "failed to mark file executable", "file", p, "err", err)
		}
	}

	if err := i.mirror(path); err != nil {
		logger.WarnContext(ctx, "failed to mirror steamcmd binary", "err", err)
	}

	logger.InfoContext(ctx, "steamcmd extracted")

	return nil
}

// fetch downloads the archive into a temp file and returns its path.
func (i *Installer) fetch(ctx context.Context) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", i.archiveURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.archiveURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch archive: unexpected status %s", resp.Status)
	}

	out, err := os.CreateTemp("", "steamcmd-*."+string(i.platform.ArchiveKind))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	total := resp.ContentLength
	if total > 0 {
		logger.InfoContext(ctx, "downloading steamcmd", "size", humanize.Bytes(uint64(total)))
	} else {
		logger.InfoContext(ctx, "downloading steamcmd")
	}

	pr := progress.NewReader(resp.Body, total, progressInterval, func(read, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))

			return
		}

		logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(read)))
	})

	if _, err := io.Copy(out, pr); err != nil {
		out.Close()
		os.Remove(out.Name())

		return "", fmt.Errorf("failed to write archive: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(out.Name())

		return "", fmt.Errorf("failed to close archive: %w", err)
	}

	return out.Name(), nil
}

func (i *Installer) mirror(path string) error {
	if i.platform.MirrorDir == "" {
		return nil
	}

	dst := filepath.Join(path, i.platform.MirrorDir, i.platform.MirrorBinary)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	src := filepath.Join(path, i.platform.MirrorBinary)
	if _, err := os.Stat(src); err != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return err
	}

	return copyFile(src, dst, execPerm)
}

// ensureWritable creates path and proves a file can be written inside it.
func ensureWritable(path string) error {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return errors.Join(ErrPathNotWritable, err)
	}

	f, err := os.CreateTemp(path, ".write-test-*")
	if err != nil {
		return errors.Join(ErrPathNotWritable, err)
	}

	f.Close()
	os.Remove(f.Name())

	return nil
}

func extractTarGz(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("invalid gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("invalid tar stream: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func extractZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("invalid zip archive: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return err
			}

			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return err
		}

		err = writeFile(target, rc, zf.Mode().Perm())
		rc.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

// safeJoin resolves name under dest, rejecting entries that escape it.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))

	if !isWithin(target, dest) {
		return "", fmt.Errorf("archive entry %q escapes install path", name)
	}

	return target, nil
}

func isWithin(path, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return err
	}

	if perm == 0 {
		perm = 0644
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return writeFile(dst, in, perm)
}
