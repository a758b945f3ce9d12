package steamcmd

import "runtime"

// ArchiveKind is the container format of a SteamCMD distribution.
type ArchiveKind string

const (
	ArchiveTarGz ArchiveKind = "tar.gz"
	ArchiveZip   ArchiveKind = "zip"
)

// Platform describes how SteamCMD is distributed and laid out on one OS.
type Platform struct {
	OS          string
	ArchiveURL  string
	ArchiveKind ArchiveKind

	// Executable is the path, relative to the install dir, that is invoked.
	Executable string

	// Artifacts must all exist for the installation to be considered present.
	Artifacts []string

	// Executables get the exec bit after extraction.
	Executables []string

	// MirrorDir/MirrorBinary: the Linux tool also expects its binary under
	// linux32/. When missing after extraction it is copied there.
	MirrorDir    string
	MirrorBinary string

	// NeedsLib32 enables the 32-bit compatibility library bootstrap.
	NeedsLib32 bool
}

const cdnBase = "https://steamcdn-a.akamaihd.net/client/installer/"

// PlatformFor returns the SteamCMD layout for goos.
func PlatformFor(goos string) Platform {
	switch goos {
	case "windows":
		return Platform{
			OS:          goos,
			ArchiveURL:  cdnBase + "steamcmd.zip",
			ArchiveKind: ArchiveZip,
			Executable:  "steamcmd.exe",
			Artifacts:   []string{"steamcmd.exe"},
		}
	case "darwin":
		return Platform{
			OS:          goos,
			ArchiveURL:  cdnBase + "steamcmd_osx.tar.gz",
			ArchiveKind: ArchiveTarGz,
			Executable:  "steamcmd.sh",
			Artifacts:   []string{"steamcmd.sh"},
			Executables: []string{"steamcmd.sh", "steamcmd"},
		}
	default:
		return Platform{
			OS:           goos,
			ArchiveURL:   cdnBase + "steamcmd_linux.tar.gz",
			ArchiveKind:  ArchiveTarGz,
			Executable:   "steamcmd.sh",
			Artifacts:    []string{"steamcmd.sh", "linux32/steamcmd"},
			Executables:  []string{"steamcmd.sh", "steamcmd", "linux32/steamcmd"},
			MirrorDir:    "linux32",
			MirrorBinary: "steamcmd",
			NeedsLib32:   true,
		}
	}
}

// CurrentPlatform returns the layout for the running OS.
func CurrentPlatform() Platform {
	return PlatformFor(runtime.GOOS)
}
