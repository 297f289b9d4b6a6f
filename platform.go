package toolcache

import (
	"os"
	"path/filepath"
	"runtime"
)

// OS identifies the operating system a tool build targets.
type OS string

// Supported operating systems.
const (
	OSLinux   OS = "linux"
	OSMacOS   OS = "macos"
	OSWindows OS = "windows"
)

// String returns the lowercase OS name used in download URL templates.
func (o OS) String() string {
	return string(o)
}

// Arch identifies the CPU architecture a tool build targets. The string
// form is the architecture directory name in the cache layout.
type Arch string

// Supported architectures.
const (
	ArchX64   Arch = "x64"
	ArchARM64 Arch = "arm64"
	ArchX86   Arch = "x86"
)

// String returns the architecture directory name.
func (a Arch) String() string {
	return string(a)
}

// CurrentOS returns the OS of the running process.
func CurrentOS() OS {
	switch runtime.GOOS {
	case "windows":
		return OSWindows
	case "darwin":
		return OSMacOS
	default:
		return OSLinux
	}
}

// CurrentArch returns the architecture of the running process.
func CurrentArch() Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ArchARM64
	case "386":
		return ArchX86
	default:
		return ArchX64
	}
}

// defaultRoots are the conventional cache locations probed by DefaultRoot,
// in preference order.
func defaultRoots() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\hostedtoolcache`,
			`C:\Program Files\toolcache`,
			`C:\tmp\toolcache`,
		}
	}
	return []string{
		"/opt/hostedtoolcache",
		"/usr/local/share/toolcache",
		"/tmp/toolcache",
	}
}

// DefaultRoot resolves a cache root directory for callers that do not
// configure one explicitly. The RUNNER_TOOL_CACHE environment variable wins
// when set; otherwise the first conventional location that can be created
// is used, falling back to .toolcache in the working directory.
func DefaultRoot() string {
	if root := os.Getenv("RUNNER_TOOL_CACHE"); root != "" {
		return root
	}
	for _, root := range defaultRoots() {
		if err := os.MkdirAll(root, 0o755); err == nil {
			return root
		}
	}
	fallback, err := filepath.Abs(".toolcache")
	if err != nil {
		return ".toolcache"
	}
	return fallback
}
