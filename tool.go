package toolcache

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-billy/v5"
)

// Spec identifies a requested tool by name, version range, and platform.
// It is immutable and constructed per request.
type Spec struct {
	// Name is the tool name, the first path segment in the cache layout.
	Name string

	// VersionRange is the version specifier: an exact version ("18.4.0"),
	// caret ("^18.0.0"), tilde ("~18.4.0"), a comparator chain
	// (">=18.0.0 <19.0.0"), or "*"/empty for any released version.
	VersionRange string

	// OS is the target operating system. Defaults to the current OS.
	OS OS

	// Arch is the target architecture. Defaults to the current architecture.
	Arch Arch
}

// NewSpec creates a Spec for the current platform.
func NewSpec(name, versionRange string) Spec {
	return Spec{
		Name:         name,
		VersionRange: versionRange,
		OS:           CurrentOS(),
		Arch:         CurrentArch(),
	}
}

// withDefaults fills in the current platform for zero-valued fields.
func (s Spec) withDefaults() Spec {
	if s.OS == "" {
		s.OS = CurrentOS()
	}
	if s.Arch == "" {
		s.Arch = CurrentArch()
	}
	return s
}

// validate rejects specs the cache layout cannot represent.
func (s Spec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if strings.ContainsAny(s.Name, "/\\") {
		return fmt.Errorf("tool name cannot contain path separators: %q", s.Name)
	}
	return nil
}

// String describes the spec for logs and error messages.
func (s Spec) String() string {
	rangeSpec := s.VersionRange
	if rangeSpec == "" {
		rangeSpec = "*"
	}
	return fmt.Sprintf("%s@%s/%s", s.Name, rangeSpec, s.Arch)
}

// Tool is one fully installed toolchain directory in the cache. It is
// created only after extraction succeeded and the completion marker was
// written, and is never mutated afterwards.
type Tool struct {
	// Name is the tool name.
	Name string

	// Version is the installed version.
	Version *semver.Version

	// Arch is the architecture of the installed build.
	Arch Arch

	// Path is the filesystem path of the installed directory.
	Path string
}

// Join appends path elements to the tool's installed directory, typically
// to address a binary inside it.
func (t *Tool) Join(elem ...string) string {
	return filepath.Join(append([]string{t.Path}, elem...)...)
}

// String describes the installed tool for logs.
func (t *Tool) String() string {
	return fmt.Sprintf("%s@%s/%s", t.Name, t.Version, t.Arch)
}

// toolPath maps a (name, version, arch) triple to its directory in the
// cache layout.
func toolPath(fsys billy.Filesystem, root, name, version string, arch Arch) string {
	return fsys.Join(root, name, version, arch.String())
}

// Template placeholders for download URL derivation.
const (
	placeholderName    = "${NAME}"
	placeholderVersion = "${VERSION}"
	placeholderOS      = "${OS}"
	placeholderArch    = "${ARCH}"
)

// expandURLTemplate substitutes the spec's fields into a download URL
// template. Templates use ${NAME}, ${VERSION}, ${OS}, and ${ARCH}
// placeholders; a template without placeholders passes through unchanged.
func expandURLTemplate(template string, spec Spec, version string) string {
	r := strings.NewReplacer(
		placeholderName, spec.Name,
		placeholderVersion, version,
		placeholderOS, spec.OS.String(),
		placeholderArch, spec.Arch.String(),
	)
	return r.Replace(template)
}
