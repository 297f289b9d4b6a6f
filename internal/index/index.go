// Package index builds an in-memory view of completed tool installations by
// scanning the cache root directory tree. The on-disk layout is
// <root>/<name>/<version>/<arch>/ with a completion marker file inside each
// fully installed directory; anything without the marker is an in-progress
// or abandoned install and is invisible to the index.
package index

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-billy/v5"

	"github.com/jmgilman/go/toolcache/internal/version"
)

// Marker is the sentinel file whose presence marks an install as complete.
// It lives directly inside the arch directory and distinguishes finished
// installs from partial ones. The name is part of the persisted layout and
// must not change across implementations sharing a cache root.
const Marker = ".complete"

// Entry is one fully installed tool version found in the cache.
type Entry struct {
	// Name is the tool name (the first path segment under the cache root).
	Name string

	// Version is the parsed version (the second path segment).
	Version *semver.Version

	// Arch is the architecture directory name (the third path segment).
	Arch string

	// Path is the filesystem path of the installed directory.
	Path string
}

// Index is an immutable snapshot of the cache contents. It is rebuilt by a
// full scan; concurrent installs that publish after the scan started are
// picked up by the next scan.
type Index struct {
	entries map[string][]Entry
	logger  *slog.Logger
}

// Scan walks the cache root and returns an index of completed installs.
// A missing root yields an empty index. Malformed version directory names
// and directories lacking the completion marker are skipped with a warning,
// never treated as fatal: the cache may be shared with other writers whose
// in-progress work must not fail a reader.
func Scan(fsys billy.Filesystem, root string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ix := &Index{entries: make(map[string][]Entry), logger: logger}

	tools, err := readDir(fsys, root)
	if err != nil {
		if os.IsNotExist(err) {
			return ix, nil
		}
		return nil, fmt.Errorf("scanning cache root %s: %w", root, err)
	}

	for _, tool := range tools {
		if !tool.IsDir() || strings.HasPrefix(tool.Name(), ".") {
			continue
		}
		if err := ix.scanTool(fsys, root, tool.Name(), logger); err != nil {
			return nil, err
		}
	}

	for name := range ix.entries {
		sortEntriesDescending(ix.entries[name])
	}
	return ix, nil
}

// scanTool indexes the version/arch tree beneath a single tool directory.
func (ix *Index) scanTool(fsys billy.Filesystem, root, name string, logger *slog.Logger) error {
	toolDir := fsys.Join(root, name)
	versions, err := readDir(fsys, toolDir)
	if err != nil {
		return fmt.Errorf("scanning tool %s: %w", name, err)
	}

	for _, ver := range versions {
		if !ver.IsDir() || strings.HasPrefix(ver.Name(), ".") {
			continue
		}

		parsed, err := version.Parse(ver.Name())
		if err != nil {
			logger.Warn("skipping malformed version directory",
				"tool", name,
				"dir", ver.Name(),
			)
			continue
		}

		versionDir := fsys.Join(toolDir, ver.Name())
		arches, err := readDir(fsys, versionDir)
		if err != nil {
			return fmt.Errorf("scanning %s/%s: %w", name, ver.Name(), err)
		}

		for _, arch := range arches {
			if !arch.IsDir() || strings.HasPrefix(arch.Name(), ".") {
				continue
			}

			archDir := fsys.Join(versionDir, arch.Name())
			if !isComplete(fsys, archDir) {
				logger.Warn("skipping incomplete install",
					"tool", name,
					"version", ver.Name(),
					"arch", arch.Name(),
				)
				continue
			}

			ix.entries[name] = append(ix.entries[name], Entry{
				Name:    name,
				Version: parsed,
				Arch:    arch.Name(),
				Path:    archDir,
			})
		}
	}
	return nil
}

// Find returns the best completed entry for a tool name, version range, and
// architecture, or nil when nothing matches. A nil result is a normal cache
// miss, not an error.
//
// Two cache slots comparing as equal versions (possible only through build
// metadata, e.g. 1.2.3 next to 1.2.3+build.1) are an invariant violation:
// the later slot wins and a warning is logged.
func (ix *Index) Find(name, rangeSpec, arch string) (*Entry, error) {
	var candidates []Entry
	for _, e := range ix.entries[name] {
		if e.Arch == arch {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Candidates are version-sorted, so equal versions sit next to each
	// other.
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Version.Equal(candidates[i-1].Version) {
			ix.logger.Warn("duplicate version among completed installs",
				"tool", name,
				"arch", arch,
				"version", candidates[i].Version.String(),
				"kept", candidates[i].Path,
				"shadowed", candidates[i-1].Path,
			)
		}
	}

	versions := make([]*semver.Version, len(candidates))
	for i, e := range candidates {
		versions[i] = e.Version
	}

	best, err := version.Best(versions, rangeSpec)
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, nil
	}

	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i].Version.Equal(best) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// All returns every completed entry for a tool, highest version first.
// The returned slice is a copy and safe for callers to retain.
func (ix *Index) All(name string) []Entry {
	src := ix.entries[name]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Len returns the total number of completed entries in the index.
func (ix *Index) Len() int {
	n := 0
	for _, entries := range ix.entries {
		n += len(entries)
	}
	return n
}

// isComplete reports whether an install directory carries the completion
// marker.
func isComplete(fsys billy.Filesystem, dir string) bool {
	_, err := fsys.Stat(fsys.Join(dir, Marker))
	return err == nil
}

// readDir lists a directory, normalizing the not-exist case.
func readDir(fsys billy.Filesystem, dir string) ([]os.FileInfo, error) {
	infos, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// sortEntriesDescending orders entries from highest version to lowest.
func sortEntriesDescending(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[j].Version.LessThan(entries[i].Version)
	})
}
