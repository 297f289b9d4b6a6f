// This file contains the Cache client: lookup and resolve-or-install
// orchestration over the index, fetcher, and extractors.
package toolcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jmgilman/go/toolcache/internal/fetch"
	"github.com/jmgilman/go/toolcache/internal/index"
	"github.com/jmgilman/go/toolcache/internal/version"
)

// MarkerFile is the completion marker written inside each fully installed
// directory. Its presence is what makes an install visible to lookups.
const MarkerFile = index.Marker

// stagingDir is the directory under the cache root where in-progress
// installs assemble their output before the atomic publish.
const stagingDir = ".staging"

// Cache locates, downloads, extracts, and indexes versioned tool
// installations under a single cache root directory.
//
// The cache root may be shared by concurrent tasks in one process and by
// independent processes. Writers only ever create uniquely named staging
// paths and publish via atomic rename, so readers see each install as
// either absent or complete, never partial. Within one process, concurrent
// requests for the same (name, version, arch) are collapsed into a single
// install.
type Cache struct {
	root       string
	fs         billy.Filesystem
	logger     *slog.Logger
	downloader *fetch.Downloader
	fetchOpts  []fetch.Option

	group singleflight.Group

	mu  sync.RWMutex
	idx *index.Index
}

// New creates a Cache rooted at the given directory, creating it if needed
// and scanning any existing contents. The root is required: the cache never
// chooses its own location (see DefaultRoot for a conventional resolver).
func New(root string, opts ...Option) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("cache root cannot be empty")
	}

	c := &Cache{root: root}
	for _, opt := range opts {
		opt(c)
	}

	if c.fs == nil {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolving cache root %s: %w", root, err)
		}
		c.root = abs
		c.fs = osfs.New("/")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.downloader == nil {
		fetchOpts := append([]fetch.Option{fetch.WithLogger(c.logger)}, c.fetchOpts...)
		c.downloader = fetch.New(fetchOpts...)
	}

	if err := c.fs.MkdirAll(c.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root %s: %w", c.root, err)
	}

	if _, err := c.rescan(); err != nil {
		return nil, err
	}
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Find returns the best completed install for the spec without touching the
// network. A miss is ErrNoMatchingVersion; the caller may choose to install
// instead. The index snapshot is eventually consistent with concurrent
// installs, so a miss triggers one rescan before failing.
func (c *Cache) Find(ctx context.Context, spec Spec) (*Tool, error) {
	spec = spec.withDefaults()
	if err := spec.validate(); err != nil {
		return nil, newToolError("find", spec.String(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, newToolError("find", spec.String(), err)
	}

	entry, err := c.snapshot().Find(spec.Name, spec.VersionRange, spec.Arch.String())
	if err != nil {
		return nil, newToolError("find", spec.String(), err)
	}
	if entry == nil {
		// Re-scan before failing: a concurrent install may have published
		// since the snapshot was built.
		ix, err := c.rescan()
		if err != nil {
			return nil, newToolError("find", spec.String(), err)
		}
		entry, err = ix.Find(spec.Name, spec.VersionRange, spec.Arch.String())
		if err != nil {
			return nil, newToolError("find", spec.String(), err)
		}
	}
	if entry == nil {
		return nil, newToolError("find", spec.String(), ErrNoMatchingVersion)
	}

	c.logger.Debug("cache hit",
		"tool", spec.Name,
		"version", entry.Version.String(),
		"arch", spec.Arch.String(),
	)
	return entryToTool(entry), nil
}

// FindAllVersions returns every completed install of a tool, highest
// version first, across all architectures.
func (c *Cache) FindAllVersions(ctx context.Context, name string) ([]*Tool, error) {
	if name == "" {
		return nil, newToolError("find", name, fmt.Errorf("tool name cannot be empty"))
	}
	if err := ctx.Err(); err != nil {
		return nil, newToolError("find", name, err)
	}

	ix, err := c.rescan()
	if err != nil {
		return nil, newToolError("find", name, err)
	}

	entries := ix.All(name)
	tools := make([]*Tool, len(entries))
	for i := range entries {
		tools[i] = entryToTool(&entries[i])
	}
	return tools, nil
}

// ResolveOrInstall returns a completed install satisfying the spec,
// installing from the source URL template on a cache miss. Templates use
// ${NAME}, ${VERSION}, ${OS}, and ${ARCH} placeholders and must name an
// archive with a recognized suffix (.tar.gz, .tgz, .zip).
//
// An install is only attempted when the spec's version range names one
// exact version: this subsystem has no protocol for listing versions a
// remote source advertises, so any other range shape misses with
// ErrNoMatchingVersion.
func (c *Cache) ResolveOrInstall(ctx context.Context, spec Spec, urlTemplate string) (*Tool, error) {
	spec = spec.withDefaults()
	if err := spec.validate(); err != nil {
		return nil, newToolError("install", spec.String(), err)
	}

	tool, err := c.Find(ctx, spec)
	if err == nil {
		return tool, nil
	}
	if !errors.Is(err, ErrNoMatchingVersion) {
		return nil, err
	}

	target, ok := version.IsExact(spec.VersionRange)
	if !ok {
		return nil, newToolError("install", spec.String(), ErrNoMatchingVersion)
	}

	key := spec.Name + "\x00" + target + "\x00" + spec.Arch.String()
	result, err, _ := c.group.Do(key, func() (any, error) {
		return c.install(ctx, spec, target, urlTemplate)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Tool), nil
}

// install performs the download, extract, publish, index-refresh sequence
// for one concrete version. Any failure before the atomic rename leaves the
// final cache tree untouched.
func (c *Cache) install(ctx context.Context, spec Spec, target, urlTemplate string) (*Tool, error) {
	// A request collapsed behind an identical in-flight install may arrive
	// here after that install already published; check once more before
	// doing network work.
	if entry, err := c.snapshot().Find(spec.Name, target, spec.Arch.String()); err == nil && entry != nil {
		return entryToTool(entry), nil
	}

	url := expandURLTemplate(urlTemplate, spec, target)
	format, err := FormatFromPath(url)
	if err != nil {
		return nil, newToolError("install", spec.String(), err)
	}

	staging := c.fs.Join(c.root, stagingDir,
		fmt.Sprintf("%s-%s-%s-%s", spec.Name, target, spec.Arch, uuid.NewString()))
	if err := c.fs.MkdirAll(staging, 0o755); err != nil {
		return nil, newToolError("install", spec.String(), fmt.Errorf("creating staging directory: %w", err))
	}
	defer func() {
		if err := util.RemoveAll(c.fs, staging); err != nil {
			c.logger.Warn("failed to remove staging directory", "path", staging, "error", err)
		}
	}()

	archivePath := c.fs.Join(staging, "archive."+format.String())
	written, err := c.downloader.Download(ctx, c.fs, url, archivePath)
	if err != nil {
		return nil, newToolError("download", spec.String(), err)
	}
	c.logger.Debug("downloaded archive",
		"tool", spec.Name,
		"version", target,
		"url", url,
		"bytes", written,
	)

	extractDir := c.fs.Join(staging, "extract")
	extractor, err := NewExtractor(format, c.fs)
	if err != nil {
		return nil, newToolError("extract", spec.String(), err)
	}
	if err := extractor.Extract(ctx, archivePath, extractDir); err != nil {
		return nil, newToolError("extract", spec.String(), err)
	}

	tool, err := c.publish(ctx, extractDir, spec, target)
	if err != nil {
		return nil, err
	}

	if _, err := c.rescan(); err != nil {
		return nil, newToolError("install", spec.String(), err)
	}

	c.logger.Debug("installed tool",
		"tool", tool.Name,
		"version", tool.Version.String(),
		"arch", tool.Arch.String(),
		"path", tool.Path,
	)
	return tool, nil
}

// publish atomically moves a fully extracted directory into its final cache
// path and writes the completion marker. Losing the rename race to another
// writer is success: the winner's entry is verified and returned.
func (c *Cache) publish(ctx context.Context, extractDir string, spec Spec, target string) (*Tool, error) {
	final := toolPath(c.fs, c.root, spec.Name, target, spec.Arch)

	if err := c.fs.MkdirAll(c.fs.Join(c.root, spec.Name, target), 0o755); err != nil {
		return nil, newToolError("publish", spec.String(), fmt.Errorf("creating version directory: %w", err))
	}

	if err := c.fs.Rename(extractDir, final); err != nil {
		if _, statErr := c.fs.Stat(final); statErr != nil {
			return nil, newToolError("publish", spec.String(), fmt.Errorf("renaming into cache: %w", err))
		}
		// Another writer won the race. Its rename happened, so its marker
		// is either present already or about to be; verify before treating
		// the existing entry as ours.
		if err := c.awaitMarker(ctx, final); err != nil {
			return nil, newToolError("publish", spec.String(), err)
		}
		c.logger.Debug("install already published by another writer",
			"tool", spec.Name,
			"version", target,
			"arch", spec.Arch.String(),
		)
	} else {
		if err := util.WriteFile(c.fs, c.fs.Join(final, MarkerFile), nil, 0o644); err != nil {
			return nil, newToolError("publish", spec.String(), fmt.Errorf("writing completion marker: %w", err))
		}
	}

	v, err := version.Parse(target)
	if err != nil {
		return nil, newToolError("publish", spec.String(), err)
	}
	return &Tool{
		Name:    spec.Name,
		Version: v,
		Arch:    spec.Arch,
		Path:    final,
	}, nil
}

// awaitMarker waits briefly for a competing writer's completion marker to
// appear, bailing out early when the caller's context is done. The winner
// writes the marker immediately after its rename, so absence beyond the
// window means an abandoned install.
func (c *Cache) awaitMarker(ctx context.Context, dir string) error {
	markerPath := c.fs.Join(dir, MarkerFile)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < 20; i++ {
		if _, err := c.fs.Stat(markerPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return fmt.Errorf("%w: %s", ErrIncompleteInstall, dir)
}

// rescan rebuilds the index from a full directory scan and stores it as the
// current snapshot.
func (c *Cache) rescan() (*index.Index, error) {
	ix, err := index.Scan(c.fs, c.root, c.logger)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.idx = ix
	c.mu.Unlock()
	return ix, nil
}

// snapshot returns the current index snapshot.
func (c *Cache) snapshot() *index.Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idx
}

// entryToTool converts an index entry to the public Tool type.
func entryToTool(e *index.Entry) *Tool {
	return &Tool{
		Name:    e.Name,
		Version: e.Version,
		Arch:    Arch(e.Arch),
		Path:    e.Path,
	}
}
