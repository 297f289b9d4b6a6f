package toolcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/toolcache/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithBackoffBaseDelay(time.Millisecond),
		WithMaxRetries(1),
	}
	c, err := New(t.TempDir(), append(base, opts...)...)
	require.NoError(t, err)
	return c
}

// seedInstall creates a completed install directly on disk, the way an
// earlier run or another process would have left it.
func seedInstall(t *testing.T, root, name, version string, arch Arch) string {
	t.Helper()
	dir := filepath.Join(root, name, version, arch.String())
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", name), []byte(version), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MarkerFile), nil, 0o644))
	return dir
}

// pinnedSpec returns a spec with a fixed platform so test expectations do
// not depend on the machine running them.
func pinnedSpec(name, versionRange string) Spec {
	return Spec{Name: name, VersionRange: versionRange, OS: OSLinux, Arch: ArchX64}
}

// archiveServer serves the given archive bytes for any request and counts
// how many requests arrive.
func archiveServer(t *testing.T, data []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(data)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func nodeArchive(t *testing.T) []byte {
	t.Helper()
	data, err := testutil.TarGz(
		testutil.Dir("bin"),
		testutil.Executable("bin/node", []byte("#!/bin/sh\necho 18.4.0\n")),
		testutil.File("LICENSE", []byte("MIT")),
	)
	require.NoError(t, err)
	return data
}

func TestNew_EmptyRoot(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestNew_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "cache")
	c, err := New(root, WithLogger(discardLogger()))
	require.NoError(t, err)

	info, err := os.Stat(c.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCache_Find(t *testing.T) {
	c := newTestCache(t)
	seedInstall(t, c.Root(), "node", "18.4.0", ArchX64)
	seedInstall(t, c.Root(), "node", "18.9.1", ArchX64)
	seedInstall(t, c.Root(), "node", "19.0.0", ArchARM64)

	t.Run("exact", func(t *testing.T) {
		tool, err := c.Find(context.Background(), pinnedSpec("node", "18.4.0"))
		require.NoError(t, err)
		assert.Equal(t, "18.4.0", tool.Version.String())
		assert.Equal(t, filepath.Join(c.Root(), "node", "18.4.0", "x64"), tool.Path)
	})

	t.Run("range picks highest", func(t *testing.T) {
		tool, err := c.Find(context.Background(), pinnedSpec("node", "^18.0.0"))
		require.NoError(t, err)
		assert.Equal(t, "18.9.1", tool.Version.String())
	})

	t.Run("wildcard", func(t *testing.T) {
		tool, err := c.Find(context.Background(), pinnedSpec("node", "*"))
		require.NoError(t, err)
		assert.Equal(t, "18.9.1", tool.Version.String())
	})

	t.Run("arch filters", func(t *testing.T) {
		spec := Spec{Name: "node", VersionRange: "^19.0.0", OS: OSLinux, Arch: ArchARM64}
		tool, err := c.Find(context.Background(), spec)
		require.NoError(t, err)
		assert.Equal(t, "19.0.0", tool.Version.String())

		_, err = c.Find(context.Background(), pinnedSpec("node", "^19.0.0"))
		assert.ErrorIs(t, err, ErrNoMatchingVersion)
	})

	t.Run("miss", func(t *testing.T) {
		_, err := c.Find(context.Background(), pinnedSpec("python", "*"))
		assert.ErrorIs(t, err, ErrNoMatchingVersion)

		var toolErr *ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, "find", toolErr.Op)
	})

	t.Run("invalid range", func(t *testing.T) {
		_, err := c.Find(context.Background(), pinnedSpec("node", "not a range"))
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("invalid name", func(t *testing.T) {
		_, err := c.Find(context.Background(), pinnedSpec("", "*"))
		assert.Error(t, err)

		_, err = c.Find(context.Background(), pinnedSpec("node/../evil", "*"))
		assert.Error(t, err)
	})
}

func TestCache_Find_SeesExternalInstalls(t *testing.T) {
	c := newTestCache(t)

	// An install published by another process after the cache was opened
	// must be found without reopening.
	seedInstall(t, c.Root(), "go", "1.22.5", ArchX64)

	tool, err := c.Find(context.Background(), pinnedSpec("go", "^1.22.0"))
	require.NoError(t, err)
	assert.Equal(t, "1.22.5", tool.Version.String())
}

func TestCache_Find_IgnoresIncompleteInstalls(t *testing.T) {
	c := newTestCache(t)
	seedInstall(t, c.Root(), "node", "18.4.0", ArchX64)

	// A crashed installer's leftovers: payload present, marker missing.
	partial := filepath.Join(c.Root(), "node", "20.0.0", "x64")
	require.NoError(t, os.MkdirAll(partial, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(partial, "payload"), []byte("x"), 0o644))

	tool, err := c.Find(context.Background(), pinnedSpec("node", "*"))
	require.NoError(t, err)
	assert.Equal(t, "18.4.0", tool.Version.String())

	// The partial directory is left alone, never reaped.
	_, err = os.Stat(filepath.Join(partial, "payload"))
	assert.NoError(t, err)
}

func TestCache_FindAllVersions(t *testing.T) {
	c := newTestCache(t)
	seedInstall(t, c.Root(), "node", "18.4.0", ArchX64)
	seedInstall(t, c.Root(), "node", "19.0.0", ArchX64)
	seedInstall(t, c.Root(), "node", "18.9.1", ArchARM64)

	tools, err := c.FindAllVersions(context.Background(), "node")
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, "19.0.0", tools[0].Version.String())
	assert.Equal(t, "18.9.1", tools[1].Version.String())
	assert.Equal(t, "18.4.0", tools[2].Version.String())

	tools, err = c.FindAllVersions(context.Background(), "python")
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestCache_ResolveOrInstall(t *testing.T) {
	c := newTestCache(t)
	data := nodeArchive(t)

	var requests atomic.Int32
	var mu sync.Mutex
	var requestedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		mu.Lock()
		requestedPath = r.URL.Path
		mu.Unlock()
		w.Write(data)
	}))
	defer server.Close()

	template := server.URL + "/dist/${NAME}/v${VERSION}/${NAME}-${OS}-${ARCH}.tar.gz"
	tool, err := c.ResolveOrInstall(context.Background(), pinnedSpec("node", "18.4.0"), template)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, "/dist/node/v18.4.0/node-linux-x64.tar.gz", requestedPath)
	mu.Unlock()
	assert.Equal(t, "18.4.0", tool.Version.String())
	assert.Equal(t, filepath.Join(c.Root(), "node", "18.4.0", "x64"), tool.Path)
	assert.Equal(t, int32(1), requests.Load())

	// The install is complete on disk: marker, payload, executable bit.
	_, err = os.Stat(filepath.Join(tool.Path, MarkerFile))
	require.NoError(t, err)

	license, err := os.ReadFile(tool.Join("LICENSE"))
	require.NoError(t, err)
	assert.Equal(t, []byte("MIT"), license)

	info, err := os.Stat(tool.Join("bin", "node"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)

	// A second request is served from the cache without touching the network.
	again, err := c.ResolveOrInstall(context.Background(), pinnedSpec("node", "18.4.0"), template)
	require.NoError(t, err)
	assert.Equal(t, tool.Path, again.Path)
	assert.Equal(t, int32(1), requests.Load())

	// So is a range lookup the install now satisfies.
	found, err := c.Find(context.Background(), pinnedSpec("node", "^18.0.0"))
	require.NoError(t, err)
	assert.Equal(t, tool.Path, found.Path)
}

func TestCache_ResolveOrInstall_Zip(t *testing.T) {
	data, err := testutil.Zip(
		testutil.Executable("bin/run", []byte("#!/bin/sh\n")),
		testutil.File("README", []byte("hello")),
	)
	require.NoError(t, err)

	server, requests := archiveServer(t, data)
	c := newTestCache(t)

	tool, err := c.ResolveOrInstall(context.Background(),
		pinnedSpec("runner", "2.1.0"), server.URL+"/runner-${VERSION}.zip")
	require.NoError(t, err)
	assert.Equal(t, int32(1), requests.Load())

	readme, err := os.ReadFile(tool.Join("README"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), readme)
}

func TestCache_ResolveOrInstall_RangeNeverInstalls(t *testing.T) {
	server, requests := archiveServer(t, nodeArchive(t))
	c := newTestCache(t)

	// Installing requires one concrete version: there is no protocol for
	// asking the source which versions exist.
	_, err := c.ResolveOrInstall(context.Background(),
		pinnedSpec("node", "^18.0.0"), server.URL+"/node.tar.gz")
	assert.ErrorIs(t, err, ErrNoMatchingVersion)
	assert.Equal(t, int32(0), requests.Load())

	// But a range that an existing install satisfies resolves without
	// installing.
	seedInstall(t, c.Root(), "node", "18.9.1", ArchX64)
	tool, err := c.ResolveOrInstall(context.Background(),
		pinnedSpec("node", "^18.0.0"), server.URL+"/node.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "18.9.1", tool.Version.String())
	assert.Equal(t, int32(0), requests.Load())
}

func TestCache_ResolveOrInstall_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := newTestCache(t)

	_, err := c.ResolveOrInstall(context.Background(),
		pinnedSpec("node", "18.4.0"), server.URL+"/node.tar.gz")
	assert.ErrorIs(t, err, ErrHTTPStatus)
	assert.ErrorIs(t, err, ErrDownloadFailed)

	assertNoInstallResidue(t, c, "node")
}

func TestCache_ResolveOrInstall_CorruptArchive(t *testing.T) {
	server, _ := archiveServer(t, []byte("not an archive at all"))
	c := newTestCache(t)

	_, err := c.ResolveOrInstall(context.Background(),
		pinnedSpec("node", "18.4.0"), server.URL+"/node.tar.gz")
	assert.ErrorIs(t, err, ErrCorruptArchive)

	assertNoInstallResidue(t, c, "node")
}

func TestCache_ResolveOrInstall_HostileArchive(t *testing.T) {
	data, err := testutil.TarGz(
		testutil.File("ok.txt", []byte("fine")),
		testutil.File("../../../evil.txt", []byte("gotcha")),
	)
	require.NoError(t, err)

	server, _ := archiveServer(t, data)
	c := newTestCache(t)

	_, err = c.ResolveOrInstall(context.Background(),
		pinnedSpec("node", "18.4.0"), server.URL+"/node.tar.gz")
	assert.ErrorIs(t, err, ErrUnsafeArchiveEntry)

	assertNoInstallResidue(t, c, "node")

	// Nothing escaped above the cache root either.
	_, statErr := os.Stat(filepath.Join(c.Root(), "..", "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCache_ResolveOrInstall_UnsupportedFormat(t *testing.T) {
	server, requests := archiveServer(t, nodeArchive(t))
	c := newTestCache(t)

	_, err := c.ResolveOrInstall(context.Background(),
		pinnedSpec("node", "18.4.0"), server.URL+"/node.tar.bz2")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, int32(0), requests.Load(), "format is rejected before any download")
}

func TestCache_ResolveOrInstall_Concurrent(t *testing.T) {
	server, requests := archiveServer(t, nodeArchive(t))
	c := newTestCache(t)

	const workers = 8
	tools := make([]*Tool, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tools[i], errs[i] = c.ResolveOrInstall(context.Background(),
				pinnedSpec("node", "18.4.0"), server.URL+"/node-${VERSION}.tar.gz")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tools[0].Path, tools[i].Path)
	}
	assert.Equal(t, int32(1), requests.Load(), "concurrent installs must collapse into one download")

	_, err := os.Stat(filepath.Join(tools[0].Path, MarkerFile))
	assert.NoError(t, err)
}

func TestCache_InMemoryFilesystem(t *testing.T) {
	server, _ := archiveServer(t, nodeArchive(t))

	fsys := memfs.New()
	c, err := New("/cache",
		WithFilesystem(fsys),
		WithLogger(discardLogger()),
		WithBackoffBaseDelay(time.Millisecond),
	)
	require.NoError(t, err)

	tool, err := c.ResolveOrInstall(context.Background(),
		pinnedSpec("node", "18.4.0"), server.URL+"/node.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, fsys.Join("/cache", "node", "18.4.0", "x64"), tool.Path)

	_, err = fsys.Stat(fsys.Join(tool.Path, MarkerFile))
	assert.NoError(t, err)
}

// assertNoInstallResidue verifies a failed install left the cache tree
// untouched: no published entry, no visible index entry, and an empty
// staging area.
func assertNoInstallResidue(t *testing.T, c *Cache, name string) {
	t.Helper()

	_, err := c.Find(context.Background(), pinnedSpec(name, "*"))
	assert.ErrorIs(t, err, ErrNoMatchingVersion)

	staging, err := os.ReadDir(filepath.Join(c.Root(), ".staging"))
	if err == nil {
		assert.Empty(t, staging, "staging directories must be cleaned up on failure")
	} else {
		assert.True(t, os.IsNotExist(err))
	}
}

// stagedExtractDir lays out a loser's fully extracted staging directory,
// ready to be published against a destination another writer may own.
func stagedExtractDir(t *testing.T, root string) string {
	t.Helper()
	staged := filepath.Join(root, ".staging", "competing", "extract")
	require.NoError(t, os.MkdirAll(staged, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "late.txt"), []byte("late"), 0o644))
	return staged
}

func TestCache_Publish_LoserAdoptsWinner(t *testing.T) {
	c := newTestCache(t)

	// Another writer already renamed its extraction into place and wrote
	// the marker.
	winner := seedInstall(t, c.Root(), "node", "18.4.0", ArchX64)
	staged := stagedExtractDir(t, c.Root())

	tool, err := c.publish(context.Background(), staged, pinnedSpec("node", "18.4.0"), "18.4.0")
	require.NoError(t, err)
	assert.Equal(t, winner, tool.Path)
	assert.Equal(t, "18.4.0", tool.Version.String())

	// The winner's payload is untouched and nothing of the loser's staging
	// leaked into the published entry.
	payload, err := os.ReadFile(filepath.Join(winner, "bin", "node"))
	require.NoError(t, err)
	assert.Equal(t, []byte("18.4.0"), payload)

	_, statErr := os.Stat(filepath.Join(winner, "late.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCache_Publish_LoserWaitsForWinnersMarker(t *testing.T) {
	c := newTestCache(t)

	// The competing writer has renamed but not yet written its marker.
	dest := filepath.Join(c.Root(), "node", "18.4.0", "x64")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "payload"), []byte("x"), 0o644))
	staged := stagedExtractDir(t, c.Root())

	go func() {
		time.Sleep(150 * time.Millisecond)
		os.WriteFile(filepath.Join(dest, MarkerFile), nil, 0o644)
	}()

	tool, err := c.publish(context.Background(), staged, pinnedSpec("node", "18.4.0"), "18.4.0")
	require.NoError(t, err)
	assert.Equal(t, dest, tool.Path)
}

func TestCache_Publish_AbandonedDestination(t *testing.T) {
	c := newTestCache(t)

	// A crashed writer's residue: destination exists, marker never appears.
	dest := filepath.Join(c.Root(), "node", "18.4.0", "x64")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "payload"), []byte("x"), 0o644))
	staged := stagedExtractDir(t, c.Root())

	_, err := c.publish(context.Background(), staged, pinnedSpec("node", "18.4.0"), "18.4.0")
	assert.ErrorIs(t, err, ErrIncompleteInstall)

	// The abandoned directory is reported, not reaped.
	_, statErr := os.Stat(filepath.Join(dest, "payload"))
	assert.NoError(t, statErr)
}

func TestCache_Publish_CanceledWhileWaiting(t *testing.T) {
	c := newTestCache(t)

	dest := filepath.Join(c.Root(), "node", "18.4.0", "x64")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "payload"), []byte("x"), 0o644))
	staged := stagedExtractDir(t, c.Root())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.publish(ctx, staged, pinnedSpec("node", "18.4.0"), "18.4.0")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_SharedRoot_SecondInstanceAdopts(t *testing.T) {
	server, requests := archiveServer(t, nodeArchive(t))
	root := t.TempDir()

	first, err := New(root, WithLogger(discardLogger()), WithBackoffBaseDelay(time.Millisecond))
	require.NoError(t, err)

	toolA, err := first.ResolveOrInstall(context.Background(),
		pinnedSpec("node", "18.4.0"), server.URL+"/node.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, int32(1), requests.Load())

	// A second cache over the same root, as another process would open it,
	// adopts the published install instead of downloading again.
	second, err := New(root, WithLogger(discardLogger()), WithBackoffBaseDelay(time.Millisecond))
	require.NoError(t, err)

	toolB, err := second.ResolveOrInstall(context.Background(),
		pinnedSpec("node", "18.4.0"), server.URL+"/node.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, toolA.Path, toolB.Path)
	assert.Equal(t, int32(1), requests.Load())
}

func TestToolError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := newToolError("download", "node@18.4.0/x64", inner)

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "download node@18.4.0/x64: boom", err.Error())
}
