// Package toolcache provides a local, filesystem-backed cache of versioned
// software toolchains, so automation jobs can ask for "tool X at version
// range Y for this platform" and receive a ready-to-execute path without
// re-fetching on every run. Key features:
//   - Semantic version range resolution (exact, caret, tilde, comparator
//     chains, wildcard)
//   - Streaming downloads with retry on transient failures and
//     Content-Length verification
//   - Safe tar.gz and zip extraction (path traversal and symlink escape
//     rejection, executable bit preservation)
//   - Atomic publishing: concurrent installers across goroutines and
//     processes converge on exactly one completed entry per
//     (name, version, arch)
//   - Filesystem abstraction for testing and custom storage
//
// Basic usage:
//
//	cache, err := toolcache.New(toolcache.DefaultRoot())
//	if err != nil {
//	    return err
//	}
//
//	// Look up an existing install
//	tool, err := cache.Find(ctx, toolcache.NewSpec("node", "^18.0.0"))
//
//	// Or install on miss from a URL template
//	tool, err = cache.ResolveOrInstall(ctx,
//	    toolcache.NewSpec("node", "18.4.0"),
//	    "https://nodejs.org/dist/v${VERSION}/node-v${VERSION}-${OS}-${ARCH}.tar.gz",
//	)
//
//	bin := tool.Join("bin", "node")
//
// Completed installs live at <root>/<name>/<version>/<arch>/ with a
// .complete marker file inside; directories without the marker are invisible
// to lookups.
package toolcache
