// This file contains functional options for configuring a Cache.
package toolcache

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/jmgilman/go/toolcache/internal/fetch"
)

// Option configures a Cache.
type Option func(*Cache)

// WithFilesystem sets the filesystem the cache operates on. The default is
// the OS filesystem; an in-memory filesystem can be injected for tests.
// When a custom filesystem is used, the cache root is taken verbatim rather
// than resolved to an absolute OS path.
func WithFilesystem(fsys billy.Filesystem) Option {
	return func(c *Cache) {
		c.fs = fsys
	}
}

// WithLogger sets the logger for cache diagnostics. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithDownloader replaces the downloader wholesale, ignoring the
// download-related options below.
func WithDownloader(d *fetch.Downloader) Option {
	return func(c *Cache) {
		c.downloader = d
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		c.fetchOpts = append(c.fetchOpts, fetch.WithHTTPClient(client))
	}
}

// WithUserAgent sets the User-Agent header for downloads.
func WithUserAgent(ua string) Option {
	return func(c *Cache) {
		c.fetchOpts = append(c.fetchOpts, fetch.WithUserAgent(ua))
	}
}

// WithMaxRetries sets how many times a failed download attempt is retried.
func WithMaxRetries(n int) Option {
	return func(c *Cache) {
		c.fetchOpts = append(c.fetchOpts, fetch.WithMaxRetries(n))
	}
}

// WithAttemptTimeout bounds each individual download attempt. The timeout
// is per attempt, not per overall retry budget.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		c.fetchOpts = append(c.fetchOpts, fetch.WithAttemptTimeout(timeout))
	}
}

// WithBackoffBaseDelay sets the initial interval for download retry
// backoff. Mainly useful to keep tests fast.
func WithBackoffBaseDelay(delay time.Duration) Option {
	return func(c *Cache) {
		c.fetchOpts = append(c.fetchOpts, fetch.WithBaseDelay(delay))
	}
}
