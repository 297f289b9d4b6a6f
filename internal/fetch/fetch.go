// Package fetch downloads remote archives to local files with retry on
// transient failures. Client errors (4xx) and size mismatches are fatal;
// server errors, rate limiting, timeouts, and network failures are retried
// with exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-billy/v5"
	"github.com/rs/dnscache"
)

// Sentinel errors for download failures. ErrHTTPStatus, ErrSizeMismatch,
// and ErrTimeout all wrap ErrDownloadFailed so callers can match either the
// broad failure or the specific kind with errors.Is.
var (
	// ErrDownloadFailed indicates that a download could not be completed.
	ErrDownloadFailed = errors.New("download failed")

	// ErrHTTPStatus indicates a non-retryable HTTP status from the source.
	ErrHTTPStatus = fmt.Errorf("%w: unexpected http status", ErrDownloadFailed)

	// ErrSizeMismatch indicates the downloaded byte count did not match the
	// Content-Length advertised by the source.
	ErrSizeMismatch = fmt.Errorf("%w: size mismatch", ErrDownloadFailed)

	// ErrTimeout indicates a single download attempt exceeded its timeout.
	ErrTimeout = fmt.Errorf("%w: attempt timed out", ErrDownloadFailed)
)

const (
	defaultUserAgent  = "go-toolcache/1.0"
	defaultMaxRetries = 3
	defaultBaseDelay  = 500 * time.Millisecond
)

// Downloader streams remote resources to local files.
type Downloader struct {
	client         *http.Client
	userAgent      string
	maxRetries     uint64
	baseDelay      time.Duration
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		d.client = c
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) {
		d.userAgent = ua
	}
}

// WithMaxRetries sets how many times a failed attempt is retried.
// Zero disables retries; the initial attempt always runs.
func WithMaxRetries(n int) Option {
	return func(d *Downloader) {
		if n >= 0 {
			d.maxRetries = uint64(n)
		}
	}
}

// WithBaseDelay sets the initial interval for exponential backoff.
func WithBaseDelay(delay time.Duration) Option {
	return func(d *Downloader) {
		d.baseDelay = delay
	}
}

// WithAttemptTimeout bounds each individual download attempt. The timeout
// applies per attempt, not to the overall retry budget. Zero means no
// per-attempt timeout.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		d.attemptTimeout = timeout
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a Downloader with the given options. The default client uses
// a DNS-caching dialer so that repeated downloads from the same host do not
// re-resolve on every attempt.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		userAgent:  defaultUserAgent,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = newDefaultClient()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// newDefaultClient builds an HTTP client with a cached DNS resolver.
func newDefaultClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Download streams the resource at url into dest on the given filesystem.
// Each attempt truncates and rewrites dest, so a retried download never
// appends to a previous partial body. On any failure, including
// cancellation, the partial file is removed before the error is returned.
// On success the written byte count is returned and the caller owns the
// file's lifecycle.
func (d *Downloader) Download(ctx context.Context, fsys billy.Basic, url, dest string) (int64, error) {
	var written int64

	attempt := func() error {
		n, err := d.downloadOnce(ctx, fsys, url, dest)
		written = n
		return err
	}

	notify := func(err error, wait time.Duration) {
		d.logger.Debug("retrying download",
			"url", url,
			"wait", wait,
			"error", err,
		)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.baseDelay
	bo.MaxElapsedTime = 0 // retry budget is attempt-based, not time-based

	err := backoff.RetryNotify(
		attempt,
		backoff.WithContext(backoff.WithMaxRetries(bo, d.maxRetries), ctx),
		notify,
	)
	if err != nil {
		_ = fsys.Remove(dest)
		return 0, err
	}
	return written, nil
}

// downloadOnce performs a single attempt. It returns backoff.Permanent for
// failures that retrying cannot fix.
func (d *Downloader) downloadOnce(ctx context.Context, fsys billy.Basic, url, dest string) (int64, error) {
	attemptCtx := ctx
	if d.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: %v", ErrDownloadFailed, err))
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, d.classifyTransportError(ctx, url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to the body copy below.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, fmt.Errorf("%w: retryable status %d for %s", ErrDownloadFailed, resp.StatusCode, url)
	default:
		return 0, backoff.Permanent(fmt.Errorf("%w: status %d for %s", ErrHTTPStatus, resp.StatusCode, url))
	}

	file, err := fsys.Create(dest)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: creating %s: %v", ErrDownloadFailed, dest, err))
	}

	written, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()

	if copyErr != nil {
		if errors.Is(copyErr, io.ErrUnexpectedEOF) {
			// The body ended before the advertised Content-Length.
			return 0, backoff.Permanent(fmt.Errorf("%w: got %d of %d bytes from %s",
				ErrSizeMismatch, written, resp.ContentLength, url))
		}
		return 0, d.classifyTransportError(ctx, url, copyErr)
	}
	if closeErr != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: closing %s: %v", ErrDownloadFailed, dest, closeErr))
	}

	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return 0, backoff.Permanent(fmt.Errorf("%w: got %d of %d bytes from %s",
			ErrSizeMismatch, written, resp.ContentLength, url))
	}

	return written, nil
}

// classifyTransportError separates caller cancellation (permanent) from
// per-attempt timeouts and network failures (transient).
func (d *Downloader) classifyTransportError(parent context.Context, url string, err error) error {
	if parent.Err() != nil {
		return backoff.Permanent(parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, url)
	}
	return fmt.Errorf("%w: %s: %v", ErrDownloadFailed, url, err)
}
