// Package toolcache provides a filesystem-backed cache of versioned tool
// installations. This file contains the error taxonomy for cache operations.
package toolcache

import (
	"errors"
	"fmt"

	"github.com/jmgilman/go/toolcache/internal/fetch"
	"github.com/jmgilman/go/toolcache/internal/version"
)

// Sentinel errors for cache operation failures. They can be checked with
// errors.Is regardless of how much context has been wrapped around them.
var (
	// ErrInvalidVersion indicates a version string that does not conform to
	// a dotted numeric form with an optional pre-release suffix.
	ErrInvalidVersion = version.ErrInvalid

	// ErrInvalidRange indicates a version range specifier that could not be
	// parsed.
	ErrInvalidRange = version.ErrInvalidRange

	// ErrNoMatchingVersion indicates that no completed install satisfies the
	// requested version range. This is recoverable: the caller may install
	// instead of looking up.
	ErrNoMatchingVersion = errors.New("no matching version in cache")

	// ErrDownloadFailed indicates that the archive could not be retrieved.
	// The specific kind (ErrHTTPStatus, ErrSizeMismatch, ErrTimeout) wraps
	// this error.
	ErrDownloadFailed = fetch.ErrDownloadFailed

	// ErrHTTPStatus indicates a non-retryable HTTP status from the source.
	ErrHTTPStatus = fetch.ErrHTTPStatus

	// ErrSizeMismatch indicates the downloaded byte count did not match the
	// Content-Length advertised by the source.
	ErrSizeMismatch = fetch.ErrSizeMismatch

	// ErrTimeout indicates a download attempt exceeded its timeout.
	ErrTimeout = fetch.ErrTimeout

	// ErrUnsupportedFormat indicates an archive format the extractor does
	// not handle.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrCorruptArchive indicates the archive stream is not valid for its
	// declared format. Never retried: a corrupt archive stays corrupt.
	ErrCorruptArchive = errors.New("archive corrupted or invalid")

	// ErrUnsafeArchiveEntry indicates an archive entry whose resolved path
	// or symlink target would land outside the extraction directory. Always
	// fatal and never retried: it marks a hostile or malformed archive.
	ErrUnsafeArchiveEntry = errors.New("unsafe archive entry")

	// ErrIncompleteInstall indicates a published install directory whose
	// completion marker never appeared, typically the residue of a crashed
	// installer.
	ErrIncompleteInstall = errors.New("install incomplete: completion marker missing")
)

// ToolError wraps a failure with the operation and tool it occurred on, so
// callers can log which stage of which install went wrong.
//
// ToolError supports errors.Is and errors.As through Unwrap.
type ToolError struct {
	// Op is the operation that failed (e.g. "find", "download", "extract",
	// "publish").
	Op string

	// Tool describes the tool being processed, e.g. "node@18.4.0/x64".
	Tool string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Tool, e.Err.Error())
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// newToolError creates a ToolError for the given operation and tool.
func newToolError(op, tool string, err error) *ToolError {
	return &ToolError{Op: op, Tool: tool, Err: err}
}
