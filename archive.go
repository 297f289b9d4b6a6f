// This file contains the archive format dispatch for tool extraction.
package toolcache

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-billy/v5"
)

// Format is the archive format of a downloaded tool. The set is closed:
// the caller derives the format from the source URL's suffix rather than
// sniffing content, and each format has exactly one extraction strategy.
type Format int

// Supported archive formats.
const (
	FormatTarGz Format = iota + 1
	FormatZip
)

// String returns the conventional file suffix for the format.
func (f Format) String() string {
	switch f {
	case FormatTarGz:
		return "tar.gz"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

// FormatFromPath derives the archive format from a URL or file path suffix.
// Recognized suffixes are .tar.gz, .tgz, and .zip; anything else is
// ErrUnsupportedFormat.
func FormatFromPath(path string) (Format, error) {
	// Strip any query string before looking at the suffix.
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	lower := strings.ToLower(path)

	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Extractor expands a downloaded archive into a destination directory.
// Implementations must validate every entry so that nothing is ever written
// outside the destination, and must be handed a staging directory rather
// than a final published path: an interrupted extraction must never be
// mistakable for a complete install.
type Extractor interface {
	// Extract expands the archive at archivePath into destDir.
	Extract(ctx context.Context, archivePath, destDir string) error
}

// NewExtractor returns the extraction strategy for a format.
func NewExtractor(format Format, fsys billy.Filesystem) (Extractor, error) {
	switch format {
	case FormatTarGz:
		return &TarGzExtractor{fs: fsys}, nil
	case FormatZip:
		return &ZipExtractor{fs: fsys}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, format)
	}
}

// isDone returns a wrapped cancellation error if ctx is done.
func isDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("extraction canceled: %w", ctx.Err())
	default:
		return nil
	}
}
