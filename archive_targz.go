// This file contains the tar.gz extraction strategy.
package toolcache

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"

	"github.com/jmgilman/go/toolcache/internal/validate"
)

// TarGzExtractor expands gzip-compressed tar archives. Every entry path and
// symlink target is validated against the destination directory before
// anything is written; a single unsafe entry aborts the whole extraction.
type TarGzExtractor struct {
	fs billy.Filesystem
}

// Extract implements Extractor for tar.gz archives.
func (e *TarGzExtractor) Extract(ctx context.Context, archivePath, destDir string) error {
	file, err := e.fs.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("%w: not a gzip stream: %v", ErrCorruptArchive, err)
	}
	defer gz.Close()

	if err := e.fs.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating destination %s: %w", destDir, err)
	}

	v := validate.NewEntryValidator(destDir)
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading tar header: %v", ErrCorruptArchive, err)
		}

		if err := isDone(ctx); err != nil {
			return err
		}
		if err := e.extractEntry(tr, hdr, v); err != nil {
			return err
		}
	}
}

// extractEntry writes a single tar entry beneath the validated destination.
func (e *TarGzExtractor) extractEntry(tr *tar.Reader, hdr *tar.Header, v *validate.EntryValidator) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		full, err := v.Resolve(hdr.Name)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsafeArchiveEntry, hdr.Name, err)
		}
		if err := e.fs.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", full, err)
		}
		return nil

	case tar.TypeReg:
		full, err := v.Resolve(hdr.Name)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsafeArchiveEntry, hdr.Name, err)
		}
		return e.writeFile(tr, full, entryPerm(hdr.Mode))

	case tar.TypeSymlink:
		if err := v.ValidateSymlink(hdr.Name, hdr.Linkname); err != nil {
			return fmt.Errorf("%w: %s -> %s: %v", ErrUnsafeArchiveEntry, hdr.Name, hdr.Linkname, err)
		}
		full, err := v.Resolve(hdr.Name)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsafeArchiveEntry, hdr.Name, err)
		}
		if err := e.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating parent for %s: %w", full, err)
		}
		if err := e.fs.Symlink(hdr.Linkname, full); err != nil {
			return fmt.Errorf("creating symlink %s -> %s: %w", full, hdr.Linkname, err)
		}
		return nil

	default:
		// Hard links, devices, and pax headers have no place in a tool
		// distribution; skip them rather than fail.
		return nil
	}
}

// writeFile streams a regular file entry to disk, preserving permission
// bits through OpenFile and, when the filesystem supports it, an explicit
// chmod (creation honors the process umask).
func (e *TarGzExtractor) writeFile(r io.Reader, full string, perm os.FileMode) error {
	if err := e.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating parent for %s: %w", full, err)
	}

	file, err := e.fs.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", full, err)
	}

	_, copyErr := io.Copy(file, r)
	closeErr := file.Close()
	if copyErr != nil {
		if errors.Is(copyErr, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated entry %s", ErrCorruptArchive, full)
		}
		return fmt.Errorf("writing file %s: %w", full, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing file %s: %w", full, closeErr)
	}

	applyPerm(e.fs, full, perm)
	return nil
}

// entryPerm sanitizes archive mode bits: setuid/setgid are stripped and a
// zero mode falls back to a plain readable file.
func entryPerm(mode int64) os.FileMode {
	perm := os.FileMode(mode) & 0o777
	if perm == 0 {
		perm = 0o644
	}
	return perm
}

// applyPerm sets permission bits when the filesystem has a permission
// model; otherwise it is a no-op.
func applyPerm(fsys billy.Filesystem, path string, perm os.FileMode) {
	if ch, ok := fsys.(billy.Change); ok {
		_ = ch.Chmod(path, perm)
	}
}
