// This file contains the zip extraction strategy.
package toolcache

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/jmgilman/go/toolcache/internal/validate"
)

// ZipExtractor expands zip archives with the same safety contract as
// TarGzExtractor: every entry is validated against the destination before
// anything is written. Symlinks are recognized through the external
// attribute mode bits, with the link target carried in the entry body.
type ZipExtractor struct {
	fs billy.Filesystem
}

// Extract implements Extractor for zip archives.
func (e *ZipExtractor) Extract(ctx context.Context, archivePath, destDir string) error {
	info, err := e.fs.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("stat archive %s: %w", archivePath, err)
	}

	file, err := e.fs.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer file.Close()

	zr, err := zip.NewReader(file, info.Size())
	if err != nil {
		return fmt.Errorf("%w: not a zip archive: %v", ErrCorruptArchive, err)
	}

	if err := e.fs.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating destination %s: %w", destDir, err)
	}

	v := validate.NewEntryValidator(destDir)
	for _, entry := range zr.File {
		if err := isDone(ctx); err != nil {
			return err
		}
		if err := e.extractEntry(entry, v); err != nil {
			return err
		}
	}
	return nil
}

// extractEntry writes a single zip entry beneath the validated destination.
func (e *ZipExtractor) extractEntry(entry *zip.File, v *validate.EntryValidator) error {
	mode := entry.Mode()

	switch {
	case mode.IsDir() || strings.HasSuffix(entry.Name, "/"):
		full, err := v.Resolve(strings.TrimSuffix(entry.Name, "/"))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsafeArchiveEntry, entry.Name, err)
		}
		if err := e.fs.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", full, err)
		}
		return nil

	case mode&os.ModeSymlink != 0:
		target, err := readZipEntry(entry)
		if err != nil {
			return err
		}
		if err := v.ValidateSymlink(entry.Name, target); err != nil {
			return fmt.Errorf("%w: %s -> %s: %v", ErrUnsafeArchiveEntry, entry.Name, target, err)
		}
		full, err := v.Resolve(entry.Name)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsafeArchiveEntry, entry.Name, err)
		}
		if err := e.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating parent for %s: %w", full, err)
		}
		if err := e.fs.Symlink(target, full); err != nil {
			return fmt.Errorf("creating symlink %s -> %s: %w", full, target, err)
		}
		return nil

	default:
		full, err := v.Resolve(entry.Name)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsafeArchiveEntry, entry.Name, err)
		}
		return e.writeFile(entry, full, entryPerm(int64(mode.Perm())))
	}
}

// writeFile streams one regular zip entry to disk.
func (e *ZipExtractor) writeFile(entry *zip.File, full string, perm os.FileMode) error {
	if err := e.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating parent for %s: %w", full, err)
	}

	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: opening entry %s: %v", ErrCorruptArchive, entry.Name, err)
	}
	defer rc.Close()

	file, err := e.fs.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", full, err)
	}

	_, copyErr := io.Copy(file, rc)
	closeErr := file.Close()
	if copyErr != nil {
		if errors.Is(copyErr, io.ErrUnexpectedEOF) || errors.Is(copyErr, zip.ErrChecksum) || errors.Is(copyErr, zip.ErrFormat) {
			return fmt.Errorf("%w: entry %s: %v", ErrCorruptArchive, entry.Name, copyErr)
		}
		return fmt.Errorf("writing file %s: %w", full, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing file %s: %w", full, closeErr)
	}

	applyPerm(e.fs, full, perm)
	return nil
}

// readZipEntry reads a small entry body fully, used for symlink targets.
func readZipEntry(entry *zip.File) (string, error) {
	rc, err := entry.Open()
	if err != nil {
		return "", fmt.Errorf("%w: opening entry %s: %v", ErrCorruptArchive, entry.Name, err)
	}
	defer rc.Close()

	target, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", fmt.Errorf("%w: reading entry %s: %v", ErrCorruptArchive, entry.Name, err)
	}
	return string(target), nil
}
