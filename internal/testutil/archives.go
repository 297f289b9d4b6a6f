// Package testutil builds small archive fixtures for tests, including
// hostile archives with path-traversal entries and escaping symlinks.
package testutil

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"time"
)

// Entry describes one archive member for fixture generation.
type Entry struct {
	// Name is the entry path within the archive.
	Name string

	// Body is the file content; ignored for directories and symlinks.
	Body []byte

	// Mode is the permission bits (e.g. 0o755 for executables).
	Mode int64

	// Dir marks the entry as a directory.
	Dir bool

	// Link, when non-empty, makes the entry a symlink to this target.
	Link string
}

// File returns a regular file entry with 0644 permissions.
func File(name string, body []byte) Entry {
	return Entry{Name: name, Body: body, Mode: 0o644}
}

// Executable returns a regular file entry with the executable bit set.
func Executable(name string, body []byte) Entry {
	return Entry{Name: name, Body: body, Mode: 0o755}
}

// Dir returns a directory entry.
func Dir(name string) Entry {
	return Entry{Name: name, Mode: 0o755, Dir: true}
}

// Symlink returns a symlink entry pointing at target.
func Symlink(name, target string) Entry {
	return Entry{Name: name, Mode: 0o777, Link: target}
}

// TarGz builds a gzip-compressed tar archive from the given entries.
func TarGz(entries ...Entry) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.Name,
			Mode:    e.Mode,
			ModTime: time.Now(),
		}
		switch {
		case e.Dir:
			hdr.Typeflag = tar.TypeDir
		case e.Link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.Link
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.Body))
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing header for %s: %w", e.Name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(e.Body); err != nil {
				return nil, fmt.Errorf("writing body for %s: %w", e.Name, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Zip builds a zip archive from the given entries. Symlinks are encoded the
// way standard tooling does: mode bits carry os.ModeSymlink and the file
// body holds the target path.
func Zip(entries ...Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, e := range entries {
		name := e.Name
		mode := os.FileMode(e.Mode)
		body := e.Body

		switch {
		case e.Dir:
			if name[len(name)-1] != '/' {
				name += "/"
			}
			mode |= os.ModeDir
			body = nil
		case e.Link != "":
			mode |= os.ModeSymlink
			body = []byte(e.Link)
		}

		hdr := &zip.FileHeader{
			Name:   name,
			Method: zip.Deflate,
		}
		hdr.SetMode(mode)

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("creating entry %s: %w", name, err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("writing entry %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
