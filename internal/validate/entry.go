// Package validate checks archive entry names and symlink targets so that
// extraction can never write outside its destination directory. It rejects
// absolute paths, parent-directory escapes, and symlinks whose resolved
// target leaves the extraction root.
package validate

import (
	"fmt"
	"path/filepath"
	"strings"
)

// EntryValidator validates archive entry paths against an extraction root.
// Unlike validators for untrusted web input, it permits hidden files and
// non-ASCII names: both occur legitimately in tool distributions. The only
// concern is containment within Root.
type EntryValidator struct {
	// Root is the extraction root directory every resolved entry path must
	// stay inside.
	Root string
}

// NewEntryValidator creates a validator for the given extraction root.
func NewEntryValidator(root string) *EntryValidator {
	return &EntryValidator{Root: filepath.Clean(root)}
}

// ValidatePath checks that an archive entry name is safe to resolve under
// the extraction root. It rejects empty names, NUL bytes, absolute paths
// (including Windows drive and UNC forms), and any name whose cleaned form
// escapes upward.
func (v *EntryValidator) ValidatePath(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty entry name")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("NUL byte in entry name: %q", name)
	}
	if isAbsolute(name) {
		return fmt.Errorf("absolute entry path: %s", name)
	}
	if escapesRoot(name) {
		return fmt.Errorf("entry path escapes destination: %s", name)
	}
	return nil
}

// Resolve validates an entry name and returns its final destination path
// under the extraction root. The returned path is guaranteed to be Root
// itself or a descendant of it.
func (v *EntryValidator) Resolve(name string) (string, error) {
	if err := v.ValidatePath(name); err != nil {
		return "", err
	}

	full := filepath.Clean(filepath.Join(v.Root, filepath.FromSlash(name)))
	if full != v.Root && !strings.HasPrefix(full, v.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("entry path escapes destination: %s", name)
	}
	return full, nil
}

// ValidateSymlink checks that a symlink entry, once created at linkName and
// resolved relative to its own directory, still points inside the
// extraction root. Absolute targets are always rejected; relative targets
// are allowed as long as they stay within Root.
func (v *EntryValidator) ValidateSymlink(linkName, target string) error {
	if err := v.ValidatePath(linkName); err != nil {
		return err
	}
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("empty symlink target: %s", linkName)
	}
	if isAbsolute(target) {
		return fmt.Errorf("symlink target is absolute: %s -> %s", linkName, target)
	}

	// Resolve the target relative to the directory containing the link,
	// then ensure the result stays under the root.
	linkDir := filepath.Dir(filepath.FromSlash(linkName))
	resolved := filepath.Clean(filepath.Join(v.Root, linkDir, filepath.FromSlash(target)))
	if resolved != v.Root && !strings.HasPrefix(resolved, v.Root+string(filepath.Separator)) {
		return fmt.Errorf("symlink target escapes destination: %s -> %s", linkName, target)
	}
	return nil
}

// escapesRoot reports whether a relative entry name climbs above its root
// once cleaned. Both slash styles are considered since archives built on
// Windows may carry backslash separators.
func escapesRoot(name string) bool {
	cleaned := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(name, "\\", "/")))
	return cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator))
}

// isAbsolute reports whether a path is absolute on any platform, covering
// POSIX roots, Windows drive letters, and UNC shares regardless of the OS
// the archive was built on.
func isAbsolute(path string) bool {
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return true
	}
	if len(path) >= 3 && path[1] == ':' && (path[2] == '\\' || path[2] == '/') {
		drive := path[0]
		if (drive >= 'A' && drive <= 'Z') || (drive >= 'a' && drive <= 'z') {
			return true
		}
	}
	return strings.HasPrefix(path, "\\\\")
}
