package validate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryValidator_ValidatePath_Safe(t *testing.T) {
	v := NewEntryValidator("/cache/extract")

	safe := []string{
		"bin/node",
		"lib/node_modules/npm/README.md",
		".hidden",
		"dir/.config",
		"name with spaces.txt",
		"unicodé/файл.txt",
		"a/b/../c", // cleans to a/c, still inside
	}

	for _, name := range safe {
		t.Run("safe_"+name, func(t *testing.T) {
			assert.NoError(t, v.ValidatePath(name))
		})
	}
}

func TestEntryValidator_ValidatePath_Unsafe(t *testing.T) {
	v := NewEntryValidator("/cache/extract")

	unsafe := []string{
		"",
		"   ",
		"../evil",
		"../../etc/passwd",
		"a/../../evil",
		"..",
		"/etc/passwd",
		"C:\\Windows\\System32\\evil.dll",
		"c:/windows/evil",
		"\\\\server\\share\\evil",
		"bad\x00name",
		"..\\escape",
	}

	for _, name := range unsafe {
		t.Run("unsafe_"+name, func(t *testing.T) {
			assert.Error(t, v.ValidatePath(name))
		})
	}
}

func TestEntryValidator_Resolve(t *testing.T) {
	root := filepath.Join("/cache", "extract")
	v := NewEntryValidator(root)

	full, err := v.Resolve("bin/node")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "bin", "node"), full)

	// Interior .. segments clean to a contained path.
	full, err = v.Resolve("a/b/../c")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "c"), full)

	_, err = v.Resolve("../../evil")
	assert.Error(t, err)

	_, err = v.Resolve("/etc/passwd")
	assert.Error(t, err)
}

func TestEntryValidator_ValidateSymlink(t *testing.T) {
	v := NewEntryValidator("/cache/extract")

	// Relative targets that stay inside the root are fine, even through
	// parent segments.
	assert.NoError(t, v.ValidateSymlink("bin/node", "node-18.4.0"))
	assert.NoError(t, v.ValidateSymlink("bin/node", "../lib/node"))
	assert.NoError(t, v.ValidateSymlink("a/b/c/link", "../../target"))

	// Absolute targets are always rejected.
	assert.Error(t, v.ValidateSymlink("bin/node", "/usr/bin/node"))
	assert.Error(t, v.ValidateSymlink("bin/node", "C:\\tools\\node.exe"))

	// Relative targets that resolve above the root are rejected.
	assert.Error(t, v.ValidateSymlink("link", "../outside"))
	assert.Error(t, v.ValidateSymlink("bin/link", "../../outside"))
	assert.Error(t, v.ValidateSymlink("link", "a/../../outside"))

	// The link name itself must also be safe.
	assert.Error(t, v.ValidateSymlink("../link", "target"))
	assert.Error(t, v.ValidateSymlink("link", ""))
}
