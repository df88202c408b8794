package sanitize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathInsideRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "dir"), 0o755))

	got, err := ValidatePath("sub/dir", root)
	require.NoError(t, err)

	resolved, _ := filepath.EvalSymlinks(filepath.Join(root, "sub", "dir"))
	assert.Equal(t, resolved, got)
}

func TestValidatePathTraversal(t *testing.T) {
	root := t.TempDir()

	_, err := ValidatePath("../../etc/passwd", root)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ValidatePath("sub/../../../etc", root)
	assert.Error(t, err)
}

func TestValidatePathAbsoluteOutsideRoot(t *testing.T) {
	root := t.TempDir()

	_, err := ValidatePath("/etc/passwd", root)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ValidatePath(t.TempDir(), root)
	assert.Error(t, err, "sibling temp dir is outside the root")
}

func TestValidatePathSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, link))

	_, err := ValidatePath("escape/file.txt", root)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidatePathNonExistentLeaf(t *testing.T) {
	root := t.TempDir()

	// A file that does not exist yet is fine as long as it stays inside.
	got, err := ValidatePath("newfile.txt", root)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
}

func TestValidateProjectRoot(t *testing.T) {
	root := t.TempDir()

	got, err := ValidateProjectRoot(root)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	_, err = ValidateProjectRoot("")
	assert.Error(t, err)

	_, err = ValidateProjectRoot("/")
	assert.Error(t, err)

	for _, dir := range []string{"/etc", "/proc", "/sys", "/dev"} {
		_, err = ValidateProjectRoot(dir)
		assert.Error(t, err, "critical directory %s must be rejected as root", dir)
	}

	_, err = ValidateProjectRoot(filepath.Join(root, "missing"))
	assert.Error(t, err)

	file := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = ValidateProjectRoot(file)
	assert.Error(t, err)
}
