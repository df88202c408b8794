package sanitize

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// criticalDirs are rejected even when nominally inside an overly broad
// project root.
var criticalDirs = []string{
	"/etc",
	"/proc",
	"/sys",
	"/dev",
	"/boot",
	"/root",
}

// ValidatePath resolves candidate to an absolute, symlink-free path and
// requires it to be a descendant of projectRoot. Relative candidates are
// resolved against projectRoot.
func ValidatePath(candidate, projectRoot string) (string, error) {
	if candidate == "" {
		return "", fmt.Errorf("%w: path is empty", ErrValidation)
	}
	if strings.ContainsRune(candidate, 0) {
		return "", fmt.Errorf("%w: path contains null byte", ErrValidation)
	}

	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return "", fmt.Errorf("%w: invalid project root: %v", ErrValidation, err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	path := candidate
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	// Resolve symlinks on the deepest existing ancestor so a link cannot
	// smuggle the path outside the root.
	resolved, err := resolveExisting(path)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve path: %v", ErrValidation, err)
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes project root", ErrValidation)
	}

	if resolved == "/" {
		return "", fmt.Errorf("%w: path resolves to filesystem root", ErrValidation)
	}
	for _, dir := range criticalDirs {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: path touches protected directory %s", ErrValidation, dir)
		}
	}

	return resolved, nil
}

// ValidateProjectRoot checks that a directory is usable as a session root.
func ValidateProjectRoot(projectRoot string) (string, error) {
	if projectRoot == "" {
		return "", fmt.Errorf("%w: project root is empty", ErrValidation)
	}

	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return "", fmt.Errorf("%w: invalid project root: %v", ErrValidation, err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("%w: project root does not exist", ErrValidation)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: project root is not a directory", ErrValidation)
	}

	if root == "/" {
		return "", fmt.Errorf("%w: project root cannot be filesystem root", ErrValidation)
	}
	for _, dir := range criticalDirs {
		if root == dir || strings.HasPrefix(root, dir+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: project root inside protected directory %s", ErrValidation, dir)
		}
	}

	return root, nil
}

// resolveExisting resolves symlinks along path, tolerating a non-existent
// final segment by resolving the deepest existing ancestor instead.
func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir, base := filepath.Split(filepath.Clean(path))
	dir = filepath.Clean(dir)
	if dir == path {
		return "", err
	}

	resolvedDir, err := resolveExisting(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}
