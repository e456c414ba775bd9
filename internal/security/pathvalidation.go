// Package security holds checks for files the producer creates or
// truncates on behalf of another process.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a path resolves outside its directory.
var ErrPathEscape = errors.New("path escapes directory")

// ValidatePathWithinDirectory checks that filePath stays inside dir once
// "..", relative components and symlinks are resolved. A path that does not
// exist yet is resolved through its nearest existing parent, so a symlinked
// parent cannot redirect a file that is about to be created.
func ValidatePathWithinDirectory(filePath, dir string) error {
	canonicalPath, err := canonical(filePath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	canonicalDir, err := canonical(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}

	rel, err := filepath.Rel(canonicalDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathEscape, filePath)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscape, filePath, dir)
	}
	return nil
}

// maxLinks bounds symlink chains, matching the usual kernel limit.
const maxLinks = 40

// canonical returns the absolute, symlink-free form of path. A dangling
// symlink resolves to its target, and a missing final component is joined
// onto its parent's canonical form.
func canonical(path string) (string, error) {
	return canonicalDepth(path, 0)
}

func canonicalDepth(path string, depth int) (string, error) {
	if depth > maxLinks {
		return "", fmt.Errorf("too many levels of symbolic links: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	if fi, err := os.Lstat(abs); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(abs)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(abs), target)
		}
		return canonicalDepth(target, depth+1)
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		return abs, nil
	}
	p, err := canonicalDepth(parent, depth)
	if err != nil {
		return "", err
	}
	return filepath.Join(p, filepath.Base(abs)), nil
}
