// Package security guards file access requested by API clients.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideDirectory is returned when a requested path escapes its root.
var ErrOutsideDirectory = errors.New("path escapes data directory")

// ResolveWithin resolves a client supplied relative name against root and
// returns the canonical path. Absolute names, ".." traversal and symlinks
// that lead outside root are rejected with ErrOutsideDirectory.
func ResolveWithin(root, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideDirectory)
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s is absolute", ErrOutsideDirectory, name)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data directory: %w", err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data directory symlinks: %w", err)
	}

	target := filepath.Join(canonicalRoot, filepath.Clean(name))
	canonical := target
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		canonical = resolved
	} else {
		// The file may not exist yet; resolve the nearest existing parent so a
		// symlinked directory cannot smuggle the path out.
		check := target
		for {
			parent := filepath.Dir(check)
			if parent == check {
				break
			}
			if resolved, err := filepath.EvalSymlinks(parent); err == nil {
				rel, _ := filepath.Rel(parent, target)
				canonical = filepath.Join(resolved, rel)
				break
			}
			check = parent
		}
	}

	rel, err := filepath.Rel(canonicalRoot, canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOutsideDirectory, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideDirectory, name)
	}
	return canonical, nil
}
