// Package workspace confines file writes to a designated output directory.
// Saved workflow outputs must never escape the directory the operator
// configured, regardless of what a run is named or what a model puts in a
// file extension.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guard validates that file paths stay within a single root directory.
type Guard struct {
	root string
}

// NewGuard creates a guard rooted at dir. The directory is created if it
// does not exist, then resolved to an absolute, symlink-free path so that
// boundary checks compare canonical forms.
func NewGuard(dir string) (*Guard, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory cannot be empty")
	}

	expanded, err := expandHome(dir)
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}

	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory symlinks: %w", err)
	}

	return &Guard{root: resolved}, nil
}

// Root returns the canonical root directory.
func (g *Guard) Root() string { return g.root }

// Join resolves name relative to the root and verifies the result stays
// inside it. Traversal sequences and absolute names are rejected.
func (g *Guard) Join(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("file name cannot be empty")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("file name %q must be relative", name)
	}

	path := filepath.Clean(filepath.Join(g.root, name))
	if !g.contains(path) {
		return "", fmt.Errorf("file name %q escapes the output directory", name)
	}
	return path, nil
}

// ValidatePath checks that a path, after resolving symlinks in its existing
// ancestors, lies within the root. The final components need not exist yet.
func (g *Guard) ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	expanded, err := expandHome(path)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return fmt.Errorf("failed to resolve path %q: %w", path, err)
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return err
	}
	if !g.contains(resolved) {
		return fmt.Errorf("path %q is outside the output directory", path)
	}
	return nil
}

func (g *Guard) contains(path string) bool {
	if path == g.root {
		return true
	}
	return strings.HasPrefix(path, g.root+string(filepath.Separator))
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and rejoins the remainder.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, remainder)), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to resolve %q: %w", path, err)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand ~: %w", err)
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
