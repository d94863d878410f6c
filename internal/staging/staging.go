// Package staging manages the local scratch files transfers pass through.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Area hands out staging paths under a root directory. Each file gets its
// own directory so concurrent transfers never collide on a name.
type Area struct {
	root string
}

// NewArea creates root if needed.
func NewArea(root string) (*Area, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create staging root %s: %w", root, err)
	}
	return &Area{root: root}, nil
}

// Root returns the staging root.
func (a *Area) Root() string { return a.root }

// NewFile reserves root/<uuid>/name and returns its path. The file itself
// is not created.
func (a *Area) NewFile(name string) (string, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid staging file name %q", name)
	}
	dir := filepath.Join(a.root, uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	return filepath.Join(dir, name), nil
}

// Contains reports whether path lies inside the staging root.
func (a *Area) Contains(path string) bool {
	rel, err := filepath.Rel(a.root, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// Remove deletes path and, when it sits in its own staging directory, that
// directory too. A missing file is not an error.
func (a *Area) Remove(path string) error {
	if path == "" {
		return nil
	}
	if !a.Contains(path) {
		return fmt.Errorf("refusing to remove %s outside staging root %s", path, a.root)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if dir != filepath.Clean(a.root) {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}
