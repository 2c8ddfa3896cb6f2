// Package filestore persists triage records as flat JSON files in a directory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/linnemanlabs/underwrite/internal/triage"
)

// Store writes one file per record under dir.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory records are written to.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("filestore: invalid record name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// Write replaces the record file atomically: content goes to a temp file in
// the same directory which is then renamed over the target.
func (s *Store) Write(_ context.Context, name string, content []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op after a successful rename

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil { //nolint:gosec // records are meant to be readable
		return fmt.Errorf("filestore: chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("filestore: rename %s: %w", name, err)
	}
	return nil
}

// Read returns the content of a record file.
func (s *Store) Read(_ context.Context, name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", triage.ErrRecordNotFound, err)
	}
	b, err := os.ReadFile(p) //nolint:gosec // path is confined to s.dir above
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", triage.ErrRecordNotFound, name)
		}
		return nil, fmt.Errorf("filestore: read %s: %w", name, err)
	}
	return b, nil
}
