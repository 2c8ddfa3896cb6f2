// Package catalog lists and reads submission documents from a directory.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Ext is the extension of submission documents.
const Ext = ".xml"

// ErrNotFound is returned by Read for missing or out-of-directory names.
// It matches fs.ErrNotExist.
var ErrNotFound = fmt.Errorf("submission %w", fs.ErrNotExist)

// Dir is a catalog backed by a flat directory of XML files.
type Dir struct {
	path   string
	logger log.Logger

	mu      sync.Mutex
	cached  []string
	valid   bool
	watched bool
}

// New returns a catalog rooted at path. The directory does not need to exist
// yet; listing an absent directory yields no submissions.
func New(path string, logger log.Logger) *Dir {
	if logger == nil {
		panic(xerrors.New("logger is required"))
	}
	return &Dir{path: path, logger: logger}
}

// Path returns the directory the catalog reads from.
func (d *Dir) Path() string { return d.path }

// List returns the submission file names, sorted. Listing errors are logged
// and reported as an empty catalog.
func (d *Dir) List(ctx context.Context) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watched && d.valid {
		return append([]string(nil), d.cached...)
	}

	names, err := scan(d.path)
	if err != nil {
		d.logger.Warn(ctx, "list submissions failed", "dir", d.path, "err", err)
		return []string{}
	}
	if d.watched {
		d.cached, d.valid = names, true
	}
	return append([]string(nil), names...)
}

func scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if isSubmission(e.Name()) && !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func isSubmission(name string) bool {
	return strings.HasSuffix(name, Ext) && !strings.HasPrefix(name, ".")
}

// Read returns the content of the named submission.
func (d *Dir) Read(_ context.Context, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	b, err := os.ReadFile(filepath.Join(d.path, name)) //nolint:gosec // name is a bare file name inside d.path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("read submission %s: %w", name, err)
	}
	return string(b), nil
}

func (d *Dir) invalidate() {
	d.mu.Lock()
	d.valid = false
	d.cached = nil
	d.mu.Unlock()
}

func (d *Dir) setWatched(on bool) {
	d.mu.Lock()
	d.watched = on
	d.valid = false
	d.cached = nil
	d.mu.Unlock()
}

// Watch caches the listing and drops the cache whenever a submission file
// is created, removed or renamed. It blocks until ctx is done or the watcher
// fails; in both cases the catalog goes back to scanning on every List.
func (d *Dir) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(d.path); err != nil {
		return fmt.Errorf("watch %s: %w", d.path, err)
	}

	d.setWatched(true)
	defer d.setWatched(false)
	d.logger.Info(ctx, "watching submissions", "dir", d.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isSubmission(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				d.invalidate()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn(ctx, "submission watcher error", "dir", d.path, "err", werr)
			d.invalidate()
		}
	}
}
