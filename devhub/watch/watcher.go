// Package watch turns file system notifications into lazy sequences of
// coalesced change events.
package watch

import (
	"context"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultSettle = 200 * time.Millisecond

// Change is a burst of file events coalesced into one unit of work.
type Change struct {
	Paths []string
	At    time.Time
}

// Watcher observes a set of directories and yields filtered changes.
type Watcher struct {
	name      string
	roots     []string
	recursive bool
	filter    Filter
	skipDir   func(path string) bool
	gate      *ContentGate
	settle    time.Duration
	logger    *slog.Logger
	used      atomic.Bool
}

// NewSourceWatcher watches the whole tree under filter.Root.
func NewSourceWatcher(filter SourceFilter, settle time.Duration, logger *slog.Logger) *Watcher {
	return newWatcher("source", []string{filter.Root}, true, filter, filter.SkipDir, nil, settle, logger)
}

// NewManifestWatcher watches a single file through its parent directory, so
// atomic replacement by rename is observed. Rewrites with identical content
// are suppressed.
func NewManifestWatcher(path string, settle time.Duration, logger *slog.Logger) *Watcher {
	return newWatcher("manifest", []string{filepath.Dir(path)}, false, FileFilter{Path: path}, nil, NewContentGate(path), settle, logger)
}

func newWatcher(name string, roots []string, recursive bool, filter Filter, skipDir func(string) bool, gate *ContentGate, settle time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if settle == 0 {
		settle = defaultSettle
	}
	if skipDir == nil {
		skipDir = func(string) bool { return false }
	}
	return &Watcher{
		name:      name,
		roots:     roots,
		recursive: recursive,
		filter:    filter,
		skipDir:   skipDir,
		gate:      gate,
		settle:    settle,
		logger:    logger.With("component", "Watcher", "watcher", name),
	}
}

// Changes returns the change sequence. It ends only when ctx is done and can
// be ranged over once; later calls yield nothing. The next file event is
// not consumed until the loop body for the previous change has returned, and
// events that arrive meanwhile are coalesced into the following change.
func (w *Watcher) Changes(ctx context.Context) iter.Seq[Change] {
	return func(yield func(Change) bool) {
		if !w.used.CompareAndSwap(false, true) {
			w.logger.Warn("Change sequence already consumed")
			return
		}

		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Error("Failed to create file watcher", "error", err)
			return
		}
		defer fsw.Close()

		for _, root := range w.roots {
			if err := os.MkdirAll(root, 0755); err != nil {
				w.logger.Error("Failed to create watched directory", "path", root, "error", err)
				return
			}
			w.add(fsw, root)
		}
		w.logger.Info("Watching for changes", "roots", w.roots, "recursive", w.recursive)

		for {
			change, ok := w.next(ctx, fsw)
			if !ok {
				return
			}
			if w.gate != nil {
				changed, err := w.gate.Changed()
				if err != nil {
					w.logger.Warn("Failed to hash watched file", "path", w.gate.Path, "error", err)
					continue
				}
				if !changed {
					w.logger.Debug("Ignoring rewrite with identical content", "path", w.gate.Path)
					continue
				}
			}
			w.logger.Debug("Change detected", "paths", change.Paths)
			if !yield(change) {
				return
			}
		}
	}
}

// add registers dir, and its subdirectories when recursive.
func (w *Watcher) add(fsw *fsnotify.Watcher, dir string) {
	if !w.recursive {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("Failed to watch directory", "path", dir, "error", err)
		}
		return
	}
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if w.skipDir(path) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// next blocks until a matching event arrives, then keeps collecting events
// until none arrives for the settle window.
func (w *Watcher) next(ctx context.Context, fsw *fsnotify.Watcher) (Change, bool) {
	var change Change
	var settled <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return Change{}, false
		case err, ok := <-fsw.Errors:
			if !ok {
				return Change{}, false
			}
			w.logger.Warn("File watcher error", "error", err)
		case event, ok := <-fsw.Events:
			if !ok {
				return Change{}, false
			}
			if w.recursive && event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.add(fsw, event.Name)
				}
			}
			if event.Has(fsnotify.Chmod) || !w.filter.Match(event.Name) {
				continue
			}
			if !slices.Contains(change.Paths, event.Name) {
				change.Paths = append(change.Paths, event.Name)
			}
			settled = time.After(w.settle)
		case <-settled:
			change.At = time.Now()
			return change, true
		}
	}
}
