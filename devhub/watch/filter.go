package watch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Filter decides which file paths produce change events.
type Filter interface {
	Match(path string) bool
}

// SourceFilter matches source files under Root. Everything under ExcludeDirs
// and every path in ExcludeFiles is ignored, which keeps the watcher from
// reacting to its own downstream writes.
type SourceFilter struct {
	Root         string
	Extensions   []string // e.g. ".py"
	IncludeFiles []string // Matched regardless of extension
	ExcludeDirs  []string
	ExcludeFiles []string
}

// Match implements Filter.
func (f SourceFilter) Match(path string) bool {
	path = absClean(path)
	if f.excludedDir(path) {
		return false
	}
	for _, excluded := range f.ExcludeFiles {
		if absClean(excluded) == path {
			return false
		}
	}
	for _, included := range f.IncludeFiles {
		if absClean(included) == path {
			return true
		}
	}

	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "#") {
		// Editor swap and lock files.
		return false
	}
	return slices.Contains(f.Extensions, filepath.Ext(base))
}

func (f SourceFilter) excludedDir(path string) bool {
	for _, dir := range f.ExcludeDirs {
		dir = absClean(dir)
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// SkipDir reports whether a directory should not be watched at all.
func (f SourceFilter) SkipDir(path string) bool {
	path = absClean(path)
	base := filepath.Base(path)
	if path != absClean(f.Root) && (strings.HasPrefix(base, ".") || base == "__pycache__" || base == "node_modules") {
		return true
	}
	return f.excludedDir(path)
}

// FileFilter matches exactly one file.
type FileFilter struct {
	Path string
}

// Match implements Filter.
func (f FileFilter) Match(path string) bool {
	return absClean(path) == absClean(f.Path)
}

func absClean(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// ContentGate remembers the content hash of one file so that a rewrite with
// identical bytes is not reported as a change.
type ContentGate struct {
	Path string

	mu   sync.Mutex
	last string
}

// NewContentGate returns a gate primed with the current content of path.
func NewContentGate(path string) *ContentGate {
	g := &ContentGate{Path: path}
	g.last, _ = g.hash()
	return g
}

// hash returns the hex sha256 of the file, or "" if it does not exist.
func (g *ContentGate) hash() (string, error) {
	b, err := os.ReadFile(g.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Changed reports whether the file content differs from the last observed
// content, and records the current content.
func (g *ContentGate) Changed() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := g.hash()
	if err != nil {
		return false, err
	}
	if current == g.last {
		return false, nil
	}
	g.last = current
	return true, nil
}
