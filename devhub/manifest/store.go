package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestReadError is returned when the manifest file cannot be read or
// decoded. It is fatal only to the consumer that hit it; the next file event
// retries.
type ManifestReadError struct {
	Path string
	Err  error
}

func (e *ManifestReadError) Error() string {
	return fmt.Sprintf("failed to read manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestReadError) Unwrap() error {
	return e.Err
}

// Store persists a manifest at a fixed path.
type Store struct {
	Path string
}

// NewStore returns a store for the manifest at path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Read loads and validates the manifest from disk.
func (s *Store) Read() (*Manifest, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, &ManifestReadError{Path: s.Path, Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &ManifestReadError{Path: s.Path, Err: err}
	}
	if m.Version != FormatVersion {
		return nil, &ManifestReadError{Path: s.Path, Err: fmt.Errorf("unsupported manifest version %d", m.Version)}
	}
	if m.Apps == nil {
		m.Apps = []WorkerApp{}
	}
	if m.Schedules == nil {
		m.Schedules = []ScheduleDefinition{}
	}
	return &m, nil
}

// Write replaces the manifest on disk if, and only if, its canonical content
// differs from what is already there. It reports whether a write happened.
func (s *Store) Write(m *Manifest) (bool, error) {
	b, err := m.Marshal()
	if err != nil {
		return false, fmt.Errorf("failed to encode manifest: %w", err)
	}

	if existing, err := os.ReadFile(s.Path); err == nil && contentHash(existing) == contentHash(b) {
		return false, nil
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return false, fmt.Errorf("failed to create temporary manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to write temporary manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to close temporary manifest: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return false, fmt.Errorf("failed to replace manifest: %w", err)
	}
	return true, nil
}
