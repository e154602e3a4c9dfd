// Package generate builds a manifest from a project source tree: one worker
// app per entrypoint file in the apps directory, plus the schedules declared in
// the schedules file.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomyedwab/devhub/devhub/manifest"
	"github.com/tomyedwab/devhub/devhub/registry"
)

// ScheduleEntry is one entry of the schedules file. Seconds is a whole
// number of seconds; fractional values fail to parse. RunImmediately
// defaults to true when the entry omits it.
type ScheduleEntry struct {
	Name            string `yaml:"name"`
	Job             string `yaml:"job"`
	Seconds         int    `yaml:"seconds"`
	CancelOnFailure bool   `yaml:"cancel_on_failure"`
	RunImmediately  *bool  `yaml:"run_immediately"`
}

// runImmediately resolves the omitted-means-true default.
func (e ScheduleEntry) runImmediately() bool {
	return e.RunImmediately == nil || *e.RunImmediately
}

type schedulesFile struct {
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// Scanner generates manifests from a source tree.
type Scanner struct {
	SourceDir     string
	AppsDir       string // Relative to SourceDir
	SchedulesFile string // Relative to SourceDir
	Extensions    []string
	BasePort      int
	Jobs          *registry.Table // Static job table; script references resolve on their own
	Logger        *slog.Logger
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a file stem into a route segment.
func Slug(name string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// Generate scans the source tree and returns the resulting manifest.
func (s *Scanner) Generate(ctx context.Context) (*manifest.Manifest, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	root, err := filepath.Abs(s.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source dir: %w", err)
	}
	reg := registry.New(s.Jobs)

	entrypoints, err := s.findEntrypoints(root)
	if err != nil {
		return nil, err
	}
	for _, path := range entrypoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, _ := filepath.Rel(root, path)
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		slug := Slug(stem)
		if slug == "" {
			logger.Warn("Skipping entrypoint with empty route", "path", rel)
			continue
		}
		_, err := reg.RegisterApp(registry.AppSpec{
			UID:    registry.StableUID("app", filepath.ToSlash(rel)),
			Name:   stem,
			Route:  slug,
			Script: path,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", rel, err)
		}
	}

	entries, err := s.readSchedules(root)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		job, err := reg.Job(entry.Job)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", entry.Name, err)
		}
		err = reg.Schedule(job, registry.ScheduleSpec{
			Name:            entry.Name,
			Every:           time.Duration(entry.Seconds) * time.Second,
			CancelOnFailure: entry.CancelOnFailure,
			RunImmediately:  entry.runImmediately(),
		})
		if err != nil {
			return nil, err
		}
	}

	m := reg.Build(s.BasePort)
	logger.Debug("Generated manifest", "apps", len(m.Apps), "schedules", len(m.Schedules))
	return m, nil
}

func (s *Scanner) findEntrypoints(root string) ([]string, error) {
	appsDir := filepath.Join(root, s.AppsDir)
	entries, err := os.ReadDir(appsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list apps dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		if !hasExtension(entry.Name(), s.Extensions) {
			continue
		}
		paths = append(paths, filepath.Join(appsDir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Scanner) readSchedules(root string) ([]ScheduleEntry, error) {
	if s.SchedulesFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(filepath.Join(root, s.SchedulesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules: %w", err)
	}
	var file schedulesFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schedules: %w", err)
	}
	for i := range file.Schedules {
		entry := &file.Schedules[i]
		// Script paths in the schedules file are relative to the source tree.
		if path, ok := strings.CutPrefix(entry.Job, registry.ScriptPrefix); ok && path != "" && !filepath.IsAbs(path) {
			entry.Job = registry.ScriptPrefix + filepath.Join(root, path)
		}
	}
	return file.Schedules, nil
}

func hasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
