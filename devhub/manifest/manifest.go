// Package manifest defines the generated snapshot of worker apps and schedules
// that every devhub watcher consumes, along with deterministic port assignment
// and an on-disk store that suppresses no-op rewrites.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// FormatVersion is written into every manifest. Readers reject other versions.
const FormatVersion = 1

// WorkerApp describes one routed sub-application served by its own process.
type WorkerApp struct {
	UID    string `json:"uid"`
	Route  string `json:"route"` // Mount prefix, always of the form "/<slug>/"
	Name   string `json:"name"`
	Script string `json:"script"` // Absolute path of the entrypoint the worker runs
	Memory string `json:"memory,omitempty"`
	CPU    string `json:"cpu,omitempty"`
	Port   int    `json:"port"`
}

// Key returns the identity of the app: at most one process exists per key.
func (a WorkerApp) Key() string {
	return a.UID + "|" + a.Route
}

// SameLaunch reports whether a process started for a can keep serving b.
func (a WorkerApp) SameLaunch(b WorkerApp) bool {
	return a.Key() == b.Key() && a.Port == b.Port && a.Script == b.Script
}

// ScheduleDefinition is the immutable description of a periodic job.
type ScheduleDefinition struct {
	UID             string `json:"uid"`
	Name            string `json:"name"`
	Function        string `json:"function"` // Stable job identifier resolved through the job table
	Seconds         int    `json:"seconds"`
	CancelOnFailure bool   `json:"cancel_on_failure"`
	RunImmediately  bool   `json:"run_immediately"`
}

// Interval returns the period of the schedule.
func (d ScheduleDefinition) Interval() time.Duration {
	return time.Duration(d.Seconds) * time.Second
}

// Manifest is a versioned snapshot of the desired apps and schedules.
type Manifest struct {
	Version   int                  `json:"version"`
	Apps      []WorkerApp          `json:"apps"`
	Schedules []ScheduleDefinition `json:"schedules"`
}

// New returns an empty manifest of the current format version.
func New() *Manifest {
	return &Manifest{
		Version:   FormatVersion,
		Apps:      []WorkerApp{},
		Schedules: []ScheduleDefinition{},
	}
}

// Marshal returns the canonical encoding of the manifest. Two structurally
// equal manifests always marshal to identical bytes.
func (m *Manifest) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Hash returns the hex sha256 of the canonical encoding.
func (m *Manifest) Hash() (string, error) {
	b, err := m.Marshal()
	if err != nil {
		return "", err
	}
	return contentHash(b), nil
}

// Equal reports whether two manifests are structurally identical.
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, errA := m.Hash()
	b, errB := other.Hash()
	return errA == nil && errB == nil && a == b
}

// AppByRoute returns the app mounted at route, if any.
func (m *Manifest) AppByRoute(route string) (WorkerApp, bool) {
	for _, app := range m.Apps {
		if app.Route == route {
			return app, true
		}
	}
	return WorkerApp{}, false
}

// AssignPorts returns a copy of apps sorted by route (ties broken by UID) with
// consecutive ports starting at base. The mapping depends only on the set of
// routes, never on input order, so proxy paths stay stable across
// regenerations unless the route set itself changes.
func AssignPorts(apps []WorkerApp, base int) []WorkerApp {
	out := make([]WorkerApp, len(apps))
	copy(out, apps)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Route == out[j].Route {
			return out[i].UID < out[j].UID
		}
		return out[i].Route < out[j].Route
	})
	for i := range out {
		out[i].Port = base + i
	}
	return out
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
