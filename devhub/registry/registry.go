// Package registry collects worker apps and scheduled jobs through explicit
// registration calls and turns them into a manifest. Nothing is registered
// implicitly: callers build a Registry, register handles, then call Build.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tomyedwab/devhub/devhub/manifest"
)

// ErrUnknownJob is returned when a function reference is not in the job table.
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is the body of a scheduled job. Everything written to out is
// captured into the run log, one entry per line.
type JobFunc func(ctx context.Context, out io.Writer) error

// AppSpec describes a worker app to register.
type AppSpec struct {
	UID    string // Optional; derived from Route when empty
	Name   string
	Route  string
	Script string
	Memory string
	CPU    string
}

// AppHandle identifies a registered app.
type AppHandle struct {
	UID   string
	Route string
}

// JobHandle identifies a registered job function.
type JobHandle struct {
	ID string
}

// ScheduleSpec describes how often a registered job runs.
type ScheduleSpec struct {
	Name            string
	Every           time.Duration
	CancelOnFailure bool
	RunImmediately  bool
}

// Registry is a builder for a manifest and the job table behind it.
type Registry struct {
	apps      []manifest.WorkerApp
	routes    map[string]bool
	table     *Table
	schedules []manifest.ScheduleDefinition
	names     map[string]bool
}

// New returns an empty registry whose job references resolve through base.
// A nil base starts from an empty table.
func New(base *Table) *Registry {
	table := NewTable()
	if base != nil {
		table = base.Clone()
	}
	return &Registry{
		routes: make(map[string]bool),
		table:  table,
		names:  make(map[string]bool),
	}
}

// RegisterApp adds a worker app. Routes must be unique.
func (r *Registry) RegisterApp(spec AppSpec) (AppHandle, error) {
	route, err := NormalizeRoute(spec.Route)
	if err != nil {
		return AppHandle{}, err
	}
	if r.routes[route] {
		return AppHandle{}, fmt.Errorf("route %s is already registered", route)
	}
	if spec.Script == "" {
		return AppHandle{}, fmt.Errorf("app %q has no script", spec.Name)
	}

	uid := spec.UID
	if uid == "" {
		uid = StableUID("app", route)
	}
	name := spec.Name
	if name == "" {
		name = strings.Trim(route, "/")
	}

	r.routes[route] = true
	r.apps = append(r.apps, manifest.WorkerApp{
		UID:    uid,
		Route:  route,
		Name:   name,
		Script: spec.Script,
		Memory: spec.Memory,
		CPU:    spec.CPU,
	})
	return AppHandle{UID: uid, Route: route}, nil
}

// RegisterJob adds a job function under a stable identifier.
func (r *Registry) RegisterJob(id string, fn JobFunc) (JobHandle, error) {
	if err := r.table.Register(id, fn); err != nil {
		return JobHandle{}, err
	}
	return JobHandle{ID: id}, nil
}

// Job returns a handle for a function reference the table can already
// resolve, including the script form.
func (r *Registry) Job(ref string) (JobHandle, error) {
	if _, err := r.table.Lookup(ref); err != nil {
		return JobHandle{}, err
	}
	return JobHandle{ID: ref}, nil
}

// Schedule registers a periodic run of a job. Schedule names must be unique.
func (r *Registry) Schedule(job JobHandle, spec ScheduleSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("schedule for job %s has no name", job.ID)
	}
	if r.names[spec.Name] {
		return fmt.Errorf("schedule %s is already registered", spec.Name)
	}
	if _, err := r.table.Lookup(job.ID); err != nil {
		return err
	}
	seconds := int(spec.Every / time.Second)
	if seconds <= 0 {
		return fmt.Errorf("schedule %s must run at least every second, got %v", spec.Name, spec.Every)
	}

	r.names[spec.Name] = true
	r.schedules = append(r.schedules, manifest.ScheduleDefinition{
		UID:             StableUID("schedule", spec.Name),
		Name:            spec.Name,
		Function:        job.ID,
		Seconds:         seconds,
		CancelOnFailure: spec.CancelOnFailure,
		RunImmediately:  spec.RunImmediately,
	})
	return nil
}

// Table returns the job table schedules in this registry resolve against.
func (r *Registry) Table() *Table {
	return r.table
}

// Build produces the manifest for everything registered so far, with ports
// assigned from basePort.
func (r *Registry) Build(basePort int) *manifest.Manifest {
	m := manifest.New()
	m.Apps = manifest.AssignPorts(r.apps, basePort)
	m.Schedules = append(m.Schedules, r.schedules...)
	return m
}

// NormalizeRoute turns "a", "/a" or "/a/" into "/a/".
func NormalizeRoute(route string) (string, error) {
	trimmed := strings.Trim(route, "/")
	if trimmed == "" {
		return "", fmt.Errorf("invalid route %q", route)
	}
	return "/" + trimmed + "/", nil
}

var uidNamespace = uuid.MustParse("6f1c7a44-3a0e-4d5e-9c55-2f4ab1c0de01")

// StableUID derives a deterministic identifier from a kind and a key, so the
// same source tree always yields the same uids.
func StableUID(kind, key string) string {
	return uuid.NewSHA1(uidNamespace, []byte(kind+":"+key)).String()
}
