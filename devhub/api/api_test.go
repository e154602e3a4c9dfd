package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/devhub/devhub/manifest"
	"github.com/tomyedwab/devhub/devhub/processes"
	"github.com/tomyedwab/devhub/devhub/runlog"
	"github.com/tomyedwab/devhub/devhub/scheduler"
)

type fakeProcesses struct {
	statuses []processes.Status
	logs     map[string][]processes.ProcessLogEntry
	gotSince int64
	gotLimit int
}

func (f *fakeProcesses) Processes() []processes.Status { return f.statuses }

func (f *fakeProcesses) Logs(uid string, sinceID int64, limit int) ([]processes.ProcessLogEntry, error) {
	f.gotSince, f.gotLimit = sinceID, limit
	entries, ok := f.logs[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", processes.ErrNotRunning, uid)
	}
	return entries, nil
}

type fakeJobs []scheduler.JobStatus

func (f fakeJobs) Jobs() []scheduler.JobStatus { return f }

type fakeManifest struct {
	m   *manifest.Manifest
	err error
}

func (f fakeManifest) Read() (*manifest.Manifest, error) { return f.m, f.err }

func setupTestStore(t *testing.T) *runlog.Store {
	t.Helper()
	store, err := runlog.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"), rec.Body.String())
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthz(t *testing.T) {
	h := NewHandler(Config{Processes: &fakeProcesses{}, Jobs: fakeJobs{}})
	rec := get(t, h, "/_devhub/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, rec))
}

func TestAppsAndLogs(t *testing.T) {
	procs := &fakeProcesses{
		statuses: []processes.Status{
			{UID: "u1", Name: "sales", Route: "/sales/", Port: 8501, PID: 42, State: "Running"},
		},
		logs: map[string][]processes.ProcessLogEntry{
			"u1": {{ID: 7, Source: "stdout", Message: "hello", PID: 42}},
		},
	}
	h := NewHandler(Config{Processes: procs, Jobs: fakeJobs{}})

	rec := get(t, h, "/_devhub/apps")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, procs.statuses, decode[[]processes.Status](t, rec))

	rec = get(t, h, "/_devhub/apps/u1/logs?since=3&limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]processes.ProcessLogEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Message)
	assert.Equal(t, int64(3), procs.gotSince)
	assert.Equal(t, 5, procs.gotLimit)

	get(t, h, "/_devhub/apps/u1/logs?limit=50000")
	assert.Equal(t, maxLimit, procs.gotLimit)
	get(t, h, "/_devhub/apps/u1/logs")
	assert.Equal(t, defaultLogLimit, procs.gotLimit)

	rec = get(t, h, "/_devhub/apps/nope/logs")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, h, "/_devhub/apps/u1/logs?since=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsAndRuns(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2"} {
		run := runlog.Run{ID: id, JobUID: "j1", JobName: "refresh", Start: start.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, store.CreateRun(ctx, run))
	}
	require.NoError(t, store.AppendLog(ctx, "r2", runlog.LogLine{Time: start, Text: "fetched 3 rows"}))
	end := start.Add(90 * time.Second)
	require.NoError(t, store.FinishRun(ctx, runlog.Run{ID: "r2", JobUID: "j1", JobName: "refresh", Start: start.Add(time.Minute), End: &end, Duration: 30, Success: true}))

	jobs := fakeJobs{{UID: "j1", Name: "refresh", Function: "refresh", Seconds: 60, Runs: 2}}
	h := NewHandler(Config{Processes: &fakeProcesses{}, Jobs: jobs, History: store})

	rec := get(t, h, "/_devhub/jobs")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []scheduler.JobStatus(jobs), decode[[]scheduler.JobStatus](t, rec))

	rec = get(t, h, "/_devhub/jobs/j1/runs?limit=1")
	assert.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]runlog.Run](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)
	assert.True(t, runs[0].Success)

	rec = get(t, h, "/_devhub/runs")
	assert.Len(t, decode[[]runlog.Run](t, rec), 2)

	rec = get(t, h, "/_devhub/runs/r2")
	assert.Equal(t, http.StatusOK, rec.Code)
	detail := decode[RunDetail](t, rec)
	assert.Equal(t, "refresh", detail.JobName)
	require.Len(t, detail.Logs, 1)
	assert.Equal(t, "fetched 3 rows", detail.Logs[0].Text)

	rec = get(t, h, "/_devhub/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsWithoutHistory(t *testing.T) {
	h := NewHandler(Config{Processes: &fakeProcesses{}, Jobs: fakeJobs{}})
	assert.Equal(t, http.StatusNotFound, get(t, h, "/_devhub/jobs/j1/runs").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/_devhub/runs/r1").Code)
}

func TestManifest(t *testing.T) {
	m := manifest.New()
	m.Apps = []manifest.WorkerApp{{UID: "u1", Route: "/a/", Name: "a", Script: "a.py", Port: 8501}}

	h := NewHandler(Config{Processes: &fakeProcesses{}, Jobs: fakeJobs{}, Manifest: fakeManifest{m: m}})
	rec := get(t, h, "/_devhub/manifest")
	assert.Equal(t, http.StatusOK, rec.Code)
	got := decode[manifest.Manifest](t, rec)
	assert.Equal(t, m.Apps, got.Apps)

	h = NewHandler(Config{Processes: &fakeProcesses{}, Jobs: fakeJobs{}, Manifest: fakeManifest{err: errors.New("no manifest yet")}})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/_devhub/manifest").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewHandler(Config{Processes: &fakeProcesses{}, Jobs: fakeJobs{}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_devhub/apps", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMethodNotAllowedOnParameterizedRoutes(t *testing.T) {
	h := NewHandler(Config{Processes: &fakeProcesses{}, Jobs: fakeJobs{}})
	for _, path := range []string{"/_devhub/healthz", "/_devhub/apps/u1/logs", "/_devhub/runs/r1"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
	assert.Equal(t, http.StatusNotFound, get(t, h, "/_devhub/nothing").Code)
}
