package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleManifest() *Manifest {
	m := New()
	m.Apps = AssignPorts([]WorkerApp{
		{UID: "u-b", Route: "/b/", Name: "b", Script: "/src/pages/b.py"},
		{UID: "u-a", Route: "/a/", Name: "a", Script: "/src/pages/a.py"},
	}, 8501)
	m.Schedules = []ScheduleDefinition{
		{UID: "s-1", Name: "nightly", Function: "cleanup", Seconds: 5, RunImmediately: true},
	}
	return m
}

func TestAssignPortsIsOrderIndependent(t *testing.T) {
	apps := []WorkerApp{
		{UID: "1", Route: "/zeta/"},
		{UID: "2", Route: "/alpha/"},
		{UID: "3", Route: "/mid/"},
	}
	reversed := []WorkerApp{apps[2], apps[0], apps[1]}

	portsOf := func(in []WorkerApp) map[string]int {
		out := map[string]int{}
		for _, app := range AssignPorts(in, 9000) {
			out[app.Route] = app.Port
		}
		return out
	}

	first := portsOf(apps)
	assert.Equal(t, first, portsOf(reversed))
	assert.Equal(t, map[string]int{"/alpha/": 9000, "/mid/": 9001, "/zeta/": 9002}, first)
}

func TestAssignPortsDoesNotMutateInput(t *testing.T) {
	apps := []WorkerApp{{UID: "1", Route: "/b/"}, {UID: "2", Route: "/a/"}}
	AssignPorts(apps, 100)
	assert.Equal(t, "/b/", apps[0].Route)
	assert.Zero(t, apps[0].Port)
}

func TestAssignPortsTieBreak(t *testing.T) {
	out := AssignPorts([]WorkerApp{{UID: "b", Route: "/x/"}, {UID: "a", Route: "/x/"}}, 10)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].UID)
	assert.Equal(t, 10, out[0].Port)
	assert.Equal(t, 11, out[1].Port)
}

func TestWorkerAppIdentity(t *testing.T) {
	a := WorkerApp{UID: "u", Route: "/a/", Port: 1, Script: "a.py"}
	b := a
	assert.True(t, a.SameLaunch(b))

	b.Port = 2
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.SameLaunch(b))
}

func TestManifestEqual(t *testing.T) {
	a := sampleManifest()
	b := sampleManifest()
	assert.True(t, a.Equal(b))

	b.Schedules[0].Seconds = 10
	assert.False(t, a.Equal(b))
}

func TestStoreWriteSkipsIdenticalContent(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "build", "manifest.json"))

	changed, err := store.Write(sampleManifest())
	require.NoError(t, err)
	assert.True(t, changed)

	info, err := os.Stat(store.Path)
	require.NoError(t, err)

	changed, err = store.Write(sampleManifest())
	require.NoError(t, err)
	assert.False(t, changed, "second write of identical manifest must be a no-op")

	after, err := os.Stat(store.Path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())

	m := sampleManifest()
	m.Apps = m.Apps[:1]
	changed, err = store.Write(m)
	require.NoError(t, err)
	assert.True(t, changed)

	read, err := store.Read()
	require.NoError(t, err)
	assert.True(t, read.Equal(m))
}

func TestStoreReadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewStore(filepath.Join(dir, "missing.json")).Read()
	var readErr *ManifestReadError
	require.True(t, errors.As(err, &readErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = NewStore(bad).Read()
	assert.True(t, errors.As(err, &readErr))

	wrongVersion := filepath.Join(dir, "v2.json")
	require.NoError(t, os.WriteFile(wrongVersion, []byte(`{"version": 2}`), 0644))
	_, err = NewStore(wrongVersion).Read()
	assert.True(t, errors.As(err, &readErr))
}
