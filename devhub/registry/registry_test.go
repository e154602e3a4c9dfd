package registry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, out io.Writer) error { return nil }

func TestRegistryBuild(t *testing.T) {
	r := New(nil)

	_, err := r.RegisterApp(AppSpec{Name: "beta", Route: "beta", Script: "/src/beta.py"})
	require.NoError(t, err)
	alpha, err := r.RegisterApp(AppSpec{Name: "alpha", Route: "/alpha/", Script: "/src/alpha.py"})
	require.NoError(t, err)
	assert.Equal(t, "/alpha/", alpha.Route)

	job, err := r.RegisterJob("cleanup", noop)
	require.NoError(t, err)
	require.NoError(t, r.Schedule(job, ScheduleSpec{Name: "cleanup-5s", Every: 5 * time.Second, RunImmediately: true}))

	m := r.Build(8501)
	require.Len(t, m.Apps, 2)
	assert.Equal(t, "/alpha/", m.Apps[0].Route)
	assert.Equal(t, 8501, m.Apps[0].Port)
	assert.Equal(t, "/beta/", m.Apps[1].Route)
	assert.Equal(t, 8502, m.Apps[1].Port)

	require.Len(t, m.Schedules, 1)
	assert.Equal(t, "cleanup", m.Schedules[0].Function)
	assert.Equal(t, 5, m.Schedules[0].Seconds)
	assert.True(t, m.Schedules[0].RunImmediately)
	assert.Equal(t, StableUID("schedule", "cleanup-5s"), m.Schedules[0].UID)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := New(nil)
	_, err := r.RegisterApp(AppSpec{Route: "/a/", Script: "a.py"})
	require.NoError(t, err)
	_, err = r.RegisterApp(AppSpec{Route: "a", Script: "other.py"})
	assert.Error(t, err)

	job, err := r.RegisterJob("j", noop)
	require.NoError(t, err)
	_, err = r.RegisterJob("j", noop)
	assert.Error(t, err)

	require.NoError(t, r.Schedule(job, ScheduleSpec{Name: "s", Every: time.Second}))
	assert.Error(t, r.Schedule(job, ScheduleSpec{Name: "s", Every: time.Second}))
	assert.Error(t, r.Schedule(job, ScheduleSpec{Name: "fast", Every: time.Millisecond}))
}

func TestRegistriesDoNotShareState(t *testing.T) {
	base := NewTable()
	require.NoError(t, base.Register("shared", noop))

	a := New(base)
	b := New(base)
	_, err := a.RegisterJob("only-a", noop)
	require.NoError(t, err)

	_, err = b.Table().Lookup("only-a")
	assert.True(t, errors.Is(err, ErrUnknownJob))
	_, err = b.Table().Lookup("shared")
	assert.NoError(t, err)
	_, err = base.Lookup("only-a")
	assert.True(t, errors.Is(err, ErrUnknownJob))
}

func TestStableUID(t *testing.T) {
	assert.Equal(t, StableUID("app", "/a/"), StableUID("app", "/a/"))
	assert.NotEqual(t, StableUID("app", "/a/"), StableUID("app", "/b/"))
	assert.NotEqual(t, StableUID("app", "x"), StableUID("schedule", "x"))
}

func TestNormalizeRoute(t *testing.T) {
	for _, in := range []string{"a", "/a", "a/", "/a/"} {
		got, err := NormalizeRoute(in)
		require.NoError(t, err)
		assert.Equal(t, "/a/", got)
	}
	_, err := NormalizeRoute("/")
	assert.Error(t, err)
}

func TestTableLookupScriptReference(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "job.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo first\necho second >&2\n"), 0755))

	table := NewTable()
	table.SetInterpreter("/bin/sh", dir)

	fn, err := table.Lookup(ScriptPrefix + script)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, fn(context.Background(), &out))
	assert.Contains(t, out.String(), "first\n")
	assert.Contains(t, out.String(), "second\n")
}

func TestScriptJobFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo boom\nexit 3\n"), 0755))

	var out bytes.Buffer
	err := ScriptJob("/bin/sh", script, dir)(context.Background(), &out)
	assert.Error(t, err)
	assert.Equal(t, "boom\n", out.String())
}
