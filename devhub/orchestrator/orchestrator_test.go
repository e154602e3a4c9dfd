package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/devhub/devhub/api"
	"github.com/tomyedwab/devhub/devhub/generate"
	"github.com/tomyedwab/devhub/devhub/manifest"
	"github.com/tomyedwab/devhub/devhub/processes"
	"github.com/tomyedwab/devhub/devhub/proxy"
	"github.com/tomyedwab/devhub/devhub/registry"
	"github.com/tomyedwab/devhub/devhub/runlog"
	"github.com/tomyedwab/devhub/devhub/scheduler"
	"github.com/tomyedwab/devhub/devhub/watch"
)

const healthyWorker = `echo "listening on $1"
exec sleep 60
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	logs       lockedBuffer
	dir        string
	base       string
	supervisor *processes.Supervisor
	store      *runlog.Store
	ticks      atomic.Int32
	signals    chan os.Signal
	orch       *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	buildDir := filepath.Join(dir, ".devhub")
	manifestPath := filepath.Join(buildDir, "manifest.json")
	schedulesPath := filepath.Join(dir, "schedules.yaml")

	h := &harness{dir: dir, signals: make(chan os.Signal, 1)}
	logger := slog.New(slog.NewTextHandler(&h.logs, nil))

	jobs := registry.NewTable()
	require.NoError(t, jobs.Register("tick", func(ctx context.Context, out io.Writer) error {
		h.ticks.Add(1)
		fmt.Fprintln(out, "tick")
		return nil
	}))

	store, err := runlog.Open(filepath.Join(buildDir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.store = store

	h.supervisor = processes.NewSupervisor(processes.Config{
		Launcher:     &processes.CommandLauncher{Template: []string{"/bin/sh", "{script}", "{port}"}},
		Sweeper:      processes.NoopSweeper,
		Logger:       logger,
		ReadyMarker:  "listening on",
		ReadyTimeout: 5 * time.Second,
		StopTimeout:  2 * time.Second,
	})
	t.Cleanup(func() { h.supervisor.StopAll(context.Background()) })

	sched := scheduler.New(scheduler.Config{
		Jobs:     jobs,
		History:  store,
		LocalDev: true,
		Tick:     50 * time.Millisecond,
		Logger:   logger,
	})
	manifests := manifest.NewStore(manifestPath)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h.base = "http://" + ln.Addr().String()

	h.orch = New(Config{
		Listener: ln,
		Scanner: &generate.Scanner{
			SourceDir:     dir,
			AppsDir:       "pages",
			SchedulesFile: "schedules.yaml",
			Extensions:    []string{".sh"},
			BasePort:      18601,
			Jobs:          jobs,
			Logger:        logger,
		},
		Manifest:   manifests,
		Supervisor: h.supervisor,
		Scheduler:  sched,
		API: api.NewHandler(api.Config{
			Processes: h.supervisor,
			Jobs:      sched,
			History:   store,
			Manifest:  manifests,
			Logger:    logger,
		}),
		Proxy: proxy.NewRouter(proxy.Config{Resolver: h.supervisor, Logger: logger}),
		Sources: watch.SourceFilter{
			Root:         dir,
			Extensions:   []string{".sh"},
			IncludeFiles: []string{schedulesPath},
			ExcludeDirs:  []string{buildDir},
			ExcludeFiles: []string{manifestPath},
		},
		Settle:    50 * time.Millisecond,
		History:   store,
		Retention: 24 * time.Hour,
		Signals:   h.signals,
		Logger:    logger,
	})
	return h
}

func (h *harness) apps(t *testing.T) []processes.Status {
	resp, err := http.Get(h.base + "/_devhub/apps")
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	var statuses []processes.Status
	if json.NewDecoder(resp.Body).Decode(&statuses) != nil {
		return nil
	}
	return statuses
}

func runningCount(statuses []processes.Status) int {
	n := 0
	for _, st := range statuses {
		if st.State == processes.StateRunning.String() {
			n++
		}
	}
	return n
}

func TestOrchestratorEndToEnd(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.dir, "pages", "hello.sh"), healthyWorker)
	writeFile(t, filepath.Join(h.dir, "schedules.yaml"), `
schedules:
  - name: ticker
    job: tick
    seconds: 1
    run_immediately: true
`)

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return runningCount(h.apps(t)) == 1
	}, 10*time.Second, 50*time.Millisecond)

	resp, err := http.Get(h.base + "/_devhub/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Each reconciliation logs where the apps can be reached.
	require.Eventually(t, func() bool {
		return strings.Contains(h.logs.String(), "url="+h.base+"/hello/")
	}, 5*time.Second, 20*time.Millisecond)

	// The fake worker never serves HTTP, so the proxy reaches it and fails.
	resp, err = http.Get(h.base + "/hello/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, err = http.Get(h.base + "/nowhere/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Eventually(t, func() bool { return h.ticks.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		runs, err := h.store.RecentRuns(context.Background(), "", 10)
		return err == nil && len(runs) >= 1 && runs[len(runs)-1].End != nil
	}, 5*time.Second, 20*time.Millisecond)

	// A new entrypoint flows through regeneration into a new worker.
	// Rewritten until seen, since the source watcher may still be starting.
	require.Eventually(t, func() bool {
		writeFile(t, filepath.Join(h.dir, "pages", "second.sh"), healthyWorker)
		return runningCount(h.apps(t)) == 2
	}, 10*time.Second, 200*time.Millisecond)

	h.signals <- syscall.SIGTERM
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("orchestrator did not stop after interrupt")
	}
	assert.Empty(t, h.supervisor.Processes())
}

func TestOrchestratorStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.dir, "pages", "hello.sh"), healthyWorker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		return runningCount(h.apps(t)) == 1
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("orchestrator did not stop after cancel")
	}
	assert.Empty(t, h.supervisor.Processes())
}

func TestOrchestratorKeepsRunningWithBrokenSchedules(t *testing.T) {
	h := newHarness(t)
	writeFile(t, filepath.Join(h.dir, "pages", "hello.sh"), healthyWorker)
	writeFile(t, filepath.Join(h.dir, "schedules.yaml"), "schedules: [unterminated")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	// No manifest could be generated yet.
	require.Eventually(t, func() bool {
		resp, err := http.Get(h.base + "/_devhub/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, h.apps(t))

	require.Eventually(t, func() bool {
		writeFile(t, filepath.Join(h.dir, "schedules.yaml"), "schedules: []\n")
		return runningCount(h.apps(t)) == 1
	}, 10*time.Second, 200*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestNewHandlerRoutesAPIAndProxy(t *testing.T) {
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("api")) })
	proxyHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("proxy " + r.URL.Path)) })
	srv := &http.Server{Handler: NewHandler(apiHandler, proxyHandler)}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	body := func(path string) string {
		resp, err := http.Get("http://" + ln.Addr().String() + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(b)
	}
	assert.Equal(t, "api", body("/_devhub/apps"))
	assert.Equal(t, "proxy /sales/", body("/sales/"))
	assert.Equal(t, "proxy /sales//x", body("/sales//x"))
}

func TestNewHandlerAddsCORSToStatusAPI(t *testing.T) {
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("api")) })
	proxyHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "https://worker.example")
		w.Write([]byte("proxy"))
	})
	h := NewHandler(apiHandler, proxyHandler)
	const origin = "http://localhost:3000"

	req := httptest.NewRequest(http.MethodGet, "/_devhub/apps", nil)
	req.Header.Set("Origin", origin)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "api", rec.Body.String())
	assert.Equal(t, origin, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/_devhub/apps", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String(), "preflight is answered without calling the API")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodGet)

	// Same-origin requests carry no CORS headers.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_devhub/apps", nil))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// Worker responses keep their own CORS policy.
	req = httptest.NewRequest(http.MethodGet, "/sales/", nil)
	req.Header.Set("Origin", origin)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, []string{"https://worker.example"}, rec.Header().Values("Access-Control-Allow-Origin"))
}

func TestBaseURL(t *testing.T) {
	for addr, want := range map[string]string{
		"127.0.0.1:8080": "http://127.0.0.1:8080",
		"0.0.0.0:8080":   "http://localhost:8080",
		"[::]:8080":      "http://localhost:8080",
		"[::1]:9000":     "http://[::1]:9000",
	} {
		tcp, err := net.ResolveTCPAddr("tcp", addr)
		require.NoError(t, err)
		assert.Equal(t, want, baseURL(tcp), addr)
	}
}
