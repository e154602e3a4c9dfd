package processes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tomyedwab/devhub/devhub/manifest"
)

const (
	defaultReadyMarker  = "You can now view your Streamlit app"
	defaultReadyTimeout = 30 * time.Second
	defaultReadyBudget  = 4096
	defaultStopTimeout  = 10 * time.Second
	stderrTailLimit     = 8 * 1024
)

// Supervisor keeps one worker process per app identity in line with the
// desired app set. Reconciliations never overlap.
type Supervisor struct {
	mu          sync.RWMutex
	actualState map[string]*WorkerProcess // Keyed by WorkerApp.Key()

	reconcileMu sync.Mutex
	inflight    context.CancelFunc // Cancels the running Reconcile, guarded by mu
	stopping    atomic.Int32

	launcher     Launcher
	sweeper      Sweeper
	logger       *slog.Logger
	readyMarker  string
	readyTimeout time.Duration
	readyBudget  int
	stopTimeout  time.Duration
}

// Config holds configuration options for the Supervisor.
type Config struct {
	Launcher     Launcher      // Optional, defaults to DefaultWorkerCommand run in WorkDir
	Sweeper      Sweeper       // Optional, defaults to ProcessTableSweeper
	Logger       *slog.Logger  // Optional, defaults to slog.Default()
	ReadyMarker  string        // Optional, defaults to the Streamlit banner
	ReadyTimeout time.Duration // Optional, defaults to 30s
	ReadyBudget  int           // Optional, bytes of stdout inspected for the marker, defaults to 4096
	StopTimeout  time.Duration // Optional, defaults to 10s
	WorkDir      string        // Optional, only used by the default launcher
}

// NewSupervisor creates a Supervisor with no running processes.
func NewSupervisor(config Config) *Supervisor {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	launcher := config.Launcher
	if launcher == nil {
		launcher = &CommandLauncher{Template: DefaultWorkerCommand, WorkDir: config.WorkDir}
	}
	sweeper := config.Sweeper
	if sweeper == nil {
		sweeper = ProcessTableSweeper{}
	}
	marker := config.ReadyMarker
	if marker == "" {
		marker = defaultReadyMarker
	}
	readyTimeout := config.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = defaultReadyTimeout
	}
	budget := config.ReadyBudget
	if budget == 0 {
		budget = defaultReadyBudget
	}
	stopTimeout := config.StopTimeout
	if stopTimeout == 0 {
		stopTimeout = defaultStopTimeout
	}

	return &Supervisor{
		actualState:  make(map[string]*WorkerProcess),
		launcher:     launcher,
		sweeper:      sweeper,
		logger:       logger.With("component", "Supervisor"),
		readyMarker:  marker,
		readyTimeout: readyTimeout,
		readyBudget:  budget,
		stopTimeout:  stopTimeout,
	}
}

// Reconcile adjusts the running processes to match desired. Apps whose launch
// parameters are unchanged keep their process. Changed or failed apps are
// replaced, new apps are started and removed apps are stopped. All stops run
// concurrently, followed by all starts, so a port released by a stopped
// worker is free before its new owner binds it.
//
// changed reports whether any process was stopped or started. The returned
// error joins every StartFailure; a failing app never aborts its siblings.
// A concurrent StopAll cancels the reconciliation in flight, and
// reconciliations that begin while StopAll runs do nothing.
func (s *Supervisor) Reconcile(ctx context.Context, desired []manifest.WorkerApp) (bool, error) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()
	if s.stopping.Load() > 0 {
		s.logger.Info("Shutdown in progress, skipping reconciliation")
		return false, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.inflight = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()
		cancel()
	}()

	s.mu.RLock()
	current := maps.Clone(s.actualState)
	s.mu.RUnlock()

	desiredMap := make(map[string]manifest.WorkerApp, len(desired))
	for _, app := range desired {
		desiredMap[app.Key()] = app
	}

	var toStop []*WorkerProcess
	var toStart []manifest.WorkerApp
	for key, wp := range current {
		app, exists := desiredMap[key]
		switch {
		case !exists:
			s.logger.Info("Process needs to be stopped (no longer desired)", "app", wp.App.Name, "pid", wp.Pid())
			toStop = append(toStop, wp)
		case !wp.App.SameLaunch(app):
			s.logger.Info("Launch parameters changed, replacing process", "app", app.Name, "pid", wp.Pid(), "oldPort", wp.App.Port, "newPort", app.Port)
			toStop = append(toStop, wp)
			toStart = append(toStart, app)
		case wp.State() != StateRunning:
			s.logger.Info("Process is not running, replacing", "app", app.Name, "pid", wp.Pid(), "state", wp.State().String())
			toStop = append(toStop, wp)
			toStart = append(toStart, app)
		}
	}
	for key, app := range desiredMap {
		if _, exists := current[key]; !exists {
			s.logger.Info("Process needs to be started", "app", app.Name, "route", app.Route, "port", app.Port)
			toStart = append(toStart, app)
		}
	}

	if len(toStop) == 0 && len(toStart) == 0 {
		s.logger.Debug("Reconciliation found nothing to do", "apps", len(current))
		return false, nil
	}

	var wg sync.WaitGroup
	for _, wp := range toStop {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop(ctx, wp)
			s.mu.Lock()
			if s.actualState[wp.App.Key()] == wp {
				delete(s.actualState, wp.App.Key())
			}
			s.mu.Unlock()
		}()
	}
	wg.Wait()

	var errMu sync.Mutex
	var errs []error
	for _, app := range toStart {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wp, err := s.Start(ctx, app)
			if err != nil {
				s.logger.Error("Failed to start worker", "app", app.Name, "error", err)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
				return
			}
			s.mu.Lock()
			s.actualState[app.Key()] = wp
			s.mu.Unlock()
		}()
	}
	wg.Wait()

	s.logger.Info("Reconciliation finished", "stopped", len(toStop), "started", len(toStart)-len(errs), "failed", len(errs))
	return true, errors.Join(errs...)
}

// Start launches app and waits for its ready marker. On any failure the
// process is killed and a *StartFailure carrying the stderr tail is returned.
// The returned process is not tracked; Reconcile owns tracking.
func (s *Supervisor) Start(ctx context.Context, app manifest.WorkerApp) (*WorkerProcess, error) {
	logger := s.logger.With("app", app.Name, "route", app.Route)

	cmd, err := s.launcher.Command(app)
	if err != nil {
		return nil, &StartFailure{App: app.Name, Err: err}
	}
	wp := newWorkerProcess(app, cmd)

	ready := newReadyWatcher(s.readyMarker, s.readyBudget)
	stderrTail := newTailBuffer(stderrTailLimit)
	cmd.Stdout = io.MultiWriter(ready, newLineWriter(func(line string) {
		wp.LogBuffer.AddEntry("stdout", line, wp.Pid())
		logger.Debug("Worker stdout", "pid", wp.Pid(), "output", line)
	}))
	cmd.Stderr = io.MultiWriter(stderrTail, newLineWriter(func(line string) {
		wp.LogBuffer.AddEntry("stderr", line, wp.Pid())
		logger.Debug("Worker stderr", "pid", wp.Pid(), "output", line)
	}))
	// Grandchildren holding the output pipes must not block Wait forever.
	cmd.WaitDelay = s.stopTimeout

	if err := cmd.Start(); err != nil {
		return nil, &StartFailure{App: app.Name, Err: err}
	}
	wp.setPid(cmd.Process.Pid)
	logger.Info("Worker process launched", "pid", cmd.Process.Pid, "port", app.Port, "command", strings.Join(cmd.Args, " "))

	go func() {
		wp.markExited(cmd.Wait())
	}()

	timer := time.NewTimer(s.readyTimeout)
	defer timer.Stop()

	var failure error
	select {
	case <-ready.ready:
		wp.setState(StateRunning)
		logger.Info("Worker process ready", "pid", wp.Pid(), "port", app.Port)
		go s.watchExit(wp)
		return wp, nil
	case <-ready.exhausted:
		failure = fmt.Errorf("ready marker not found in first %d bytes of output", s.readyBudget)
	case <-wp.Exited():
		failure = fmt.Errorf("exited before becoming ready: %v", wp.ExitErr())
	case <-timer.C:
		failure = fmt.Errorf("ready marker not seen within %s", s.readyTimeout)
	case <-ctx.Done():
		failure = ctx.Err()
	}

	s.kill(wp)
	s.sweep(ctx, wp, logger)
	return nil, &StartFailure{App: app.Name, PID: wp.Pid(), Stderr: stderrTail.String(), Err: failure}
}

// watchExit logs workers that die without being asked to. The next
// reconciliation replaces them.
func (s *Supervisor) watchExit(wp *WorkerProcess) {
	<-wp.Exited()
	if wp.State() == StateFailed {
		s.logger.Warn("Worker process exited unexpectedly", "app", wp.App.Name, "pid", wp.Pid(), "error", wp.ExitErr())
	}
}

// kill force-terminates wp and waits for it to be reaped.
func (s *Supervisor) kill(wp *WorkerProcess) {
	if err := wp.Cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("Failed to send SIGKILL to process", "app", wp.App.Name, "pid", wp.Pid(), "error", err)
	}
	<-wp.Exited()
}

// Stop terminates wp: SIGTERM, then SIGKILL after StopTimeout, then a sweep of
// the process table for leftovers referencing the app's script. Failures are
// logged, never returned.
func (s *Supervisor) Stop(ctx context.Context, wp *WorkerProcess) {
	logger := s.logger.With("app", wp.App.Name, "pid", wp.Pid())

	select {
	case <-wp.Exited():
		logger.Info("Process already exited", "state", wp.State().String())
	default:
		wp.setState(StateStopping)
		logger.Info("Stopping process")
		if err := wp.Cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Error("Failed to send SIGTERM to process", "error", err)
		}

		gracefulShutdownTimer := time.NewTimer(s.stopTimeout)
		select {
		case <-wp.Exited():
			logger.Info("Process exited after SIGTERM", "exit", wp.ExitErr())
		case <-gracefulShutdownTimer.C:
			logger.Warn("Process did not exit gracefully, sending SIGKILL")
			s.kill(wp)
		case <-ctx.Done():
			logger.Warn("Stop context cancelled, sending SIGKILL")
			s.kill(wp)
		}
		gracefulShutdownTimer.Stop()
	}

	s.sweep(ctx, wp, logger)
}

// sweep kills leftovers of wp found in the process table. It runs even during
// shutdown and is bounded by StopTimeout instead.
func (s *Supervisor) sweep(ctx context.Context, wp *WorkerProcess, logger *slog.Logger) {
	sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout)
	defer cancel()
	killed, err := s.sweeper.Sweep(sweepCtx, wp.App.Script)
	if err != nil {
		logger.Warn("Process table sweep incomplete", "script", wp.App.Script, "error", err)
	}
	if len(killed) > 0 {
		logger.Info("Killed leftover processes", "script", wp.App.Script, "pids", killed)
	}
}

// StopAll stops every tracked process concurrently and forgets them. A
// reconciliation in flight is cancelled first, so workers still waiting for
// readiness are killed instead of waited for.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.stopping.Add(1)
	defer s.stopping.Add(-1)

	s.mu.Lock()
	if s.inflight != nil {
		s.logger.Info("Cancelling reconciliation in flight")
		s.inflight()
	}
	s.mu.Unlock()

	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	s.mu.Lock()
	procs := slices.Collect(maps.Values(s.actualState))
	s.actualState = make(map[string]*WorkerProcess)
	s.mu.Unlock()

	s.logger.Info("Shutting down all worker processes", "count", len(procs))
	var wg sync.WaitGroup
	for _, wp := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop(ctx, wp)
		}()
	}
	wg.Wait()
	s.logger.Info("All worker processes stopped")
}

// Target is where a request path should be forwarded.
type Target struct {
	UID   string
	Name  string
	Route string
	Port  int
}

// Lookup finds the running app whose route is the longest prefix of path.
// Apps that are starting, stopping or failed are never returned.
func (s *Supervisor) Lookup(path string) (Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *WorkerProcess
	for _, wp := range s.actualState {
		if !strings.HasPrefix(path, wp.App.Route) {
			continue
		}
		if best == nil || len(wp.App.Route) > len(best.App.Route) {
			best = wp
		}
	}
	if best == nil || best.State() != StateRunning {
		return Target{}, false
	}
	return Target{UID: best.App.UID, Name: best.App.Name, Route: best.App.Route, Port: best.App.Port}, true
}

// Process returns the tracked process for an app uid.
func (s *Supervisor) Process(uid string) (*WorkerProcess, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wp := range s.actualState {
		if wp.App.UID == uid {
			return wp, true
		}
	}
	return nil, false
}

// Processes returns the status of every tracked process, ordered by route.
func (s *Supervisor) Processes() []Status {
	s.mu.RLock()
	statuses := make([]Status, 0, len(s.actualState))
	for _, wp := range s.actualState {
		statuses = append(statuses, wp.Status())
	}
	s.mu.RUnlock()

	slices.SortFunc(statuses, func(a, b Status) int {
		return strings.Compare(a.Route, b.Route)
	})
	return statuses
}

// Logs returns captured output of the app's process. With sinceID > 0 only
// entries after that id are returned; limit keeps the newest entries.
func (s *Supervisor) Logs(uid string, sinceID int64, limit int) ([]ProcessLogEntry, error) {
	wp, ok := s.Process(uid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, uid)
	}
	if sinceID <= 0 {
		return wp.LogBuffer.GetLatestEntries(limit), nil
	}
	entries := wp.LogBuffer.GetEntriesFromID(sinceID)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
