// Package orchestrator runs devhub's long-lived tasks in one cancellation
// scope: the web server, the worker-process watcher, the job-scheduler
// watcher and the manifest-regeneration watcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/tomyedwab/devhub/devhub/api"
	"github.com/tomyedwab/devhub/devhub/generate"
	"github.com/tomyedwab/devhub/devhub/manifest"
	"github.com/tomyedwab/devhub/devhub/processes"
	"github.com/tomyedwab/devhub/devhub/scheduler"
	"github.com/tomyedwab/devhub/devhub/watch"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultPruneInterval   = time.Hour
	readHeaderTimeout      = 10 * time.Second
)

// Pruner deletes run history older than a cutoff.
type Pruner interface {
	DeleteOldRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds configuration options for the Orchestrator.
type Config struct {
	Listen          string
	Listener        net.Listener // Optional, used instead of listening on Listen
	Scanner         *generate.Scanner
	Manifest        *manifest.Store
	Supervisor      *processes.Supervisor
	Scheduler       *scheduler.Scheduler
	API             http.Handler // Mounted at api.PathPrefix
	Proxy           http.Handler // Serves every other path
	Sources         watch.SourceFilter
	Settle          time.Duration    // Optional, watcher coalescing window
	History         Pruner           // Optional
	Retention       time.Duration    // Optional, history is kept forever when zero
	PruneInterval   time.Duration    // Optional, defaults to 1h
	ShutdownTimeout time.Duration    // Optional, defaults to 10s
	Signals         <-chan os.Signal // Optional, defaults to SIGINT and SIGTERM
	Logger          *slog.Logger     // Optional, defaults to slog.Default()
}

// Orchestrator wires the supervisor, scheduler, proxy and watchers together.
type Orchestrator struct {
	config  Config
	logger  *slog.Logger
	baseURL string // Where the web server is reachable, set by Run
}

// New creates an Orchestrator. Nothing runs until Run is called.
func New(config Config) *Orchestrator {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.PruneInterval == 0 {
		config.PruneInterval = defaultPruneInterval
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Orchestrator{
		config: config,
		logger: logger.With("component", "Orchestrator"),
	}
}

// NewHandler routes the status API under api.PathPrefix and everything else
// to the proxy. Paths are matched and forwarded without cleaning. CORS
// headers are added on the status API only; workers answer for their own.
func NewHandler(apiHandler, proxyHandler http.Handler) http.Handler {
	r := mux.NewRouter()
	r.SkipClean(true)
	r.UseEncodedPath()
	status := r.PathPrefix(api.PathPrefix).Subrouter()
	status.Use(corsMiddleware)
	status.NewRoute().Handler(apiHandler)
	r.PathPrefix("/").Handler(proxyHandler)
	return r
}

// Run generates the manifest and runs the four tasks until ctx is done, a
// task fails, or an interrupt arrives. On interrupt every worker is stopped
// before the scope is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln := o.config.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", o.config.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", o.config.Listen, err)
		}
	}
	o.baseURL = baseURL(ln.Addr())

	if err := o.regenerate(ctx); err != nil {
		o.logger.Error("Initial manifest generation failed, waiting for source changes", "error", err)
	}

	signals := o.config.Signals
	if signals == nil {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		signals = sigChan
	}
	sigDone := make(chan struct{})
	go func() {
		defer close(sigDone)
		select {
		case sig := <-signals:
			o.logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
			o.config.Supervisor.StopAll(context.WithoutCancel(ctx))
			o.logger.Info("Cancelling main context")
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.serve(gctx, ln) })
	g.Go(func() error { return o.watchWorkers(gctx) })
	g.Go(func() error { return o.watchSchedules(gctx) })
	g.Go(func() error { return o.watchSources(gctx) })
	err := g.Wait()

	cancel()
	<-sigDone
	// Workers started by a reconcile that raced the shutdown.
	o.config.Supervisor.StopAll(context.Background())
	if err != nil {
		o.logger.Error("Orchestrator stopped with error", "error", err)
		return err
	}
	o.logger.Info("Orchestrator stopped")
	return nil
}

// serve runs the web server until ctx is done.
func (o *Orchestrator) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           NewHandler(o.config.API, o.config.Proxy),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(o.logger.Handler(), slog.LevelWarn),
		// Hijacked stream connections are not covered by Shutdown; cancelling
		// their base context ends them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		o.logger.Info("Web server listening", "address", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("web server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("Web server did not shut down cleanly", "error", err)
		srv.Close()
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	o.logger.Info("Web server stopped")
	return nil
}

// watchWorkers reconciles the worker processes against the manifest, once at
// startup and again after every change.
func (o *Orchestrator) watchWorkers(ctx context.Context) error {
	w := watch.NewManifestWatcher(o.config.Manifest.Path, o.config.Settle, o.logger)
	o.reconcile(ctx)
	for range w.Changes(ctx) {
		o.reconcile(ctx)
	}
	return stopped(ctx, "worker-process")
}

func (o *Orchestrator) reconcile(ctx context.Context) {
	m, err := o.config.Manifest.Read()
	if err != nil {
		o.logger.Warn("Manifest unreadable, keeping current workers", "error", err)
		return
	}
	changed, err := o.config.Supervisor.Reconcile(ctx, m.Apps)
	if err != nil {
		o.logger.Error("Some workers failed to start", "error", err)
	}
	if changed {
		o.logger.Info("Workers reconciled", "apps", len(m.Apps))
		for _, st := range o.config.Supervisor.Processes() {
			o.logger.Info("App available", "app", st.Name, "url", o.baseURL+st.Route, "state", st.State)
		}
	}
}

// baseURL turns a listener address into a URL a browser can open.
func baseURL(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "http://" + addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// watchSchedules runs the scheduler and reloads its schedule set whenever the
// manifest changes. Run history is pruned alongside.
func (o *Orchestrator) watchSchedules(ctx context.Context) error {
	w := watch.NewManifestWatcher(o.config.Manifest.Path, o.config.Settle, o.logger)
	o.loadSchedules()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.config.Scheduler.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		o.pruneHistory(runCtx)
	}()

	for range w.Changes(ctx) {
		o.loadSchedules()
	}
	cancel()
	wg.Wait()
	return stopped(ctx, "job-scheduler")
}

func (o *Orchestrator) loadSchedules() {
	m, err := o.config.Manifest.Read()
	if err != nil {
		o.logger.Warn("Manifest unreadable, keeping current schedules", "error", err)
		return
	}
	o.config.Scheduler.Load(m.Schedules)
}

func (o *Orchestrator) pruneHistory(ctx context.Context) {
	if o.config.History == nil || o.config.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(o.config.PruneInterval)
	defer ticker.Stop()
	for {
		cutoff := time.Now().Add(-o.config.Retention)
		n, err := o.config.History.DeleteOldRuns(ctx, cutoff)
		if err != nil && ctx.Err() == nil {
			o.logger.Warn("Failed to prune run history", "error", err)
		} else if n > 0 {
			o.logger.Info("Pruned run history", "runs", n, "cutoff", cutoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchSources regenerates the manifest after every source change.
func (o *Orchestrator) watchSources(ctx context.Context) error {
	w := watch.NewSourceWatcher(o.config.Sources, o.config.Settle, o.logger)
	for change := range w.Changes(ctx) {
		o.logger.Info("Source change detected, regenerating manifest", "paths", change.Paths)
		if err := o.regenerate(ctx); err != nil {
			o.logger.Error("Manifest regeneration failed", "error", err)
		}
	}
	return stopped(ctx, "manifest-regeneration")
}

func (o *Orchestrator) regenerate(ctx context.Context) error {
	m, err := o.config.Scanner.Generate(ctx)
	if err != nil {
		return err
	}
	written, err := o.config.Manifest.Write(m)
	if err != nil {
		return err
	}
	if written {
		o.logger.Info("Manifest written", "path", o.config.Manifest.Path, "apps", len(m.Apps), "schedules", len(m.Schedules))
	} else {
		o.logger.Debug("Manifest unchanged")
	}
	return nil
}

// stopped turns the end of a change sequence into an error unless the scope
// is shutting down.
func stopped(ctx context.Context, task string) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s watcher stopped unexpectedly", task)
}
