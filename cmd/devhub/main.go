package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tomyedwab/devhub/devhub/api"
	"github.com/tomyedwab/devhub/devhub/config"
	"github.com/tomyedwab/devhub/devhub/generate"
	"github.com/tomyedwab/devhub/devhub/manifest"
	"github.com/tomyedwab/devhub/devhub/orchestrator"
	"github.com/tomyedwab/devhub/devhub/processes"
	"github.com/tomyedwab/devhub/devhub/proxy"
	"github.com/tomyedwab/devhub/devhub/registry"
	"github.com/tomyedwab/devhub/devhub/runlog"
	"github.com/tomyedwab/devhub/devhub/scheduler"
	"github.com/tomyedwab/devhub/devhub/watch"
)

func main() {
	var configPath = flag.String("config", "", "Path to devhub.yaml (defaults to devhub.yaml in the source dir, if present)")
	var listen = flag.String("listen", "", "Address to serve on, overrides the config file")
	var source = flag.String("source", "", "Project source directory, overrides the config file")
	var logFormat = flag.String("log-format", "json", "Log format: json or text")
	var logLevel = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	var local = flag.String("local", "", "Local development mode (true/false), overrides the config file")
	flag.Parse()

	// 1. Setup logger
	logger, err := newLogger(*logFormat, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := loadConfig(*configPath, *source)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *source != "" {
		cfg.SourceDir = *source
	}
	if *local != "" {
		v, err := strconv.ParseBool(*local)
		if err != nil {
			logger.Error("Invalid -local flag", "value", *local, "error", err)
			os.Exit(2)
		}
		cfg.Local = &v
	}
	sourceDir, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		logger.Error("Failed to resolve source directory", "error", err)
		os.Exit(1)
	}
	cfg.SourceDir = sourceDir
	logger.Info("Starting devhub", "source", sourceDir, "listen", cfg.Listen, "local", cfg.IsLocal())

	// 3. Job table and run history
	jobs := registry.NewTable()
	jobs.SetInterpreter(cfg.Scheduler.Interpreter, sourceDir)

	history, err := runlog.Open(cfg.RunLogPath())
	if err != nil {
		logger.Error("Failed to open run history", "path", cfg.RunLogPath(), "error", err)
		os.Exit(1)
	}
	defer history.Close()

	var remote runlog.Sink
	if cfg.RunLog.RemoteURL != "" {
		remote = runlog.NewHTTPSink(cfg.RunLog.RemoteURL, cfg.RunLog.RemoteSecret, nil)
		logger.Info("Remote run log enabled", "url", cfg.RunLog.RemoteURL, "active", !cfg.IsLocal())
	}

	// 4. Supervisor, scheduler and proxy
	supervisor := processes.NewSupervisor(processes.Config{
		Launcher: &processes.CommandLauncher{
			Template: cfg.Worker.Command,
			WorkDir:  sourceDir,
			Env:      cfg.Worker.Env,
		},
		Logger:       logger,
		ReadyMarker:  cfg.Worker.ReadyMarker,
		ReadyTimeout: cfg.Worker.ReadyTimeout,
		ReadyBudget:  cfg.Worker.ReadyBudget,
		StopTimeout:  cfg.Worker.StopTimeout,
	})

	sched := scheduler.New(scheduler.Config{
		Jobs:     jobs,
		History:  history,
		Remote:   remote,
		LocalDev: cfg.IsLocal(),
		Tick:     cfg.Scheduler.Tick,
		Logger:   logger,
	})

	manifests := manifest.NewStore(cfg.ManifestPath())
	router := proxy.NewRouter(proxy.Config{
		Resolver:       supervisor,
		Logger:         logger,
		MaxMessageSize: cfg.Proxy.MaxMessageSize,
	})
	status := api.NewHandler(api.Config{
		Processes: supervisor,
		Jobs:      sched,
		History:   history,
		Manifest:  manifests,
		Logger:    logger,
	})

	// 5. Run until interrupted
	orch := orchestrator.New(orchestrator.Config{
		Listen: cfg.Listen,
		Scanner: &generate.Scanner{
			SourceDir:     sourceDir,
			AppsDir:       cfg.AppsDir,
			SchedulesFile: cfg.SchedulesFile,
			Extensions:    cfg.Extensions,
			BasePort:      cfg.BasePort,
			Jobs:          jobs,
			Logger:        logger,
		},
		Manifest:   manifests,
		Supervisor: supervisor,
		Scheduler:  sched,
		API:        status,
		Proxy:      router,
		Sources: watch.SourceFilter{
			Root:         sourceDir,
			Extensions:   cfg.Extensions,
			IncludeFiles: []string{cfg.SchedulesPath()},
			ExcludeDirs:  []string{cfg.BuildPath()},
			ExcludeFiles: []string{cfg.ManifestPath(), cfg.RunLogPath()},
		},
		Settle:    cfg.Settle,
		History:   history,
		Retention: cfg.RunLog.Retention,
		Logger:    logger,
	})
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("devhub exited with error", "error", err)
		history.Close()
		os.Exit(1)
	}
	logger.Info("devhub has completed its shutdown sequence. Exiting main.")
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid -log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("invalid -log-format %q", format)
	}
}

// loadConfig reads the explicit config file, or devhub.yaml in the source
// directory when it exists.
func loadConfig(path, source string) (*config.Config, error) {
	if path == "" {
		dir := source
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, config.FileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	// Relative paths in a config file are relative to the file, not the CWD.
	if path != "" && !filepath.IsAbs(cfg.SourceDir) {
		cfg.SourceDir = filepath.Join(filepath.Dir(path), cfg.SourceDir)
	}
	return cfg, nil
}
