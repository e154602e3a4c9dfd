// Package config loads devhub.yaml, fills defaults and applies environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen         = "127.0.0.1:8000"
	defaultSourceDir      = "."
	defaultAppsDir        = "pages"
	defaultBuildDir       = ".devhub"
	defaultManifest       = "manifest.json"
	defaultSchedulesFile  = "schedules.yaml"
	defaultBasePort       = 8501
	defaultSettle         = 200 * time.Millisecond
	defaultReadyMarker    = "You can now view your Streamlit app"
	defaultReadyTimeout   = 30 * time.Second
	defaultReadyBudget    = 4096
	defaultStopTimeout    = 10 * time.Second
	defaultMaxMessageSize = 64 << 20
	defaultTick           = time.Second
	defaultInterpreter    = "python3"
	defaultRunLogDB       = "runs.db"
	defaultRetention      = 7 * 24 * time.Hour

	// FileName is the config file looked up in the source directory.
	FileName = "devhub.yaml"
)

var (
	defaultExtensions    = []string{".py"}
	defaultWorkerCommand = []string{
		"streamlit", "run", "{script}",
		"--server.port", "{port}",
		"--server.headless", "true",
		"--browser.gatherUsageStats", "false",
	}
)

// WorkerConfig configures how worker processes are launched and stopped.
type WorkerConfig struct {
	Command      []string      `yaml:"command"`
	Env          []string      `yaml:"env"`
	ReadyMarker  string        `yaml:"ready_marker"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	ReadyBudget  int           `yaml:"ready_budget"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

// ProxyConfig configures the reverse proxy.
type ProxyConfig struct {
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	Tick        time.Duration `yaml:"tick"`
	Interpreter string        `yaml:"interpreter"` // Runs "script:" job references
}

// RunLogConfig configures where job runs are recorded.
type RunLogConfig struct {
	DBPath       string        `yaml:"db_path"` // Relative to the build dir
	Retention    time.Duration `yaml:"retention"`
	RemoteURL    string        `yaml:"remote_url"`
	RemoteSecret string        `yaml:"remote_secret"`
}

// Config is the full devhub configuration.
type Config struct {
	Listen        string        `yaml:"listen"`
	SourceDir     string        `yaml:"source_dir"`
	AppsDir       string        `yaml:"apps_dir"`       // Relative to SourceDir
	BuildDir      string        `yaml:"build_dir"`      // Relative to SourceDir
	Manifest      string        `yaml:"manifest"`       // Relative to BuildDir
	SchedulesFile string        `yaml:"schedules_file"` // Relative to SourceDir
	Extensions    []string      `yaml:"extensions"`
	BasePort      int           `yaml:"base_port"`
	Local         *bool         `yaml:"local"`
	Settle        time.Duration `yaml:"settle"`

	Worker    WorkerConfig    `yaml:"worker"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RunLog    RunLogConfig    `yaml:"runlog"`
}

// Load reads the config file at path, applies environment overrides and
// fills defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the remote sink and local flag from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DEVHUB_REMOTE_URL"); ok && v != "" {
		c.RunLog.RemoteURL = v
	}
	if v, ok := lookup("DEVHUB_REMOTE_SECRET"); ok && v != "" {
		c.RunLog.RemoteSecret = v
	}
	if v, ok := lookup("DEVHUB_LOCAL"); ok && v != "" {
		local, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEVHUB_LOCAL %q: %w", v, err)
		}
		c.Local = &local
	}
	return nil
}

// ApplyDefaults replaces zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.SourceDir == "" {
		c.SourceDir = defaultSourceDir
	}
	if c.AppsDir == "" {
		c.AppsDir = defaultAppsDir
	}
	if c.BuildDir == "" {
		c.BuildDir = defaultBuildDir
	}
	if c.Manifest == "" {
		c.Manifest = defaultManifest
	}
	if c.SchedulesFile == "" {
		c.SchedulesFile = defaultSchedulesFile
	}
	if len(c.Extensions) == 0 {
		c.Extensions = append([]string(nil), defaultExtensions...)
	}
	if c.BasePort == 0 {
		c.BasePort = defaultBasePort
	}
	if c.Local == nil {
		local := true
		c.Local = &local
	}
	if c.Settle == 0 {
		c.Settle = defaultSettle
	}

	if len(c.Worker.Command) == 0 {
		c.Worker.Command = append([]string(nil), defaultWorkerCommand...)
	}
	if c.Worker.ReadyMarker == "" {
		c.Worker.ReadyMarker = defaultReadyMarker
	}
	if c.Worker.ReadyTimeout == 0 {
		c.Worker.ReadyTimeout = defaultReadyTimeout
	}
	if c.Worker.ReadyBudget == 0 {
		c.Worker.ReadyBudget = defaultReadyBudget
	}
	if c.Worker.StopTimeout == 0 {
		c.Worker.StopTimeout = defaultStopTimeout
	}

	if c.Proxy.MaxMessageSize == 0 {
		c.Proxy.MaxMessageSize = defaultMaxMessageSize
	}

	if c.Scheduler.Tick == 0 {
		c.Scheduler.Tick = defaultTick
	}
	if c.Scheduler.Interpreter == "" {
		c.Scheduler.Interpreter = defaultInterpreter
	}

	if c.RunLog.DBPath == "" {
		c.RunLog.DBPath = defaultRunLogDB
	}
	if c.RunLog.Retention == 0 {
		c.RunLog.Retention = defaultRetention
	}
}

// Validate rejects configurations devhub cannot run with.
func (c *Config) Validate() error {
	if c.BasePort < 1 || c.BasePort > 65535 {
		return fmt.Errorf("base_port %d out of range", c.BasePort)
	}
	if c.Worker.ReadyBudget < len(c.Worker.ReadyMarker) {
		return fmt.Errorf("worker.ready_budget %d is smaller than the ready marker", c.Worker.ReadyBudget)
	}
	if c.Scheduler.Tick < 10*time.Millisecond {
		return fmt.Errorf("scheduler.tick %s is too small", c.Scheduler.Tick)
	}
	if c.RunLog.RemoteURL != "" && c.RunLog.RemoteSecret == "" {
		return fmt.Errorf("runlog.remote_url is set but no remote secret is configured")
	}
	return nil
}

// IsLocal reports whether this is a local development run.
func (c *Config) IsLocal() bool {
	return c.Local == nil || *c.Local
}

func (c *Config) underSource(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.SourceDir, p)
}

// BuildPath returns the build output directory.
func (c *Config) BuildPath() string {
	return c.underSource(c.BuildDir)
}

// ManifestPath returns the manifest file path.
func (c *Config) ManifestPath() string {
	if filepath.IsAbs(c.Manifest) {
		return c.Manifest
	}
	return filepath.Join(c.BuildPath(), c.Manifest)
}

// SchedulesPath returns the schedules file path.
func (c *Config) SchedulesPath() string {
	return c.underSource(c.SchedulesFile)
}

// RunLogPath returns the run history database path.
func (c *Config) RunLogPath() string {
	if filepath.IsAbs(c.RunLog.DBPath) {
		return c.RunLog.DBPath
	}
	return filepath.Join(c.BuildPath(), c.RunLog.DBPath)
}
