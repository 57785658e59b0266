package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DroneConfig describes the execution nodes the scheduler may launch
// runner processes on.
type DroneConfig struct {
	// Hosts lists the drone hostnames. "localhost" runs processes on the
	// scheduler machine itself.
	Hosts []string `yaml:"hosts"`

	// MaxProcesses is the absolute ceiling of runnable processes across
	// all drones, per owner. 0 means unlimited.
	MaxProcesses int `yaml:"max_processes"`

	// NiceLevel is applied to every launched runner process.
	NiceLevel int `yaml:"nice_level"`

	// ResultsHost receives copied result trees.
	ResultsHost string `yaml:"results_host"`
}

// ThrottleConfig bounds how much work the dispatcher starts per tick and
// how many post-job processes may run at once.
type ThrottleConfig struct {
	// MaxProcessesStartedPerCycle caps nonzero-process agent starts in a
	// single tick. The first agent of a tick is exempt.
	MaxProcessesStartedPerCycle int `yaml:"max_processes_started_per_cycle"`

	// MaxParseProcesses is the global ceiling for result-parse tasks.
	MaxParseProcesses int `yaml:"max_parse_processes"`

	// MaxTransferProcesses is the global ceiling for result-archive tasks.
	MaxTransferProcesses int `yaml:"max_transfer_processes"`
}

// NotifyConfig controls operator notifications. Notifications are always
// journaled; SMTP delivery is optional.
type NotifyConfig struct {
	FromAddress string `yaml:"from_address"`
	ToAddress   string `yaml:"to_address"`
	SMTPServer  string `yaml:"smtp_server"`
}

// OtelConfig mirrors the telemetry provider settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// ResultsDir is the root under which every execution writes its
	// result tree. Defaults to <home>/results.
	ResultsDir string `yaml:"results_dir"`

	// DBPath locates the sqlite database. Defaults to <home>/labsched.db.
	DBPath string `yaml:"db_path"`

	LogLevel string `yaml:"log_level"`

	// TickIntervalSeconds is the sleep between dispatcher ticks.
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`

	// PidfileTimeoutMins bounds how long a launched process may take to
	// write its pidfile before it is declared lost.
	PidfileTimeoutMins int `yaml:"pidfile_timeout_mins"`

	// CleanIntervalMins is the period of the hourly-style cleanup pass.
	CleanIntervalMins int `yaml:"clean_interval_mins"`

	// GCStatsIntervalMins rate-limits the informational memory report.
	GCStatsIntervalMins int `yaml:"gc_stats_interval_mins"`

	// RetentionDays prunes completed special tasks older than this during
	// the daily upkeep pass. 0 keeps them forever.
	RetentionDays int `yaml:"retention_days"`

	// DieOnOrphans makes unaccounted-for recovered processes fatal at
	// startup instead of merely notified.
	DieOnOrphans bool `yaml:"die_on_orphans"`

	// RunnerPath is the test-runner executable launched for jobs and
	// maintenance tasks.
	RunnerPath string `yaml:"runner_path"`

	// ParserPath is the result-parser executable for final reparse tasks.
	ParserPath string `yaml:"parser_path"`

	Drones   DroneConfig    `yaml:"drones"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Notify   NotifyConfig   `yaml:"notify"`
	Otel     OtelConfig     `yaml:"otel"`
}

// TickInterval returns the inter-tick sleep as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// PidfileTimeout returns how long to wait for a pidfile write.
func (c Config) PidfileTimeout() time.Duration {
	return time.Duration(c.PidfileTimeoutMins) * time.Minute
}

// CleanInterval returns the period of the periodic cleanup pass.
func (c Config) CleanInterval() time.Duration {
	return time.Duration(c.CleanIntervalMins) * time.Minute
}

// GCStatsInterval returns the period of the memory stats report.
func (c Config) GCStatsInterval() time.Duration {
	return time.Duration(c.GCStatsIntervalMins) * time.Minute
}

// Fingerprint returns a stable hash of the throttle-relevant config, used
// to detect hot-reloaded limit changes between ticks.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "cycle=%d|parse=%d|transfer=%d|procs=%d|pidfile=%d",
		c.Throttle.MaxProcessesStartedPerCycle, c.Throttle.MaxParseProcesses,
		c.Throttle.MaxTransferProcesses, c.Drones.MaxProcesses, c.PidfileTimeoutMins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		TickIntervalSeconds: 5,
		PidfileTimeoutMins:  5,
		CleanIntervalMins:   60,
		GCStatsIntervalMins: 360,
		RetentionDays:       90,
		RunnerPath:          "testrunner",
		ParserPath:          "resultparser",
		Drones: DroneConfig{
			Hosts:       []string{"localhost"},
			ResultsHost: "localhost",
			NiceLevel:   10,
		},
		Throttle: ThrottleConfig{
			MaxProcessesStartedPerCycle: 8,
			MaxParseProcesses:           5,
			MaxTransferProcesses:        10,
		},
	}
}

// HomeDir resolves the scheduler data directory.
func HomeDir() string {
	if override := os.Getenv("LABSCHED_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".labsched")
}

// Load reads config.yaml from the scheduler home, applies env overrides,
// normalizes defaults, and validates against the embedded schema.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create labsched home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := validateSchema(data); err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = filepath.Join(cfg.HomeDir, "results")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "labsched.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TickIntervalSeconds <= 0 {
		cfg.TickIntervalSeconds = 5
	}
	if cfg.PidfileTimeoutMins <= 0 {
		cfg.PidfileTimeoutMins = 5
	}
	if cfg.CleanIntervalMins <= 0 {
		cfg.CleanIntervalMins = 60
	}
	if cfg.GCStatsIntervalMins <= 0 {
		cfg.GCStatsIntervalMins = 360
	}
	if cfg.RunnerPath == "" {
		cfg.RunnerPath = "testrunner"
	}
	if cfg.ParserPath == "" {
		cfg.ParserPath = "resultparser"
	}
	if len(cfg.Drones.Hosts) == 0 {
		cfg.Drones.Hosts = []string{"localhost"}
	}
	for i, h := range cfg.Drones.Hosts {
		cfg.Drones.Hosts[i] = strings.TrimSpace(h)
	}
	if cfg.Drones.ResultsHost == "" {
		cfg.Drones.ResultsHost = "localhost"
	}
	if cfg.Throttle.MaxProcessesStartedPerCycle <= 0 {
		cfg.Throttle.MaxProcessesStartedPerCycle = 8
	}
	if cfg.Throttle.MaxParseProcesses <= 0 {
		cfg.Throttle.MaxParseProcesses = 5
	}
	if cfg.Throttle.MaxTransferProcesses <= 0 {
		cfg.Throttle.MaxTransferProcesses = 10
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LABSCHED_RESULTS_DIR"); raw != "" {
		cfg.ResultsDir = raw
	}
	if raw := os.Getenv("LABSCHED_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("LABSCHED_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LABSCHED_TICK_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TickIntervalSeconds = v
		}
	}
	if raw := os.Getenv("LABSCHED_PIDFILE_TIMEOUT_MINS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PidfileTimeoutMins = v
		}
	}
	if raw := os.Getenv("LABSCHED_DRONES"); raw != "" {
		cfg.Drones.Hosts = strings.Split(raw, ",")
	}
	if raw := os.Getenv("LABSCHED_DIE_ON_ORPHANS"); raw != "" {
		cfg.DieOnOrphans = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("LABSCHED_RUNNER_PATH"); raw != "" {
		cfg.RunnerPath = raw
	}
	if raw := os.Getenv("LABSCHED_PARSER_PATH"); raw != "" {
		cfg.ParserPath = raw
	}
}
