package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.TickIntervalSeconds != 5 {
		t.Errorf("TickIntervalSeconds = %d, want 5", cfg.TickIntervalSeconds)
	}
	if cfg.PidfileTimeout() != 5*time.Minute {
		t.Errorf("PidfileTimeout = %v, want 5m", cfg.PidfileTimeout())
	}
	if cfg.ResultsDir != filepath.Join(dir, "results") {
		t.Errorf("ResultsDir = %q", cfg.ResultsDir)
	}
	if len(cfg.Drones.Hosts) != 1 || cfg.Drones.Hosts[0] != "localhost" {
		t.Errorf("Drones.Hosts = %v, want [localhost]", cfg.Drones.Hosts)
	}
	if cfg.Throttle.MaxParseProcesses != 5 {
		t.Errorf("MaxParseProcesses = %d, want 5", cfg.Throttle.MaxParseProcesses)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
log_level: debug
tick_interval_seconds: 2
pidfile_timeout_mins: 1
die_on_orphans: true
drones:
  hosts: [drone1, drone2]
  max_processes: 40
throttle:
  max_processes_started_per_cycle: 3
`)

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.TickIntervalSeconds != 2 {
		t.Errorf("TickIntervalSeconds = %d", cfg.TickIntervalSeconds)
	}
	if !cfg.DieOnOrphans {
		t.Error("DieOnOrphans = false, want true")
	}
	if len(cfg.Drones.Hosts) != 2 {
		t.Errorf("Drones.Hosts = %v", cfg.Drones.Hosts)
	}
	if cfg.Drones.MaxProcesses != 40 {
		t.Errorf("Drones.MaxProcesses = %d", cfg.Drones.MaxProcesses)
	}
	if cfg.Throttle.MaxProcessesStartedPerCycle != 3 {
		t.Errorf("MaxProcessesStartedPerCycle = %d", cfg.Throttle.MaxProcessesStartedPerCycle)
	}
	// Unset limits keep their defaults.
	if cfg.Throttle.MaxTransferProcesses != 10 {
		t.Errorf("MaxTransferProcesses = %d, want 10", cfg.Throttle.MaxTransferProcesses)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "tick_interval_secs: 2\n")

	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("expected schema error for misspelled key")
	} else if !strings.Contains(err.Error(), "validate config.yaml") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "tick_interval_seconds: 0\n")

	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("expected schema error for zero tick interval")
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LABSCHED_DRONES", "d1,d2,d3")
	t.Setenv("LABSCHED_DIE_ON_ORPHANS", "true")
	t.Setenv("LABSCHED_TICK_INTERVAL_SECONDS", "9")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if len(cfg.Drones.Hosts) != 3 {
		t.Errorf("Drones.Hosts = %v", cfg.Drones.Hosts)
	}
	if !cfg.DieOnOrphans {
		t.Error("DieOnOrphans = false")
	}
	if cfg.TickIntervalSeconds != 9 {
		t.Errorf("TickIntervalSeconds = %d", cfg.TickIntervalSeconds)
	}
}

func TestFingerprintTracksThrottleChanges(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs produced different fingerprints")
	}
	b.Throttle.MaxParseProcesses = 1
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("throttle change did not alter fingerprint")
	}
}
