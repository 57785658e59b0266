package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/labsched/internal/config"
	"github.com/basket/labsched/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all preflight checks against a loaded configuration.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkExecutables,
		checkDrones,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("tick=%s pidfile_timeout=%s", cfg.TickInterval(), cfg.PidfileTimeout()),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, cfg.ResultsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		probe := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(probe)
	}

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home and results directories writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	hosts, err := store.ReadyHosts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("%d hosts ready", len(hosts)),
	}
}

func checkExecutables(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executables", Status: "SKIP", Message: "Config missing"}
	}

	var details []string
	status := "PASS"
	for name, path := range map[string]string{"runner": cfg.RunnerPath, "parser": cfg.ParserPath} {
		info, err := os.Stat(path)
		switch {
		case err != nil:
			details = append(details, fmt.Sprintf("%s: missing (%s)", name, path))
			status = "FAIL"
		case info.Mode()&0o111 == 0:
			details = append(details, fmt.Sprintf("%s: not executable (%s)", name, path))
			status = "FAIL"
		default:
			details = append(details, fmt.Sprintf("%s: ok", name))
		}
	}

	return CheckResult{
		Name:    "Executables",
		Status:  status,
		Message: "Checked runner and parser binaries",
		Detail:  fmt.Sprintf("%v", details),
	}
}

func checkDrones(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Drones", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Drones.Hosts) == 0 {
		return CheckResult{Name: "Drones", Status: "WARN", Message: "No drone hosts configured, defaulting to localhost"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var details []string
	status := "PASS"
	for _, h := range cfg.Drones.Hosts {
		if h == "localhost" {
			details = append(details, "localhost: ok")
			continue
		}
		if _, err := net.DefaultResolver.LookupHost(lookupCtx, h); err != nil {
			details = append(details, fmt.Sprintf("%s: unresolvable (%v)", h, err))
			status = "FAIL"
		} else {
			details = append(details, fmt.Sprintf("%s: ok", h))
		}
	}

	return CheckResult{
		Name:    "Drones",
		Status:  status,
		Message: fmt.Sprintf("Checked %d drone hosts", len(cfg.Drones.Hosts)),
		Detail:  fmt.Sprintf("%v", details),
	}
}
