package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/labsched/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return &cfg
}

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRunReportsAllChecks(t *testing.T) {
	cfg := testConfig(t)
	diag := Run(context.Background(), cfg, "test")

	want := []string{"Config", "Permissions", "Database", "Executables", "Drones"}
	if len(diag.Results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(diag.Results))
	}
	for i, name := range want {
		if diag.Results[i].Name != name {
			t.Errorf("result %d: expected %s, got %s", i, name, diag.Results[i].Name)
		}
	}
}

func TestCheckConfigNil(t *testing.T) {
	res := checkConfig(context.Background(), nil)
	if res.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", res.Status)
	}
}

func TestCheckDatabaseOpensSchema(t *testing.T) {
	cfg := testConfig(t)
	res := checkDatabase(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", res.Status, res.Message)
	}
}

func TestCheckExecutablesMissingRunner(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunnerPath = filepath.Join(t.TempDir(), "no-such-runner")
	cfg.ParserPath = writeExecutable(t, t.TempDir(), "parser")

	res := checkExecutables(context.Background(), cfg)
	if res.Status != "FAIL" {
		t.Fatalf("expected FAIL for missing runner, got %s", res.Status)
	}
}

func TestCheckExecutablesPass(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.RunnerPath = writeExecutable(t, dir, "runner")
	cfg.ParserPath = writeExecutable(t, dir, "parser")

	res := checkExecutables(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", res.Status, res.Detail)
	}
}

func TestCheckDronesLocalhostOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Drones.Hosts = []string{"localhost"}

	res := checkDrones(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("expected PASS for localhost drone, got %s", res.Status)
	}
}

func TestFailedFlagsAnyFailure(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{
		{Name: "a", Status: "PASS"},
		{Name: "b", Status: "FAIL"},
	}}
	if !d.Failed() {
		t.Fatal("expected Failed() to be true")
	}
	d.Results[1].Status = "WARN"
	if d.Failed() {
		t.Fatal("expected Failed() to be false with no FAILs")
	}
}
