package scheduler

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/labsched/internal/drone"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(dm drone.Manager, timeout time.Duration) *RunMonitor {
	return NewRunMonitor(dm, nil, discardLogger(), timeout)
}

func monitorSpec() drone.CommandSpec {
	return drone.CommandSpec{
		Command:      []string{"/usr/bin/test_runner", "--verify"},
		WorkingDir:   "hosts/h1/1-verify",
		NumProcesses: 1,
		PidfileName:  ".task_execute",
	}
}

func TestMonitorAdoptsExitStatus(t *testing.T) {
	dm := drone.NewFakeManager()
	m := newTestMonitor(dm, time.Minute)
	id := m.Run(monitorSpec())

	dm.SpawnProcess(id)
	m.Poll()
	if m.ExitCode() != nil {
		t.Fatalf("exit code before process finished: %d", *m.ExitCode())
	}
	if m.Pid() == nil {
		t.Fatal("pid not picked up from pidfile")
	}

	dm.FinishProcess(id, 3, 2)
	m.Poll()
	if code := m.ExitCode(); code == nil || *code != 3 {
		t.Fatalf("exit code = %v, want 3", code)
	}
	if got := m.NumTestsFailed(); got != 2 {
		t.Fatalf("NumTestsFailed = %d, want 2", got)
	}
	if m.Lost() {
		t.Fatal("clean exit classified as lost")
	}
}

func TestMonitorPidfileWriteTimeout(t *testing.T) {
	dm := drone.NewFakeManager()
	m := newTestMonitor(dm, 10*time.Millisecond)
	m.Run(monitorSpec())

	m.Poll()
	if m.Lost() {
		t.Fatal("lost before the write timeout elapsed")
	}

	time.Sleep(20 * time.Millisecond)
	m.Poll()
	if !m.Lost() {
		t.Fatal("missing pidfile past the timeout not classified as lost")
	}
	if code := m.ExitCode(); code == nil || *code != 1 {
		t.Fatalf("lost process exit code = %v, want 1", code)
	}
	if got := m.NumTestsFailed(); got != 0 {
		t.Fatalf("lost process NumTestsFailed = %d, want 0", got)
	}
}

func TestMonitorSecondReadCatchesExitRace(t *testing.T) {
	dm := drone.NewFakeManager()
	m := newTestMonitor(dm, time.Minute)
	id := m.Run(monitorSpec())

	dm.SpawnProcess(id)
	m.Poll()

	// Process dies; the cached read still shows no exit status but a
	// fresh read does.
	dm.MarkProcessDead(id)
	exit, failed := 0, 0
	pid := *m.Pid()
	dm.SetSecondRead(id, drone.PidfileContents{Pid: &pid, ExitStatus: &exit, TestsFailed: &failed})

	m.Poll()
	if m.Lost() {
		t.Fatal("exit visible on second read still classified as lost")
	}
	if code := m.ExitCode(); code == nil || *code != 0 {
		t.Fatalf("exit code = %v, want 0", code)
	}
}

func TestMonitorVanishedProcessIsLost(t *testing.T) {
	dm := drone.NewFakeManager()
	m := newTestMonitor(dm, time.Minute)
	id := m.Run(monitorSpec())

	dm.SpawnProcess(id)
	m.Poll()
	dm.MarkProcessDead(id)

	m.Poll()
	if !m.Lost() {
		t.Fatal("dead process with no exit status not classified as lost")
	}
}

func TestMonitorKillReadsPidOnDemand(t *testing.T) {
	dm := drone.NewFakeManager()
	m := newTestMonitor(dm, time.Minute)
	id := m.Run(monitorSpec())
	pid := dm.SpawnProcess(id)

	// Kill without a prior Poll; the pid must come from the pidfile.
	m.Kill()
	if len(dm.Killed) != 1 || dm.Killed[0] != pid {
		t.Fatalf("killed pids = %v, want [%d]", dm.Killed, pid)
	}
}

func TestMonitorAttachToExisting(t *testing.T) {
	dm := drone.NewFakeManager()
	id := drone.PidfileID{Path: "1-owner/.runner_execute"}
	pid, exit, failed := 4242, 0, 0
	dm.SetPidfile(id, drone.PidfileContents{Pid: &pid, ExitStatus: &exit, TestsFailed: &failed})

	m := newTestMonitor(dm, time.Minute)
	m.AttachToExisting(id)
	m.Poll()
	if code := m.ExitCode(); code == nil || *code != 0 {
		t.Fatalf("exit code after attach = %v, want 0", code)
	}
}
