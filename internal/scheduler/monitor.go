package scheduler

import (
	"log/slog"
	"time"

	"github.com/basket/labsched/internal/drone"
	"github.com/basket/labsched/internal/notify"
)

// RunMonitor tracks one remote process through its pidfile handle. The
// handle is opaque; state is derived entirely from pidfile reads and a
// liveness check, so a monitor can be rebuilt after a restart by
// re-attaching to the persisted handle.
type RunMonitor struct {
	dm      drone.Manager
	notify  *notify.Manager
	logger  *slog.Logger
	timeout time.Duration

	pidfileID  drone.PidfileID
	hasProcess bool
	startTime  time.Time
	state      drone.PidfileContents
	lost       bool
}

func NewRunMonitor(dm drone.Manager, nm *notify.Manager, logger *slog.Logger, pidfileTimeout time.Duration) *RunMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunMonitor{dm: dm, notify: nm, logger: logger, timeout: pidfileTimeout}
}

// Run queues the command for execution and starts watching its pidfile.
func (m *RunMonitor) Run(spec drone.CommandSpec) drone.PidfileID {
	m.pidfileID = m.dm.ExecuteCommand(spec)
	m.dm.RegisterPidfile(m.pidfileID)
	m.hasProcess = true
	m.startTime = time.Now()
	return m.pidfileID
}

// AttachToExisting re-attaches to a process launched before a scheduler
// restart. The pidfile-write timeout restarts from now; an already-dead
// process is classified on the first Poll.
func (m *RunMonitor) AttachToExisting(id drone.PidfileID) {
	m.pidfileID = id
	m.dm.RegisterPidfile(id)
	m.hasProcess = true
	m.startTime = time.Now()
}

func (m *RunMonitor) HasProcess() bool          { return m.hasProcess }
func (m *RunMonitor) PidfileID() drone.PidfileID { return m.pidfileID }
func (m *RunMonitor) Lost() bool                { return m.lost }

// Pid returns the observed pid, or nil before the pidfile appears.
func (m *RunMonitor) Pid() *int { return m.state.Pid }

// ExitCode returns nil while the process runs. A lost process reports a
// synthetic failure exit status of 1.
func (m *RunMonitor) ExitCode() *int {
	if m.lost {
		one := 1
		return &one
	}
	return m.state.ExitStatus
}

// NumTestsFailed returns the reported failed-test count, 0 for a lost
// process, and -1 while unknown.
func (m *RunMonitor) NumTestsFailed() int {
	if m.lost {
		return 0
	}
	if m.state.TestsFailed == nil {
		return -1
	}
	return *m.state.TestsFailed
}

// Poll advances the monitor's view of the process. It never blocks
// beyond a pidfile read and a liveness check.
func (m *RunMonitor) Poll() {
	if !m.hasProcess || m.lost || m.state.ExitStatus != nil {
		return
	}

	if contents := m.dm.GetPidfileContents(m.pidfileID, false); !contents.IsEmpty() {
		m.state = contents
	}

	if m.state.Pid == nil {
		// NoPid: transient until the write timeout is crossed.
		if time.Since(m.startTime) > m.timeout {
			m.markLost("pidfile never appeared")
		}
		return
	}
	if m.state.ExitStatus != nil {
		return
	}

	// Running, pid known. Verify liveness; a dead process might still
	// have written its exit status between the cached read and now, so
	// read a second time before declaring it lost.
	if m.dm.IsProcessRunning(*m.state.Pid) {
		return
	}
	if second := m.dm.GetPidfileContents(m.pidfileID, true); second.ExitStatus != nil {
		m.state = second
		return
	}
	m.markLost("process vanished without writing an exit status")
}

func (m *RunMonitor) markLost(reason string) {
	m.lost = true
	m.logger.Error("lost process", "pidfile", m.pidfileID.Path, "reason", reason)
	if m.notify != nil {
		m.notify.Enqueuef("lost process", "pidfile %s: %s", m.pidfileID.Path, reason)
	}
}

// Kill terminates the monitored process. The pid is read off the
// pidfile on demand, so an abort right after launch still lands.
func (m *RunMonitor) Kill() {
	if m.lost || m.state.ExitStatus != nil {
		return
	}
	if m.state.Pid == nil {
		if contents := m.dm.GetPidfileContents(m.pidfileID, true); !contents.IsEmpty() {
			m.state = contents
		}
	}
	if m.state.Pid == nil || m.state.ExitStatus != nil {
		return
	}
	if err := m.dm.KillProcess(*m.state.Pid); err != nil {
		m.logger.Warn("kill failed", "pid", *m.state.Pid, "error", err)
	}
}

// Unregister stops tracking the pidfile; called when the owning task
// finishes.
func (m *RunMonitor) Unregister() {
	if m.hasProcess {
		m.dm.UnregisterPidfile(m.pidfileID)
	}
}
