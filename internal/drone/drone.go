// Package drone abstracts remote execution of test-runner processes.
// The dispatcher queues commands and file writes during a tick and the
// manager flushes them as a batch; process status flows back through
// pidfiles written under the results tree.
package drone

// PidfileID identifies one remote process's pidfile artifact. The path
// is relative to the results directory so handles survive scheduler
// restarts.
type PidfileID struct {
	Path string
}

func (id PidfileID) String() string { return id.Path }

// PidfileContents is the parsed state of a pidfile: one line per field,
// written in order as the process starts, exits, and reports results.
// Nil fields have not been written yet.
type PidfileContents struct {
	Pid         *int
	ExitStatus  *int
	TestsFailed *int
}

// IsEmpty reports whether nothing has been written yet.
func (c PidfileContents) IsEmpty() bool { return c.Pid == nil }

// CommandSpec describes one process launch.
type CommandSpec struct {
	Command      []string
	WorkingDir   string // relative to the results directory
	NumProcesses int    // capacity units this command consumes
	NiceLevel    int
	LogFile      string
	PidfileName  string
	Paired       *PidfileID // reuse this handle's working dir (post-job tasks)
	Owner        string
	Hostnames    []string
}

// Manager is the execution surface the dispatcher depends on. Commands
// and file writes queue until ExecuteActions; Refresh re-reads every
// registered pidfile so one tick sees a consistent snapshot.
type Manager interface {
	// ExecuteCommand queues a process launch and returns its handle.
	ExecuteCommand(spec CommandSpec) PidfileID
	// WriteLinesToFile queues a write of lines to a file under the
	// results directory (keyvals, diagnostic markers).
	WriteLinesToFile(path string, lines []string)
	// CopyToResultsRepository queues an upload of a handle's result
	// tree to the results repository.
	CopyToResultsRepository(id PidfileID, sourcePath string)
	// ExecuteActions flushes everything queued this tick.
	ExecuteActions() error
	// Refresh re-reads all registered pidfiles.
	Refresh() error

	// GetPidfileContents returns the latest snapshot for a handle.
	// useSecondRead forces a fresh read past the per-tick cache, used
	// to rule out a file caught mid-write.
	GetPidfileContents(id PidfileID, useSecondRead bool) PidfileContents
	RegisterPidfile(id PidfileID)
	UnregisterPidfile(id PidfileID)
	// AttachProcess accounts for a recovered process that this run of
	// the scheduler did not launch itself.
	AttachProcess(id PidfileID, pid, numProcs int)

	IsProcessRunning(pid int) bool
	KillProcess(pid int) error

	// MaxRunnableProcesses returns remaining capacity in process units.
	MaxRunnableProcesses() int
	TotalRunningProcesses() int
	// RunningProcessPids lists every live test-runner pid the manager
	// can see, for orphan cross-checks at recovery.
	RunningProcessPids() []int
}
