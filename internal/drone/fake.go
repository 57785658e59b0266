package drone

import (
	"fmt"
	"path/filepath"
	"sync"
)

// FakeManager is an in-memory Manager for tests. Launched commands
// never run; tests drive process state with SetPidfile, FinishProcess
// and MarkProcessDead.
type FakeManager struct {
	mu         sync.Mutex
	Capacity   int
	nextPid    int
	Commands   []CommandSpec
	Executed   []CommandSpec // flushed by ExecuteActions
	Writes     map[string][]string
	Copies     []PidfileID
	pidfiles   map[string]PidfileContents
	secondRead map[string]PidfileContents
	registered map[string]bool
	livePids   map[int]bool
	Killed     []int
	procUnits  map[string]int
}

func NewFakeManager() *FakeManager {
	return &FakeManager{
		Capacity:   100,
		nextPid:    1000,
		Writes:     make(map[string][]string),
		pidfiles:   make(map[string]PidfileContents),
		secondRead: make(map[string]PidfileContents),
		registered: make(map[string]bool),
		livePids:   make(map[int]bool),
		procUnits:  make(map[string]int),
	}
}

func (f *FakeManager) ExecuteCommand(spec CommandSpec) PidfileID {
	f.mu.Lock()
	defer f.mu.Unlock()
	workDir := spec.WorkingDir
	if spec.Paired != nil {
		workDir = filepath.Dir(spec.Paired.Path)
	}
	id := PidfileID{Path: filepath.Join(workDir, spec.PidfileName)}
	f.Commands = append(f.Commands, spec)
	f.registered[id.Path] = true
	units := spec.NumProcesses
	if units < 1 {
		units = 1
	}
	f.procUnits[id.Path] = units
	return id
}

// SpawnProcess simulates the queued command starting: assigns a pid and
// writes the first pidfile line.
func (f *FakeManager) SpawnProcess(id PidfileID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	pid := f.nextPid
	f.pidfiles[id.Path] = PidfileContents{Pid: &pid}
	f.livePids[pid] = true
	return pid
}

// FinishProcess simulates process completion: writes exit status and
// failed-test count, and marks the pid dead.
func (f *FakeManager) FinishProcess(id PidfileID, exitStatus, testsFailed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.pidfiles[id.Path]
	c.ExitStatus = &exitStatus
	c.TestsFailed = &testsFailed
	f.pidfiles[id.Path] = c
	if c.Pid != nil {
		delete(f.livePids, *c.Pid)
	}
	delete(f.procUnits, id.Path)
}

// MarkProcessDead kills the pid without writing an exit status; the
// monitor should classify the process as lost.
func (f *FakeManager) MarkProcessDead(id PidfileID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.pidfiles[id.Path]; ok && c.Pid != nil {
		delete(f.livePids, *c.Pid)
	}
	delete(f.procUnits, id.Path)
}

// SetSecondRead makes the double-read return different contents than
// the cached snapshot, for exit-race tests.
func (f *FakeManager) SetSecondRead(id PidfileID, c PidfileContents) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secondRead[id.Path] = c
}

// SetPidfile overwrites a handle's contents directly.
func (f *FakeManager) SetPidfile(id PidfileID, c PidfileContents) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pidfiles[id.Path] = c
	if c.Pid != nil && c.ExitStatus == nil {
		f.livePids[*c.Pid] = true
	}
}

func (f *FakeManager) WriteLinesToFile(path string, lines []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes[path] = append(f.Writes[path], lines...)
}

func (f *FakeManager) CopyToResultsRepository(id PidfileID, sourcePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Copies = append(f.Copies, id)
}

func (f *FakeManager) ExecuteActions() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Executed = append(f.Executed, f.Commands...)
	f.Commands = nil
	return nil
}

func (f *FakeManager) Refresh() error { return nil }

func (f *FakeManager) GetPidfileContents(id PidfileID, useSecondRead bool) PidfileContents {
	f.mu.Lock()
	defer f.mu.Unlock()
	if useSecondRead {
		if c, ok := f.secondRead[id.Path]; ok {
			return c
		}
	}
	return f.pidfiles[id.Path]
}

func (f *FakeManager) RegisterPidfile(id PidfileID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[id.Path] = true
}

func (f *FakeManager) UnregisterPidfile(id PidfileID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, id.Path)
}

// IsRegistered reports whether a pidfile handle is in the refresh set.
func (f *FakeManager) IsRegistered(id PidfileID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[id.Path]
}

func (f *FakeManager) AttachProcess(id PidfileID, pid, numProcs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if numProcs < 1 {
		numProcs = 1
	}
	f.procUnits[id.Path] = numProcs
	f.livePids[pid] = true
}

func (f *FakeManager) IsProcessRunning(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.livePids[pid]
}

func (f *FakeManager) KillProcess(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.livePids[pid] {
		return fmt.Errorf("no such process %d", pid)
	}
	f.Killed = append(f.Killed, pid)
	delete(f.livePids, pid)
	return nil
}

func (f *FakeManager) MaxRunnableProcesses() int {
	free := f.Capacity - f.TotalRunningProcesses()
	if free < 0 {
		return 0
	}
	return free
}

func (f *FakeManager) TotalRunningProcesses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.procUnits {
		total += n
	}
	return total
}

func (f *FakeManager) RunningProcessPids() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	pids := make([]int, 0, len(f.livePids))
	for pid := range f.livePids {
		pids = append(pids, pid)
	}
	return pids
}

// AddOrphanPid injects a live process with no pidfile handle, for
// recovery orphan-detection tests.
func (f *FakeManager) AddOrphanPid(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.livePids[pid] = true
}
