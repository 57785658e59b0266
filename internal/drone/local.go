package drone

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// LocalManager runs test-runner processes on the scheduler's own
// machine. It is the single-drone deployment; the pidfile protocol is
// identical to what a remote drone would produce.
type LocalManager struct {
	resultsDir string
	repoDir    string
	runnerName string
	maxProcs   int
	logger     *slog.Logger

	mu         sync.Mutex
	queuedCmds []CommandSpec
	queuedIDs  []PidfileID
	writes     []queuedWrite
	copies     []queuedCopy
	registered map[string]PidfileContents
	running    map[string]*managedProcess // keyed by pidfile path
}

type queuedWrite struct {
	path  string
	lines []string
}

type queuedCopy struct {
	id     PidfileID
	source string
}

type managedProcess struct {
	pid      int
	numProcs int
}

func NewLocalManager(resultsDir, repoDir, runnerName string, maxProcs int, logger *slog.Logger) *LocalManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalManager{
		resultsDir: resultsDir,
		repoDir:    repoDir,
		runnerName: runnerName,
		maxProcs:   maxProcs,
		logger:     logger,
		registered: make(map[string]PidfileContents),
		running:    make(map[string]*managedProcess),
	}
}

// ResultsDir returns the root of the local results tree.
func (m *LocalManager) ResultsDir() string { return m.resultsDir }

func (m *LocalManager) ExecuteCommand(spec CommandSpec) PidfileID {
	workDir := spec.WorkingDir
	if spec.Paired != nil {
		workDir = filepath.Dir(spec.Paired.Path)
	}
	id := PidfileID{Path: filepath.Join(workDir, spec.PidfileName)}
	m.mu.Lock()
	m.queuedCmds = append(m.queuedCmds, spec)
	m.queuedIDs = append(m.queuedIDs, id)
	m.registered[id.Path] = PidfileContents{}
	m.mu.Unlock()
	return id
}

func (m *LocalManager) WriteLinesToFile(path string, lines []string) {
	m.mu.Lock()
	m.writes = append(m.writes, queuedWrite{path: path, lines: lines})
	m.mu.Unlock()
}

func (m *LocalManager) CopyToResultsRepository(id PidfileID, sourcePath string) {
	m.mu.Lock()
	m.copies = append(m.copies, queuedCopy{id: id, source: sourcePath})
	m.mu.Unlock()
}

// ExecuteActions flushes queued file writes, result copies and process
// launches. Individual failures are logged and do not block the rest
// of the batch; a launch failure shows up as a lost process.
func (m *LocalManager) ExecuteActions() error {
	m.mu.Lock()
	cmds := m.queuedCmds
	ids := m.queuedIDs
	writes := m.writes
	copies := m.copies
	m.queuedCmds = nil
	m.queuedIDs = nil
	m.writes = nil
	m.copies = nil
	m.mu.Unlock()

	for _, w := range writes {
		if err := m.writeLines(w); err != nil {
			m.logger.Error("queued file write failed", "path", w.path, "error", err)
		}
	}
	for _, c := range copies {
		if err := m.copyToRepo(c); err != nil {
			m.logger.Error("result copy failed", "source", c.source, "error", err)
		}
	}
	for i, spec := range cmds {
		if err := m.launch(spec, ids[i]); err != nil {
			m.logger.Error("process launch failed", "pidfile", ids[i].Path, "error", err)
		}
	}
	return nil
}

func (m *LocalManager) writeLines(w queuedWrite) error {
	full := filepath.Join(m.resultsDir, w.path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, line := range w.lines {
		if _, err := fmt.Fprintln(f, line); err != nil {
			return err
		}
	}
	return nil
}

func (m *LocalManager) copyToRepo(c queuedCopy) error {
	if m.repoDir == "" {
		return nil
	}
	src := filepath.Join(m.resultsDir, c.source)
	dst := filepath.Join(m.repoDir, c.source)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return copyFS(dst, os.DirFS(src))
}

// copyFS mirrors os.CopyFS (added in Go 1.23) for older toolchains.
func copyFS(dir string, fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		newPath := filepath.Join(dir, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(newPath, 0o777)
		}
		if !d.Type().IsRegular() {
			return &os.PathError{Op: "CopyFS", Path: path, Err: os.ErrInvalid}
		}
		r, err := fsys.Open(path)
		if err != nil {
			return err
		}
		defer r.Close()
		info, err := r.Stat()
		if err != nil {
			return err
		}
		w, err := os.OpenFile(newPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666|info.Mode()&0o777)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, r); err != nil {
			w.Close()
			return &os.PathError{Op: "Copy", Path: newPath, Err: err}
		}
		return w.Close()
	})
}

func (m *LocalManager) launch(spec CommandSpec, id PidfileID) error {
	workDir := filepath.Join(m.resultsDir, filepath.Dir(id.Path))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create working dir: %w", err)
	}

	args := spec.Command
	if spec.NiceLevel > 0 {
		args = append([]string{"nice", "-n", strconv.Itoa(spec.NiceLevel)}, args...)
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = workDir

	if spec.LogFile != "" {
		logPath := filepath.Join(m.resultsDir, spec.LogFile)
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return err
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", args[0], err)
	}
	pid := cmd.Process.Pid

	pidfilePath := filepath.Join(m.resultsDir, id.Path)
	if err := os.WriteFile(pidfilePath, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}

	numProcs := spec.NumProcesses
	if numProcs < 1 {
		numProcs = 1
	}
	m.mu.Lock()
	m.running[id.Path] = &managedProcess{pid: pid, numProcs: numProcs}
	m.mu.Unlock()

	// Completion writer: append exit status and tests-failed count once
	// the process is gone, mirroring what the runner protocol expects.
	go func() {
		err := cmd.Wait()
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if exitCode < 0 {
				// Killed by signal: record no exit status so the
				// monitor classifies the process as lost.
				m.finishProcess(id)
				return
			}
		} else if err != nil {
			exitCode = 1
		}
		failed := m.readTestsFailed(filepath.Dir(pidfilePath))
		f, ferr := os.OpenFile(pidfilePath, os.O_APPEND|os.O_WRONLY, 0o644)
		if ferr == nil {
			fmt.Fprintf(f, "%d\n%d\n", exitCode, failed)
			f.Close()
		}
		m.finishProcess(id)
	}()
	return nil
}

func (m *LocalManager) finishProcess(id PidfileID) {
	m.mu.Lock()
	delete(m.running, id.Path)
	m.mu.Unlock()
}

// readTestsFailed picks up the runner's failed-test count sidecar if it
// wrote one.
func (m *LocalManager) readTestsFailed(dir string) int {
	data, err := os.ReadFile(filepath.Join(dir, "num_tests_failed"))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}

// AttachProcess accounts for a process recovered from a persisted
// pidfile handle rather than launched this run.
func (m *LocalManager) AttachProcess(id PidfileID, pid, numProcs int) {
	if numProcs < 1 {
		numProcs = 1
	}
	m.mu.Lock()
	m.running[id.Path] = &managedProcess{pid: pid, numProcs: numProcs}
	m.mu.Unlock()
}

// Refresh re-reads every registered pidfile into the per-tick cache and
// drops capacity accounting for attached processes that have exited.
func (m *LocalManager) Refresh() error {
	m.mu.Lock()
	for path, p := range m.running {
		if !m.IsProcessRunning(p.pid) {
			delete(m.running, path)
		}
	}
	paths := make([]string, 0, len(m.registered))
	for p := range m.registered {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	for _, p := range paths {
		contents := m.readPidfile(p)
		m.mu.Lock()
		if _, ok := m.registered[p]; ok {
			m.registered[p] = contents
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *LocalManager) readPidfile(relPath string) PidfileContents {
	data, err := os.ReadFile(filepath.Join(m.resultsDir, relPath))
	if err != nil {
		return PidfileContents{}
	}
	return ParsePidfile(string(data))
}

// ParsePidfile parses the three-line pidfile protocol: pid, then exit
// status, then failed-test count. Trailing lines appear only after the
// process finishes.
func ParsePidfile(data string) PidfileContents {
	var c PidfileContents
	lines := strings.Split(strings.TrimSpace(data), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return c
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
		c.Pid = &pid
	}
	if len(lines) > 1 {
		if status, err := strconv.Atoi(strings.TrimSpace(lines[1])); err == nil {
			c.ExitStatus = &status
		}
	}
	if len(lines) > 2 {
		if failed, err := strconv.Atoi(strings.TrimSpace(lines[2])); err == nil {
			c.TestsFailed = &failed
		}
	}
	return c
}

func (m *LocalManager) GetPidfileContents(id PidfileID, useSecondRead bool) PidfileContents {
	if useSecondRead {
		return m.readPidfile(id.Path)
	}
	m.mu.Lock()
	contents, ok := m.registered[id.Path]
	m.mu.Unlock()
	if ok {
		return contents
	}
	return m.readPidfile(id.Path)
}

func (m *LocalManager) RegisterPidfile(id PidfileID) {
	contents := m.readPidfile(id.Path)
	m.mu.Lock()
	if _, ok := m.registered[id.Path]; !ok {
		m.registered[id.Path] = contents
	}
	m.mu.Unlock()
}

func (m *LocalManager) UnregisterPidfile(id PidfileID) {
	m.mu.Lock()
	delete(m.registered, id.Path)
	m.mu.Unlock()
}

func (m *LocalManager) IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (m *LocalManager) KillProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

func (m *LocalManager) MaxRunnableProcesses() int {
	free := m.maxProcs - m.TotalRunningProcesses()
	if free < 0 {
		return 0
	}
	return free
}

func (m *LocalManager) TotalRunningProcesses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, p := range m.running {
		total += p.numProcs
	}
	return total
}

// RunningProcessPids scans the process table for live test-runner
// processes. Used at recovery to cross-check re-attached agents
// against what is actually running.
func (m *LocalManager) RunningProcessPids() []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		if strings.Contains(string(cmdline), m.runnerName) {
			pids = append(pids, pid)
		}
	}
	return pids
}
