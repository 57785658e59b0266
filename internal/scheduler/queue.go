package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/labsched/internal/drone"
	"github.com/basket/labsched/internal/persistence"
)

const (
	queuePidfileName    = ".runner_execute"
	parserPidfileName   = ".parser_execute"
	archiverPidfileName = ".archiver_execute"
)

// queueTask runs the job group's control file on its assigned hosts.
// Hostless groups (server-side jobs) skip the host bookkeeping and go
// straight to parsing afterwards.
type queueTask struct {
	baseTask
	job     *persistence.Job
	entries []*persistence.HostQueueEntry
	hosts   []*persistence.Host
	subdir  string
}

// NewQueueTask builds the runner task for a started job group. All
// entries must share the job and its execution subdirectory.
func NewQueueTask(ctx context.Context, env *taskEnv, job *persistence.Job, entries []*persistence.HostQueueEntry) (Task, error) {
	if len(entries) == 0 {
		return nil, logicErrorf("job %d: queue task with no entries", job.ID)
	}
	t := &queueTask{
		job:     job,
		entries: entries,
		subdir:  entries[0].ExecutionSubdir,
	}
	if t.subdir == "" {
		t.subdir = executionSubdir(job)
	}
	for _, entry := range entries {
		t.entryIDs = append(t.entryIDs, entry.ID)
		if entry.HostID == nil {
			continue
		}
		host, err := env.store.GetHost(ctx, *entry.HostID)
		if err != nil {
			return nil, err
		}
		t.hosts = append(t.hosts, host)
		t.hostIDs = append(t.hostIDs, host.ID)
	}
	t.env = env
	t.hooks = t
	t.numProcesses = len(entries)
	t.supportsAbort = true
	return t, nil
}

func (t *queueTask) hostless() bool { return len(t.hosts) == 0 }

func (t *queueTask) hostnames() []string {
	names := make([]string, 0, len(t.hosts))
	for _, h := range t.hosts {
		names = append(names, h.Hostname)
	}
	return names
}

func (t *queueTask) prolog(ctx context.Context) error {
	for _, entry := range t.entries {
		if entry.Status != persistence.EntryStatusStarting && entry.Status != persistence.EntryStatusPending {
			return logicErrorf("job %d: entry %d in unexpected status %q at start",
				t.job.ID, entry.ID, entry.Status)
		}
	}

	now := time.Now().Unix()
	t.env.dm.WriteLinesToFile(filepath.Join(t.subdir, "keyval"), []string{
		fmt.Sprintf("job_queued=%d", t.job.CreatedAt.Unix()),
		fmt.Sprintf("job_started=%d", now),
	})
	t.env.dm.WriteLinesToFile(filepath.Join(t.subdir, "control.srv"),
		strings.Split(t.job.ControlFile, "\n"))

	for _, entry := range t.entries {
		if err := t.env.store.SetEntryStatus(ctx, entry.ID, persistence.EntryStatusRunning); err != nil {
			return err
		}
	}
	for _, host := range t.hosts {
		if err := t.env.store.SetHostStatus(ctx, host.ID, persistence.HostStatusRunning); err != nil {
			return err
		}
		if err := t.env.store.SetHostDirty(ctx, host.ID, true); err != nil {
			return err
		}
	}
	return nil
}

func (t *queueTask) command(ctx context.Context) (drone.CommandSpec, bool, error) {
	args := []string{
		t.env.cfg.RunnerPath,
		"--job", fmt.Sprintf("%d", t.job.ID),
		"--owner", t.job.Owner,
		"-r", ".",
	}
	if !t.hostless() {
		args = append(args, "-m", strings.Join(t.hostnames(), ","))
	}
	args = append(args, "control.srv")
	return drone.CommandSpec{
		Command:      args,
		WorkingDir:   t.subdir,
		NumProcesses: len(t.entries),
		NiceLevel:    t.env.cfg.NiceLevel,
		LogFile:      filepath.Join(t.subdir, "runner.log"),
		PidfileName:  queuePidfileName,
		Owner:        t.job.Owner,
		Hostnames:    t.hostnames(),
	}, true, nil
}

func (t *queueTask) epilog(ctx context.Context, success bool) error {
	t.env.dm.WriteLinesToFile(filepath.Join(t.subdir, "keyval"), []string{
		fmt.Sprintf("job_finished=%d", time.Now().Unix()),
	})
	if t.monitor != nil && t.monitor.Lost() {
		// Leave a breadcrumb in the results so a missing status log is
		// explicable after the fact.
		t.env.dm.WriteLinesToFile(filepath.Join(t.subdir, "runner_lost"), []string{
			fmt.Sprintf("runner process for job %d disappeared without reporting an exit status", t.job.ID),
		})
	}

	next := persistence.EntryStatusGathering
	if t.hostless() {
		next = persistence.EntryStatusParsing
	}
	for _, entry := range t.entries {
		if err := t.env.store.SetEntryStatus(ctx, entry.ID, next); err != nil {
			return err
		}
	}
	return nil
}
