package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basket/labsched/internal/drone"
	"github.com/basket/labsched/internal/persistence"
)

const crashinfoPidfileName = ".crashinfo_execute"

// postJobTask is the shared base of the gather/parse/archive pipeline
// that runs after the job group's runner process finishes. Each stage
// re-attaches a monitor to the runner's pidfile so it can read the
// final verdict regardless of scheduler restarts in between.
type postJobTask struct {
	baseTask
	job     *persistence.Job
	entries []*persistence.HostQueueEntry
	subdir  string

	jobMonitor *RunMonitor
}

func (t *postJobTask) initPostJob(ctx context.Context, env *taskEnv, entries []*persistence.HostQueueEntry) error {
	if len(entries) == 0 {
		return logicErrorf("post-job task with no entries")
	}
	job, err := env.store.GetJob(ctx, entries[0].JobID)
	if err != nil {
		return err
	}
	t.env = env
	t.job = job
	t.entries = entries
	t.subdir = entries[0].ExecutionSubdir
	for _, entry := range entries {
		t.entryIDs = append(t.entryIDs, entry.ID)
		if entry.HostID != nil {
			t.hostIDs = append(t.hostIDs, *entry.HostID)
		}
	}
	t.jobMonitor = env.newMonitor()
	t.jobMonitor.AttachToExisting(t.queuePidfileID())
	return nil
}

func (t *postJobTask) queuePidfileID() drone.PidfileID {
	return drone.PidfileID{Path: filepath.Join(t.subdir, queuePidfileName)}
}

func (t *postJobTask) hostnames(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(t.hostIDs))
	for _, id := range t.hostIDs {
		host, err := t.env.store.GetHost(ctx, id)
		if err != nil {
			return nil, err
		}
		names = append(names, host.Hostname)
	}
	return names, nil
}

// checkEntryStatuses verifies every entry sits in the stage this task
// expects before side effects start.
func (t *postJobTask) checkEntryStatuses(want persistence.EntryStatus) error {
	for _, entry := range t.entries {
		if entry.Status != want {
			return logicErrorf("job %d: entry %d in status %q, expected %q",
				t.job.ID, entry.ID, entry.Status, want)
		}
	}
	return nil
}

// jobVerdict reads the runner's final exit status and test-failure
// count off its pidfile.
func (t *postJobTask) jobVerdict() (success bool, testsFailed int) {
	t.jobMonitor.Poll()
	code := t.jobMonitor.ExitCode()
	testsFailed = t.jobMonitor.NumTestsFailed()
	return code != nil && *code == 0, testsFailed
}

func (t *postJobTask) setEntriesStatus(ctx context.Context, status persistence.EntryStatus) error {
	for _, entry := range t.entries {
		if err := t.env.store.SetEntryStatus(ctx, entry.ID, status); err != nil {
			return err
		}
	}
	return nil
}

// gatherLogsTask collects crash diagnostics when the runner died or
// was aborted, then hands the hosts to their reboot decision and the
// entries to parsing. It runs to completion even under abort.
type gatherLogsTask struct {
	postJobTask
}

func NewGatherLogsTask(ctx context.Context, env *taskEnv, entries []*persistence.HostQueueEntry) (Task, error) {
	t := &gatherLogsTask{}
	if err := t.initPostJob(ctx, env, entries); err != nil {
		return nil, err
	}
	t.hooks = t
	t.numProcesses = 1
	return t, nil
}

func (t *gatherLogsTask) prolog(ctx context.Context) error {
	return t.checkEntryStatuses(persistence.EntryStatusGathering)
}

func (t *gatherLogsTask) command(ctx context.Context) (drone.CommandSpec, bool, error) {
	t.jobMonitor.Poll()
	aborted := false
	for _, entry := range t.entries {
		if entry.Aborted {
			aborted = true
		}
	}
	// Crash diagnostics are only worth collecting when the run ended
	// badly; a clean exit skips straight to the epilog.
	if !aborted && !t.jobMonitor.Lost() && t.jobMonitor.ExitCode() != nil {
		return drone.CommandSpec{}, false, nil
	}
	hostnames, err := t.hostnames(ctx)
	if err != nil {
		return drone.CommandSpec{}, false, err
	}
	if len(hostnames) == 0 {
		return drone.CommandSpec{}, false, nil
	}
	return drone.CommandSpec{
		Command: []string{
			t.env.cfg.RunnerPath, "--collect-crashinfo",
			"-m", strings.Join(hostnames, ","), "-r", ".",
		},
		WorkingDir:   t.subdir,
		NumProcesses: 1,
		NiceLevel:    t.env.cfg.NiceLevel,
		LogFile:      filepath.Join(t.subdir, "crashinfo.log"),
		PidfileName:  crashinfoPidfileName,
		Owner:        t.job.Owner,
		Hostnames:    hostnames,
	}, true, nil
}

func (t *gatherLogsTask) epilog(ctx context.Context, success bool) error {
	t.env.dm.CopyToResultsRepository(t.queuePidfileID(), t.subdir)
	if err := t.setEntriesStatus(ctx, persistence.EntryStatusParsing); err != nil {
		return err
	}
	return t.decideReboots(ctx)
}

// decideReboots applies the job's reboot policy per host: a cleanup
// task when a reboot is due, otherwise straight back to Ready.
func (t *gatherLogsTask) decideReboots(ctx context.Context) error {
	jobOK, testsFailed := t.jobVerdict()
	aborted := false
	for _, entry := range t.entries {
		if entry.Aborted {
			aborted = true
		}
	}
	reboot := aborted ||
		t.job.RebootAfter == persistence.RebootAlways ||
		(t.job.RebootAfter == persistence.RebootIfAllTestsPassed && jobOK && testsFailed == 0)

	for _, hostID := range t.hostIDs {
		if reboot {
			err := t.env.store.CreateSpecialTask(ctx, &persistence.SpecialTask{
				HostID:      hostID,
				Task:        persistence.TaskCleanup,
				RequestedBy: "scheduler",
			})
			if err != nil {
				return err
			}
			continue
		}
		if err := t.env.store.SetHostStatus(ctx, hostID, persistence.HostStatusReady); err != nil {
			return err
		}
	}
	return nil
}

// finalReparseTask feeds the finished results through the parser.
// Parser processes are capacity-free on the lab side but rationed as a
// class so a burst of finishing jobs cannot bury the results server.
type finalReparseTask struct {
	postJobTask
}

func NewFinalReparseTask(ctx context.Context, env *taskEnv, entries []*persistence.HostQueueEntry) (Task, error) {
	t := &finalReparseTask{}
	if err := t.initPostJob(ctx, env, entries); err != nil {
		return nil, err
	}
	t.hooks = t
	t.numProcesses = 0
	t.throttleClass = throttleParse
	return t, nil
}

func (t *finalReparseTask) prolog(ctx context.Context) error {
	return t.checkEntryStatuses(persistence.EntryStatusParsing)
}

func (t *finalReparseTask) command(ctx context.Context) (drone.CommandSpec, bool, error) {
	paired := t.queuePidfileID()
	return drone.CommandSpec{
		Command: []string{
			t.env.cfg.ParserPath, "--write-pidfile", "-l", "2",
			"-r", "-o", t.subdir,
		},
		NumProcesses: 0,
		LogFile:      filepath.Join(t.subdir, "parse.log"),
		PidfileName:  parserPidfileName,
		Paired:       &paired,
		Owner:        t.job.Owner,
	}, true, nil
}

func (t *finalReparseTask) epilog(ctx context.Context, success bool) error {
	return t.setEntriesStatus(ctx, persistence.EntryStatusArchiving)
}

// archiveResultsTask ships the parsed results off the drone and then
// settles the entries' final status from the runner's verdict.
type archiveResultsTask struct {
	postJobTask
}

func NewArchiveResultsTask(ctx context.Context, env *taskEnv, entries []*persistence.HostQueueEntry) (Task, error) {
	t := &archiveResultsTask{}
	if err := t.initPostJob(ctx, env, entries); err != nil {
		return nil, err
	}
	t.hooks = t
	t.numProcesses = 0
	t.throttleClass = throttleTransfer
	return t, nil
}

func (t *archiveResultsTask) prolog(ctx context.Context) error {
	return t.checkEntryStatuses(persistence.EntryStatusArchiving)
}

func (t *archiveResultsTask) command(ctx context.Context) (drone.CommandSpec, bool, error) {
	paired := t.queuePidfileID()
	return drone.CommandSpec{
		Command: []string{
			t.env.cfg.RunnerPath, "--archive-results",
			"--use-existing-results", "-r", ".",
		},
		WorkingDir:   t.subdir,
		NumProcesses: 0,
		LogFile:      filepath.Join(t.subdir, "archive.log"),
		PidfileName:  archiverPidfileName,
		Paired:       &paired,
		Owner:        t.job.Owner,
	}, true, nil
}

func (t *archiveResultsTask) epilog(ctx context.Context, success bool) error {
	// Last pipeline stage: nothing reads the runner's pidfile after the
	// verdict is settled, so drop it from the refresh set.
	defer t.jobMonitor.Unregister()
	if !success {
		t.env.dm.WriteLinesToFile(filepath.Join(t.subdir, ".archiver_failed"), []string{
			fmt.Sprintf("archiving failed for job %d", t.job.ID),
		})
		t.env.notify.Enqueuef("results archiving failed",
			"job %d (%s): archiver exited with an error; results remain on the drone under %s",
			t.job.ID, t.job.Name, t.subdir)
	}
	return t.setFinalStatus(ctx)
}

// setFinalStatus resolves each entry to Aborted, Completed or Failed.
// The abort flags are re-read from the store since they may have been
// raised while the pipeline was running.
func (t *archiveResultsTask) setFinalStatus(ctx context.Context) error {
	abortCount := 0
	fresh := make([]*persistence.HostQueueEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		cur, err := t.env.store.GetEntry(ctx, entry.ID)
		if err != nil {
			return err
		}
		fresh = append(fresh, cur)
		if cur.Aborted {
			abortCount++
		}
	}

	aborted := abortCount > 0
	if aborted && abortCount != len(fresh) {
		// A group should abort as a unit; a split flag means something
		// interfered. Take the safe reading.
		t.env.notify.Enqueuef("inconsistent abort state",
			"job %d: %d of %d entries flagged aborted; treating the whole group as aborted",
			t.job.ID, abortCount, len(fresh))
	}

	jobOK, testsFailed := t.jobVerdict()
	final := persistence.EntryStatusFailed
	switch {
	case aborted:
		final = persistence.EntryStatusAborted
	case jobOK && testsFailed == 0:
		final = persistence.EntryStatusCompleted
	}
	for _, entry := range fresh {
		if err := t.env.store.SetEntryStatus(ctx, entry.ID, final); err != nil {
			return err
		}
	}
	return nil
}
