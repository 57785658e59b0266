package scheduler

import (
	"context"
	"fmt"

	"github.com/basket/labsched/internal/persistence"
)

// RecoverAtStartup rebuilds the dispatcher's in-memory agent state
// from the store after a restart. Processes launched by the previous
// instance are re-attached through their pidfile handles, never
// relaunched; anything the store cannot explain is an orphan.
func (d *Dispatcher) RecoverAtStartup(ctx context.Context) error {
	if err := d.env.dm.Refresh(); err != nil {
		return fmt.Errorf("refresh pidfiles: %w", err)
	}
	if err := d.recoverSpecialTasks(ctx); err != nil {
		return err
	}
	if err := d.registerInFlightAgents(ctx); err != nil {
		return err
	}
	recovered, err := d.adoptRunningProcesses(ctx)
	if err != nil {
		return err
	}
	if err := d.checkForOrphans(ctx, recovered); err != nil {
		return err
	}
	if err := d.checkMaintenanceIntegrity(ctx); err != nil {
		return err
	}
	if err := d.revivePendingGroups(ctx); err != nil {
		return err
	}
	if err := d.reissueHostCleanups(ctx); err != nil {
		return err
	}
	d.env.logger.InfoContext(ctx, "startup recovery complete",
		"agents", len(d.agents), "recovered_processes", len(recovered))
	return nil
}

// recoverSpecialTasks rebuilds an agent for every special task that was
// active when the previous instance died. Tasks that had launched
// re-attach through their persisted pidfile handle; tasks caught
// between activation and launch simply run from the top.
func (d *Dispatcher) recoverSpecialTasks(ctx context.Context) error {
	records, err := d.env.store.ActiveSpecialTasks(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		task, err := NewSpecialTaskRunner(ctx, d.env, record)
		if err != nil {
			if isLogicError(err) {
				d.env.logger.ErrorContext(ctx, "unrecoverable special task, closing it out",
					"task", record.ID, "error", err)
				if ferr := d.env.store.FinishSpecialTask(ctx, record.ID, false); ferr != nil {
					return ferr
				}
				continue
			}
			return err
		}
		if record.PidfileID != "" {
			d.maybeAttach(task, record.PidfileID)
		}
		if err := d.addAgent(NewAgent(task)); err != nil {
			d.env.logger.ErrorContext(ctx, "special task recovery conflict", "task", record.ID, "error", err)
		}
	}
	return nil
}

// adoptRunningProcesses registers every still-live recovered process
// with the drone manager so capacity accounting survives the restart.
// Returns the set of adopted pids.
func (d *Dispatcher) adoptRunningProcesses(ctx context.Context) (map[int]bool, error) {
	recovered := make(map[int]bool)
	for _, agent := range d.agents {
		holder, ok := agent.Task().(interface{ Monitor() *RunMonitor })
		if !ok {
			continue
		}
		monitor := holder.Monitor()
		if monitor == nil || !monitor.HasProcess() {
			continue
		}
		contents := d.env.dm.GetPidfileContents(monitor.PidfileID(), true)
		if contents.Pid == nil || !d.env.dm.IsProcessRunning(*contents.Pid) {
			continue
		}
		d.env.dm.AttachProcess(monitor.PidfileID(), *contents.Pid, agent.NumProcesses())
		recovered[*contents.Pid] = true
		d.env.logger.InfoContext(ctx, "re-attached process",
			"pid", *contents.Pid, "pidfile", monitor.PidfileID().Path)
	}
	return recovered, nil
}

// checkForOrphans cross-checks the process table against the recovered
// set. Orphans get reported; whether they are fatal is configurable.
func (d *Dispatcher) checkForOrphans(ctx context.Context, recovered map[int]bool) error {
	var orphans []int
	for _, pid := range d.env.dm.RunningProcessPids() {
		if !recovered[pid] {
			orphans = append(orphans, pid)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	d.env.logger.ErrorContext(ctx, "orphaned test-runner processes found", "pids", orphans)
	d.env.notify.Enqueuef("orphaned processes at recovery",
		"found %d running test-runner processes with no owning record: %v", len(orphans), orphans)
	if d.metrics != nil {
		d.metrics.OrphansDetected.Add(ctx, int64(len(orphans)))
	}
	if d.env.cfg.DieOnOrphans {
		return fmt.Errorf("refusing to start with %d orphaned processes: %v", len(orphans), orphans)
	}
	return nil
}

// checkMaintenanceIntegrity refuses to start when an entry claims to be
// mid-verify but no verify or cleanup task backs the claim; that state
// can never make progress.
func (d *Dispatcher) checkMaintenanceIntegrity(ctx context.Context) error {
	verifying, err := d.env.store.EntriesInStatus(ctx, persistence.EntryStatusVerifying)
	if err != nil {
		return err
	}
	for _, entry := range verifying {
		tasks, err := d.env.store.IncompleteTasksForEntry(ctx, entry.ID,
			persistence.TaskVerify, persistence.TaskCleanup)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return fmt.Errorf("queue entry %d is Verifying with no verify or cleanup task on record", entry.ID)
		}
	}
	return nil
}

// revivePendingGroups re-evaluates job readiness for entries parked in
// Pending across the restart, since the epilog that would have done it
// already ran.
func (d *Dispatcher) revivePendingGroups(ctx context.Context) error {
	pending, err := d.env.store.EntriesInStatus(ctx, persistence.EntryStatusPending)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for _, entry := range pending {
		if seen[entry.JobID] || d.agentForEntry(entry.ID) != nil {
			continue
		}
		seen[entry.JobID] = true
		if err := d.env.checkJobReady(ctx, entry.JobID); err != nil {
			return err
		}
	}
	return nil
}

// reissueHostCleanups schedules a cleanup for every host stranded in a
// transient status with no task or agent left to move it.
func (d *Dispatcher) reissueHostCleanups(ctx context.Context) error {
	hosts, err := d.env.store.HostsInStatus(ctx,
		persistence.HostStatusRepairing, persistence.HostStatusVerifying,
		persistence.HostStatusCleaning, persistence.HostStatusResetting,
		persistence.HostStatusProvisioning, persistence.HostStatusRepairFailed)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		return nil
	}

	covered := make(map[int64]bool)
	queued, err := d.env.store.QueuedSpecialTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range queued {
		covered[t.HostID] = true
	}
	active, err := d.env.store.ActiveSpecialTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range active {
		covered[t.HostID] = true
	}

	for _, host := range hosts {
		if covered[host.ID] || d.agentForHost(host.ID) != nil {
			continue
		}
		d.env.logger.WarnContext(ctx, "host stranded mid-maintenance, scheduling cleanup",
			"host", host.Hostname, "status", host.Status)
		err := d.env.store.CreateSpecialTask(ctx, &persistence.SpecialTask{
			HostID:      host.ID,
			Task:        persistence.TaskCleanup,
			RequestedBy: "scheduler",
		})
		if err != nil {
			return err
		}
	}
	return nil
}
