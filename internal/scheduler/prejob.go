package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basket/labsched/internal/drone"
	"github.com/basket/labsched/internal/persistence"
)

const taskPidfileName = ".task_execute"

// maintenanceTask is the shared machinery of the Verify, Repair,
// Cleanup, Reset and Provision variants. The variant supplies its
// runner flag, its in-progress statuses, and what happens on
// completion.
type maintenanceTask struct {
	baseTask
	record *persistence.SpecialTask
	host   *persistence.Host
	entry  *persistence.HostQueueEntry // nil for host-only maintenance

	runnerFlag      string
	hostBusyStatus  persistence.HostStatus
	entryBusyStatus persistence.EntryStatus
	// entryPreconditions are the statuses the bound entry may be in at
	// prolog time; anything else is a logic error.
	entryPreconditions []persistence.EntryStatus
	outcome            maintenanceOutcome
	extraArgs          []string
}

// maintenanceOutcome is the variant-specific completion behavior.
type maintenanceOutcome interface {
	taskFinished(ctx context.Context, success bool) error
}

// NewSpecialTaskRunner builds the Task for a persisted SpecialTask
// record, dispatching on its kind.
func NewSpecialTaskRunner(ctx context.Context, env *taskEnv, record *persistence.SpecialTask) (Task, error) {
	host, err := env.store.GetHost(ctx, record.HostID)
	if err != nil {
		return nil, err
	}
	var entry *persistence.HostQueueEntry
	if record.QueueEntryID != nil {
		entry, err = env.store.GetEntry(ctx, *record.QueueEntryID)
		if err != nil {
			return nil, err
		}
	}

	m := &maintenanceTask{
		record: record,
		host:   host,
		entry:  entry,
	}
	m.env = env
	m.hooks = m
	m.numProcesses = 1
	m.supportsAbort = true
	m.hostIDs = []int64{host.ID}
	if entry != nil {
		m.entryIDs = []int64{entry.ID}
	}
	m.onLaunched = func(ctx context.Context, id drone.PidfileID) {
		if err := env.store.SetSpecialTaskPidfile(ctx, record.ID, id.Path); err != nil {
			env.logger.Warn("persist task pidfile failed", "task", record.ID, "error", err)
		}
	}

	preJobStates := []persistence.EntryStatus{
		persistence.EntryStatusQueued,
		persistence.EntryStatusVerifying,
		persistence.EntryStatusCleaning,
		persistence.EntryStatusResetting,
		persistence.EntryStatusProvisioning,
	}

	switch record.Task {
	case persistence.TaskVerify:
		m.runnerFlag = "--verify"
		m.hostBusyStatus = persistence.HostStatusVerifying
		m.entryBusyStatus = persistence.EntryStatusVerifying
		m.entryPreconditions = preJobStates
		m.outcome = &preJobOutcome{m: m, clearDirty: false}
	case persistence.TaskCleanup:
		m.runnerFlag = "--cleanup"
		m.hostBusyStatus = persistence.HostStatusCleaning
		m.entryBusyStatus = persistence.EntryStatusCleaning
		m.entryPreconditions = preJobStates
		m.outcome = &preJobOutcome{m: m, clearDirty: true}
	case persistence.TaskReset:
		m.runnerFlag = "--reset"
		m.hostBusyStatus = persistence.HostStatusResetting
		m.entryBusyStatus = persistence.EntryStatusResetting
		m.entryPreconditions = preJobStates
		m.outcome = &preJobOutcome{m: m, clearDirty: true}
	case persistence.TaskRepair:
		m.runnerFlag = "--repair"
		m.hostBusyStatus = persistence.HostStatusRepairing
		m.extraArgs = []string{"--protection", string(host.Protection)}
		m.outcome = &repairOutcome{m: m}
	case persistence.TaskProvision:
		if entry == nil {
			return nil, logicErrorf("provision task %d has no queue entry", record.ID)
		}
		m.runnerFlag = "--provision"
		m.hostBusyStatus = persistence.HostStatusProvisioning
		m.entryBusyStatus = persistence.EntryStatusProvisioning
		m.entryPreconditions = preJobStates
		m.outcome = &provisionOutcome{m: m}
	default:
		return nil, logicErrorf("unknown special task kind %q", record.Task)
	}
	return m, nil
}

func (m *maintenanceTask) workDir() string {
	return filepath.Join("hosts", m.host.Hostname,
		fmt.Sprintf("%d-%s", m.record.ID, strings.ToLower(string(m.record.Task))))
}

func (m *maintenanceTask) prolog(ctx context.Context) error {
	if m.entry != nil && len(m.entryPreconditions) > 0 {
		ok := false
		for _, st := range m.entryPreconditions {
			if m.entry.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return logicErrorf("%s task %d: queue entry %d in unexpected status %q",
				m.record.Task, m.record.ID, m.entry.ID, m.entry.Status)
		}
	}

	if err := m.env.store.ActivateSpecialTask(ctx, m.record.ID); err != nil {
		return err
	}
	if err := m.env.store.SetHostStatus(ctx, m.host.ID, m.hostBusyStatus); err != nil {
		return err
	}
	if m.entry != nil && m.entryBusyStatus != "" && m.entry.Status != m.entryBusyStatus {
		if err := m.env.store.SetEntryStatus(ctx, m.entry.ID, m.entryBusyStatus); err != nil {
			return err
		}
	}

	m.writeHostKeyvals()
	return nil
}

// writeHostKeyvals records the host's labels and protection into the
// task's result tree, mirroring what result parsing expects.
func (m *maintenanceTask) writeHostKeyvals() {
	lines := []string{
		"labels=" + strings.Join(m.host.Labels, ","),
		"protection=" + string(m.host.Protection),
	}
	m.env.dm.WriteLinesToFile(filepath.Join(m.workDir(), "host_keyvals", m.host.Hostname), lines)
}

func (m *maintenanceTask) command(ctx context.Context) (drone.CommandSpec, bool, error) {
	args := []string{m.env.cfg.RunnerPath, m.runnerFlag, "-m", m.host.Hostname, "-r", "."}
	args = append(args, m.extraArgs...)
	return drone.CommandSpec{
		Command:      args,
		WorkingDir:   m.workDir(),
		NumProcesses: 1,
		NiceLevel:    m.env.cfg.NiceLevel,
		LogFile:      filepath.Join(m.workDir(), "task.log"),
		PidfileName:  taskPidfileName,
		Owner:        m.record.RequestedBy,
		Hostnames:    []string{m.host.Hostname},
	}, true, nil
}

func (m *maintenanceTask) epilog(ctx context.Context, success bool) error {
	if m.aborted {
		success = false
	}
	if m.launched {
		m.env.dm.CopyToResultsRepository(m.monitor.PidfileID(), m.workDir())
	}
	if err := m.env.store.FinishSpecialTask(ctx, m.record.ID, success); err != nil {
		return err
	}
	if m.aborted {
		// The abort pass handles the entry; leave the host alone.
		return nil
	}
	return m.outcome.taskFinished(ctx, success)
}

// preJobOutcome is shared by Verify, Cleanup and Reset: success (or a
// do-not-verify host) releases the entry toward running; failure
// requeues the entry and escalates to Repair.
type preJobOutcome struct {
	m          *maintenanceTask
	clearDirty bool
}

func (o *preJobOutcome) taskFinished(ctx context.Context, success bool) error {
	m := o.m
	if !success && m.host.Protection == persistence.ProtectionDoNotVerify {
		// Protection policy says never hold this host back.
		success = true
	}
	if success {
		if o.clearDirty {
			if err := m.env.store.SetHostDirty(ctx, m.host.ID, false); err != nil {
				return err
			}
		}
		if err := m.env.store.SetHostStatus(ctx, m.host.ID, persistence.HostStatusReady); err != nil {
			return err
		}
		if m.entry == nil {
			return nil
		}
		return m.env.releaseEntryIfReady(ctx, m.entry)
	}
	return m.handlePreJobFailure(ctx)
}

// handlePreJobFailure requeues the entry, clears its other pending
// maintenance and schedules a Repair. A second failure for the same
// entry (a Repair already on record) fails the entry instead.
func (m *maintenanceTask) handlePreJobFailure(ctx context.Context) error {
	if m.entry == nil {
		return m.createRepair(ctx, nil)
	}
	repaired, err := m.env.store.RepairTaskExistsForEntry(ctx, m.entry.ID)
	if err != nil {
		return err
	}
	if repaired {
		m.env.logger.Warn("maintenance failed after repair, giving up on entry",
			"task", m.record.ID, "entry", m.entry.ID, "host", m.host.Hostname)
		return m.env.failQueueEntry(ctx, m.entry.ID)
	}
	if err := m.env.store.DeleteIncompleteTasksForEntry(ctx, m.entry.ID); err != nil {
		return err
	}
	if err := m.env.store.RequeueEntry(ctx, m.entry.ID); err != nil {
		return err
	}
	return m.createRepair(ctx, &m.entry.ID)
}

func (m *maintenanceTask) createRepair(ctx context.Context, entryID *int64) error {
	return m.env.store.CreateSpecialTask(ctx, &persistence.SpecialTask{
		HostID:       m.host.ID,
		QueueEntryID: entryID,
		Task:         persistence.TaskRepair,
		RequestedBy:  "scheduler",
	})
}

// repairOutcome: success returns the host to service; failure parks it
// at Repair Failed and fails any entry that was riding on the repair.
type repairOutcome struct {
	m *maintenanceTask
}

func (o *repairOutcome) taskFinished(ctx context.Context, success bool) error {
	m := o.m
	if success {
		if err := m.env.store.SetHostDirty(ctx, m.host.ID, false); err != nil {
			return err
		}
		return m.env.store.SetHostStatus(ctx, m.host.ID, persistence.HostStatusReady)
	}
	if err := m.env.store.SetHostStatus(ctx, m.host.ID, persistence.HostStatusRepairFailed); err != nil {
		return err
	}
	m.env.notify.Enqueuef("host repair failed", "host %s failed repair (task %d)", m.host.Hostname, m.record.ID)
	if m.entry != nil {
		return m.env.failQueueEntry(ctx, m.entry.ID)
	}
	return nil
}

// provisionOutcome: provisioning failure is attributed to the job's
// requested configuration, so the entry fails outright while the host
// still gets a Repair in case it is also unhealthy.
type provisionOutcome struct {
	m *maintenanceTask
}

func (o *provisionOutcome) taskFinished(ctx context.Context, success bool) error {
	m := o.m
	if success {
		if err := m.env.store.SetHostStatus(ctx, m.host.ID, persistence.HostStatusReady); err != nil {
			return err
		}
		return m.env.releaseEntryIfReady(ctx, m.entry)
	}
	if err := m.env.failQueueEntry(ctx, m.entry.ID); err != nil {
		return err
	}
	return m.createRepair(ctx, nil)
}
