package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/labsched/internal/cron"
	"github.com/basket/labsched/internal/drone"
	"github.com/basket/labsched/internal/notify"
	"github.com/basket/labsched/internal/otel"
	"github.com/basket/labsched/internal/persistence"
	"github.com/basket/labsched/internal/shared"
)

// Dispatcher owns the scheduling loop. Each Tick runs one pass over
// the whole system: process bookkeeping, abort handling, new work
// admission and agent advancement. All state lives in the store or in
// the running agents, so the loop itself is restartable.
type Dispatcher struct {
	env     *taskEnv
	metrics *otel.Metrics

	agents        []*Agent
	agentsByHost  map[int64]*Agent
	agentsByEntry map[int64]*Agent

	recurring *cron.Expander

	lastGCStats  time.Time
	lastCleanup  time.Time
	lastPrune    time.Time
	runningProcs int64

	observer TickObserver
	tracer   trace.Tracer
}

// TickObserver receives callbacks around every dispatcher pass.
// Site-specific accounting or extra logging hangs off here without
// touching the loop itself.
type TickObserver interface {
	TickStart(ctx context.Context)
	TickEnd(ctx context.Context, err error)
}

// SetObserver installs a tick observer. Pass nil to remove it.
func (d *Dispatcher) SetObserver(o TickObserver) { d.observer = o }

// SetTracer enables a span per tick. Pass nil to disable.
func (d *Dispatcher) SetTracer(t trace.Tracer) { d.tracer = t }

func NewDispatcher(store *persistence.Store, dm drone.Manager, nm *notify.Manager, logger *slog.Logger, cfg Config, metrics *otel.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	env := &taskEnv{
		store:     store,
		dm:        dm,
		notify:    nm,
		logger:    logger,
		cfg:       cfg,
		throttles: NewThrottleSet(cfg.MaxParseProcesses, cfg.MaxTransferProcesses),
	}
	return &Dispatcher{
		env:           env,
		metrics:       metrics,
		agentsByHost:  make(map[int64]*Agent),
		agentsByEntry: make(map[int64]*Agent),
		recurring:     &cron.Expander{Store: store, Logger: logger},
	}
}

// Throttles exposes the class throttle set for config reload wiring.
func (d *Dispatcher) Throttles() *ThrottleSet { return d.env.throttles }

// UpdateLimits applies hot-reloaded throttle settings between ticks.
func (d *Dispatcher) UpdateLimits(maxPerCycle, maxParse, maxTransfer int) {
	d.env.cfg.MaxProcessesPerCycle = maxPerCycle
	d.env.throttles.SetLimit(throttleParse, maxParse)
	d.env.throttles.SetLimit(throttleTransfer, maxTransfer)
	d.env.logger.Info("throttle limits updated",
		"per_cycle", maxPerCycle, "parse", maxParse, "transfer", maxTransfer)
}

// NumAgents reports the live agent count.
func (d *Dispatcher) NumAgents() int { return len(d.agents) }

func (d *Dispatcher) agentForHost(hostID int64) *Agent   { return d.agentsByHost[hostID] }
func (d *Dispatcher) agentForEntry(entryID int64) *Agent { return d.agentsByEntry[entryID] }

// addAgent registers an agent, refusing any overlap in host or entry
// ownership with an existing one.
func (d *Dispatcher) addAgent(agent *Agent) error {
	for _, hostID := range agent.HostIDs() {
		if other := d.agentsByHost[hostID]; other != nil {
			return logicErrorf("host %d already owned by another agent", hostID)
		}
	}
	for _, entryID := range agent.EntryIDs() {
		if other := d.agentsByEntry[entryID]; other != nil {
			return logicErrorf("queue entry %d already owned by another agent", entryID)
		}
	}
	d.agents = append(d.agents, agent)
	for _, hostID := range agent.HostIDs() {
		d.agentsByHost[hostID] = agent
	}
	for _, entryID := range agent.EntryIDs() {
		d.agentsByEntry[entryID] = agent
	}
	if d.metrics != nil {
		d.metrics.AgentsActive.Add(context.Background(), 1)
	}
	return nil
}

func (d *Dispatcher) removeAgent(agent *Agent) {
	for i, a := range d.agents {
		if a == agent {
			d.agents = append(d.agents[:i], d.agents[i+1:]...)
			break
		}
	}
	for _, hostID := range agent.HostIDs() {
		if d.agentsByHost[hostID] == agent {
			delete(d.agentsByHost, hostID)
		}
	}
	for _, entryID := range agent.EntryIDs() {
		if d.agentsByEntry[entryID] == agent {
			delete(d.agentsByEntry, entryID)
		}
	}
	if d.metrics != nil {
		d.metrics.AgentsActive.Add(context.Background(), -1)
	}
}

// Tick runs one full scheduling pass. Logic errors inside individual
// actions are contained and logged; anything else aborts the tick and
// is handled at the loop's outer boundary.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if d.observer != nil {
		d.observer.TickStart(ctx)
	}
	err := d.tick(ctx)
	if d.observer != nil {
		d.observer.TickEnd(ctx, err)
	}
	return err
}

func (d *Dispatcher) tick(ctx context.Context) error {
	start := time.Now()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if d.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, d.tracer, "dispatcher.tick")
		defer span.End()
	}

	d.logGCStats(ctx)
	if err := d.env.dm.Refresh(); err != nil {
		return fmt.Errorf("refresh pidfiles: %w", err)
	}
	if err := d.periodicCleanup(ctx); err != nil {
		return err
	}
	if err := d.handleAbortRequests(ctx); err != nil {
		return err
	}
	if err := d.handleAbortedSpecialTasks(ctx); err != nil {
		return err
	}
	if err := d.recurring.ExpandDue(ctx, time.Now()); err != nil {
		return err
	}
	if err := d.promoteWaitingGroups(ctx); err != nil {
		return err
	}
	if err := d.registerInFlightAgents(ctx); err != nil {
		return err
	}
	if err := d.scheduleSpecialTasks(ctx); err != nil {
		return err
	}
	if err := d.assignQueuedEntries(ctx); err != nil {
		return err
	}
	if err := d.handleAgents(ctx); err != nil {
		return err
	}
	if err := d.env.dm.ExecuteActions(); err != nil {
		return fmt.Errorf("execute queued actions: %w", err)
	}
	d.env.notify.Flush()

	d.recordTickMetrics(ctx, time.Since(start))
	return nil
}

func (d *Dispatcher) recordTickMetrics(ctx context.Context, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.TickDuration.Record(ctx, elapsed.Seconds())
	procs := int64(d.env.dm.TotalRunningProcesses())
	d.metrics.ProcessesRunning.Add(ctx, procs-d.runningProcs)
	d.runningProcs = procs
}

// logGCStats drops a memory snapshot into the log on a slow cadence.
func (d *Dispatcher) logGCStats(ctx context.Context) {
	if d.env.cfg.GCStatsInterval <= 0 || time.Since(d.lastGCStats) < d.env.cfg.GCStatsInterval {
		return
	}
	d.lastGCStats = time.Now()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	d.env.logger.InfoContext(ctx, "runtime stats",
		"heap_alloc_mb", ms.HeapAlloc/(1<<20),
		"heap_objects", ms.HeapObjects,
		"num_gc", ms.NumGC,
		"goroutines", runtime.NumGoroutine(),
		"agents", len(d.agents))
}

// periodicCleanup aborts entries past their job's runtime limit on the
// cleanup cadence, and prunes old terminal records daily.
func (d *Dispatcher) periodicCleanup(ctx context.Context) error {
	now := time.Now()
	if d.env.cfg.CleanInterval > 0 && now.Sub(d.lastCleanup) >= d.env.cfg.CleanInterval {
		d.lastCleanup = now
		timedOut, err := d.env.store.TimedOutEntries(ctx, now)
		if err != nil {
			return err
		}
		for _, entry := range timedOut {
			d.env.logger.WarnContext(ctx, "entry exceeded max runtime, aborting",
				"entry", entry.ID, "job", entry.JobID)
			if err := d.env.store.SetEntryAborted(ctx, entry.ID); err != nil {
				return err
			}
		}
	}
	if d.env.cfg.RetentionDays > 0 && now.Sub(d.lastPrune) >= 24*time.Hour {
		d.lastPrune = now
		cutoff := now.AddDate(0, 0, -d.env.cfg.RetentionDays)
		removed, err := d.env.store.PruneOldRecords(ctx, cutoff)
		if err != nil {
			return err
		}
		if removed > 0 {
			d.env.logger.InfoContext(ctx, "pruned old records", "entries", removed, "cutoff", cutoff)
		}
	}
	return nil
}

// handleAbortRequests acts on entries whose abort flag went up. Agented
// entries get their agent aborted (the task may ignore it); agentless
// ones are stopped directly, except entries already in the post-job
// pipeline, which keep moving toward their final status.
func (d *Dispatcher) handleAbortRequests(ctx context.Context) error {
	active, err := d.env.store.EntriesInStatus(ctx,
		persistence.EntryStatusQueued, persistence.EntryStatusStarting,
		persistence.EntryStatusWaiting, persistence.EntryStatusPending,
		persistence.EntryStatusVerifying, persistence.EntryStatusCleaning,
		persistence.EntryStatusResetting, persistence.EntryStatusProvisioning,
		persistence.EntryStatusRunning, persistence.EntryStatusGathering,
		persistence.EntryStatusParsing, persistence.EntryStatusArchiving)
	if err != nil {
		return err
	}
	for _, entry := range active {
		if !entry.Aborted {
			continue
		}
		if agent := d.agentForEntry(entry.ID); agent != nil {
			agent.Abort(ctx)
			continue
		}
		switch entry.Status {
		case persistence.EntryStatusGathering, persistence.EntryStatusParsing, persistence.EntryStatusArchiving:
			// Post-job stages run to completion even for an aborted
			// entry; the registration pass rebuilds their agent and the
			// archive epilog settles the final Aborted status.
			continue
		}
		if err := d.stopAgentlessEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) stopAgentlessEntry(ctx context.Context, entry *persistence.HostQueueEntry) error {
	tasks, err := d.env.store.IncompleteTasksForEntry(ctx, entry.ID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := d.env.store.AbortSpecialTask(ctx, task.ID); err != nil {
			return err
		}
	}
	d.env.logger.InfoContext(ctx, "aborting queue entry", "entry", entry.ID, "job", entry.JobID, "status", entry.Status)
	if err := d.env.store.SetEntryStatus(ctx, entry.ID, persistence.EntryStatusAborted); err != nil {
		return err
	}
	if entry.HostID == nil {
		return nil
	}
	host, err := d.env.store.GetHost(ctx, *entry.HostID)
	if err != nil {
		return err
	}
	switch host.Status {
	case persistence.HostStatusPending:
		return d.env.store.SetHostStatus(ctx, host.ID, persistence.HostStatusReady)
	case persistence.HostStatusReady:
		return nil
	default:
		// The host was mid-maintenance or mid-run; schedule a cleanup
		// to bring it back to a known state.
		return d.env.store.CreateSpecialTask(ctx, &persistence.SpecialTask{
			HostID:      host.ID,
			Task:        persistence.TaskCleanup,
			RequestedBy: "scheduler",
		})
	}
}

// handleAbortedSpecialTasks forces the epilog of active tasks whose
// abort flag was raised after they launched.
func (d *Dispatcher) handleAbortedSpecialTasks(ctx context.Context) error {
	tasks, err := d.env.store.ActiveSpecialTasks(ctx)
	if err != nil {
		return err
	}
	for _, record := range tasks {
		if !record.IsAborted {
			continue
		}
		if agent := d.agentForSpecialTask(record.ID); agent != nil {
			agent.Abort(ctx)
			continue
		}
		// No agent tracks it (possible right after recovery); close the
		// record out directly.
		if err := d.env.store.FinishSpecialTask(ctx, record.ID, false); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) agentForSpecialTask(taskID int64) *Agent {
	for _, agent := range d.agents {
		if mt, ok := agent.Task().(*maintenanceTask); ok && mt.record.ID == taskID {
			return agent
		}
	}
	return nil
}

// promoteWaitingGroups starts parked synchronous jobs whose wait
// deadline has elapsed, degraded to however many hosts showed up.
func (d *Dispatcher) promoteWaitingGroups(ctx context.Context) error {
	waiting, err := d.env.store.EntriesInStatus(ctx, persistence.EntryStatusWaiting)
	if err != nil {
		return err
	}
	byJob := make(map[int64][]*persistence.HostQueueEntry)
	for _, entry := range waiting {
		byJob[entry.JobID] = append(byJob[entry.JobID], entry)
	}
	now := time.Now()
	for jobID, group := range byJob {
		job, err := d.env.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.WaitDeadline == nil || now.Before(*job.WaitDeadline) {
			continue
		}
		d.env.logger.InfoContext(ctx, "starting job degraded after host wait timeout",
			"job", jobID, "wanted", job.SynchCount, "got", len(group))
		if err := d.env.startJobGroup(ctx, job, group); err != nil {
			return err
		}
	}
	return nil
}

// registerInFlightAgents rebuilds the agent for any entry group that is
// between Starting and Archiving without one, picking the pipeline
// stage off the group's shared status.
func (d *Dispatcher) registerInFlightAgents(ctx context.Context) error {
	inFlight, err := d.env.store.EntriesInStatus(ctx, persistence.InFlightEntryStatuses...)
	if err != nil {
		return err
	}
	type groupKey struct {
		jobID  int64
		subdir string
	}
	groups := make(map[groupKey][]*persistence.HostQueueEntry)
	var order []groupKey
	for _, entry := range inFlight {
		if d.agentForEntry(entry.ID) != nil {
			continue
		}
		key := groupKey{entry.JobID, entry.ExecutionSubdir}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], entry)
	}

	for _, key := range order {
		group := groups[key]
		status := group[0].Status
		consistent := true
		for _, entry := range group[1:] {
			if entry.Status != status {
				consistent = false
			}
		}
		if !consistent {
			d.env.logger.ErrorContext(ctx, "entry group with mixed statuses, skipping registration",
				"job", key.jobID, "subdir", key.subdir)
			continue
		}

		task, err := d.newTaskForStage(ctx, status, group)
		if err != nil {
			if isLogicError(err) {
				d.env.logger.ErrorContext(ctx, "agent registration failed", "job", key.jobID, "error", err)
				continue
			}
			return err
		}
		if err := d.addAgent(NewAgent(task)); err != nil {
			d.env.logger.ErrorContext(ctx, "agent registration conflict", "job", key.jobID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) newTaskForStage(ctx context.Context, status persistence.EntryStatus, group []*persistence.HostQueueEntry) (Task, error) {
	subdir := group[0].ExecutionSubdir
	switch status {
	case persistence.EntryStatusStarting:
		job, err := d.env.store.GetJob(ctx, group[0].JobID)
		if err != nil {
			return nil, err
		}
		return NewQueueTask(ctx, d.env, job, group)
	case persistence.EntryStatusRunning:
		// A Running group without an agent means the runner process
		// predates this scheduler instance; re-attach, never relaunch.
		job, err := d.env.store.GetJob(ctx, group[0].JobID)
		if err != nil {
			return nil, err
		}
		task, err := NewQueueTask(ctx, d.env, job, group)
		if err != nil {
			return nil, err
		}
		task.(*queueTask).attachToExisting(drone.PidfileID{Path: filepath.Join(subdir, queuePidfileName)})
		return task, nil
	case persistence.EntryStatusGathering:
		task, err := NewGatherLogsTask(ctx, d.env, group)
		if err != nil {
			return nil, err
		}
		d.maybeAttach(task, filepath.Join(subdir, crashinfoPidfileName))
		return task, nil
	case persistence.EntryStatusParsing:
		task, err := NewFinalReparseTask(ctx, d.env, group)
		if err != nil {
			return nil, err
		}
		d.maybeAttach(task, filepath.Join(subdir, parserPidfileName))
		return task, nil
	case persistence.EntryStatusArchiving:
		task, err := NewArchiveResultsTask(ctx, d.env, group)
		if err != nil {
			return nil, err
		}
		d.maybeAttach(task, filepath.Join(subdir, archiverPidfileName))
		return task, nil
	}
	return nil, logicErrorf("no pipeline stage for status %q", status)
}

// maybeAttach re-binds a rebuilt task to a process a previous scheduler
// run launched, detected by its stage pidfile already existing.
func (d *Dispatcher) maybeAttach(task Task, path string) {
	id := drone.PidfileID{Path: path}
	if d.env.dm.GetPidfileContents(id, true).IsEmpty() {
		return
	}
	if at, ok := task.(interface{ attachToExisting(drone.PidfileID) }); ok {
		at.attachToExisting(id)
	}
}

// scheduleSpecialTasks builds agents for queued maintenance, highest
// priority kind first. A task waits while its host is otherwise
// occupied or a different entry holds the host.
func (d *Dispatcher) scheduleSpecialTasks(ctx context.Context) error {
	queued, err := d.env.store.QueuedSpecialTasks(ctx)
	if err != nil {
		return err
	}
	for _, record := range queued {
		if d.agentForHost(record.HostID) != nil {
			continue
		}
		active, err := d.env.store.ActiveEntryForHost(ctx, record.HostID)
		if err != nil {
			return err
		}
		if active != nil && (record.QueueEntryID == nil || *record.QueueEntryID != active.ID) {
			continue
		}
		task, err := NewSpecialTaskRunner(ctx, d.env, record)
		if err != nil {
			if isLogicError(err) {
				d.env.logger.ErrorContext(ctx, "skipping special task", "task", record.ID, "error", err)
				continue
			}
			return err
		}
		if err := d.addAgent(NewAgent(task)); err != nil {
			d.env.logger.ErrorContext(ctx, "special task agent conflict", "task", record.ID, "error", err)
			continue
		}
		if d.metrics != nil {
			d.metrics.TasksStarted.Add(ctx, 1,
				metric.WithAttributes(otel.AttrTaskKind.String(string(record.Task))))
		}
	}
	return nil
}

// handleAgents advances every agent one step under the start throttle:
// agents with no processes always run; process-carrying agents launch
// within the per-cycle budget, except the first such agent considered,
// which may exceed the budget but never the drone's absolute capacity.
func (d *Dispatcher) handleAgents(ctx context.Context) error {
	available := d.env.dm.MaxRunnableProcesses()
	budget := d.env.cfg.MaxProcessesPerCycle
	started := 0

	snapshot := make([]*Agent, len(d.agents))
	copy(snapshot, d.agents)
	for _, agent := range snapshot {
		if !agent.Started() && agent.NumProcesses() > 0 {
			n := agent.NumProcesses()
			if n > available {
				continue
			}
			if started > 0 && budget > 0 && started+n > budget {
				continue
			}
			started += n
			available -= n
		}
		actx := ctx
		if ids := agent.HostIDs(); len(ids) > 0 {
			actx = shared.WithHostID(actx, ids[0])
		}
		if ids := agent.EntryIDs(); len(ids) > 0 {
			actx = shared.WithEntryID(actx, ids[0])
		}
		if err := agent.Tick(actx); err != nil {
			if isLogicError(err) {
				d.env.logger.ErrorContext(actx, "agent abandoned", "error", err)
			} else {
				return err
			}
		}
		if agent.Done() {
			d.finalizeAgent(ctx, agent)
		}
	}
	return nil
}

func (d *Dispatcher) finalizeAgent(ctx context.Context, agent *Agent) {
	if d.metrics != nil {
		if mt, ok := agent.Task().(interface{ Monitor() *RunMonitor }); ok {
			if m := mt.Monitor(); m != nil && m.Lost() {
				d.metrics.ProcessesLost.Add(ctx, 1)
			}
		}
	}
	d.removeAgent(agent)
}

// String describes the dispatcher's load for status logging.
func (d *Dispatcher) String() string {
	return fmt.Sprintf("dispatcher(%d agents, %d procs running)",
		len(d.agents), d.env.dm.TotalRunningProcesses())
}
