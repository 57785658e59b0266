package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/labsched/internal/drone"
	"github.com/basket/labsched/internal/notify"
	"github.com/basket/labsched/internal/persistence"
)

// Config is the scheduler core's knob set, assembled by the bootstrap
// from the loaded configuration.
type Config struct {
	RunnerPath           string
	ParserPath           string
	PidfileTimeout       time.Duration
	NiceLevel            int
	MaxProcessesPerCycle int
	MaxParseProcesses    int
	MaxTransferProcesses int
	DieOnOrphans         bool
	CleanInterval        time.Duration
	GCStatsInterval      time.Duration
	RetentionDays        int
	// PendingWait is how long a partially-assigned synchronous job
	// waits for its remaining hosts before starting degraded.
	PendingWait time.Duration
}

// taskEnv bundles the collaborators every task needs.
type taskEnv struct {
	store     *persistence.Store
	dm        drone.Manager
	notify    *notify.Manager
	logger    *slog.Logger
	cfg       Config
	throttles *ThrottleSet
}

func (e *taskEnv) newMonitor() *RunMonitor {
	return NewRunMonitor(e.dm, e.notify, e.logger, e.cfg.PidfileTimeout)
}

// Task is one external command's full lifecycle plus its side effects
// on persisted entity status. Poll is the single re-entrant step
// function driven once per dispatcher tick.
type Task interface {
	Poll(ctx context.Context) error
	Started() bool
	Done() bool
	Success() bool
	Abort(ctx context.Context)
	NumProcesses() int
	HostIDs() []int64
	EntryIDs() []int64
}

// taskHooks are the variant-specific pieces a concrete task supplies.
// Dispatch happens on construction, not by type inspection later.
type taskHooks interface {
	// prolog runs once before launch. An error abandons the task
	// without running its epilog.
	prolog(ctx context.Context) error
	// command returns the process to launch. run=false synthesizes an
	// immediate success with no external process.
	command(ctx context.Context) (spec drone.CommandSpec, run bool, err error)
	// epilog runs exactly once when the task completes.
	epilog(ctx context.Context, success bool) error
}

// baseTask carries the shared lifecycle: Created -> Prolog -> Running
// -> Done, with Aborted absorbing from Running.
type baseTask struct {
	env   *taskEnv
	hooks taskHooks

	monitor       *RunMonitor
	prologDone    bool
	started       bool
	done          bool
	success       bool
	aborted       bool
	launched      bool
	numProcesses  int
	hostIDs       []int64
	entryIDs      []int64
	supportsAbort bool
	throttleClass string

	// onLaunched, when set, receives the pidfile handle right after
	// launch so it can be persisted for crash recovery.
	onLaunched func(ctx context.Context, id drone.PidfileID)
}

func (t *baseTask) Started() bool      { return t.started }
func (t *baseTask) Done() bool         { return t.done }
func (t *baseTask) Success() bool      { return t.success }
func (t *baseTask) NumProcesses() int  { return t.numProcesses }
func (t *baseTask) HostIDs() []int64   { return t.hostIDs }
func (t *baseTask) EntryIDs() []int64  { return t.entryIDs }
func (t *baseTask) Monitor() *RunMonitor { return t.monitor }

func (t *baseTask) Poll(ctx context.Context) error {
	if t.done {
		return nil
	}
	if !t.prologDone {
		if err := t.hooks.prolog(ctx); err != nil {
			// Abandon the action without running the epilog; the
			// entity graph is untouched by this task.
			t.done = true
			return err
		}
		t.prologDone = true
	}
	if !t.started {
		if t.throttleClass != "" && !t.env.throttles.CanStart(t.throttleClass) {
			// At the class ceiling; retry next tick.
			return nil
		}
		spec, run, err := t.hooks.command(ctx)
		if err != nil {
			t.done = true
			return err
		}
		t.started = true
		if !run {
			return t.finish(ctx, true)
		}
		if t.throttleClass != "" {
			t.env.throttles.Acquire(t.throttleClass)
		}
		t.launched = true
		t.monitor = t.env.newMonitor()
		id := t.monitor.Run(spec)
		if t.onLaunched != nil {
			t.onLaunched(ctx, id)
		}
		return nil
	}

	if t.monitor == nil {
		return t.finish(ctx, true)
	}
	t.monitor.Poll()
	if code := t.monitor.ExitCode(); code != nil {
		return t.finish(ctx, *code == 0)
	}
	return nil
}

// finish flips to Done and runs the epilog exactly once; calling it
// again is a no-op.
func (t *baseTask) finish(ctx context.Context, success bool) error {
	if t.done {
		return nil
	}
	t.done = true
	t.success = success
	if t.launched && t.throttleClass != "" {
		t.env.throttles.Release(t.throttleClass)
	}
	if t.monitor != nil {
		t.monitor.Unregister()
	}
	return t.hooks.epilog(ctx, success)
}

// attachToExisting re-binds a recovered task to an already-running
// process via its persisted pidfile handle instead of relaunching.
func (t *baseTask) attachToExisting(id drone.PidfileID) {
	t.prologDone = true
	t.started = true
	t.launched = true
	if t.throttleClass != "" {
		t.env.throttles.Acquire(t.throttleClass)
	}
	t.monitor = t.env.newMonitor()
	t.monitor.AttachToExisting(id)
}

// Abort kills the underlying process and forces Done. Tasks whose
// semantics require completion regardless ignore the signal.
func (t *baseTask) Abort(ctx context.Context) {
	if t.done || !t.supportsAbort {
		return
	}
	t.aborted = true
	if t.monitor != nil {
		t.monitor.Kill()
	}
	if err := t.finish(ctx, false); err != nil {
		t.env.logger.Error("abort epilog failed", "error", err)
	}
}
