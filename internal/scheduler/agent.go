package scheduler

import "context"

// Agent is pure bookkeeping around one Task: the dispatcher's unit of
// registration and throttling. Ownership of hosts and queue entries is
// copied from the task at construction.
type Agent struct {
	task     Task
	started  bool
	hostIDs  []int64
	entryIDs []int64
}

func NewAgent(task Task) *Agent {
	return &Agent{
		task:     task,
		hostIDs:  task.HostIDs(),
		entryIDs: task.EntryIDs(),
	}
}

// Tick marks the agent started and advances its task one step.
func (a *Agent) Tick(ctx context.Context) error {
	a.started = true
	return a.task.Poll(ctx)
}

func (a *Agent) Started() bool     { return a.started }
func (a *Agent) Done() bool        { return a.task.Done() }
func (a *Agent) NumProcesses() int { return a.task.NumProcesses() }
func (a *Agent) HostIDs() []int64  { return a.hostIDs }
func (a *Agent) EntryIDs() []int64 { return a.entryIDs }
func (a *Agent) Task() Task        { return a.task }

// Abort delegates to the task, which may ignore the signal.
func (a *Agent) Abort(ctx context.Context) {
	a.task.Abort(ctx)
}
