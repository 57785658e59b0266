package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/labsched/internal/persistence"
)

// executionSubdir is the job group's directory under the results tree.
func executionSubdir(job *persistence.Job) string {
	owner := job.Owner
	if owner == "" {
		owner = "labsched"
	}
	return fmt.Sprintf("%d-%s", job.ID, strings.ReplaceAll(owner, "/", "_"))
}

// releaseEntryIfReady is the "release to run" transition: once an
// entry's pre-job maintenance is exhausted it moves to Pending, and the
// job starts when enough of its entries are Pending.
func (e *taskEnv) releaseEntryIfReady(ctx context.Context, entry *persistence.HostQueueEntry) error {
	pending, err := e.store.IncompleteTasksForEntry(ctx, entry.ID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		// More maintenance queued for this entry; the next task's
		// epilog calls back here.
		return nil
	}
	if err := e.store.SetEntryStatus(ctx, entry.ID, persistence.EntryStatusPending); err != nil {
		return err
	}
	if entry.HostID != nil {
		if err := e.store.SetHostStatus(ctx, *entry.HostID, persistence.HostStatusPending); err != nil {
			return err
		}
	}
	return e.checkJobReady(ctx, entry.JobID)
}

// checkJobReady starts a job's synch group once enough entries are
// Pending (or Waiting out their delay). A partial group gets a wait
// deadline; the dispatcher promotes it when the deadline elapses.
func (e *taskEnv) checkJobReady(ctx context.Context, jobID int64) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	entries, err := e.store.EntriesForJob(ctx, jobID)
	if err != nil {
		return err
	}
	var ready []*persistence.HostQueueEntry
	for _, entry := range entries {
		if entry.Status == persistence.EntryStatusPending || entry.Status == persistence.EntryStatusWaiting {
			ready = append(ready, entry)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	if len(ready) < job.SynchCount {
		// Not enough hosts yet. Park the group as Waiting and arm the
		// deadline once.
		for _, entry := range ready {
			if entry.Status == persistence.EntryStatusPending {
				if err := e.store.SetEntryStatus(ctx, entry.ID, persistence.EntryStatusWaiting); err != nil {
					return err
				}
			}
		}
		if job.WaitDeadline == nil && e.cfg.PendingWait > 0 {
			return e.store.SetJobWaitDeadline(ctx, jobID, time.Now().Add(e.cfg.PendingWait))
		}
		return nil
	}
	return e.startJobGroup(ctx, job, ready[:job.SynchCount])
}

// startJobGroup moves a set of ready entries to Starting under a shared
// execution subdirectory. The dispatcher builds the queue agent on its
// next registration pass.
func (e *taskEnv) startJobGroup(ctx context.Context, job *persistence.Job, group []*persistence.HostQueueEntry) error {
	subdir := executionSubdir(job)
	for _, entry := range group {
		if err := e.store.SetEntryExecutionSubdir(ctx, entry.ID, subdir); err != nil {
			return err
		}
		if err := e.store.SetEntryStatus(ctx, entry.ID, persistence.EntryStatusStarting); err != nil {
			return err
		}
	}
	e.logger.Info("job group starting", "job", job.ID, "entries", len(group), "subdir", subdir)
	return nil
}

// failQueueEntry gives up on an entry after unrecoverable maintenance
// failure: the entry goes terminal Failed and any queued maintenance
// for it is dropped.
func (e *taskEnv) failQueueEntry(ctx context.Context, entryID int64) error {
	if err := e.store.DeleteIncompleteTasksForEntry(ctx, entryID); err != nil {
		return err
	}
	return e.store.SetEntryStatus(ctx, entryID, persistence.EntryStatusFailed)
}
