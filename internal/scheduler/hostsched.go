package scheduler

import (
	"context"
	"strings"

	"github.com/basket/labsched/internal/persistence"
)

// provisionPrefix in a meta-host spec requests a provisioning pass on
// whatever host gets picked, e.g. "provision:llvm-bots".
const provisionPrefix = "provision:"

func splitMetaHost(meta string) (label string, provision bool) {
	if strings.HasPrefix(meta, provisionPrefix) {
		return strings.TrimPrefix(meta, provisionPrefix), true
	}
	return meta, false
}

// hostPool tracks which Ready hosts are still up for grabs during one
// assignment pass.
type hostPool struct {
	order []*persistence.Host
	used  map[int64]bool
}

func newHostPool(hosts []*persistence.Host) *hostPool {
	return &hostPool{order: hosts, used: make(map[int64]bool)}
}

func (p *hostPool) takeByID(id int64) *persistence.Host {
	for _, h := range p.order {
		if h.ID == id && !p.used[id] {
			p.used[id] = true
			return h
		}
	}
	return nil
}

// takeMatching claims the first free host carrying the label; an empty
// label matches any host.
func (p *hostPool) takeMatching(label string) *persistence.Host {
	for _, h := range p.order {
		if p.used[h.ID] {
			continue
		}
		if label != "" && !h.HasLabel(label) {
			continue
		}
		p.used[h.ID] = true
		return h
	}
	return nil
}

func (p *hostPool) freeMatching(label string) []*persistence.Host {
	var out []*persistence.Host
	for _, h := range p.order {
		if p.used[h.ID] {
			continue
		}
		if label != "" && !h.HasLabel(label) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (p *hostPool) claim(h *persistence.Host) { p.used[h.ID] = true }

// assignQueuedEntries hands Ready hosts to Queued entries in priority
// order. Each assigned entry gets its pre-job maintenance queued, or
// goes straight toward Pending when none is needed.
func (d *Dispatcher) assignQueuedEntries(ctx context.Context) error {
	entries, err := d.env.store.PendingQueuedEntries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	ready, err := d.env.store.ReadyHosts(ctx)
	if err != nil {
		return err
	}
	pool := newHostPool(ready)

	for _, entry := range entries {
		if d.agentForEntry(entry.ID) != nil {
			continue
		}
		// An entry whose maintenance chain is already on record is
		// assigned; it is waiting on those tasks, not on a host.
		pendingTasks, err := d.env.store.IncompleteTasksForEntry(ctx, entry.ID)
		if err != nil {
			return err
		}
		if len(pendingTasks) > 0 {
			continue
		}
		switch {
		case entry.AtomicGroupID != nil:
			err = d.assignAtomicGroup(ctx, entry, pool)
		case entry.HostID != nil:
			if host := pool.takeByID(*entry.HostID); host != nil {
				err = d.schedulePreJob(ctx, entry, host, false)
			}
		case entry.MetaHost != "":
			label, provision := splitMetaHost(entry.MetaHost)
			if host := pool.takeMatching(label); host != nil {
				err = d.schedulePreJob(ctx, entry, host, provision)
			}
		default:
			// Hostless entry: nothing to prepare, release immediately.
			err = d.env.releaseEntryIfReady(ctx, entry)
		}
		if err != nil {
			if isLogicError(err) {
				d.env.logger.ErrorContext(ctx, "skipping entry assignment", "entry", entry.ID, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

// assignAtomicGroup grabs an all-or-nothing block of hosts from the
// entry's atomic group. The original entry takes the first host; each
// additional host gets a clone of the entry.
func (d *Dispatcher) assignAtomicGroup(ctx context.Context, entry *persistence.HostQueueEntry, pool *hostPool) error {
	group, err := d.env.store.GetAtomicGroup(ctx, *entry.AtomicGroupID)
	if err != nil {
		return err
	}
	job, err := d.env.store.GetJob(ctx, entry.JobID)
	if err != nil {
		return err
	}
	groupHosts, err := d.env.store.HostsInAtomicGroup(ctx, group.ID)
	if err != nil {
		return err
	}
	inGroup := make(map[int64]bool, len(groupHosts))
	for _, h := range groupHosts {
		inGroup[h.ID] = true
	}

	label, provision := splitMetaHost(entry.MetaHost)
	var avail []*persistence.Host
	for _, h := range pool.freeMatching(label) {
		if inGroup[h.ID] {
			avail = append(avail, h)
		}
	}
	if len(avail) < job.SynchCount {
		// The group can't satisfy the job yet; try again next tick.
		return nil
	}
	if group.MaxNumberOfMachines > 0 && len(avail) > group.MaxNumberOfMachines {
		avail = avail[:group.MaxNumberOfMachines]
	}

	for i, host := range avail {
		pool.claim(host)
		target := entry
		if i > 0 {
			target, err = d.env.store.CloneEntry(ctx, entry.ID, host.ID)
			if err != nil {
				return err
			}
		}
		if err := d.schedulePreJob(ctx, target, host, provision); err != nil {
			return err
		}
	}
	return nil
}

// schedulePreJob binds the entry to its host and queues the
// maintenance chain standing between the host and the job: cleanup if
// the host is dirty, verify if the job asks for it, provisioning if
// the meta-host spec demands it. With no chain the entry releases
// immediately.
func (d *Dispatcher) schedulePreJob(ctx context.Context, entry *persistence.HostQueueEntry, host *persistence.Host, provision bool) error {
	job, err := d.env.store.GetJob(ctx, entry.JobID)
	if err != nil {
		return err
	}
	if entry.HostID == nil || *entry.HostID != host.ID {
		if err := d.env.store.AssignEntryHost(ctx, entry.ID, host.ID); err != nil {
			return err
		}
		entry.HostID = &host.ID
	}
	if d.metrics != nil {
		d.metrics.EntriesScheduled.Add(ctx, 1)
	}

	var kinds []persistence.TaskKind
	if host.Dirty {
		kinds = append(kinds, persistence.TaskCleanup)
	}
	if job.RunVerify {
		kinds = append(kinds, persistence.TaskVerify)
	}
	if provision {
		kinds = append(kinds, persistence.TaskProvision)
	}
	if len(kinds) == 0 {
		return d.env.releaseEntryIfReady(ctx, entry)
	}
	for _, kind := range kinds {
		err := d.env.store.CreateSpecialTask(ctx, &persistence.SpecialTask{
			HostID:       host.ID,
			QueueEntryID: &entry.ID,
			Task:         kind,
			RequestedBy:  job.Owner,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
