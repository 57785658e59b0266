package persistence

import (
	"context"
	"testing"
)

func mustCreateJob(t *testing.T, s *Store, name string, priority int) *Job {
	t.Helper()
	j := &Job{Name: name, Owner: "labops", Priority: priority, RunVerify: true}
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob(%q): %v", name, err)
	}
	return j
}

func mustCreateEntry(t *testing.T, s *Store, jobID int64, hostID *int64) *HostQueueEntry {
	t.Helper()
	e := &HostQueueEntry{JobID: jobID, HostID: hostID}
	if err := s.CreateEntry(context.Background(), e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	return e
}

func TestEntryStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "kernel-suite", 0)
	h := mustCreateHost(t, s, "t1")
	e := mustCreateEntry(t, s, job.ID, &h.ID)

	// Walk the happy path.
	steps := []EntryStatus{
		EntryStatusVerifying,
		EntryStatusPending,
		EntryStatusStarting,
		EntryStatusRunning,
		EntryStatusGathering,
		EntryStatusParsing,
		EntryStatusArchiving,
		EntryStatusCompleted,
	}
	for _, st := range steps {
		if err := s.SetEntryStatus(ctx, e.ID, st); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}

	// Terminal: no further transitions.
	if err := s.SetEntryStatus(ctx, e.ID, EntryStatusRunning); err == nil {
		t.Fatal("expected error moving out of Completed")
	}
}

func TestEntryStatusRejectsIllegalJump(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "j", 0)
	e := mustCreateEntry(t, s, job.ID, nil)

	if err := s.SetEntryStatus(ctx, e.ID, EntryStatusGathering); err == nil {
		t.Fatal("expected error for Queued -> Gathering")
	}
}

func TestEntryAbortCutsInFromAnyActiveState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "j", 0)
	h := mustCreateHost(t, s, "t2")
	e := mustCreateEntry(t, s, job.ID, &h.ID)

	for _, st := range []EntryStatus{EntryStatusVerifying, EntryStatusPending, EntryStatusStarting, EntryStatusRunning} {
		if err := s.SetEntryStatus(ctx, e.ID, st); err != nil {
			t.Fatalf("to %s: %v", st, err)
		}
	}
	if err := s.SetEntryStatus(ctx, e.ID, EntryStatusAborted); err != nil {
		t.Fatalf("abort from Running: %v", err)
	}
}

func TestSetEntryStatusSameStatusIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "j", 0)
	e := mustCreateEntry(t, s, job.ID, nil)
	if err := s.SetEntryStatus(ctx, e.ID, EntryStatusQueued); err != nil {
		t.Fatalf("same-status set: %v", err)
	}
}

func TestRequeueEntryClearsMetaHostBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "j", 0)
	h := mustCreateHost(t, s, "t3")

	e := &HostQueueEntry{JobID: job.ID, HostID: &h.ID, MetaHost: "board:link", ExecutionSubdir: "run1"}
	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := s.SetEntryStatus(ctx, e.ID, EntryStatusVerifying); err != nil {
		t.Fatal(err)
	}
	if err := s.RequeueEntry(ctx, e.ID); err != nil {
		t.Fatalf("RequeueEntry: %v", err)
	}

	got, _ := s.GetEntry(ctx, e.ID)
	if got.Status != EntryStatusQueued {
		t.Errorf("Status = %q, want Queued", got.Status)
	}
	if got.ExecutionSubdir != "" {
		t.Errorf("ExecutionSubdir = %q, want empty", got.ExecutionSubdir)
	}
	if got.HostID != nil {
		t.Error("meta_host entry should lose its host on requeue")
	}
}

func TestRequeueEntryKeepsExplicitHost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "j", 0)
	h := mustCreateHost(t, s, "t4")
	e := mustCreateEntry(t, s, job.ID, &h.ID)

	if err := s.SetEntryStatus(ctx, e.ID, EntryStatusVerifying); err != nil {
		t.Fatal(err)
	}
	if err := s.RequeueEntry(ctx, e.ID); err != nil {
		t.Fatalf("RequeueEntry: %v", err)
	}
	got, _ := s.GetEntry(ctx, e.ID)
	if got.HostID == nil || *got.HostID != h.ID {
		t.Error("explicitly-hosted entry should keep its host on requeue")
	}
}

func TestPendingQueuedEntriesOrderedByPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := mustCreateJob(t, s, "low", 0)
	high := mustCreateJob(t, s, "high", 10)
	e1 := mustCreateEntry(t, s, low.ID, nil)
	e2 := mustCreateEntry(t, s, high.ID, nil)

	// Aborted entries are excluded.
	e3 := mustCreateEntry(t, s, high.ID, nil)
	if err := s.SetEntryAborted(ctx, e3.ID); err != nil {
		t.Fatal(err)
	}

	entries, err := s.PendingQueuedEntries(ctx)
	if err != nil {
		t.Fatalf("PendingQueuedEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != e2.ID || entries[1].ID != e1.ID {
		t.Errorf("order = [%d %d], want [%d %d]", entries[0].ID, entries[1].ID, e2.ID, e1.ID)
	}
}

func TestCloneEntryForAtomicGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group := &AtomicGroup{Name: "rack1", MaxNumberOfMachines: 3}
	if err := s.CreateAtomicGroup(ctx, group); err != nil {
		t.Fatalf("CreateAtomicGroup: %v", err)
	}
	job := mustCreateJob(t, s, "j", 0)
	h1 := mustCreateHost(t, s, "g1")
	h2 := mustCreateHost(t, s, "g2")

	src := &HostQueueEntry{JobID: job.ID, HostID: &h1.ID, AtomicGroupID: &group.ID}
	if err := s.CreateEntry(ctx, src); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	clone, err := s.CloneEntry(ctx, src.ID, h2.ID)
	if err != nil {
		t.Fatalf("CloneEntry: %v", err)
	}
	if clone.ID == src.ID {
		t.Fatal("clone should be a new row")
	}
	if clone.JobID != job.ID {
		t.Errorf("clone JobID = %d", clone.JobID)
	}
	if clone.HostID == nil || *clone.HostID != h2.ID {
		t.Error("clone should be bound to the new host")
	}
	if clone.AtomicGroupID == nil || *clone.AtomicGroupID != group.ID {
		t.Error("clone should keep the atomic group")
	}
	if clone.Status != EntryStatusQueued {
		t.Errorf("clone Status = %q, want Queued", clone.Status)
	}
}

func TestAbortedPendingEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "j", 0)
	h := mustCreateHost(t, s, "t5")

	running := mustCreateEntry(t, s, job.ID, &h.ID)
	for _, st := range []EntryStatus{EntryStatusStarting, EntryStatusRunning} {
		if err := s.SetEntryStatus(ctx, running.ID, st); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetEntryAborted(ctx, running.ID); err != nil {
		t.Fatal(err)
	}

	done := mustCreateEntry(t, s, job.ID, nil)
	if err := s.SetEntryStatus(ctx, done.ID, EntryStatusAborted); err != nil {
		t.Fatal(err)
	}
	if err := s.SetEntryAborted(ctx, done.ID); err != nil {
		t.Fatal(err)
	}

	entries, err := s.AbortedPendingEntries(ctx)
	if err != nil {
		t.Fatalf("AbortedPendingEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != running.ID {
		t.Fatalf("got %d entries, want only the running one", len(entries))
	}
}

func TestActiveEntryForHost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := mustCreateJob(t, s, "j", 0)
	h := mustCreateHost(t, s, "t6")

	if e, err := s.ActiveEntryForHost(ctx, h.ID); err != nil || e != nil {
		t.Fatalf("expected no active entry, got %v err %v", e, err)
	}

	e := mustCreateEntry(t, s, job.ID, &h.ID)
	if err := s.SetEntryStatus(ctx, e.ID, EntryStatusVerifying); err != nil {
		t.Fatal(err)
	}
	got, err := s.ActiveEntryForHost(ctx, h.ID)
	if err != nil {
		t.Fatalf("ActiveEntryForHost: %v", err)
	}
	if got == nil || got.ID != e.ID {
		t.Fatal("expected the verifying entry")
	}
}
