package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/basket/labsched/internal/bus"
)

func mustCreateSpecialTask(t *testing.T, s *Store, hostID int64, kind TaskKind, entryID *int64) *SpecialTask {
	t.Helper()
	st := &SpecialTask{HostID: hostID, Task: kind, QueueEntryID: entryID, RequestedBy: "scheduler"}
	if err := s.CreateSpecialTask(context.Background(), st); err != nil {
		t.Fatalf("CreateSpecialTask(%s): %v", kind, err)
	}
	return st
}

func TestQueuedSpecialTasksPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "p1")

	// Create in reverse priority order to prove the query sorts.
	provision := mustCreateSpecialTask(t, s, h.ID, TaskProvision, nil)
	reset := mustCreateSpecialTask(t, s, h.ID, TaskReset, nil)
	verify := mustCreateSpecialTask(t, s, h.ID, TaskVerify, nil)
	cleanup := mustCreateSpecialTask(t, s, h.ID, TaskCleanup, nil)
	repair := mustCreateSpecialTask(t, s, h.ID, TaskRepair, nil)

	tasks, err := s.QueuedSpecialTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedSpecialTasks: %v", err)
	}
	wantOrder := []int64{repair.ID, cleanup.ID, verify.ID, reset.ID, provision.ID}
	if len(tasks) != len(wantOrder) {
		t.Fatalf("got %d tasks, want %d", len(tasks), len(wantOrder))
	}
	for i, id := range wantOrder {
		if tasks[i].ID != id {
			t.Errorf("tasks[%d] = %s(%d), want id %d", i, tasks[i].Task, tasks[i].ID, id)
		}
	}
}

func TestQueuedSpecialTasksSkipsLockedHosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "p2")
	mustCreateSpecialTask(t, s, h.ID, TaskVerify, nil)

	if err := s.SetHostLocked(ctx, h.ID, true); err != nil {
		t.Fatal(err)
	}
	tasks, err := s.QueuedSpecialTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedSpecialTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("got %d tasks on a locked host, want 0", len(tasks))
	}
}

func TestActivateVerifyCollapsesQueuedVerifies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "p3")

	keep := mustCreateSpecialTask(t, s, h.ID, TaskVerify, nil)
	mustCreateSpecialTask(t, s, h.ID, TaskVerify, nil)
	mustCreateSpecialTask(t, s, h.ID, TaskVerify, nil)
	repair := mustCreateSpecialTask(t, s, h.ID, TaskRepair, nil)

	if err := s.ActivateSpecialTask(ctx, keep.ID); err != nil {
		t.Fatalf("ActivateSpecialTask: %v", err)
	}

	tasks, err := s.QueuedSpecialTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Only the repair should remain queued; duplicate verifies deleted.
	if len(tasks) != 1 || tasks[0].ID != repair.ID {
		t.Fatalf("queued after activate = %d tasks, want only repair", len(tasks))
	}

	got, err := s.GetSpecialTask(ctx, keep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsActive {
		t.Error("activated task should be active")
	}
}

func TestFinishSpecialTaskFiresOnce(t *testing.T) {
	s, b := newTestStoreWithBus(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "p4")
	st := mustCreateSpecialTask(t, s, h.ID, TaskRepair, nil)

	sub := b.Subscribe(bus.TopicSpecialTaskDone)
	defer b.Unsubscribe(sub)

	if err := s.FinishSpecialTask(ctx, st.ID, true); err != nil {
		t.Fatalf("FinishSpecialTask: %v", err)
	}
	if err := s.FinishSpecialTask(ctx, st.ID, true); err == nil {
		t.Fatal("expected error finishing a completed task")
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.SpecialTaskEvent)
		if !payload.Success || payload.Kind != "Repair" {
			t.Errorf("event = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
	// Exactly one event.
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAbortQueuedTaskFinishesImmediately(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "p5")
	st := mustCreateSpecialTask(t, s, h.ID, TaskCleanup, nil)

	if err := s.AbortSpecialTask(ctx, st.ID); err != nil {
		t.Fatalf("AbortSpecialTask: %v", err)
	}
	got, _ := s.GetSpecialTask(ctx, st.ID)
	if !got.IsAborted || !got.IsComplete || got.Success {
		t.Errorf("aborted queued task = %+v, want complete unsuccessful", got)
	}
}

func TestAbortActiveTaskStaysForTeardown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "p6")
	st := mustCreateSpecialTask(t, s, h.ID, TaskRepair, nil)

	if err := s.ActivateSpecialTask(ctx, st.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AbortSpecialTask(ctx, st.ID); err != nil {
		t.Fatalf("AbortSpecialTask: %v", err)
	}
	got, _ := s.GetSpecialTask(ctx, st.ID)
	if !got.IsAborted {
		t.Error("task should be flagged aborted")
	}
	if got.IsComplete {
		t.Error("active task should not be auto-completed")
	}
}

func TestIncompleteTasksForEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "p7")
	job := mustCreateJob(t, s, "j", 0)
	e := mustCreateEntry(t, s, job.ID, &h.ID)

	verify := mustCreateSpecialTask(t, s, h.ID, TaskVerify, &e.ID)
	cleanup := mustCreateSpecialTask(t, s, h.ID, TaskCleanup, &e.ID)
	if err := s.FinishSpecialTask(ctx, cleanup.ID, true); err != nil {
		t.Fatal(err)
	}

	tasks, err := s.IncompleteTasksForEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("IncompleteTasksForEntry: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != verify.ID {
		t.Fatalf("got %d tasks, want only the verify", len(tasks))
	}

	tasks, err = s.IncompleteTasksForEntry(ctx, e.ID, TaskRepair)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("got %d repair tasks, want 0", len(tasks))
	}
}

func TestDeleteIncompleteTasksForEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "p8")
	job := mustCreateJob(t, s, "j", 0)
	e := mustCreateEntry(t, s, job.ID, &h.ID)

	mustCreateSpecialTask(t, s, h.ID, TaskVerify, &e.ID)
	active := mustCreateSpecialTask(t, s, h.ID, TaskCleanup, &e.ID)
	if err := s.ActivateSpecialTask(ctx, active.ID); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteIncompleteTasksForEntry(ctx, e.ID); err != nil {
		t.Fatalf("DeleteIncompleteTasksForEntry: %v", err)
	}
	tasks, err := s.IncompleteTasksForEntry(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Active task survives; only the queued verify is cleared.
	if len(tasks) != 1 || tasks[0].ID != active.ID {
		t.Fatalf("got %d tasks, want only the active cleanup", len(tasks))
	}
}

func TestRepairTaskExistsForEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "p9")
	job := mustCreateJob(t, s, "j", 0)
	e := mustCreateEntry(t, s, job.ID, &h.ID)

	exists, err := s.RepairTaskExistsForEntry(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("no repair yet")
	}
	mustCreateSpecialTask(t, s, h.ID, TaskRepair, &e.ID)
	exists, err = s.RepairTaskExistsForEntry(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("repair should be found")
	}
}

func TestSetSpecialTaskPidfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s, "p10")
	st := mustCreateSpecialTask(t, s, h.ID, TaskVerify, nil)

	if err := s.SetSpecialTaskPidfile(ctx, st.ID, "hosts/p10/1-verify/.runner_execute"); err != nil {
		t.Fatalf("SetSpecialTaskPidfile: %v", err)
	}
	got, _ := s.GetSpecialTask(ctx, st.ID)
	if got.PidfileID == "" {
		t.Error("pidfile id not persisted")
	}
}
