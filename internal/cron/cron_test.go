package cron

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/labsched/internal/persistence"
)

func newTestExpander(t *testing.T) (*Expander, *persistence.Store, context.Context) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "cron.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Expander{Store: store, Logger: logger}, store, context.Background()
}

func addTemplate(t *testing.T, store *persistence.Store, ctx context.Context) *persistence.Job {
	t.Helper()
	job := &persistence.Job{
		Name:        "nightly-regression",
		Owner:       "ci",
		ControlFile: "job.run_test('regression')",
		RunVerify:   true,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	entry := &persistence.HostQueueEntry{JobID: job.ID, MetaHost: "regression-pool"}
	if err := store.CreateEntry(ctx, entry); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestValidateSchedule(t *testing.T) {
	if err := ValidateSchedule("0 2 * * *"); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
	if err := ValidateSchedule("not a schedule"); err == nil {
		t.Fatal("garbage schedule accepted")
	}
}

func TestExpandDueSpawnsJob(t *testing.T) {
	e, store, ctx := newTestExpander(t)
	template := addTemplate(t, store, ctx)

	now := time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)
	run := &persistence.RecurringRun{
		JobID:     template.ID,
		Owner:     "nightly",
		Schedule:  "0 2 * * *",
		Remaining: 2,
		NextRunAt: now.Add(-time.Minute),
	}
	if err := store.CreateRecurringRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	if err := e.ExpandDue(ctx, now); err != nil {
		t.Fatalf("expand: %v", err)
	}

	spawned, err := store.GetJob(ctx, template.ID+1)
	if err != nil {
		t.Fatalf("spawned job not found: %v", err)
	}
	if spawned.Owner != "nightly" || spawned.ControlFile != template.ControlFile || !spawned.RunVerify {
		t.Fatalf("spawned job = %+v, want template fields with run owner", spawned)
	}
	entries, err := store.EntriesForJob(ctx, spawned.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != persistence.EntryStatusQueued || entries[0].MetaHost != "regression-pool" {
		t.Fatalf("spawned entries = %+v, want one queued meta-host entry", entries)
	}

	// The run advanced past "now"; nothing further is due.
	due, err := store.DueRecurringRuns(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("runs still due after expansion: %d", len(due))
	}
}

func TestExpandRetiresExhaustedRun(t *testing.T) {
	e, store, ctx := newTestExpander(t)
	template := addTemplate(t, store, ctx)

	now := time.Now()
	run := &persistence.RecurringRun{
		JobID:     template.ID,
		Owner:     "ci",
		Schedule:  "@hourly",
		Remaining: 1,
		NextRunAt: now.Add(-time.Minute),
	}
	if err := store.CreateRecurringRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	if err := e.ExpandDue(ctx, now); err != nil {
		t.Fatal(err)
	}
	due, err := store.DueRecurringRuns(ctx, now.Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatal("exhausted recurring run not retired")
	}
}

func TestExpandDropsBrokenRun(t *testing.T) {
	e, store, ctx := newTestExpander(t)
	template := addTemplate(t, store, ctx)

	now := time.Now()
	run := &persistence.RecurringRun{
		JobID:     template.ID,
		Owner:     "ci",
		Schedule:  "@hourly",
		Remaining: 0,
		NextRunAt: now.Add(-time.Minute),
	}
	if err := store.CreateRecurringRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	// Corrupt the schedule after the fact; expansion must drop the run
	// instead of failing the whole pass.
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE recurring_runs SET schedule = 'garbage' WHERE id = ?`, run.ID); err != nil {
		t.Fatal(err)
	}

	if err := e.ExpandDue(ctx, now); err != nil {
		t.Fatalf("expand pass failed on a broken run: %v", err)
	}
	due, err := store.DueRecurringRuns(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatal("broken recurring run not dropped")
	}
}
