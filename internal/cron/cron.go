// Package cron expands recurring job templates into fresh queued jobs
// on a standard cron cadence.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/basket/labsched/internal/persistence"
	"github.com/basket/labsched/internal/shared"
)

// ValidateSchedule checks a cron expression before it is persisted.
func ValidateSchedule(spec string) error {
	if _, err := robfig.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return nil
}

// Expander turns due recurring runs into concrete jobs. A bad schedule
// or template kills that one recurring run, never the pass.
type Expander struct {
	Store  *persistence.Store
	Logger *slog.Logger
}

// ExpandDue spawns a job for every recurring run whose next-run time
// has passed, then advances or retires the run.
func (e *Expander) ExpandDue(ctx context.Context, now time.Time) error {
	due, err := e.Store.DueRecurringRuns(ctx, now)
	if err != nil {
		return err
	}
	for _, run := range due {
		if err := e.expand(ctx, run, now); err != nil {
			e.logger().Error("recurring run expansion failed, dropping it",
				"recurring_run", run.ID, "job_template", run.JobID, "error", err)
			if delErr := e.Store.DeleteRecurringRun(ctx, run.ID); delErr != nil {
				return delErr
			}
		}
	}
	return nil
}

func (e *Expander) expand(ctx context.Context, run *persistence.RecurringRun, now time.Time) error {
	schedule, err := robfig.ParseStandard(run.Schedule)
	if err != nil {
		return err
	}
	template, err := e.Store.GetJob(ctx, run.JobID)
	if err != nil {
		return err
	}

	job := &persistence.Job{
		Name:           fmt.Sprintf("%s [%s]", template.Name, now.UTC().Format("2006-01-02 15:04")),
		Owner:          run.Owner,
		Priority:       template.Priority,
		ControlFile:    template.ControlFile,
		SynchCount:     template.SynchCount,
		RunVerify:      template.RunVerify,
		RebootAfter:    template.RebootAfter,
		MaxRuntimeMins: template.MaxRuntimeMins,
	}
	if err := e.Store.CreateJob(ctx, job); err != nil {
		return err
	}

	templateEntries, err := e.Store.EntriesForJob(ctx, template.ID)
	if err != nil {
		return err
	}
	for _, tmpl := range templateEntries {
		entry := &persistence.HostQueueEntry{
			JobID:         job.ID,
			HostID:        tmpl.HostID,
			Status:        persistence.EntryStatusQueued,
			MetaHost:      tmpl.MetaHost,
			AtomicGroupID: tmpl.AtomicGroupID,
		}
		if err := e.Store.CreateEntry(ctx, entry); err != nil {
			return err
		}
	}

	e.logger().InfoContext(shared.WithJobID(ctx, job.ID), "expanded recurring run",
		"recurring_run", run.ID, "entries", len(templateEntries))
	return e.Store.AdvanceRecurringRun(ctx, run.ID, schedule.Next(now))
}

func (e *Expander) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
