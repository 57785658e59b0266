package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecurringRun schedules repeated instantiations of a template job on a
// cron expression. Remaining counts down per fired run; zero remaining
// removes the row.
type RecurringRun struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	Owner     string    `json:"owner"`
	Schedule  string    `json:"schedule"`
	Remaining int       `json:"remaining"`
	NextRunAt time.Time `json:"next_run_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) CreateRecurringRun(ctx context.Context, r *RecurringRun) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO recurring_runs (job_id, owner, schedule, remaining, next_run_at)
			VALUES (?, ?, ?, ?, ?);
		`, r.JobID, r.Owner, r.Schedule, r.Remaining, r.NextRunAt.UTC())
		if err != nil {
			return fmt.Errorf("insert recurring run for job %d: %w", r.JobID, err)
		}
		r.ID, err = res.LastInsertId()
		return err
	})
}

// DueRecurringRuns returns runs whose next fire time is at or before
// now, ordered by fire time.
func (s *Store) DueRecurringRuns(ctx context.Context, now time.Time) ([]*RecurringRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, owner, schedule, remaining, next_run_at, created_at
		FROM recurring_runs WHERE next_run_at <= ? ORDER BY next_run_at, id;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due recurring runs: %w", err)
	}
	defer rows.Close()
	var runs []*RecurringRun
	for rows.Next() {
		var r RecurringRun
		if err := rows.Scan(&r.ID, &r.JobID, &r.Owner, &r.Schedule, &r.Remaining, &r.NextRunAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recurring run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// AdvanceRecurringRun records one fired iteration: decrements remaining
// and moves the next fire time forward, or deletes the row when the
// iteration count is exhausted.
func (s *Store) AdvanceRecurringRun(ctx context.Context, id int64, next time.Time) error {
	var remaining int
	err := s.db.QueryRowContext(ctx, `SELECT remaining FROM recurring_runs WHERE id = ?;`, id).Scan(&remaining)
	if err == sql.ErrNoRows {
		return fmt.Errorf("recurring run %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("read recurring run %d: %w", id, err)
	}
	if remaining <= 1 && remaining != 0 {
		return s.DeleteRecurringRun(ctx, id)
	}
	// remaining == 0 means repeat forever.
	newRemaining := remaining
	if remaining > 0 {
		newRemaining--
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE recurring_runs SET remaining = ?, next_run_at = ? WHERE id = ?;
		`, newRemaining, next.UTC(), id)
		return err
	})
}

func (s *Store) DeleteRecurringRun(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM recurring_runs WHERE id = ?;`, id)
		return err
	})
}
