package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RebootAfter is a job's post-run reboot policy.
type RebootAfter string

const (
	RebootNever            RebootAfter = "never"
	RebootIfAllTestsPassed RebootAfter = "if_all_tests_passed"
	RebootAlways           RebootAfter = "always"
)

type Job struct {
	ID             int64       `json:"id"`
	Name           string      `json:"name"`
	Owner          string      `json:"owner"`
	Priority       int         `json:"priority"`
	ControlFile    string      `json:"control_file"`
	SynchCount     int         `json:"synch_count"`
	RunVerify      bool        `json:"run_verify"`
	RebootAfter    RebootAfter `json:"reboot_after"`
	MaxRuntimeMins int         `json:"max_runtime_mins"`
	WaitDeadline   *time.Time  `json:"wait_deadline,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// MaxRuntime returns the job's runtime limit as a duration.
func (j *Job) MaxRuntime() time.Duration {
	return time.Duration(j.MaxRuntimeMins) * time.Minute
}

const jobColumns = `id, name, owner, priority, control_file, synch_count, run_verify, reboot_after, max_runtime_mins, wait_deadline, created_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var runVerify int
	var deadline sql.NullTime
	err := row.Scan(&j.ID, &j.Name, &j.Owner, &j.Priority, &j.ControlFile, &j.SynchCount, &runVerify, &j.RebootAfter, &j.MaxRuntimeMins, &deadline, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.RunVerify = runVerify != 0
	if deadline.Valid {
		j.WaitDeadline = &deadline.Time
	}
	return &j, nil
}

func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.SynchCount < 1 {
		j.SynchCount = 1
	}
	if j.RebootAfter == "" {
		j.RebootAfter = RebootIfAllTestsPassed
	}
	if j.MaxRuntimeMins <= 0 {
		j.MaxRuntimeMins = 1440
	}
	var deadline sql.NullTime
	if j.WaitDeadline != nil {
		deadline = sql.NullTime{Time: *j.WaitDeadline, Valid: true}
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (name, owner, priority, control_file, synch_count, run_verify, reboot_after, max_runtime_mins, wait_deadline)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, j.Name, j.Owner, j.Priority, j.ControlFile, j.SynchCount, boolToInt(j.RunVerify), j.RebootAfter, j.MaxRuntimeMins, deadline)
		if err != nil {
			return fmt.Errorf("insert job %q: %w", j.Name, err)
		}
		j.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// SetJobWaitDeadline records when a partially-assigned synchronous job
// gives up waiting for its remaining hosts.
func (s *Store) SetJobWaitDeadline(ctx context.Context, id int64, deadline time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE jobs SET wait_deadline = ? WHERE id = ?;`, deadline, id)
		return err
	})
}
