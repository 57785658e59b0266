package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/labsched/internal/bus"
)

// TaskKind identifies a maintenance task variant.
type TaskKind string

const (
	TaskVerify    TaskKind = "Verify"
	TaskRepair    TaskKind = "Repair"
	TaskCleanup   TaskKind = "Cleanup"
	TaskReset     TaskKind = "Reset"
	TaskProvision TaskKind = "Provision"
)

// taskPriority orders eligible maintenance tasks: Repair first, then
// Cleanup, Verify, Reset, Provision.
var taskPriority = map[TaskKind]int{
	TaskRepair:    1,
	TaskCleanup:   2,
	TaskVerify:    3,
	TaskReset:     4,
	TaskProvision: 5,
}

type SpecialTask struct {
	ID           int64     `json:"id"`
	HostID       int64     `json:"host_id"`
	QueueEntryID *int64    `json:"queue_entry_id,omitempty"`
	Task         TaskKind  `json:"task"`
	IsActive     bool      `json:"is_active"`
	IsComplete   bool      `json:"is_complete"`
	Success      bool      `json:"success"`
	IsAborted    bool      `json:"is_aborted"`
	RequestedBy  string    `json:"requested_by"`
	PidfileID    string    `json:"pidfile_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const specialTaskColumns = `id, host_id, queue_entry_id, task, is_active, is_complete, success, is_aborted, requested_by, pidfile_id, created_at, updated_at`

func scanSpecialTask(row interface{ Scan(...any) error }) (*SpecialTask, error) {
	var t SpecialTask
	var entryID sql.NullInt64
	var active, complete, success, aborted int
	err := row.Scan(&t.ID, &t.HostID, &entryID, &t.Task, &active, &complete, &success, &aborted, &t.RequestedBy, &t.PidfileID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.IsActive = active != 0
	t.IsComplete = complete != 0
	t.Success = success != 0
	t.IsAborted = aborted != 0
	if entryID.Valid {
		t.QueueEntryID = &entryID.Int64
	}
	return &t, nil
}

func (s *Store) CreateSpecialTask(ctx context.Context, t *SpecialTask) error {
	if _, ok := taskPriority[t.Task]; !ok {
		return fmt.Errorf("invalid special task kind %q", t.Task)
	}
	var entryID sql.NullInt64
	if t.QueueEntryID != nil {
		entryID = sql.NullInt64{Int64: *t.QueueEntryID, Valid: true}
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO special_tasks (host_id, queue_entry_id, task, requested_by)
			VALUES (?, ?, ?, ?);
		`, t.HostID, entryID, t.Task, t.RequestedBy)
		if err != nil {
			return fmt.Errorf("insert %s task for host %d: %w", t.Task, t.HostID, err)
		}
		t.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicSpecialTaskCreated, bus.SpecialTaskEvent{
		TaskID: t.ID,
		HostID: t.HostID,
		Kind:   string(t.Task),
	})
	return nil
}

func (s *Store) GetSpecialTask(ctx context.Context, id int64) (*SpecialTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+specialTaskColumns+` FROM special_tasks WHERE id = ?;`, id)
	t, err := scanSpecialTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("special task %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get special task %d: %w", id, err)
	}
	return t, nil
}

// ActivateSpecialTask marks a task active. Activating a Verify deletes
// any other queued Verify tasks against the same host so a flood of
// requests collapses into one run.
func (s *Store) ActivateSpecialTask(ctx context.Context, id int64) error {
	t, err := s.GetSpecialTask(ctx, id)
	if err != nil {
		return err
	}
	if t.IsComplete {
		return fmt.Errorf("special task %d already complete", id)
	}
	if t.Task == TaskVerify {
		if err := s.DeleteQueuedVerifies(ctx, t.HostID, id); err != nil {
			return err
		}
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE special_tasks SET is_active = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		return err
	})
}

// DeleteQueuedVerifies removes queued (never-activated) Verify tasks
// for a host, keeping the one with keepID.
func (s *Store) DeleteQueuedVerifies(ctx context.Context, hostID, keepID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM special_tasks
			WHERE host_id = ? AND task = ? AND is_active = 0 AND is_complete = 0 AND id != ?;
		`, hostID, TaskVerify, keepID)
		return err
	})
}

// FinishSpecialTask marks a task complete with the given outcome and
// announces it. Finishing twice is an error; completion fires once.
func (s *Store) FinishSpecialTask(ctx context.Context, id int64, success bool) error {
	t, err := s.GetSpecialTask(ctx, id)
	if err != nil {
		return err
	}
	if t.IsComplete {
		return fmt.Errorf("special task %d already complete", id)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE special_tasks SET is_active = 0, is_complete = 1, success = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, boolToInt(success), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish special task %d: %w", id, err)
	}
	s.publish(bus.TopicSpecialTaskDone, bus.SpecialTaskEvent{
		TaskID:  id,
		HostID:  t.HostID,
		Kind:    string(t.Task),
		Success: success,
	})
	return nil
}

// AbortSpecialTask flags a task aborted. Queued tasks are finished
// immediately; active ones stay for their agent to tear down.
func (s *Store) AbortSpecialTask(ctx context.Context, id int64) error {
	t, err := s.GetSpecialTask(ctx, id)
	if err != nil {
		return err
	}
	if t.IsComplete {
		return nil
	}
	if err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE special_tasks SET is_aborted = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		return err
	}); err != nil {
		return err
	}
	if !t.IsActive {
		return s.FinishSpecialTask(ctx, id, false)
	}
	return nil
}

// SetSpecialTaskPidfile records the remote pidfile handle so the task
// can be re-attached after a scheduler restart.
func (s *Store) SetSpecialTaskPidfile(ctx context.Context, id int64, pidfileID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE special_tasks SET pidfile_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, pidfileID, id)
		return err
	})
}

func (s *Store) querySpecialTasks(ctx context.Context, query string, args ...any) ([]*SpecialTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query special tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*SpecialTask
	for rows.Next() {
		t, err := scanSpecialTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan special task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// QueuedSpecialTasks returns incomplete, inactive tasks on unlocked
// hosts in kind-priority order (Repair > Cleanup > Verify > Reset >
// Provision), then creation order.
func (s *Store) QueuedSpecialTasks(ctx context.Context) ([]*SpecialTask, error) {
	return s.querySpecialTasks(ctx, `
		SELECT t.`+prefixColumns(specialTaskColumns, "t")+`
		FROM special_tasks t JOIN hosts h ON h.id = t.host_id
		WHERE t.is_complete = 0 AND t.is_active = 0 AND h.locked = 0
		ORDER BY CASE t.task
			WHEN 'Repair' THEN 1
			WHEN 'Cleanup' THEN 2
			WHEN 'Verify' THEN 3
			WHEN 'Reset' THEN 4
			WHEN 'Provision' THEN 5
			ELSE 6 END, t.id;
	`)
}

// ActiveSpecialTasks returns tasks that were running when the scheduler
// last stopped; recovery re-attaches agents to these.
func (s *Store) ActiveSpecialTasks(ctx context.Context) ([]*SpecialTask, error) {
	return s.querySpecialTasks(ctx, `
		SELECT `+specialTaskColumns+` FROM special_tasks
		WHERE is_active = 1 AND is_complete = 0 ORDER BY id;
	`)
}

// IncompleteTasksForEntry returns pending maintenance bound to a queue
// entry, optionally restricted to given kinds.
func (s *Store) IncompleteTasksForEntry(ctx context.Context, entryID int64, kinds ...TaskKind) ([]*SpecialTask, error) {
	query := `
		SELECT ` + specialTaskColumns + ` FROM special_tasks
		WHERE queue_entry_id = ? AND is_complete = 0`
	args := []any{entryID}
	if len(kinds) > 0 {
		query += ` AND task IN (`
		for i, k := range kinds {
			if i > 0 {
				query += `,`
			}
			query += `?`
			args = append(args, k)
		}
		query += `)`
	}
	query += ` ORDER BY id;`
	return s.querySpecialTasks(ctx, query, args...)
}

// DeleteIncompleteTasksForEntry clears pending maintenance when an
// entry is requeued after a failure.
func (s *Store) DeleteIncompleteTasksForEntry(ctx context.Context, entryID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM special_tasks
			WHERE queue_entry_id = ? AND is_complete = 0 AND is_active = 0;
		`, entryID)
		return err
	})
}

// RepairTaskExistsForEntry reports whether a Repair (complete or not)
// is already recorded against an entry's host for that entry.
func (s *Store) RepairTaskExistsForEntry(ctx context.Context, entryID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM special_tasks WHERE queue_entry_id = ? AND task = ?;
	`, entryID, TaskRepair).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count repair tasks for entry %d: %w", entryID, err)
	}
	return n > 0, nil
}

func prefixColumns(columns, alias string) string {
	out := ""
	for i, c := range splitLabels(columns) {
		if i > 0 {
			out += ", " + alias + "."
		}
		out += c
	}
	return out
}
