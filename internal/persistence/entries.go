package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/basket/labsched/internal/bus"
)

type EntryStatus string

const (
	EntryStatusQueued       EntryStatus = "Queued"
	EntryStatusStarting     EntryStatus = "Starting"
	EntryStatusWaiting      EntryStatus = "Waiting"
	EntryStatusPending      EntryStatus = "Pending"
	EntryStatusVerifying    EntryStatus = "Verifying"
	EntryStatusCleaning     EntryStatus = "Cleaning"
	EntryStatusResetting    EntryStatus = "Resetting"
	EntryStatusProvisioning EntryStatus = "Provisioning"
	EntryStatusRunning      EntryStatus = "Running"
	EntryStatusGathering    EntryStatus = "Gathering"
	EntryStatusParsing      EntryStatus = "Parsing"
	EntryStatusArchiving    EntryStatus = "Archiving"
	EntryStatusCompleted    EntryStatus = "Completed"
	EntryStatusFailed       EntryStatus = "Failed"
	EntryStatusStopped      EntryStatus = "Stopped"
	EntryStatusAborted      EntryStatus = "Aborted"
)

// allowedEntryTransitions defines the queue entry state machine. Only
// the dispatcher and its tasks move entries forward; Aborted may cut in
// from any non-terminal state.
var allowedEntryTransitions = map[EntryStatus]map[EntryStatus]struct{}{
	EntryStatusQueued: {
		EntryStatusVerifying:    {},
		EntryStatusCleaning:     {},
		EntryStatusResetting:    {},
		EntryStatusProvisioning: {},
		EntryStatusPending:      {},
		EntryStatusStarting:     {},
		EntryStatusWaiting:      {},
		EntryStatusStopped:      {},
		EntryStatusFailed:       {}, // Repair gave up on the entry.
		EntryStatusAborted:      {},
	},
	EntryStatusVerifying: {
		EntryStatusCleaning:     {},
		EntryStatusResetting:    {},
		EntryStatusProvisioning: {},
		EntryStatusPending:      {},
		EntryStatusStarting:     {},
		EntryStatusQueued:       {}, // Requeue on maintenance failure.
		EntryStatusFailed:       {},
		EntryStatusAborted:      {},
	},
	EntryStatusCleaning: {
		EntryStatusVerifying:    {},
		EntryStatusResetting:    {},
		EntryStatusProvisioning: {},
		EntryStatusPending:      {},
		EntryStatusStarting:     {},
		EntryStatusQueued:       {},
		EntryStatusFailed:       {},
		EntryStatusAborted:      {},
	},
	EntryStatusResetting: {
		EntryStatusVerifying:    {},
		EntryStatusProvisioning: {},
		EntryStatusPending:      {},
		EntryStatusStarting:     {},
		EntryStatusQueued:       {},
		EntryStatusFailed:       {},
		EntryStatusAborted:      {},
	},
	EntryStatusProvisioning: {
		EntryStatusPending:  {},
		EntryStatusStarting: {},
		EntryStatusQueued:   {},
		EntryStatusParsing:  {}, // Provision failure fails the entry.
		EntryStatusFailed:   {},
		EntryStatusAborted:  {},
	},
	EntryStatusPending: {
		EntryStatusStarting: {},
		EntryStatusWaiting:  {}, // Delayed start for partial synch groups.
		EntryStatusQueued:   {},
		EntryStatusStopped:  {},
		EntryStatusAborted:  {},
	},
	EntryStatusWaiting: {
		EntryStatusPending:  {},
		EntryStatusStarting: {},
		EntryStatusQueued:   {},
		EntryStatusStopped:  {},
		EntryStatusAborted:  {},
	},
	EntryStatusStarting: {
		EntryStatusRunning:   {},
		EntryStatusGathering: {},
		EntryStatusParsing:   {},
		EntryStatusQueued:    {}, // Crash recovery requeue.
		EntryStatusAborted:   {},
	},
	EntryStatusRunning: {
		EntryStatusGathering: {},
		EntryStatusParsing:   {},
		EntryStatusQueued:    {},
		EntryStatusAborted:   {},
	},
	EntryStatusGathering: {
		EntryStatusParsing: {},
		EntryStatusAborted: {},
	},
	EntryStatusParsing: {
		EntryStatusArchiving: {},
		EntryStatusCompleted: {},
		EntryStatusFailed:    {},
		EntryStatusAborted:   {},
	},
	EntryStatusArchiving: {
		EntryStatusCompleted: {},
		EntryStatusFailed:    {},
		EntryStatusAborted:   {},
	},
}

// InFlightEntryStatuses are the states in which an entry has (or needs)
// a live agent.
var InFlightEntryStatuses = []EntryStatus{
	EntryStatusStarting,
	EntryStatusRunning,
	EntryStatusGathering,
	EntryStatusParsing,
	EntryStatusArchiving,
}

// IsTerminal reports whether st is a final entry state.
func (st EntryStatus) IsTerminal() bool {
	switch st {
	case EntryStatusCompleted, EntryStatusFailed, EntryStatusStopped, EntryStatusAborted:
		return true
	}
	return false
}

// IsActive reports whether st counts the entry's host as occupied.
func (st EntryStatus) IsActive() bool {
	return st != EntryStatusQueued && !st.IsTerminal()
}

type HostQueueEntry struct {
	ID              int64       `json:"id"`
	JobID           int64       `json:"job_id"`
	HostID          *int64      `json:"host_id,omitempty"`
	Status          EntryStatus `json:"status"`
	Aborted         bool        `json:"aborted"`
	MetaHost        string      `json:"meta_host,omitempty"`
	AtomicGroupID   *int64      `json:"atomic_group_id,omitempty"`
	ExecutionSubdir string      `json:"execution_subdir"`
	StartedOn       *time.Time  `json:"started_on,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

const entryColumns = `id, job_id, host_id, status, aborted, meta_host, atomic_group_id, execution_subdir, started_on, created_at, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (*HostQueueEntry, error) {
	var e HostQueueEntry
	var hostID, groupID sql.NullInt64
	var aborted int
	var started sql.NullTime
	err := row.Scan(&e.ID, &e.JobID, &hostID, &e.Status, &aborted, &e.MetaHost, &groupID, &e.ExecutionSubdir, &started, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Aborted = aborted != 0
	if hostID.Valid {
		e.HostID = &hostID.Int64
	}
	if groupID.Valid {
		e.AtomicGroupID = &groupID.Int64
	}
	if started.Valid {
		e.StartedOn = &started.Time
	}
	return &e, nil
}

func (s *Store) CreateEntry(ctx context.Context, e *HostQueueEntry) error {
	if e.Status == "" {
		e.Status = EntryStatusQueued
	}
	var hostID, groupID sql.NullInt64
	if e.HostID != nil {
		hostID = sql.NullInt64{Int64: *e.HostID, Valid: true}
	}
	if e.AtomicGroupID != nil {
		groupID = sql.NullInt64{Int64: *e.AtomicGroupID, Valid: true}
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO host_queue_entries (job_id, host_id, status, aborted, meta_host, atomic_group_id, execution_subdir)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.JobID, hostID, e.Status, boolToInt(e.Aborted), e.MetaHost, groupID, e.ExecutionSubdir)
		if err != nil {
			return fmt.Errorf("insert queue entry for job %d: %w", e.JobID, err)
		}
		e.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) GetEntry(ctx context.Context, id int64) (*HostQueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM host_queue_entries WHERE id = ?;`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("queue entry %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry %d: %w", id, err)
	}
	return e, nil
}

// SetEntryStatus validates the transition, applies it, and announces
// the change. Setting the current status again is a no-op.
func (s *Store) SetEntryStatus(ctx context.Context, id int64, status EntryStatus) error {
	e, err := s.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == status {
		return nil
	}
	allowed, ok := allowedEntryTransitions[e.Status]
	if !ok {
		return fmt.Errorf("queue entry %d: no transitions out of terminal status %q", id, e.Status)
	}
	if _, ok := allowed[status]; !ok {
		return fmt.Errorf("queue entry %d: invalid transition %q -> %q", id, e.Status, status)
	}

	setStarted := ""
	if status == EntryStatusStarting || status == EntryStatusRunning {
		setStarted = ", started_on = COALESCE(started_on, CURRENT_TIMESTAMP)"
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE host_queue_entries SET status = ?, updated_at = CURRENT_TIMESTAMP`+setStarted+` WHERE id = ?;
		`, status, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("set queue entry %d status: %w", id, err)
	}
	s.publish(bus.TopicEntryStatusChanged, bus.EntryStatusChangedEvent{
		EntryID:   id,
		JobID:     e.JobID,
		OldStatus: string(e.Status),
		NewStatus: string(status),
	})
	return nil
}

// SetEntryAborted flips the aborted flag without touching status; the
// abort pass later drives the status transition.
func (s *Store) SetEntryAborted(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE host_queue_entries SET aborted = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		return err
	})
}

// AssignEntryHost binds a host to an entry that matched by meta_host or
// atomic group.
func (s *Store) AssignEntryHost(ctx context.Context, entryID, hostID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE host_queue_entries SET host_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, hostID, entryID)
		return err
	})
}

// SetEntryExecutionSubdir records the result-tree subdirectory used by
// the entry's run.
func (s *Store) SetEntryExecutionSubdir(ctx context.Context, entryID int64, subdir string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE host_queue_entries SET execution_subdir = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, subdir, entryID)
		return err
	})
}

// RequeueEntry puts an entry back at Queued after failed pre-job
// maintenance, clearing its execution subdirectory. Entries bound via
// meta_host lose their concrete host so assignment can pick another.
func (s *Store) RequeueEntry(ctx context.Context, id int64) error {
	e, err := s.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if err := s.SetEntryStatus(ctx, id, EntryStatusQueued); err != nil {
		return err
	}
	clearHost := ""
	if e.MetaHost != "" {
		clearHost = ", host_id = NULL"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE host_queue_entries SET execution_subdir = ''`+clearHost+`, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		return err
	})
}

// CloneEntry copies an entry for an extra atomic-group host. The clone
// starts at Queued bound to the given host.
func (s *Store) CloneEntry(ctx context.Context, id, hostID int64) (*HostQueueEntry, error) {
	src, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	clone := &HostQueueEntry{
		JobID:         src.JobID,
		HostID:        &hostID,
		Status:        EntryStatusQueued,
		MetaHost:      src.MetaHost,
		AtomicGroupID: src.AtomicGroupID,
	}
	if err := s.CreateEntry(ctx, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*HostQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()
	var entries []*HostQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingQueuedEntries returns unaborted Queued entries ordered by job
// priority (highest first), then job id and entry id.
func (s *Store) PendingQueuedEntries(ctx context.Context) ([]*HostQueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT e.`+prefixColumns(entryColumns, "e")+`
		FROM host_queue_entries e JOIN jobs j ON j.id = e.job_id
		WHERE e.status = ? AND e.aborted = 0
		ORDER BY j.priority DESC, j.id, e.id;
	`, EntryStatusQueued)
}

// EntriesForJob returns all entries of a job ordered by id.
func (s *Store) EntriesForJob(ctx context.Context, jobID int64) ([]*HostQueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM host_queue_entries WHERE job_id = ? ORDER BY id;
	`, jobID)
}

// EntriesInStatus returns entries in any of the given statuses.
func (s *Store) EntriesInStatus(ctx context.Context, statuses ...EntryStatus) ([]*HostQueueEntry, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM host_queue_entries WHERE status IN (`+placeholders+`) ORDER BY id;
	`, args...)
}

// AbortedPendingEntries returns entries flagged aborted that are not
// yet in a terminal status.
func (s *Store) AbortedPendingEntries(ctx context.Context) ([]*HostQueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM host_queue_entries
		WHERE aborted = 1 AND status NOT IN (?, ?, ?, ?)
		ORDER BY id;
	`, EntryStatusCompleted, EntryStatusFailed, EntryStatusStopped, EntryStatusAborted)
}

// ActiveEntryForHost returns the non-terminal, non-queued entry
// occupying a host, or nil.
func (s *Store) ActiveEntryForHost(ctx context.Context, hostID int64) (*HostQueueEntry, error) {
	entries, err := s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM host_queue_entries
		WHERE host_id = ? AND status NOT IN (?, ?, ?, ?, ?)
		ORDER BY id LIMIT 1;
	`, hostID, EntryStatusQueued, EntryStatusCompleted, EntryStatusFailed, EntryStatusStopped, EntryStatusAborted)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}
