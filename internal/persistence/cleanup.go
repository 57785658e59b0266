package persistence

import (
	"context"
	"fmt"
	"time"
)

// TimedOutEntries returns active entries whose job exceeded its
// max_runtime_mins since the entry started. The dispatcher flags these
// aborted on its periodic cleanup pass.
func (s *Store) TimedOutEntries(ctx context.Context, now time.Time) ([]*HostQueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT e.`+prefixColumns(entryColumns, "e")+`
		FROM host_queue_entries e JOIN jobs j ON j.id = e.job_id
		WHERE e.aborted = 0
		AND e.status NOT IN (?, ?, ?, ?, ?)
		AND e.started_on IS NOT NULL
		AND e.started_on <= datetime(?, '-' || j.max_runtime_mins || ' minutes')
		ORDER BY e.id;
	`, EntryStatusQueued, EntryStatusCompleted, EntryStatusFailed, EntryStatusStopped, EntryStatusAborted,
		now.UTC().Format("2006-01-02 15:04:05"))
}

// PruneOldRecords deletes terminal queue entries, their parentless
// jobs, and completed special tasks older than the cutoff. Returns the
// number of queue entries removed.
func (s *Store) PruneOldRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin prune tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		cut := cutoff.UTC().Format("2006-01-02 15:04:05")

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM special_tasks WHERE is_complete = 1 AND updated_at < ?;
		`, cut); err != nil {
			return fmt.Errorf("prune special tasks: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM host_queue_entries
			WHERE status IN (?, ?, ?, ?) AND updated_at < ?
			AND id NOT IN (SELECT COALESCE(queue_entry_id, -1) FROM special_tasks);
		`, EntryStatusCompleted, EntryStatusFailed, EntryStatusStopped, EntryStatusAborted, cut)
		if err != nil {
			return fmt.Errorf("prune queue entries: %w", err)
		}
		removed, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM jobs WHERE created_at < ?
			AND id NOT IN (SELECT DISTINCT job_id FROM host_queue_entries)
			AND id NOT IN (SELECT DISTINCT job_id FROM recurring_runs);
		`, cut); err != nil {
			return fmt.Errorf("prune jobs: %w", err)
		}

		return tx.Commit()
	})
	return removed, err
}
