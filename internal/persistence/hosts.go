package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/basket/labsched/internal/bus"
)

type HostStatus string

const (
	HostStatusReady        HostStatus = "Ready"
	HostStatusRunning      HostStatus = "Running"
	HostStatusVerifying    HostStatus = "Verifying"
	HostStatusCleaning     HostStatus = "Cleaning"
	HostStatusResetting    HostStatus = "Resetting"
	HostStatusRepairing    HostStatus = "Repairing"
	HostStatusRepairFailed HostStatus = "Repair Failed"
	HostStatusProvisioning HostStatus = "Provisioning"
	HostStatusPending      HostStatus = "Pending"
)

var validHostStatuses = map[HostStatus]struct{}{
	HostStatusReady:        {},
	HostStatusRunning:      {},
	HostStatusVerifying:    {},
	HostStatusCleaning:     {},
	HostStatusResetting:    {},
	HostStatusRepairing:    {},
	HostStatusRepairFailed: {},
	HostStatusProvisioning: {},
	HostStatusPending:      {},
}

// HostProtection is the repair policy for a host.
type HostProtection string

const (
	ProtectionNormal      HostProtection = "normal"
	ProtectionDoNotVerify HostProtection = "do_not_verify"
)

type Host struct {
	ID            int64          `json:"id"`
	Hostname      string         `json:"hostname"`
	Status        HostStatus     `json:"status"`
	Locked        bool           `json:"locked"`
	Invalid       bool           `json:"invalid"`
	Protection    HostProtection `json:"protection"`
	Dirty         bool           `json:"dirty"`
	Labels        []string       `json:"labels"`
	AtomicGroupID *int64         `json:"atomic_group_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HasLabel reports whether the host carries the given label.
func (h *Host) HasLabel(label string) bool {
	for _, l := range h.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func joinLabels(labels []string) string {
	return strings.Join(labels, ",")
}

func splitLabels(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const hostColumns = `id, hostname, status, locked, invalid, protection, dirty, labels, atomic_group_id, created_at, updated_at`

func scanHost(row interface{ Scan(...any) error }) (*Host, error) {
	var h Host
	var locked, invalid, dirty int
	var labels string
	var groupID sql.NullInt64
	err := row.Scan(&h.ID, &h.Hostname, &h.Status, &locked, &invalid, &h.Protection, &dirty, &labels, &groupID, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	h.Locked = locked != 0
	h.Invalid = invalid != 0
	h.Dirty = dirty != 0
	h.Labels = splitLabels(labels)
	if groupID.Valid {
		h.AtomicGroupID = &groupID.Int64
	}
	return &h, nil
}

func (s *Store) CreateHost(ctx context.Context, h *Host) error {
	if h.Status == "" {
		h.Status = HostStatusReady
	}
	if h.Protection == "" {
		h.Protection = ProtectionNormal
	}
	if _, ok := validHostStatuses[h.Status]; !ok {
		return fmt.Errorf("invalid host status %q", h.Status)
	}
	var groupID sql.NullInt64
	if h.AtomicGroupID != nil {
		groupID = sql.NullInt64{Int64: *h.AtomicGroupID, Valid: true}
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO hosts (hostname, status, locked, invalid, protection, dirty, labels, atomic_group_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, h.Hostname, h.Status, boolToInt(h.Locked), boolToInt(h.Invalid), h.Protection, boolToInt(h.Dirty), joinLabels(h.Labels), groupID)
		if err != nil {
			return fmt.Errorf("insert host %q: %w", h.Hostname, err)
		}
		h.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) GetHost(ctx context.Context, id int64) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?;`, id)
	h, err := scanHost(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("host %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get host %d: %w", id, err)
	}
	return h, nil
}

func (s *Store) HostByHostname(ctx context.Context, hostname string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE hostname = ?;`, hostname)
	h, err := scanHost(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("host %q not found", hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("get host %q: %w", hostname, err)
	}
	return h, nil
}

// SetHostStatus moves a host to a new status and announces the change.
func (s *Store) SetHostStatus(ctx context.Context, id int64, status HostStatus) error {
	if _, ok := validHostStatuses[status]; !ok {
		return fmt.Errorf("invalid host status %q", status)
	}
	h, err := s.GetHost(ctx, id)
	if err != nil {
		return err
	}
	if h.Status == status {
		return nil
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE hosts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("set host %d status: %w", id, err)
	}
	s.publish(bus.TopicHostStatusChanged, bus.HostStatusChangedEvent{
		HostID:    id,
		Hostname:  h.Hostname,
		OldStatus: string(h.Status),
		NewStatus: string(status),
	})
	return nil
}

func (s *Store) SetHostDirty(ctx context.Context, id int64, dirty bool) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE hosts SET dirty = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, boolToInt(dirty), id)
		return err
	})
}

func (s *Store) SetHostLocked(ctx context.Context, id int64, locked bool) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE hosts SET locked = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, boolToInt(locked), id)
		return err
	})
}

func (s *Store) queryHosts(ctx context.Context, query string, args ...any) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()
	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// ReadyHosts returns unlocked, valid hosts in Ready status with no
// active queue entry, ordered by id for deterministic assignment.
func (s *Store) ReadyHosts(ctx context.Context) ([]*Host, error) {
	return s.queryHosts(ctx, `
		SELECT `+hostColumns+` FROM hosts
		WHERE status = ? AND locked = 0 AND invalid = 0
		AND id NOT IN (
			SELECT host_id FROM host_queue_entries
			WHERE host_id IS NOT NULL AND status NOT IN (?, ?, ?, ?, ?)
		)
		ORDER BY id;
	`, HostStatusReady,
		EntryStatusQueued, EntryStatusCompleted, EntryStatusFailed, EntryStatusAborted, EntryStatusStopped)
}

// HostsInStatus returns all hosts in any of the given statuses.
func (s *Store) HostsInStatus(ctx context.Context, statuses ...HostStatus) ([]*Host, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.queryHosts(ctx, `
		SELECT `+hostColumns+` FROM hosts WHERE status IN (`+placeholders+`) ORDER BY id;
	`, args...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
