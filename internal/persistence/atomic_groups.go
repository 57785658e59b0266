package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// AtomicGroup is a set of hosts scheduled together; a job targeting a
// group gets one queue entry per matched host, capped at
// MaxNumberOfMachines.
type AtomicGroup struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	MaxNumberOfMachines int    `json:"max_number_of_machines"`
}

func (s *Store) CreateAtomicGroup(ctx context.Context, g *AtomicGroup) error {
	if g.MaxNumberOfMachines < 1 {
		g.MaxNumberOfMachines = 1
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO atomic_groups (name, max_number_of_machines) VALUES (?, ?);
		`, g.Name, g.MaxNumberOfMachines)
		if err != nil {
			return fmt.Errorf("insert atomic group %q: %w", g.Name, err)
		}
		g.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) GetAtomicGroup(ctx context.Context, id int64) (*AtomicGroup, error) {
	var g AtomicGroup
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, max_number_of_machines FROM atomic_groups WHERE id = ?;
	`, id).Scan(&g.ID, &g.Name, &g.MaxNumberOfMachines)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("atomic group %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get atomic group %d: %w", id, err)
	}
	return &g, nil
}

// HostsInAtomicGroup returns the group's member hosts ordered by id.
func (s *Store) HostsInAtomicGroup(ctx context.Context, groupID int64) ([]*Host, error) {
	return s.queryHosts(ctx, `
		SELECT `+hostColumns+` FROM hosts WHERE atomic_group_id = ? ORDER BY id;
	`, groupID)
}
