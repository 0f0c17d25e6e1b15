package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/factline/factline/internal/model"
)

// ErrGroupNotFound is returned when a group doesn't exist.
// It wraps ErrNotFound so callers can use errors.Is(err, ErrNotFound) generically.
var ErrGroupNotFound = fmt.Errorf("storage: group: %w", ErrNotFound)

// GetGroup returns one group by id.
func (db *DB) GetGroup(ctx context.Context, id int64) (model.Group, error) {
	var g model.Group
	err := db.pool.QueryRow(ctx,
		`SELECT id, parent_id, name, licensed FROM groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.ParentID, &g.Name, &g.Licensed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Group{}, fmt.Errorf("%w: %d", ErrGroupNotFound, id)
		}
		return model.Group{}, fmt.Errorf("storage: get group: %w", err)
	}
	return g, nil
}

// CreateGroup inserts a group and returns it with its assigned id.
func (db *DB) CreateGroup(ctx context.Context, g model.Group) (model.Group, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO groups (parent_id, name, licensed) VALUES ($1, $2, $3) RETURNING id`,
		g.ParentID, g.Name, g.Licensed,
	).Scan(&g.ID)
	if err != nil {
		return model.Group{}, fmt.Errorf("storage: create group: %w", err)
	}
	return g, nil
}

// CreateProject inserts a project under a group and returns its id.
func (db *DB) CreateProject(ctx context.Context, groupID int64, name string) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO projects (group_id, name) VALUES ($1, $2) RETURNING id`,
		groupID, name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: create project: %w", err)
	}
	return id, nil
}

// ListEnabledGroupIDs returns the ids of top-level groups whose aggregation
// state is enabled, ordered by id. Used by the scheduler to fan out passes.
func (db *DB) ListEnabledGroupIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT g.id
		 FROM groups g
		 JOIN aggregation_states s ON s.group_id = g.id
		 WHERE g.parent_id IS NULL AND s.enabled
		 ORDER BY g.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled group ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
