package storage

import (
	"context"
	"fmt"

	"github.com/factline/factline/internal/model"
)

// groupTreeCTE resolves a group id to the set of group ids in its subtree.
// Every item query is scoped to the tree so sub-group projects are covered.
const groupTreeCTE = `
	WITH RECURSIVE tree AS (
		SELECT id FROM groups WHERE id = $1
		UNION ALL
		SELECT g.id FROM groups g JOIN tree t ON g.parent_id = t.id
	)`

// ItemBatch returns up to limit work item snapshots of the given kind inside
// the group's project tree, ordered ascending by (updated_at, id), strictly
// after the cursor. The zero cursor starts from the beginning: the zero
// time predates any real updated_at.
func (db *DB) ItemBatch(ctx context.Context, groupID int64, kind model.Kind, cursor model.ItemCursor, limit int) ([]model.ItemSnapshot, error) {
	rows, err := db.pool.Query(ctx,
		groupTreeCTE+`
		SELECT w.id, w.project_id, p.group_id, w.author_id, w.milestone_id, w.state_id, w.updated_at
		FROM work_items w
		JOIN projects p ON p.id = w.project_id
		WHERE p.group_id IN (SELECT id FROM tree)
		  AND w.kind = $2
		  AND (w.updated_at, w.id) > ($3, $4)
		ORDER BY w.updated_at, w.id
		LIMIT $5`,
		groupID, string(kind), cursor.UpdatedAt, cursor.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch item batch: %w", err)
	}
	defer rows.Close()

	var out []model.ItemSnapshot
	for rows.Next() {
		var s model.ItemSnapshot
		if err := rows.Scan(&s.ItemID, &s.ProjectID, &s.GroupID, &s.AuthorID, &s.MilestoneID, &s.StateID, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan item snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ExistingItemIDs returns which of the given item ids still exist in the
// source table for the kind. Used by the consistency checker; ids absent
// from the result are orphaned.
func (db *DB) ExistingItemIDs(ctx context.Context, kind model.Kind, itemIDs []int64) (map[int64]struct{}, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM work_items WHERE kind = $1 AND id = ANY($2)`,
		string(kind), itemIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: check item existence: %w", err)
	}
	defer rows.Close()

	existing := make(map[int64]struct{}, len(itemIDs))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan item id: %w", err)
		}
		existing[id] = struct{}{}
	}
	return existing, rows.Err()
}

// CreateWorkItem inserts a work item and returns it with its assigned id.
func (db *DB) CreateWorkItem(ctx context.Context, item model.WorkItem) (model.WorkItem, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO work_items
		   (kind, project_id, author_id, milestone_id, state_id,
		    created_at, first_assigned_at, review_started_at, closed_at, merged_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		string(item.Kind), item.ProjectID, item.AuthorID, item.MilestoneID, item.StateID,
		item.CreatedAt, item.FirstAssignedAt, item.ReviewStartedAt, item.ClosedAt, item.MergedAt, item.UpdatedAt,
	).Scan(&item.ID)
	if err != nil {
		return model.WorkItem{}, fmt.Errorf("storage: create work item: %w", err)
	}
	return item, nil
}

// DeleteWorkItem removes a work item from the source table. Fact rows
// referencing it become orphaned until the next consistency pass.
func (db *DB) DeleteWorkItem(ctx context.Context, kind model.Kind, id int64) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM work_items WHERE kind = $1 AND id = $2`, string(kind), id,
	); err != nil {
		return fmt.Errorf("storage: delete work item: %w", err)
	}
	return nil
}
