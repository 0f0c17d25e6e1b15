package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/factline/factline/internal/model"
)

// ErrStateNotFound is returned when a group has no aggregation state row.
var ErrStateNotFound = fmt.Errorf("storage: aggregation state: %w", ErrNotFound)

// EnsureAggregationState returns the group's aggregation state, creating an
// enabled row with empty cursors if none exists yet.
func (db *DB) EnsureAggregationState(ctx context.Context, groupID int64) (*model.AggregationState, error) {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO aggregation_states (group_id) VALUES ($1) ON CONFLICT (group_id) DO NOTHING`,
		groupID,
	); err != nil {
		return nil, fmt.Errorf("storage: ensure aggregation state: %w", err)
	}
	return db.LoadAggregationState(ctx, groupID)
}

// LoadAggregationState reads the group's aggregation state row.
func (db *DB) LoadAggregationState(ctx context.Context, groupID int64) (*model.AggregationState, error) {
	state := &model.AggregationState{GroupID: groupID}
	var (
		incRuntimeMS, fullRuntimeMS int64
		incIssues, incCRs           nullableItemCursor
		fullIssues, fullCRs         nullableItemCursor
		checkIssues, checkCRs       nullableCheckCursor
	)
	err := db.pool.QueryRow(ctx,
		`SELECT enabled,
		        last_incremental_run_at, last_full_run_at,
		        incremental_runtime_ms, incremental_processed_records,
		        full_runtime_ms, full_processed_records,
		        inc_issues_cursor_updated_at, inc_issues_cursor_id,
		        inc_change_requests_cursor_updated_at, inc_change_requests_cursor_id,
		        full_issues_cursor_updated_at, full_issues_cursor_id,
		        full_change_requests_cursor_updated_at, full_change_requests_cursor_id,
		        issues_check_stage_hash, issues_check_end_event_timestamp, issues_check_item_id,
		        change_requests_check_stage_hash, change_requests_check_end_event_timestamp, change_requests_check_item_id
		 FROM aggregation_states WHERE group_id = $1`,
		groupID,
	).Scan(
		&state.Enabled,
		&state.LastIncrementalRunAt, &state.LastFullRunAt,
		&incRuntimeMS, &state.IncrementalStats.ProcessedRecords,
		&fullRuntimeMS, &state.FullStats.ProcessedRecords,
		&incIssues.updatedAt, &incIssues.id,
		&incCRs.updatedAt, &incCRs.id,
		&fullIssues.updatedAt, &fullIssues.id,
		&fullCRs.updatedAt, &fullCRs.id,
		&checkIssues.stageHash, &checkIssues.endEventTimestamp, &checkIssues.itemID,
		&checkCRs.stageHash, &checkCRs.endEventTimestamp, &checkCRs.itemID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: group %d", ErrStateNotFound, groupID)
		}
		return nil, fmt.Errorf("storage: load aggregation state: %w", err)
	}

	state.IncrementalStats.Runtime = time.Duration(incRuntimeMS) * time.Millisecond
	state.FullStats.Runtime = time.Duration(fullRuntimeMS) * time.Millisecond
	state.Incremental = model.KindCursors{Issues: incIssues.cursor(), ChangeRequests: incCRs.cursor()}
	state.Full = model.KindCursors{Issues: fullIssues.cursor(), ChangeRequests: fullCRs.cursor()}
	state.Checks = model.KindCheckCursors{Issues: checkIssues.cursor(), ChangeRequests: checkCRs.cursor()}
	return state, nil
}

// SaveAggregationState persists the aggregator-owned columns: the enable
// flag, the loader cursors, last-run stamps, and stats. The consistency
// check cursors are deliberately excluded — they belong to the consistency
// writer (SaveCheckCursor), so the two services never clobber each other's
// columns when running concurrently for the same group.
func (db *DB) SaveAggregationState(ctx context.Context, state *model.AggregationState) error {
	incIssues := itemCursorColumns(state.Incremental.Issues)
	incCRs := itemCursorColumns(state.Incremental.ChangeRequests)
	fullIssues := itemCursorColumns(state.Full.Issues)
	fullCRs := itemCursorColumns(state.Full.ChangeRequests)

	tag, err := db.pool.Exec(ctx,
		`UPDATE aggregation_states SET
		   enabled = $2,
		   last_incremental_run_at = $3, last_full_run_at = $4,
		   incremental_runtime_ms = $5, incremental_processed_records = $6,
		   full_runtime_ms = $7, full_processed_records = $8,
		   inc_issues_cursor_updated_at = $9, inc_issues_cursor_id = $10,
		   inc_change_requests_cursor_updated_at = $11, inc_change_requests_cursor_id = $12,
		   full_issues_cursor_updated_at = $13, full_issues_cursor_id = $14,
		   full_change_requests_cursor_updated_at = $15, full_change_requests_cursor_id = $16,
		   updated_at = now()
		 WHERE group_id = $1`,
		state.GroupID,
		state.Enabled,
		state.LastIncrementalRunAt, state.LastFullRunAt,
		state.IncrementalStats.Runtime.Milliseconds(), state.IncrementalStats.ProcessedRecords,
		state.FullStats.Runtime.Milliseconds(), state.FullStats.ProcessedRecords,
		incIssues.updatedAt, incIssues.id,
		incCRs.updatedAt, incCRs.id,
		fullIssues.updatedAt, fullIssues.id,
		fullCRs.updatedAt, fullCRs.id,
	)
	if err != nil {
		return fmt.Errorf("storage: save aggregation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: group %d", ErrStateNotFound, state.GroupID)
	}
	return nil
}

// SaveCheckCursor persists one kind's consistency cursor. Pass the zero
// cursor to clear it after a completed scan.
func (db *DB) SaveCheckCursor(ctx context.Context, groupID int64, kind model.Kind, cursor model.CheckCursor) error {
	columns := `issues_check_stage_hash = $2,
	            issues_check_end_event_timestamp = $3,
	            issues_check_item_id = $4`
	if kind == model.KindChangeRequest {
		columns = `change_requests_check_stage_hash = $2,
		           change_requests_check_end_event_timestamp = $3,
		           change_requests_check_item_id = $4`
	}

	c := checkCursorColumns(cursor)
	tag, err := db.pool.Exec(ctx,
		`UPDATE aggregation_states SET `+columns+`, updated_at = now() WHERE group_id = $1`,
		groupID, c.stageHash, c.endEventTimestamp, c.itemID,
	)
	if err != nil {
		return fmt.Errorf("storage: save check cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: group %d", ErrStateNotFound, groupID)
	}
	return nil
}

// nullableItemCursor scans the NULL-when-empty cursor column pair.
type nullableItemCursor struct {
	updatedAt *time.Time
	id        *int64
}

func (n nullableItemCursor) cursor() model.ItemCursor {
	if n.updatedAt == nil || n.id == nil {
		return model.ItemCursor{}
	}
	return model.ItemCursor{UpdatedAt: *n.updatedAt, ID: *n.id}
}

// itemCursorColumns maps an ItemCursor to its column pair: the zero cursor
// stores as NULLs.
func itemCursorColumns(c model.ItemCursor) nullableItemCursor {
	if c.IsZero() {
		return nullableItemCursor{}
	}
	return nullableItemCursor{updatedAt: &c.UpdatedAt, id: &c.ID}
}

type nullableCheckCursor struct {
	stageHash         *string
	endEventTimestamp *time.Time
	itemID            *int64
}

func (n nullableCheckCursor) cursor() model.CheckCursor {
	if n.stageHash == nil {
		return model.CheckCursor{}
	}
	c := model.CheckCursor{StageHash: *n.stageHash}
	if n.endEventTimestamp != nil {
		c.EndEventTimestamp = *n.endEventTimestamp
	}
	if n.itemID != nil {
		c.ItemID = *n.itemID
	}
	return c
}

func checkCursorColumns(c model.CheckCursor) nullableCheckCursor {
	if c.IsZero() {
		return nullableCheckCursor{}
	}
	return nullableCheckCursor{
		stageHash:         &c.StageHash,
		endEventTimestamp: &c.EndEventTimestamp,
		itemID:            &c.ItemID,
	}
}
