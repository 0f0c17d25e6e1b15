package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/factline/factline/internal/model"
)

// UpsertStageEvents writes fact rows with create-or-replace semantics keyed
// by (stage_hash, item_id). Re-ingesting an unchanged item replaces its row
// with identical values, so the operation is idempotent. The whole chunk is
// one statement: it either lands completely or not at all.
func (db *DB) UpsertStageEvents(ctx context.Context, records []model.StageEventRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var (
		stageHashes = make([]string, len(records))
		itemIDs     = make([]int64, len(records))
		groupIDs    = make([]int64, len(records))
		projectIDs  = make([]int64, len(records))
		authorIDs   = make([]int64, len(records))
		milestones  = make([]*int64, len(records))
		stateIDs    = make([]int16, len(records))
		startTimes  = make([]time.Time, len(records))
		endTimes    = make([]*time.Time, len(records))
	)
	for i, r := range records {
		stageHashes[i] = r.StageHash
		itemIDs[i] = r.ItemID
		groupIDs[i] = r.GroupID
		projectIDs[i] = r.ProjectID
		authorIDs[i] = r.AuthorID
		milestones[i] = r.MilestoneID
		stateIDs[i] = r.StateID
		startTimes[i] = r.StartEventTimestamp
		endTimes[i] = r.EndEventTimestamp
	}

	// The upsert can deadlock against a concurrent consistency delete on the
	// same stage; both are safe to replay.
	var tag pgconn.CommandTag
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var execErr error
		tag, execErr = db.pool.Exec(ctx,
			`INSERT INTO stage_event_records
		   (stage_hash, item_id, group_id, project_id, author_id, milestone_id, state_id,
		    start_event_timestamp, end_event_timestamp)
		 SELECT * FROM unnest(
		   $1::text[], $2::bigint[], $3::bigint[], $4::bigint[], $5::bigint[],
		   $6::bigint[], $7::smallint[], $8::timestamptz[], $9::timestamptz[])
		 ON CONFLICT (stage_hash, item_id) DO UPDATE SET
		   group_id = EXCLUDED.group_id,
		   project_id = EXCLUDED.project_id,
		   author_id = EXCLUDED.author_id,
		   milestone_id = EXCLUDED.milestone_id,
		   state_id = EXCLUDED.state_id,
		   start_event_timestamp = EXCLUDED.start_event_timestamp,
		   end_event_timestamp = EXCLUDED.end_event_timestamp`,
			stageHashes, itemIDs, groupIDs, projectIDs, authorIDs,
			milestones, stateIDs, startTimes, endTimes,
		)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("storage: upsert stage events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// StageHashesFor returns the sorted, deduplicated stage hashes configured in
// the group's hierarchy for the kind.
func (db *DB) StageHashesFor(ctx context.Context, groupID int64, kind model.Kind) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		groupTreeCTE+`
		SELECT DISTINCT stage_hash
		FROM stages
		WHERE group_id IN (SELECT id FROM tree) AND item_kind = $2
		ORDER BY stage_hash`,
		groupID, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stage hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan stage hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// CompletedRecordBatch returns up to limit completed fact rows of a stage,
// ordered ascending by (end_event_timestamp, item_id), strictly after the
// cursor position.
func (db *DB) CompletedRecordBatch(ctx context.Context, stageHash string, cursor model.CheckCursor, limit int) ([]model.CompletedRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT item_id, end_event_timestamp
		 FROM stage_event_records
		 WHERE stage_hash = $1
		   AND end_event_timestamp IS NOT NULL
		   AND (end_event_timestamp, item_id) > ($2, $3)
		 ORDER BY end_event_timestamp, item_id
		 LIMIT $4`,
		stageHash, cursor.EndEventTimestamp, cursor.ItemID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch completed record batch: %w", err)
	}
	defer rows.Close()

	var out []model.CompletedRecord
	for rows.Next() {
		var r model.CompletedRecord
		if err := rows.Scan(&r.ItemID, &r.EndEventTimestamp); err != nil {
			return nil, fmt.Errorf("storage: scan completed record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteStageEvents removes the stage's fact rows for the given items and
// returns the count removed.
func (db *DB) DeleteStageEvents(ctx context.Context, stageHash string, itemIDs []int64) (int64, error) {
	var tag pgconn.CommandTag
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var execErr error
		tag, execErr = db.pool.Exec(ctx,
			`DELETE FROM stage_event_records WHERE stage_hash = $1 AND item_id = ANY($2)`,
			stageHash, itemIDs,
		)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("storage: delete stage events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStageEvents returns every fact row for a stage ordered by item id.
// Test and inspection helper, not used by the engine loop.
func (db *DB) ListStageEvents(ctx context.Context, stageHash string) ([]model.StageEventRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT stage_hash, item_id, group_id, project_id, author_id, milestone_id, state_id,
		        start_event_timestamp, end_event_timestamp
		 FROM stage_event_records
		 WHERE stage_hash = $1
		 ORDER BY item_id`,
		stageHash,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stage events: %w", err)
	}
	defer rows.Close()

	var out []model.StageEventRecord
	for rows.Next() {
		var r model.StageEventRecord
		if err := rows.Scan(&r.StageHash, &r.ItemID, &r.GroupID, &r.ProjectID, &r.AuthorID,
			&r.MilestoneID, &r.StateID, &r.StartEventTimestamp, &r.EndEventTimestamp); err != nil {
			return nil, fmt.Errorf("storage: scan stage event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
