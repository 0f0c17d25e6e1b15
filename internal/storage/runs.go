package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/factline/factline/internal/model"
)

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// RecordAggregationRun inserts one audit row for a finished aggregator pass.
func (db *DB) RecordAggregationRun(ctx context.Context, run model.AggregationRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO aggregation_runs
		   (id, group_id, mode, outcome, runtime_ms, processed_records, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.GroupID, run.Mode.String(), run.Outcome,
		run.Runtime.Milliseconds(), run.ProcessedRecords, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record aggregation run: %w", err)
	}
	return nil
}

// ListRecentRuns returns the group's most recent aggregation runs, newest
// first.
func (db *DB) ListRecentRuns(ctx context.Context, groupID int64, limit int) ([]model.AggregationRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, group_id, mode, outcome, runtime_ms, processed_records, started_at, finished_at
		 FROM aggregation_runs
		 WHERE group_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		groupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent runs: %w", err)
	}
	defer rows.Close()

	var out []model.AggregationRun
	for rows.Next() {
		var (
			r         model.AggregationRun
			mode      string
			runtimeMS int64
		)
		if err := rows.Scan(&r.ID, &r.GroupID, &mode, &r.Outcome, &runtimeMS,
			&r.ProcessedRecords, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("storage: scan aggregation run: %w", err)
		}
		r.Mode = model.Mode(mode)
		r.Runtime = msDuration(runtimeMS)
		out = append(out, r)
	}
	return out, rows.Err()
}
