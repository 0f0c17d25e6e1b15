package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/factline/factline/internal/model"
)

// eventColumns maps each known event identifier to the work_items timestamp
// column that resolves it. The catalog interface hides this mapping from the
// engine; swapping it for a rules engine or a remote service would not touch
// the loader.
var eventColumns = map[string]string{
	model.EventCreated:       "created_at",
	model.EventFirstAssigned: "first_assigned_at",
	model.EventReviewStarted: "review_started_at",
	model.EventMerged:        "merged_at",
	model.EventClosed:        "closed_at",
}

// defaultStages are seeded lazily for a group the first time the loader asks
// for its stages and none are configured yet.
var defaultStages = []struct {
	name       string
	kind       model.Kind
	startEvent string
	endEvent   string
}{
	{"triage", model.KindIssue, model.EventCreated, model.EventFirstAssigned},
	{"delivery", model.KindIssue, model.EventFirstAssigned, model.EventClosed},
	{"review", model.KindChangeRequest, model.EventReviewStarted, model.EventMerged},
	{"turnaround", model.KindChangeRequest, model.EventCreated, model.EventMerged},
}

// StagesFor returns the group's configured stages whose start event applies
// to the kind, seeding the defaults on first use.
func (db *DB) StagesFor(ctx context.Context, groupID int64, kind model.Kind) ([]model.Stage, error) {
	stages, err := db.listStages(ctx, groupID, kind)
	if err != nil {
		return nil, err
	}
	if len(stages) > 0 {
		return stages, nil
	}

	if err := db.EnsureDefaultStages(ctx, groupID); err != nil {
		return nil, err
	}
	return db.listStages(ctx, groupID, kind)
}

// EnsureDefaultStages inserts the default stage set for a group. Idempotent:
// existing (group, name) pairs are left untouched.
func (db *DB) EnsureDefaultStages(ctx context.Context, groupID int64) error {
	for _, d := range defaultStages {
		stage := model.NewStage(groupID, d.name, d.kind, d.startEvent, d.endEvent)
		if _, err := db.pool.Exec(ctx,
			`INSERT INTO stages (group_id, name, item_kind, start_event, end_event, stage_hash)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (group_id, name) DO NOTHING`,
			stage.GroupID, stage.Name, string(stage.Kind),
			stage.StartEvent.Identifier, stage.EndEvent.Identifier, stage.Hash,
		); err != nil {
			return fmt.Errorf("storage: seed default stage %q: %w", d.name, err)
		}
	}
	return nil
}

// CreateStage inserts a custom stage and returns it with its assigned id.
func (db *DB) CreateStage(ctx context.Context, stage model.Stage) (model.Stage, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO stages (group_id, name, item_kind, start_event, end_event, stage_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		stage.GroupID, stage.Name, string(stage.Kind),
		stage.StartEvent.Identifier, stage.EndEvent.Identifier, stage.Hash,
	).Scan(&stage.ID)
	if err != nil {
		return model.Stage{}, fmt.Errorf("storage: create stage: %w", err)
	}
	return stage, nil
}

func (db *DB) listStages(ctx context.Context, groupID int64, kind model.Kind) ([]model.Stage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, group_id, name, item_kind, start_event, end_event, stage_hash
		 FROM stages
		 WHERE group_id = $1 AND item_kind = $2
		 ORDER BY id`,
		groupID, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stages: %w", err)
	}
	defer rows.Close()

	var out []model.Stage
	for rows.Next() {
		var (
			s          model.Stage
			kindStr    string
			startEvent string
			endEvent   string
		)
		if err := rows.Scan(&s.ID, &s.GroupID, &s.Name, &kindStr, &startEvent, &endEvent, &s.Hash); err != nil {
			return nil, fmt.Errorf("storage: scan stage: %w", err)
		}
		s.Kind = model.Kind(kindStr)
		s.StartEvent = model.NewEvent(startEvent)
		s.EndEvent = model.NewEvent(endEvent)
		out = append(out, s)
	}
	return out, rows.Err()
}

// EventTimestamps resolves each event to its per-item timestamp for the
// given items. Items without a timestamp for an event are absent from that
// event's map.
func (db *DB) EventTimestamps(ctx context.Context, kind model.Kind, events []model.Event, itemIDs []int64) (map[string]map[int64]time.Time, error) {
	out := make(map[string]map[int64]time.Time, len(events))
	for _, event := range events {
		column, ok := eventColumns[event.Identifier]
		if !ok {
			return nil, fmt.Errorf("storage: unknown event identifier %q", event.Identifier)
		}

		// column comes from the fixed eventColumns map, never from input.
		rows, err := db.pool.Query(ctx,
			fmt.Sprintf(`SELECT id, %s FROM work_items WHERE kind = $1 AND id = ANY($2) AND %s IS NOT NULL`, column, column),
			string(kind), itemIDs,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: fetch %s timestamps: %w", event.Identifier, err)
		}

		byItem := make(map[int64]time.Time)
		for rows.Next() {
			var (
				id int64
				ts time.Time
			)
			if err := rows.Scan(&id, &ts); err != nil {
				rows.Close()
				return nil, fmt.Errorf("storage: scan %s timestamp: %w", event.Identifier, err)
			}
			byItem[id] = ts
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("storage: iterate %s timestamps: %w", event.Identifier, err)
		}
		out[event.Hash] = byItem
	}
	return out, nil
}
