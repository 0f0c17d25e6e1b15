// Package consistency removes fact rows whose source work item was deleted
// after ingestion.
//
// The checker scans each stage's completed fact rows in ascending
// (end_event_timestamp, item_id) order, verifies the referenced items still
// exist, and deletes the rows of any that do not. It is independently
// resumable from the loader: its cursor names the stage hash being scanned
// plus the position within it. This service deletes and never creates — it
// is the only writer allowed to remove fact rows outside the loader's own
// upsert-replace.
package consistency

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/runlimit"
)

var meter = otel.GetMeterProvider().Meter("factline/consistency")

// Outcome is the terminal state of one Execute call.
type Outcome string

const (
	// OutcomeGroupProcessed means every stage hash was fully scanned.
	OutcomeGroupProcessed Outcome = "group_processed"
	// OutcomeLimitReached means the scan stopped on the time budget; the
	// result cursor resumes at the exact row.
	OutcomeLimitReached Outcome = "limit_reached"
)

// Result carries the outcome and, on OutcomeLimitReached, the resumption
// cursor up to the last fully processed batch.
type Result struct {
	Outcome Outcome
	Cursor  model.CheckCursor
}

// RecordSource enumerates and deletes fact rows for the scan.
type RecordSource interface {
	// StageHashesFor returns the sorted, deduplicated stage hashes for
	// stages in the group's hierarchy whose start event matches the kind.
	StageHashesFor(ctx context.Context, groupID int64, kind model.Kind) ([]string, error)
	// CompletedRecordBatch returns up to limit completed rows of the stage,
	// ordered ascending by (end_event_timestamp, item_id), strictly after
	// the cursor position.
	CompletedRecordBatch(ctx context.Context, stageHash string, cursor model.CheckCursor, limit int) ([]model.CompletedRecord, error)
	// DeleteStageEvents removes the stage's fact rows for the given items.
	DeleteStageEvents(ctx context.Context, stageHash string, itemIDs []int64) (int64, error)
}

// ItemChecker answers which of a set of item ids still exist in the source
// table.
type ItemChecker interface {
	ExistingItemIDs(ctx context.Context, kind model.Kind, itemIDs []int64) (map[int64]struct{}, error)
}

// Service is the consistency checker. Construct with New.
type Service struct {
	records    RecordSource
	items      ItemChecker
	batchLimit int
	logger     *slog.Logger
}

// DefaultBatchLimit is the number of fact rows verified per existence check.
const DefaultBatchLimit = 1000

// New creates a consistency check service. batchLimit <= 0 falls back to
// DefaultBatchLimit.
func New(records RecordSource, items ItemChecker, batchLimit int, logger *slog.Logger) *Service {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	return &Service{records: records, items: items, batchLimit: batchLimit, logger: logger}
}

// Execute runs one resumable consistency scan for a group and kind. The
// resume cursor is the zero value to start from the first stage hash.
func (s *Service) Execute(ctx context.Context, group model.Group, kind model.Kind, limiter runlimit.Limiter, resume model.CheckCursor) (Result, error) {
	hashes, err := s.records.StageHashesFor(ctx, group.ID, kind)
	if err != nil {
		return Result{}, fmt.Errorf("consistency: list stage hashes: %w", err)
	}

	for _, hash := range hashes {
		// Resuming: stages hashing strictly below the last-processed hash
		// were already fully scanned.
		if resume.StageHash != "" && hash < resume.StageHash {
			continue
		}
		cursor := model.CheckCursor{StageHash: hash}
		if hash == resume.StageHash {
			cursor = resume
		}

		for {
			if limiter.OverTime() {
				return Result{Outcome: OutcomeLimitReached, Cursor: cursor}, nil
			}

			batch, err := s.records.CompletedRecordBatch(ctx, hash, cursor, s.batchLimit)
			if err != nil {
				return Result{}, fmt.Errorf("consistency: fetch record batch: %w", err)
			}
			if len(batch) == 0 {
				break
			}

			if err := s.deleteOrphans(ctx, group.ID, kind, hash, batch); err != nil {
				return Result{}, err
			}

			last := batch[len(batch)-1]
			cursor = model.CheckCursor{
				StageHash:         hash,
				EndEventTimestamp: last.EndEventTimestamp,
				ItemID:            last.ItemID,
			}
			if len(batch) < s.batchLimit {
				break
			}
		}
	}

	return Result{Outcome: OutcomeGroupProcessed}, nil
}

// deleteOrphans verifies the batch against the item source with one
// existence check and deletes the stage's rows for any missing ids.
func (s *Service) deleteOrphans(ctx context.Context, groupID int64, kind model.Kind, stageHash string, batch []model.CompletedRecord) error {
	itemIDs := make([]int64, len(batch))
	for i, ref := range batch {
		itemIDs[i] = ref.ItemID
	}

	existing, err := s.items.ExistingItemIDs(ctx, kind, itemIDs)
	if err != nil {
		return fmt.Errorf("consistency: check item existence: %w", err)
	}

	var missing []int64
	for _, id := range itemIDs {
		if _, ok := existing[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	deleted, err := s.records.DeleteStageEvents(ctx, stageHash, missing)
	if err != nil {
		return fmt.Errorf("consistency: delete orphaned records: %w", err)
	}
	if counter, err := meter.Int64Counter("factline.consistency.deleted_records"); err == nil {
		counter.Add(ctx, deleted, otelmetric.WithAttributes(attribute.String("kind", string(kind))))
	}
	s.logger.Info("deleted orphaned stage event records",
		"group_id", groupID,
		"kind", string(kind),
		"stage_hash", stageHash,
		"deleted", deleted,
	)
	return nil
}
