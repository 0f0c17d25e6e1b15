// Package loader converts batches of work items into denormalized stage
// event fact rows.
//
// One Execute call scans a single work item kind for a single group, in
// ascending (updated_at, id) order, resuming from the cursor carried in the
// runtime context. The scan stops when the candidate set is exhausted, when
// the upsert cap is hit, or when the shared runtime limiter reports the pass
// over budget; the advanced cursor lets the next invocation pick up where
// this one stopped.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/factline/factline/internal/model"
)

var meter = otel.GetMeterProvider().Meter("factline/loader")

// Precondition errors. These are detected before any scan starts and are not
// retryable without an external configuration change; the aggregator reacts
// by disabling aggregation for the group.
var (
	// ErrInvalidModel is returned for an unsupported work item kind.
	ErrInvalidModel = errors.New("loader: unsupported work item kind")
	// ErrRequiresTopLevelGroup is returned when the group is not the root of
	// its containment hierarchy.
	ErrRequiresTopLevelGroup = errors.New("loader: aggregation requires a top-level group")
	// ErrMissingLicense is returned when aggregation is not licensed for the
	// group.
	ErrMissingLicense = errors.New("loader: aggregation is not licensed for the group")
)

// IsPreconditionError reports whether err is one of the loader's
// precondition failures.
func IsPreconditionError(err error) bool {
	return errors.Is(err, ErrInvalidModel) ||
		errors.Is(err, ErrRequiresTopLevelGroup) ||
		errors.Is(err, ErrMissingLicense)
}

// Outcome is the terminal state of one Execute call.
type Outcome string

const (
	// OutcomeModelProcessed means the candidate set was exhausted.
	OutcomeModelProcessed Outcome = "model_processed"
	// OutcomeLimitReached means the scan stopped early on the upsert cap or
	// the time budget; the context cursor marks the resumption point.
	OutcomeLimitReached Outcome = "limit_reached"
)

// Result is returned by Execute alongside the mutated runtime context.
type Result struct {
	Outcome Outcome
}

// Limits bounds the cost of a single Execute call. Batch sizes keep any one
// storage round-trip small so budget overrun past a batch boundary stays
// bounded; MaxUpsertCount caps total write volume even under the time budget.
type Limits struct {
	BatchLimit     int
	EventsLimit    int
	UpsertLimit    int
	MaxUpsertCount int
}

// DefaultLimits returns the production batch sizing.
func DefaultLimits() Limits {
	return Limits{
		BatchLimit:     500,
		EventsLimit:    25,
		UpsertLimit:    1000,
		MaxUpsertCount: 10000,
	}
}

// ItemSource provides the ordered candidate set of work items for a group's
// project tree.
type ItemSource interface {
	// ItemBatch returns up to limit item snapshots of the given kind,
	// ordered ascending by (updated_at, id), strictly after the cursor.
	ItemBatch(ctx context.Context, groupID int64, kind model.Kind, cursor model.ItemCursor, limit int) ([]model.ItemSnapshot, error)
}

// StageCatalog resolves the configured stages of a group and the per-item
// timestamps of their events. The engine treats it as a black box; an
// implementation may lazily seed default stages on first use.
type StageCatalog interface {
	StagesFor(ctx context.Context, groupID int64, kind model.Kind) ([]model.Stage, error)
	// EventTimestamps returns, for each event, the item id → timestamp map
	// restricted to the given items. Items without a timestamp for an event
	// are simply absent from that event's map.
	EventTimestamps(ctx context.Context, kind model.Kind, events []model.Event, itemIDs []int64) (map[string]map[int64]time.Time, error)
}

// RecordStore persists fact rows with create-or-replace-by-(stage_hash,
// item_id) semantics.
type RecordStore interface {
	UpsertStageEvents(ctx context.Context, records []model.StageEventRecord) (int, error)
}

// Service is the data loader. Construct with New.
type Service struct {
	items   ItemSource
	catalog StageCatalog
	records RecordStore
	limits  Limits
	logger  *slog.Logger
}

// New creates a loader service.
func New(items ItemSource, catalog StageCatalog, records RecordStore, limits Limits, logger *slog.Logger) *Service {
	return &Service{
		items:   items,
		catalog: catalog,
		records: records,
		limits:  limits,
		logger:  logger,
	}
}

// Execute runs one resumable loader scan for a group and kind. The runtime
// context is mutated in place: its cursor only ever advances, its counters
// accumulate, and its Runtime field receives this call's wall-clock cost.
//
// On a precondition failure the context is left untouched and nothing is
// written. Storage errors abort the call mid-scan; because upsert chunks are
// flushed before the cursor advances past them, the last cursor the caller
// persisted remains a safe resumption point.
func (s *Service) Execute(ctx context.Context, group model.Group, kind model.Kind, runCtx *Context) (Result, error) {
	if !kind.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidModel, kind)
	}
	if !group.TopLevel() {
		return Result{}, fmt.Errorf("%w: %s", ErrRequiresTopLevelGroup, group)
	}
	if !group.Licensed {
		return Result{}, fmt.Errorf("%w: %s", ErrMissingLicense, group)
	}

	started := time.Now()
	defer func() { runCtx.Runtime += time.Since(started) }()

	stages, err := s.catalog.StagesFor(ctx, group.ID, kind)
	if err != nil {
		return Result{}, fmt.Errorf("loader: load stages: %w", err)
	}
	if len(stages) == 0 {
		return Result{Outcome: OutcomeModelProcessed}, nil
	}
	events := dedupEvents(stages)

	for {
		batch, err := s.items.ItemBatch(ctx, group.ID, kind, runCtx.Cursor, s.limits.BatchLimit)
		if err != nil {
			return Result{}, fmt.Errorf("loader: fetch item batch: %w", err)
		}
		if len(batch) == 0 {
			return Result{Outcome: OutcomeModelProcessed}, nil
		}

		itemIDs := make([]int64, len(batch))
		for i, item := range batch {
			itemIDs[i] = item.ItemID
		}

		timestamps, err := s.eventTimestamps(ctx, kind, events, itemIDs)
		if err != nil {
			return Result{}, err
		}

		rows := assembleRecords(stages, batch, timestamps)
		written, err := s.flush(ctx, rows)
		if err != nil {
			return Result{}, err
		}
		runCtx.UpsertedRecords += written
		if counter, err := meter.Int64Counter("factline.loader.upserted_records"); err == nil {
			counter.Add(ctx, int64(written), otelmetric.WithAttributes(attribute.String("kind", string(kind))))
		}

		last := batch[len(batch)-1]
		runCtx.Cursor = model.ItemCursor{UpdatedAt: last.UpdatedAt, ID: last.ItemID}
		runCtx.ProcessedRecords += len(batch)

		if len(batch) < s.limits.BatchLimit {
			return Result{Outcome: OutcomeModelProcessed}, nil
		}
		if runCtx.UpsertedRecords >= s.limits.MaxUpsertCount || runCtx.Limiter.OverTime() {
			s.logger.Debug("loader scan stopped early",
				"group_id", group.ID,
				"kind", string(kind),
				"upserted", runCtx.UpsertedRecords,
				"elapsed", runCtx.Limiter.Elapsed(),
			)
			return Result{Outcome: OutcomeLimitReached}, nil
		}
	}
}

// eventTimestamps resolves every event's timestamps for the batch, in chunks
// of EventsLimit events to bound the width of any single catalog query.
func (s *Service) eventTimestamps(ctx context.Context, kind model.Kind, events []model.Event, itemIDs []int64) (map[string]map[int64]time.Time, error) {
	merged := make(map[string]map[int64]time.Time, len(events))
	for start := 0; start < len(events); start += s.limits.EventsLimit {
		end := min(start+s.limits.EventsLimit, len(events))
		chunk, err := s.catalog.EventTimestamps(ctx, kind, events[start:end], itemIDs)
		if err != nil {
			return nil, fmt.Errorf("loader: fetch event timestamps: %w", err)
		}
		for hash, byItem := range chunk {
			merged[hash] = byItem
		}
	}
	return merged, nil
}

// flush writes the assembled rows in UpsertLimit chunks and returns the
// count actually written. Each chunk is an atomic upsert, so an error leaves
// no half-written chunk behind.
func (s *Service) flush(ctx context.Context, rows []model.StageEventRecord) (int, error) {
	written := 0
	for start := 0; start < len(rows); start += s.limits.UpsertLimit {
		end := min(start+s.limits.UpsertLimit, len(rows))
		n, err := s.records.UpsertStageEvents(ctx, rows[start:end])
		if err != nil {
			return written, fmt.Errorf("loader: upsert stage events: %w", err)
		}
		written += n
	}
	return written, nil
}

// assembleRecords emits one fact row per (stage, item) pair with a known
// start timestamp. Items whose end timestamp precedes their start are
// dropped silently: inverted durations are a defined edge case, not an
// error, and are never stored. Equal start and end is a valid zero-length
// stage.
func assembleRecords(stages []model.Stage, batch []model.ItemSnapshot, timestamps map[string]map[int64]time.Time) []model.StageEventRecord {
	var rows []model.StageEventRecord
	for _, stage := range stages {
		starts := timestamps[stage.StartEvent.Hash]
		ends := timestamps[stage.EndEvent.Hash]
		for _, item := range batch {
			start, ok := starts[item.ItemID]
			if !ok {
				continue
			}
			var end *time.Time
			if e, ok := ends[item.ItemID]; ok {
				if e.Before(start) {
					continue
				}
				end = &e
			}
			rows = append(rows, model.StageEventRecord{
				StageHash:           stage.Hash,
				ItemID:              item.ItemID,
				GroupID:             item.GroupID,
				ProjectID:           item.ProjectID,
				AuthorID:            item.AuthorID,
				MilestoneID:         item.MilestoneID,
				StateID:             item.StateID,
				StartEventTimestamp: start,
				EndEventTimestamp:   end,
			})
		}
	}
	return rows
}

// dedupEvents returns the distinct events referenced by the stages, keyed by
// event hash and sorted by identifier for deterministic chunking.
func dedupEvents(stages []model.Stage) []model.Event {
	byHash := make(map[string]model.Event)
	for _, stage := range stages {
		byHash[stage.StartEvent.Hash] = stage.StartEvent
		byHash[stage.EndEvent.Hash] = stage.EndEvent
	}
	events := make([]model.Event, 0, len(byHash))
	for _, e := range byHash {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Identifier < events[j].Identifier })
	return events
}
