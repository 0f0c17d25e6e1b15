// Package aggregation orchestrates one aggregation pass for a group: it
// drives the data loader across both work item kinds in fixed order, folds
// the runtime context of each call back into the persisted aggregation
// state, and applies the mode's state transitions.
package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/runlimit"
	"github.com/factline/factline/internal/service/loader"
)

var meter = otel.GetMeterProvider().Meter("factline/aggregation")

// Loader runs one resumable data loader scan. Satisfied by *loader.Service.
type Loader interface {
	Execute(ctx context.Context, group model.Group, kind model.Kind, runCtx *loader.Context) (loader.Result, error)
}

// StateStore persists aggregation state and run audit rows.
type StateStore interface {
	SaveAggregationState(ctx context.Context, state *model.AggregationState) error
	RecordAggregationRun(ctx context.Context, run model.AggregationRun) error
}

// Service is the aggregator. Construct with New.
type Service struct {
	loader Loader
	store  StateStore
	logger *slog.Logger
}

// New creates an aggregator service.
func New(l Loader, store StateStore, logger *slog.Logger) *Service {
	return &Service{loader: l, store: store, logger: logger}
}

// Execute runs one pass for the group in the given mode, mutating and
// persisting state. Callers must serialize invocations per group.
//
// A loader precondition failure disables aggregation for the group and ends
// the pass with no stats update; the error is returned so the caller can see
// why. Any other loader error aborts the pass with the state unchanged since
// its last persisted cursor, which is a safe resumption point.
func (s *Service) Execute(ctx context.Context, group model.Group, state *model.AggregationState, mode model.Mode, limiter runlimit.Limiter) error {
	if !mode.Valid() {
		return fmt.Errorf("aggregation: unknown mode %q", mode)
	}

	startedAt := time.Now().UTC()
	var (
		runtime         time.Duration
		processed       int
		fullyAggregated = true
	)

	for _, kind := range model.Kinds {
		runCtx := &loader.Context{
			Cursor:  state.CursorFor(mode, kind),
			Limiter: limiter,
		}
		result, err := s.loader.Execute(ctx, group, kind, runCtx)
		if err != nil {
			if loader.IsPreconditionError(err) {
				return s.disable(ctx, group, state, mode, startedAt, err)
			}
			return fmt.Errorf("aggregation: load %s: %w", kind, err)
		}

		state.SetCursor(mode, kind, runCtx.Cursor)
		runtime += runCtx.Runtime
		processed += runCtx.ProcessedRecords
		if result.Outcome != loader.OutcomeModelProcessed {
			fullyAggregated = false
		}
	}

	state.RefreshLastRun(mode)
	// A completed full run starts fresh next time; a limited one keeps its
	// cursors so the next pass resumes mid-scan.
	if mode == model.ModeFull && fullyAggregated {
		state.ResetFullRunCursors()
	}
	state.SetStats(mode, runtime, processed)

	if err := s.store.SaveAggregationState(ctx, state); err != nil {
		return fmt.Errorf("aggregation: save state: %w", err)
	}

	outcome := model.RunOutcomeProcessed
	if !fullyAggregated {
		outcome = model.RunOutcomeLimitReached
	}
	s.recordRun(ctx, group, mode, outcome, runtime, processed, startedAt)

	s.logger.Info("aggregation pass finished",
		"group_id", group.ID,
		"mode", mode.String(),
		"outcome", outcome,
		"processed_records", processed,
		"runtime", runtime,
	)
	return nil
}

// disable turns aggregation off for the group after a precondition failure
// and persists that decision. No stats are updated and no cursor moves.
func (s *Service) disable(ctx context.Context, group model.Group, state *model.AggregationState, mode model.Mode, startedAt time.Time, cause error) error {
	state.Disable()
	if err := s.store.SaveAggregationState(ctx, state); err != nil {
		return fmt.Errorf("aggregation: save disabled state: %w", err)
	}
	s.recordRun(ctx, group, mode, model.RunOutcomeDisabled, 0, 0, startedAt)

	s.logger.Warn("aggregation disabled for group",
		"group_id", group.ID,
		"mode", mode.String(),
		"error", cause,
	)
	return fmt.Errorf("aggregation: group %d disabled: %w", group.ID, cause)
}

// recordRun writes the audit row and metrics for a finished pass.
// Best-effort: a failure here never fails the pass itself.
func (s *Service) recordRun(ctx context.Context, group model.Group, mode model.Mode, outcome string, runtime time.Duration, processed int, startedAt time.Time) {
	run := model.AggregationRun{
		ID:               uuid.New(),
		GroupID:          group.ID,
		Mode:             mode,
		Outcome:          outcome,
		Runtime:          runtime,
		ProcessedRecords: processed,
		StartedAt:        startedAt,
		FinishedAt:       time.Now().UTC(),
	}
	if err := s.store.RecordAggregationRun(ctx, run); err != nil {
		s.logger.Warn("failed to record aggregation run", "group_id", group.ID, "error", err)
	}

	attrs := []attribute.KeyValue{
		attribute.String("mode", mode.String()),
		attribute.String("outcome", outcome),
	}
	if counter, err := meter.Int64Counter("factline.aggregation.processed_records"); err == nil {
		counter.Add(ctx, int64(processed), otelmetric.WithAttributes(attrs...))
	}
	if hist, err := meter.Float64Histogram("factline.aggregation.pass_duration",
		otelmetric.WithUnit("ms")); err == nil {
		hist.Record(ctx, float64(runtime.Milliseconds()), otelmetric.WithAttributes(attrs...))
	}
}
