// Package scheduler drives periodic aggregation and consistency passes
// across all enabled top-level groups.
//
// Each tick fans out over the enabled groups with bounded concurrency. A
// per-group advisory lock makes passes single-flight: if another instance is
// already working on a group, this one skips it rather than queueing. Pass
// failures are logged and never stop the tick or the scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/runlimit"
	"github.com/factline/factline/internal/service/consistency"
	"github.com/factline/factline/internal/storage"
)

// Store is the subset of the storage layer the scheduler needs.
// Satisfied by *storage.DB.
type Store interface {
	ListEnabledGroupIDs(ctx context.Context) ([]int64, error)
	GetGroup(ctx context.Context, id int64) (model.Group, error)
	EnsureAggregationState(ctx context.Context, groupID int64) (*model.AggregationState, error)
	SaveCheckCursor(ctx context.Context, groupID int64, kind model.Kind, cursor model.CheckCursor) error
	WithTryLock(ctx context.Context, space storage.LockSpace, groupID int64, fn func(context.Context) error) (bool, error)
}

// Aggregator runs one aggregation pass. Satisfied by *aggregation.Service.
type Aggregator interface {
	Execute(ctx context.Context, group model.Group, state *model.AggregationState, mode model.Mode, limiter runlimit.Limiter) error
}

// Checker runs one consistency scan. Satisfied by *consistency.Service.
type Checker interface {
	Execute(ctx context.Context, group model.Group, kind model.Kind, limiter runlimit.Limiter, resume model.CheckCursor) (consistency.Result, error)
}

// Config holds the scheduler cadence and sizing knobs.
type Config struct {
	IncrementalInterval time.Duration
	FullInterval        time.Duration
	ConsistencyInterval time.Duration
	RuntimeBudget       time.Duration
	WorkerConcurrency   int
}

// Scheduler owns the tickers and the per-tick fan-out.
type Scheduler struct {
	store      Store
	aggregator Aggregator
	checker    Checker
	cfg        Config
	logger     *slog.Logger
}

// New creates a scheduler. WorkerConcurrency <= 0 falls back to 1.
func New(store Store, aggregator Aggregator, checker Checker, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	return &Scheduler{store: store, aggregator: aggregator, checker: checker, cfg: cfg, logger: logger}
}

// Run blocks until ctx is canceled, firing incremental, full, and consistency
// ticks on their configured intervals. An incremental tick runs immediately
// at startup so a fresh deployment does not wait a full interval for data.
func (s *Scheduler) Run(ctx context.Context) error {
	incremental := time.NewTicker(s.cfg.IncrementalInterval)
	defer incremental.Stop()
	full := time.NewTicker(s.cfg.FullInterval)
	defer full.Stop()
	checks := time.NewTicker(s.cfg.ConsistencyInterval)
	defer checks.Stop()

	s.logger.Info("scheduler started",
		"incremental_interval", s.cfg.IncrementalInterval,
		"full_interval", s.cfg.FullInterval,
		"consistency_interval", s.cfg.ConsistencyInterval,
		"concurrency", s.cfg.WorkerConcurrency,
	)

	s.tickAggregation(ctx, model.ModeIncremental)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-incremental.C:
			s.tickAggregation(ctx, model.ModeIncremental)
		case <-full.C:
			s.tickAggregation(ctx, model.ModeFull)
		case <-checks.C:
			s.tickConsistency(ctx)
		}
	}
}

// tickAggregation runs one aggregation pass per enabled group.
func (s *Scheduler) tickAggregation(ctx context.Context, mode model.Mode) {
	s.forEachGroup(ctx, fmt.Sprintf("aggregation/%s", mode), func(ctx context.Context, groupID int64) error {
		return s.AggregateGroup(ctx, groupID, mode)
	})
}

// tickConsistency runs one consistency scan per enabled group.
func (s *Scheduler) tickConsistency(ctx context.Context) {
	s.forEachGroup(ctx, "consistency", func(ctx context.Context, groupID int64) error {
		return s.CheckGroup(ctx, groupID)
	})
}

// forEachGroup fans a pass out over the enabled groups with bounded
// concurrency. Per-group errors are logged, not propagated, so one broken
// group cannot starve the rest.
func (s *Scheduler) forEachGroup(ctx context.Context, pass string, fn func(ctx context.Context, groupID int64) error) {
	groupIDs, err := s.store.ListEnabledGroupIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list enabled groups", "pass", pass, "error", err)
		return
	}
	if len(groupIDs) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WorkerConcurrency)
	for _, groupID := range groupIDs {
		g.Go(func() error {
			if err := fn(ctx, groupID); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("pass failed", "pass", pass, "group_id", groupID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// AggregateGroup runs one aggregation pass for a single group under the
// group's aggregation lock. Returns nil without running if another session
// holds the lock or the group was disabled since listing.
func (s *Scheduler) AggregateGroup(ctx context.Context, groupID int64, mode model.Mode) error {
	acquired, err := s.store.WithTryLock(ctx, storage.LockSpaceAggregation, groupID, func(ctx context.Context) error {
		group, err := s.store.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		state, err := s.store.EnsureAggregationState(ctx, groupID)
		if err != nil {
			return err
		}
		if !state.Enabled {
			return nil
		}
		return s.aggregator.Execute(ctx, group, state, mode, runlimit.New(s.cfg.RuntimeBudget))
	})
	if err != nil {
		return err
	}
	if !acquired {
		s.logger.Debug("aggregation already in flight, skipping", "group_id", groupID, "mode", mode.String())
	}
	return nil
}

// CheckGroup runs one consistency scan for a single group under the group's
// consistency lock. Both kinds share one time budget; a kind that hits the
// budget persists its resumption cursor, a kind that finishes clears it.
func (s *Scheduler) CheckGroup(ctx context.Context, groupID int64) error {
	acquired, err := s.store.WithTryLock(ctx, storage.LockSpaceConsistency, groupID, func(ctx context.Context) error {
		group, err := s.store.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		state, err := s.store.EnsureAggregationState(ctx, groupID)
		if err != nil {
			return err
		}
		if !state.Enabled {
			return nil
		}

		limiter := runlimit.New(s.cfg.RuntimeBudget)
		for _, kind := range model.Kinds {
			result, err := s.checker.Execute(ctx, group, kind, limiter, state.CheckCursorFor(kind))
			if err != nil {
				return err
			}

			cursor := model.CheckCursor{}
			if result.Outcome == consistency.OutcomeLimitReached {
				cursor = result.Cursor
			}
			if err := s.store.SaveCheckCursor(ctx, groupID, kind, cursor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !acquired {
		s.logger.Debug("consistency scan already in flight, skipping", "group_id", groupID)
	}
	return nil
}
