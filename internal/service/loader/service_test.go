package loader

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/testutil"
)

// fakeLimiter lets tests flip the budget without sleeping.
type fakeLimiter struct{ over bool }

func (f *fakeLimiter) Elapsed() time.Duration { return time.Second }
func (f *fakeLimiter) OverTime() bool         { return f.over }

// fakeItems serves item snapshots in (updated_at, id) order with keyset
// pagination, mirroring the storage contract.
type fakeItems struct {
	items []model.ItemSnapshot
	err   error
	calls int
}

func (f *fakeItems) ItemBatch(_ context.Context, _ int64, _ model.Kind, cursor model.ItemCursor, limit int) ([]model.ItemSnapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sorted := make([]model.ItemSnapshot, len(f.items))
	copy(sorted, f.items)
	sort.Slice(sorted, func(i, j int) bool {
		a := model.ItemCursor{UpdatedAt: sorted[i].UpdatedAt, ID: sorted[i].ItemID}
		b := model.ItemCursor{UpdatedAt: sorted[j].UpdatedAt, ID: sorted[j].ItemID}
		return a.Before(b)
	})

	var out []model.ItemSnapshot
	for _, item := range sorted {
		key := model.ItemCursor{UpdatedAt: item.UpdatedAt, ID: item.ItemID}
		if !cursor.Before(key) {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeCatalog returns a fixed stage list and per-event timestamps.
type fakeCatalog struct {
	stages     []model.Stage
	timestamps map[string]map[int64]time.Time // event hash -> item id -> ts
	eventCalls int
}

func (f *fakeCatalog) StagesFor(context.Context, int64, model.Kind) ([]model.Stage, error) {
	return f.stages, nil
}

func (f *fakeCatalog) EventTimestamps(_ context.Context, _ model.Kind, events []model.Event, itemIDs []int64) (map[string]map[int64]time.Time, error) {
	f.eventCalls++
	ids := make(map[int64]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		ids[id] = struct{}{}
	}
	out := make(map[string]map[int64]time.Time)
	for _, e := range events {
		byItem := make(map[int64]time.Time)
		for id, ts := range f.timestamps[e.Hash] {
			if _, ok := ids[id]; ok {
				byItem[id] = ts
			}
		}
		out[e.Hash] = byItem
	}
	return out, nil
}

// fakeRecords keeps upserted rows keyed by (stage_hash, item_id) and records
// chunk sizes.
type fakeRecords struct {
	rows       map[[2]any]model.StageEventRecord
	chunkSizes []int
	err        error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{rows: make(map[[2]any]model.StageEventRecord)}
}

func (f *fakeRecords) UpsertStageEvents(_ context.Context, records []model.StageEventRecord) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.chunkSizes = append(f.chunkSizes, len(records))
	for _, r := range records {
		f.rows[[2]any{r.StageHash, r.ItemID}] = r
	}
	return len(records), nil
}

var (
	licensedGroup = model.Group{ID: 1, Name: "acme", Licensed: true}
	baseTime      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func item(id int64, updatedAt time.Time) model.ItemSnapshot {
	return model.ItemSnapshot{ItemID: id, ProjectID: 10, GroupID: 1, AuthorID: 2, StateID: 1, UpdatedAt: updatedAt}
}

func triageStage() model.Stage {
	return model.NewStage(1, "triage", model.KindIssue, model.EventCreated, model.EventFirstAssigned)
}

func newTestService(items *fakeItems, catalog *fakeCatalog, records *fakeRecords, limits Limits) *Service {
	return New(items, catalog, records, limits, testutil.TestLogger())
}

func TestExecutePreconditions(t *testing.T) {
	svc := newTestService(&fakeItems{}, &fakeCatalog{}, newFakeRecords(), DefaultLimits())

	t.Run("invalid kind", func(t *testing.T) {
		_, err := svc.Execute(context.Background(), licensedGroup, model.Kind("epic"), &Context{Limiter: &fakeLimiter{}})
		assert.ErrorIs(t, err, ErrInvalidModel)
		assert.True(t, IsPreconditionError(err))
	})

	t.Run("non top-level group", func(t *testing.T) {
		parent := int64(9)
		sub := model.Group{ID: 2, ParentID: &parent, Licensed: true}
		_, err := svc.Execute(context.Background(), sub, model.KindIssue, &Context{Limiter: &fakeLimiter{}})
		assert.ErrorIs(t, err, ErrRequiresTopLevelGroup)
		assert.True(t, IsPreconditionError(err))
	})

	t.Run("unlicensed group", func(t *testing.T) {
		unlicensed := model.Group{ID: 3, Licensed: false}
		runCtx := &Context{Limiter: &fakeLimiter{}}
		_, err := svc.Execute(context.Background(), unlicensed, model.KindIssue, runCtx)
		assert.ErrorIs(t, err, ErrMissingLicense)
		assert.True(t, IsPreconditionError(err))
		// Precondition failures leave the context untouched.
		assert.True(t, runCtx.Cursor.IsZero())
		assert.Zero(t, runCtx.ProcessedRecords)
	})
}

func TestExecuteNoStagesIsProcessed(t *testing.T) {
	items := &fakeItems{items: []model.ItemSnapshot{item(1, baseTime)}}
	svc := newTestService(items, &fakeCatalog{}, newFakeRecords(), DefaultLimits())

	result, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, &Context{Limiter: &fakeLimiter{}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeModelProcessed, result.Outcome)
	assert.Zero(t, items.calls, "no item fetch without stages")
}

func TestExecuteWritesRecordsAndAdvancesCursor(t *testing.T) {
	stage := triageStage()
	items := &fakeItems{items: []model.ItemSnapshot{
		item(1, baseTime),
		item(2, baseTime.Add(time.Minute)),
	}}
	catalog := &fakeCatalog{
		stages: []model.Stage{stage},
		timestamps: map[string]map[int64]time.Time{
			stage.StartEvent.Hash: {1: baseTime.Add(-time.Hour), 2: baseTime.Add(-time.Hour)},
			stage.EndEvent.Hash:   {1: baseTime.Add(-time.Minute)},
		},
	}
	records := newFakeRecords()
	svc := newTestService(items, catalog, records, DefaultLimits())

	runCtx := &Context{Limiter: &fakeLimiter{}}
	result, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, runCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeModelProcessed, result.Outcome)

	// Item 1 closed the stage, item 2 is still open.
	require.Len(t, records.rows, 2)
	closed := records.rows[[2]any{stage.Hash, int64(1)}]
	require.NotNil(t, closed.EndEventTimestamp)
	open := records.rows[[2]any{stage.Hash, int64(2)}]
	assert.Nil(t, open.EndEventTimestamp)

	assert.Equal(t, model.ItemCursor{UpdatedAt: baseTime.Add(time.Minute), ID: 2}, runCtx.Cursor)
	assert.Equal(t, 2, runCtx.ProcessedRecords)
	assert.Equal(t, 2, runCtx.UpsertedRecords)
	assert.Greater(t, runCtx.Runtime, time.Duration(0))
}

func TestExecuteSkipsItemsWithoutStartEvent(t *testing.T) {
	stage := triageStage()
	items := &fakeItems{items: []model.ItemSnapshot{item(1, baseTime), item(2, baseTime.Add(time.Second))}}
	catalog := &fakeCatalog{
		stages: []model.Stage{stage},
		timestamps: map[string]map[int64]time.Time{
			stage.StartEvent.Hash: {1: baseTime},
		},
	}
	records := newFakeRecords()
	svc := newTestService(items, catalog, records, DefaultLimits())

	runCtx := &Context{Limiter: &fakeLimiter{}}
	_, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, runCtx)
	require.NoError(t, err)

	assert.Len(t, records.rows, 1)
	// The skipped item still counts as processed and moves the cursor.
	assert.Equal(t, 2, runCtx.ProcessedRecords)
	assert.Equal(t, int64(2), runCtx.Cursor.ID)
}

func TestExecuteDropsInvertedDurations(t *testing.T) {
	stage := triageStage()
	start := baseTime
	items := &fakeItems{items: []model.ItemSnapshot{item(1, baseTime), item(2, baseTime.Add(time.Second))}}
	catalog := &fakeCatalog{
		stages: []model.Stage{stage},
		timestamps: map[string]map[int64]time.Time{
			stage.StartEvent.Hash: {1: start, 2: start},
			stage.EndEvent.Hash: {
				1: start.Add(-time.Second), // end before start: dropped
				2: start,                   // zero-length: kept
			},
		},
	}
	records := newFakeRecords()
	svc := newTestService(items, catalog, records, DefaultLimits())

	_, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, &Context{Limiter: &fakeLimiter{}})
	require.NoError(t, err)

	require.Len(t, records.rows, 1)
	kept := records.rows[[2]any{stage.Hash, int64(2)}]
	require.NotNil(t, kept.EndEventTimestamp)
	assert.True(t, kept.EndEventTimestamp.Equal(kept.StartEventTimestamp))
}

func TestExecuteIsIdempotent(t *testing.T) {
	stage := triageStage()
	items := &fakeItems{items: []model.ItemSnapshot{item(1, baseTime)}}
	catalog := &fakeCatalog{
		stages: []model.Stage{stage},
		timestamps: map[string]map[int64]time.Time{
			stage.StartEvent.Hash: {1: baseTime},
		},
	}
	records := newFakeRecords()
	svc := newTestService(items, catalog, records, DefaultLimits())

	_, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, &Context{Limiter: &fakeLimiter{}})
	require.NoError(t, err)
	_, err = svc.Execute(context.Background(), licensedGroup, model.KindIssue, &Context{Limiter: &fakeLimiter{}})
	require.NoError(t, err)

	// Replayed scan replaces, never duplicates.
	assert.Len(t, records.rows, 1)
}

func TestExecuteStopsOnTimeBudgetAfterFullBatch(t *testing.T) {
	stage := triageStage()
	var all []model.ItemSnapshot
	for i := int64(1); i <= 6; i++ {
		all = append(all, item(i, baseTime.Add(time.Duration(i)*time.Second)))
	}
	items := &fakeItems{items: all}
	catalog := &fakeCatalog{stages: []model.Stage{stage}, timestamps: map[string]map[int64]time.Time{}}
	limits := DefaultLimits()
	limits.BatchLimit = 2

	svc := newTestService(items, catalog, newFakeRecords(), limits)

	runCtx := &Context{Limiter: &fakeLimiter{over: true}}
	result, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, runCtx)
	require.NoError(t, err)

	// The budget is checked after a batch completes, so exactly one full
	// batch is processed and the cursor marks its end.
	assert.Equal(t, OutcomeLimitReached, result.Outcome)
	assert.Equal(t, 1, items.calls)
	assert.Equal(t, 2, runCtx.ProcessedRecords)
	assert.Equal(t, int64(2), runCtx.Cursor.ID)
}

func TestExecuteResumesFromCursor(t *testing.T) {
	stage := triageStage()
	var all []model.ItemSnapshot
	for i := int64(1); i <= 4; i++ {
		all = append(all, item(i, baseTime.Add(time.Duration(i)*time.Second)))
	}
	items := &fakeItems{items: all}
	catalog := &fakeCatalog{stages: []model.Stage{stage}, timestamps: map[string]map[int64]time.Time{}}
	limits := DefaultLimits()
	limits.BatchLimit = 2

	svc := newTestService(items, catalog, newFakeRecords(), limits)

	first := &Context{Limiter: &fakeLimiter{over: true}}
	result, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, first)
	require.NoError(t, err)
	require.Equal(t, OutcomeLimitReached, result.Outcome)

	// Resume with the advanced cursor and a fresh budget.
	second := &Context{Cursor: first.Cursor, Limiter: &fakeLimiter{}}
	result, err = svc.Execute(context.Background(), licensedGroup, model.KindIssue, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeModelProcessed, result.Outcome)
	assert.Equal(t, 2, second.ProcessedRecords)
	assert.Equal(t, int64(4), second.Cursor.ID)
}

func TestExecuteStopsOnMaxUpsertCount(t *testing.T) {
	stage := triageStage()
	var all []model.ItemSnapshot
	timestamps := map[int64]time.Time{}
	for i := int64(1); i <= 6; i++ {
		all = append(all, item(i, baseTime.Add(time.Duration(i)*time.Second)))
		timestamps[i] = baseTime
	}
	items := &fakeItems{items: all}
	catalog := &fakeCatalog{
		stages:     []model.Stage{stage},
		timestamps: map[string]map[int64]time.Time{stage.StartEvent.Hash: timestamps},
	}
	limits := Limits{BatchLimit: 2, EventsLimit: 25, UpsertLimit: 2, MaxUpsertCount: 2}
	svc := newTestService(items, catalog, newFakeRecords(), limits)

	runCtx := &Context{Limiter: &fakeLimiter{}}
	result, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, runCtx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLimitReached, result.Outcome)
	assert.Equal(t, 2, runCtx.UpsertedRecords)
}

func TestExecuteChunksUpserts(t *testing.T) {
	stage := triageStage()
	var all []model.ItemSnapshot
	timestamps := map[int64]time.Time{}
	for i := int64(1); i <= 5; i++ {
		all = append(all, item(i, baseTime.Add(time.Duration(i)*time.Second)))
		timestamps[i] = baseTime
	}
	items := &fakeItems{items: all}
	catalog := &fakeCatalog{
		stages:     []model.Stage{stage},
		timestamps: map[string]map[int64]time.Time{stage.StartEvent.Hash: timestamps},
	}
	records := newFakeRecords()
	limits := Limits{BatchLimit: 500, EventsLimit: 25, UpsertLimit: 2, MaxUpsertCount: 10000}
	svc := newTestService(items, catalog, records, limits)

	_, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, &Context{Limiter: &fakeLimiter{}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, records.chunkSizes)
}

func TestExecuteChunksEventQueries(t *testing.T) {
	// Four distinct events across two stages, EventsLimit 2: two catalog calls.
	s1 := model.NewStage(1, "triage", model.KindIssue, model.EventCreated, model.EventFirstAssigned)
	s2 := model.NewStage(1, "delivery", model.KindIssue, model.EventReviewStarted, model.EventClosed)
	items := &fakeItems{items: []model.ItemSnapshot{item(1, baseTime)}}
	catalog := &fakeCatalog{stages: []model.Stage{s1, s2}, timestamps: map[string]map[int64]time.Time{}}
	limits := DefaultLimits()
	limits.EventsLimit = 2

	svc := newTestService(items, catalog, newFakeRecords(), limits)

	_, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, &Context{Limiter: &fakeLimiter{}})
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.eventCalls)
}

func TestExecuteSharedEventComputedOnce(t *testing.T) {
	// Both stages start at "created": dedup leaves three events, not four.
	s1 := model.NewStage(1, "triage", model.KindIssue, model.EventCreated, model.EventFirstAssigned)
	s2 := model.NewStage(1, "lifetime", model.KindIssue, model.EventCreated, model.EventClosed)
	events := dedupEvents([]model.Stage{s1, s2})
	assert.Len(t, events, 3)
}

func TestExecuteStorageErrorAborts(t *testing.T) {
	stage := triageStage()
	items := &fakeItems{items: []model.ItemSnapshot{item(1, baseTime)}}
	catalog := &fakeCatalog{
		stages:     []model.Stage{stage},
		timestamps: map[string]map[int64]time.Time{stage.StartEvent.Hash: {1: baseTime}},
	}
	records := newFakeRecords()
	records.err = errors.New("connection reset")
	svc := newTestService(items, catalog, records, DefaultLimits())

	runCtx := &Context{Limiter: &fakeLimiter{}}
	_, err := svc.Execute(context.Background(), licensedGroup, model.KindIssue, runCtx)
	require.Error(t, err)
	assert.False(t, IsPreconditionError(err))
	// The cursor does not advance past an unflushed batch.
	assert.True(t, runCtx.Cursor.IsZero())
}
