package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTripPerModeAndKind(t *testing.T) {
	s := NewAggregationState(1)

	c1 := ItemCursor{UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), ID: 10}
	c2 := ItemCursor{UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), ID: 20}

	s.SetCursor(ModeIncremental, KindIssue, c1)
	s.SetCursor(ModeFull, KindChangeRequest, c2)

	assert.Equal(t, c1, s.CursorFor(ModeIncremental, KindIssue))
	assert.Equal(t, c2, s.CursorFor(ModeFull, KindChangeRequest))

	// The other slots stay empty.
	assert.True(t, s.CursorFor(ModeIncremental, KindChangeRequest).IsZero())
	assert.True(t, s.CursorFor(ModeFull, KindIssue).IsZero())
}

func TestResetFullRunCursorsLeavesIncrementalAlone(t *testing.T) {
	s := NewAggregationState(1)
	c := ItemCursor{UpdatedAt: time.Now().UTC(), ID: 5}

	s.SetCursor(ModeIncremental, KindIssue, c)
	s.SetCursor(ModeFull, KindIssue, c)
	s.SetCursor(ModeFull, KindChangeRequest, c)

	s.ResetFullRunCursors()

	assert.True(t, s.CursorFor(ModeFull, KindIssue).IsZero())
	assert.True(t, s.CursorFor(ModeFull, KindChangeRequest).IsZero())
	assert.Equal(t, c, s.CursorFor(ModeIncremental, KindIssue))
}

func TestCheckCursorRoundTrip(t *testing.T) {
	s := NewAggregationState(1)
	c := CheckCursor{StageHash: "abc", EndEventTimestamp: time.Now().UTC(), ItemID: 7}

	s.SetCheckCursor(KindChangeRequest, c)
	assert.Equal(t, c, s.CheckCursorFor(KindChangeRequest))
	assert.True(t, s.CheckCursorFor(KindIssue).IsZero())

	s.SetCheckCursor(KindChangeRequest, CheckCursor{})
	assert.True(t, s.CheckCursorFor(KindChangeRequest).IsZero())
}

func TestSetStatsOverwritesPerMode(t *testing.T) {
	s := NewAggregationState(1)

	s.SetStats(ModeIncremental, 2*time.Second, 100)
	s.SetStats(ModeIncremental, time.Second, 40)
	s.SetStats(ModeFull, 3*time.Second, 900)

	assert.Equal(t, RunStats{Runtime: time.Second, ProcessedRecords: 40}, s.StatsFor(ModeIncremental))
	assert.Equal(t, RunStats{Runtime: 3 * time.Second, ProcessedRecords: 900}, s.StatsFor(ModeFull))
}

func TestRefreshLastRun(t *testing.T) {
	s := NewAggregationState(1)
	require.Nil(t, s.LastIncrementalRunAt)
	require.Nil(t, s.LastFullRunAt)

	s.RefreshLastRun(ModeIncremental)
	require.NotNil(t, s.LastIncrementalRunAt)
	assert.Nil(t, s.LastFullRunAt)

	s.RefreshLastRun(ModeFull)
	require.NotNil(t, s.LastFullRunAt)
}

func TestDisable(t *testing.T) {
	s := NewAggregationState(1)
	assert.True(t, s.Enabled)
	s.Disable()
	assert.False(t, s.Enabled)
}

func TestNewStageHashFromEvents(t *testing.T) {
	a := NewStage(1, "triage", KindIssue, EventCreated, EventFirstAssigned)
	b := NewStage(2, "renamed", KindIssue, EventCreated, EventFirstAssigned)
	c := NewStage(1, "triage", KindIssue, EventCreated, EventClosed)

	// Group and name never contribute to the hash; the events do.
	assert.Equal(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestItemCursorBefore(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	earlier := ItemCursor{UpdatedAt: base, ID: 2}
	sameTimeHigherID := ItemCursor{UpdatedAt: base, ID: 3}
	later := ItemCursor{UpdatedAt: base.Add(time.Minute), ID: 1}

	assert.True(t, earlier.Before(sameTimeHigherID))
	assert.True(t, earlier.Before(later))
	assert.True(t, sameTimeHigherID.Before(later))
	assert.False(t, later.Before(earlier))
}

func TestGroupTopLevel(t *testing.T) {
	parent := int64(9)
	assert.True(t, Group{ID: 1}.TopLevel())
	assert.False(t, Group{ID: 2, ParentID: &parent}.TopLevel())
}
