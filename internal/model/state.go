package model

import "time"

// RunStats summarizes the last completed pass of one mode.
type RunStats struct {
	Runtime          time.Duration
	ProcessedRecords int
}

// KindCursors holds one loader cursor per work item kind.
type KindCursors struct {
	Issues         ItemCursor
	ChangeRequests ItemCursor
}

// KindCheckCursors holds one consistency cursor per work item kind.
type KindCheckCursors struct {
	Issues         CheckCursor
	ChangeRequests CheckCursor
}

// AggregationState is the persisted per-group aggregation record: the enable
// flag, the resumption cursors per mode and kind, the consistency cursors
// per kind, and last-run bookkeeping.
//
// The state is mutated only by the aggregator and consistency services, and
// callers must serialize invocations per group (advisory lock); concurrent
// cursor writes for the same group are not supported.
type AggregationState struct {
	GroupID int64
	Enabled bool

	Incremental KindCursors
	Full        KindCursors
	Checks      KindCheckCursors

	LastIncrementalRunAt *time.Time
	LastFullRunAt        *time.Time

	IncrementalStats RunStats
	FullStats        RunStats
}

// NewAggregationState returns an enabled state with empty cursors.
func NewAggregationState(groupID int64) *AggregationState {
	return &AggregationState{GroupID: groupID, Enabled: true}
}

// CursorFor returns the loader cursor for a mode and kind. An unset cursor
// is the zero ItemCursor, meaning "start from the beginning".
func (s *AggregationState) CursorFor(mode Mode, kind Kind) ItemCursor {
	c := s.cursors(mode)
	if kind == KindChangeRequest {
		return c.ChangeRequests
	}
	return c.Issues
}

// SetCursor stores the loader cursor for a mode and kind.
func (s *AggregationState) SetCursor(mode Mode, kind Kind, cursor ItemCursor) {
	c := s.cursors(mode)
	if kind == KindChangeRequest {
		c.ChangeRequests = cursor
	} else {
		c.Issues = cursor
	}
}

// CheckCursorFor returns the consistency cursor for a kind.
func (s *AggregationState) CheckCursorFor(kind Kind) CheckCursor {
	if kind == KindChangeRequest {
		return s.Checks.ChangeRequests
	}
	return s.Checks.Issues
}

// SetCheckCursor stores the consistency cursor for a kind.
func (s *AggregationState) SetCheckCursor(kind Kind, cursor CheckCursor) {
	if kind == KindChangeRequest {
		s.Checks.ChangeRequests = cursor
	} else {
		s.Checks.Issues = cursor
	}
}

// ResetFullRunCursors clears all full-mode cursors for both kinds. Called
// exactly when a full pass finished without hitting a limit, so the next
// full pass starts from scratch.
func (s *AggregationState) ResetFullRunCursors() {
	s.Full = KindCursors{}
}

// SetStats overwrites the last-run stats for a mode.
func (s *AggregationState) SetStats(mode Mode, runtime time.Duration, processed int) {
	stats := RunStats{Runtime: runtime, ProcessedRecords: processed}
	if mode == ModeFull {
		s.FullStats = stats
	} else {
		s.IncrementalStats = stats
	}
}

// StatsFor returns the last-run stats for a mode.
func (s *AggregationState) StatsFor(mode Mode) RunStats {
	if mode == ModeFull {
		return s.FullStats
	}
	return s.IncrementalStats
}

// RefreshLastRun stamps the last-run time of a mode with the current time.
func (s *AggregationState) RefreshLastRun(mode Mode) {
	now := time.Now().UTC()
	if mode == ModeFull {
		s.LastFullRunAt = &now
	} else {
		s.LastIncrementalRunAt = &now
	}
}

// Disable turns aggregation off for the group. Set when a pass fails a
// precondition (missing license, non-top-level group); re-enabling requires
// an external configuration change, not a retry.
func (s *AggregationState) Disable() {
	s.Enabled = false
}

func (s *AggregationState) cursors(mode Mode) *KindCursors {
	if mode == ModeFull {
		return &s.Full
	}
	return &s.Incremental
}
