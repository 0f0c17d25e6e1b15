package model

import (
	"time"

	"github.com/google/uuid"
)

// Run outcomes recorded in the aggregation_runs audit table.
const (
	RunOutcomeProcessed    = "processed"
	RunOutcomeLimitReached = "limit_reached"
	RunOutcomeDisabled     = "disabled"
)

// AggregationRun is one audit row per aggregator pass: what ran, for how
// long, and how it ended. Purely observational — the engine never reads
// these rows back to make decisions.
type AggregationRun struct {
	ID               uuid.UUID
	GroupID          int64
	Mode             Mode
	Outcome          string
	Runtime          time.Duration
	ProcessedRecords int
	StartedAt        time.Time
	FinishedAt       time.Time
}
