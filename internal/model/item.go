package model

import "time"

// WorkItem is a row of the work item source table. The engine itself only
// ever reads snapshots and lifecycle timestamps; the full shape exists for
// seeding and tests.
type WorkItem struct {
	ID              int64
	Kind            Kind
	ProjectID       int64
	AuthorID        int64
	MilestoneID     *int64
	StateID         int16
	CreatedAt       time.Time
	FirstAssignedAt *time.Time
	ReviewStartedAt *time.Time
	ClosedAt        *time.Time
	MergedAt        *time.Time
	UpdatedAt       time.Time
}

// CompletedRecord is the sort key of one completed fact row within a stage,
// as scanned by the consistency checker.
type CompletedRecord struct {
	ItemID            int64
	EndEventTimestamp time.Time
}
