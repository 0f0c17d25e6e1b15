package model

import (
	"time"

	"github.com/factline/factline/internal/stagehash"
)

// Known event identifiers. The stage/event catalog resolves each identifier
// to a per-item timestamp; the engine itself never interprets them.
const (
	EventCreated       = "created"
	EventFirstAssigned = "first_assigned"
	EventReviewStarted = "review_started"
	EventMerged        = "merged"
	EventClosed        = "closed"
)

// Event is one identifiable point in a work item's lifecycle. Its Hash
// deduplicates timestamp computations: stages sharing an event share the
// hash.
type Event struct {
	Identifier string
	Hash       string
}

// NewEvent builds an Event with its deduplication hash.
func NewEvent(identifier string) Event {
	return Event{Identifier: identifier, Hash: stagehash.Event(identifier)}
}

// Stage is a named lifecycle segment scoped to a group, bounded by a start
// and an end event, and tagged with the work item kind its start event
// applies to. Stages are configured outside the engine and read-only here.
type Stage struct {
	ID         int64
	GroupID    int64
	Name       string
	Kind       Kind
	StartEvent Event
	EndEvent   Event

	// Hash keys the stage's fact rows. Derived from the event definitions,
	// never from the name or id, so renames keep the series and event
	// changes start a new one.
	Hash string
}

// NewStage builds a Stage and derives its hash from the two events.
func NewStage(groupID int64, name string, kind Kind, startEvent, endEvent string) Stage {
	start := NewEvent(startEvent)
	end := NewEvent(endEvent)
	return Stage{
		GroupID:    groupID,
		Name:       name,
		Kind:       kind,
		StartEvent: start,
		EndEvent:   end,
		Hash:       stagehash.Stage(start.Hash, end.Hash),
	}
}

// StageEventRecord is one denormalized fact row: the measured interval of
// one work item through one stage, plus snapshot attributes for filtering
// and grouping without re-joining the source tables.
//
// A record exists only if the start timestamp is known. A nil end timestamp
// means the stage is still open for the item. End is never before start;
// rows that would violate that are dropped before they reach storage.
type StageEventRecord struct {
	StageHash           string
	ItemID              int64
	GroupID             int64
	ProjectID           int64
	AuthorID            int64
	MilestoneID         *int64
	StateID             int16
	StartEventTimestamp time.Time
	EndEventTimestamp   *time.Time
}

// ItemSnapshot carries the denormalized source attributes of one work item,
// fetched once per batch and shared by every stage emitting rows for it.
type ItemSnapshot struct {
	ItemID      int64
	ProjectID   int64
	GroupID     int64
	AuthorID    int64
	MilestoneID *int64
	StateID     int16
	UpdatedAt   time.Time
}
