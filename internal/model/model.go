// Package model holds the core domain types of the value stream aggregation
// engine: work item kinds, aggregation modes, stages and their events,
// fact rows, resumption cursors, and the persisted per-group aggregation state.
package model

import "fmt"

// Kind identifies a work item kind tracked by the engine.
type Kind string

const (
	KindIssue         Kind = "issue"
	KindChangeRequest Kind = "change_request"
)

// Kinds is the fixed processing order for a single aggregation pass.
// Issues are always loaded before change requests so a budget-limited pass
// resumes deterministically.
var Kinds = [2]Kind{KindIssue, KindChangeRequest}

// Valid reports whether k is a supported work item kind.
func (k Kind) Valid() bool {
	return k == KindIssue || k == KindChangeRequest
}

// Mode selects the scan strategy for a loader pass.
type Mode string

const (
	// ModeIncremental continues from the last unfinished position and covers
	// only new or updated items.
	ModeIncremental Mode = "incremental"
	// ModeFull re-scans every item from scratch to repair drift.
	ModeFull Mode = "full"
)

// Valid reports whether m is a known aggregation mode.
func (m Mode) Valid() bool {
	return m == ModeIncremental || m == ModeFull
}

func (m Mode) String() string { return string(m) }

// Group is a node in the containment hierarchy. The engine only aggregates
// for top-level groups; whether aggregation is licensed for the group is
// decided by the caller and surfaced here as a plain flag.
type Group struct {
	ID       int64
	ParentID *int64
	Name     string
	Licensed bool
}

// TopLevel reports whether the group is the root of its hierarchy.
func (g Group) TopLevel() bool { return g.ParentID == nil }

func (g Group) String() string { return fmt.Sprintf("group %d (%s)", g.ID, g.Name) }
