package model

import "time"

// ItemCursor marks the resumption point of a loader scan. Items are ordered
// ascending by (updated_at, id), so the cursor is the sort key of the last
// item in the most recently completed batch. The zero value means "start
// from the beginning".
type ItemCursor struct {
	UpdatedAt time.Time
	ID        int64
}

// IsZero reports whether the cursor is unset.
func (c ItemCursor) IsZero() bool {
	return c.UpdatedAt.IsZero() && c.ID == 0
}

// Before reports whether c sorts strictly before other in (updated_at, id)
// order.
func (c ItemCursor) Before(other ItemCursor) bool {
	if !c.UpdatedAt.Equal(other.UpdatedAt) {
		return c.UpdatedAt.Before(other.UpdatedAt)
	}
	return c.ID < other.ID
}

// CheckCursor marks the resumption point of a consistency scan: the stage
// hash being scanned plus the (end_event_timestamp, item_id) sort key of the
// last fully processed fact row within that stage. The zero value means
// "start from the first stage hash".
type CheckCursor struct {
	StageHash         string
	EndEventTimestamp time.Time
	ItemID            int64
}

// IsZero reports whether the cursor is unset.
func (c CheckCursor) IsZero() bool {
	return c.StageHash == "" && c.EndEventTimestamp.IsZero() && c.ItemID == 0
}
