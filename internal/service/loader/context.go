package loader

import (
	"time"

	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/runlimit"
)

// Context is the ephemeral runtime context of one Execute call. It is never
// persisted: the aggregator seeds the cursor from the stored state, threads
// the context through the call by pointer, and folds the advanced cursor and
// counters back into the state afterwards. Keeping this state explicit
// avoids counters hidden across object layers.
type Context struct {
	// Cursor is the resumption point. Execute only ever advances it.
	Cursor model.ItemCursor
	// Limiter is the pass-wide time budget shared across kinds.
	Limiter runlimit.Limiter
	// ProcessedRecords counts items scanned by this call.
	ProcessedRecords int
	// UpsertedRecords counts fact rows actually written by this call.
	UpsertedRecords int
	// Runtime is the wall-clock cost of this call, set by Execute.
	Runtime time.Duration
}
