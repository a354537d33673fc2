package rtmonitor

import (
	"time"

	"github.com/practable/rtmonitor/internal/filter"
)

// Subscription is one client's standing interest in a feed
type Subscription struct {
	RequestID string

	Filters filter.Set

	// KeyIsRecordIndex is set when a filter keys on the monitor's record index.
	// It is advisory only.
	KeyIsRecordIndex bool

	// Delivered counts records (or whole envelopes) pushed so far
	Delivered int

	CreatedAt time.Time
}
