// Package work provides a bounded pool for async processing. Intake,
// pipeline runs, and fusion passes all flow through it, which keeps
// concurrency in one place and makes the system observable.
package work

import (
	"fmt"
	"time"
)

// Type categorizes work items for filtering and logging.
type Type string

const (
	TypeIngest  Type = "ingest"  // Pulling raw reports from sources
	TypeProcess Type = "process" // Running a report through the pipeline
	TypeEmbed   Type = "embed"   // Embedding generation
	TypeFuse    Type = "fuse"    // Fusion pass over pending events
	TypeGeocode Type = "geocode" // Reverse geocoding
	TypeOther   Type = "other"   // Catch-all
)

// Status represents the lifecycle state of a work item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Item represents a unit of async work.
type Item struct {
	ID          string
	Type        Type
	Status      Status
	Description string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	Result string
	Error  error

	Source   string // Source name or report ID for context
	Priority int    // Higher = more urgent (default 0)

	workFn    func() (string, error)
	heapIndex int
}

// Duration returns how long the work took (or has been running).
func (i *Item) Duration() time.Duration {
	if i.FinishedAt.IsZero() {
		if i.StartedAt.IsZero() {
			return 0
		}
		return time.Since(i.StartedAt)
	}
	return i.FinishedAt.Sub(i.StartedAt)
}

// Stats tracks pool metrics.
type Stats struct {
	TotalCreated   int64
	TotalCompleted int64
	TotalFailed    int64
	WorkersActive  int
	WorkersTotal   int
	PendingCount   int
}

func (s Stats) String() string {
	return fmt.Sprintf("Active: %d  Pending: %d  Done: %d  Failed: %d",
		s.WorkersActive, s.PendingCount, s.TotalCompleted, s.TotalFailed)
}
