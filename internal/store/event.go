// Package store provides the data layer for eventline.
//
// Store is the source of truth - SQLite persistence of the canonical,
// deduplicated event set.
//
// # Thread Safety
//
// Store is safe for concurrent use. The underlying sql.DB handles connection
// pooling and serialization. Individual operations are atomic; the fusion
// commit uses a single transaction over all touched event ids.
//
// # Merged events
//
// A MERGED event is never written through directly. Every mutation resolves
// the master pointer chain first and lands on the open master.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// Status is the lifecycle state of an event.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusVerified  Status = "VERIFIED"
	StatusMerged    Status = "MERGED"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusVerified, StatusMerged:
		return true
	}
	return false
}

// Event is the canonical unit: one discrete real-world occurrence
// distilled from one or more raw reports.
type Event struct {
	ID         string    // content-derived, immutable once assigned
	OccurredAt time.Time // required; never persisted zero
	Title      string
	Dossier    string // cumulative source text; grows only via merge
	ReportJSON string // full structured analysis output

	Classification string
	TargetType     string
	Reasoning      string
	Confidence     float64 // extraction confidence [0,1]

	Lat *float64 // nil when no location was extracted
	Lon *float64

	Embedding []float32 // over Dossier; recomputed whenever Dossier changes

	Status  Status
	Sources []string // deduplicated by normalized URL

	SeverityK   int // kinetic magnitude [1,10]
	SeverityT   int // target value [1,10]
	SeverityE   int // effect/outcome [1,10]
	TieTotal    int // composite [0,100]
	Reliability int // [0,100]

	MergedInto string // master id, set only when Status == MERGED
	Suspect    bool   // movement probe flagged this event for review

	CreatedAt time.Time
}

// HasLocation reports whether the event carries coordinates.
func (e *Event) HasLocation() bool {
	return e.Lat != nil && e.Lon != nil
}

// EventID derives the stable content identifier for a raw report text.
// Identical text always yields the same id, which makes pipeline
// reprocessing idempotent at the store boundary.
func EventID(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// NormalizeSource canonicalizes a source URL for set membership:
// lowercase scheme and host, no fragment, no trailing slash.
func NormalizeSource(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.TrimSpace(strings.ToLower(raw)), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/")
}

// MergeSources unions two source lists, deduplicating by normalized URL
// and preserving first-seen order.
func MergeSources(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, s := range list {
			n := NormalizeSource(s)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Patch is the mutation contract exposed to downstream review. Nil fields
// are left untouched. Dossier and embedding are deliberately absent: the
// dossier grows only via merge, and the embedding only ever follows it.
type Patch struct {
	Status      *Status
	Title       *string
	Reliability *int
}
