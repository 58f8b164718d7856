package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/abelbrown/eventline/internal/logging"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

var (
	// ErrMissingOccurredAt rejects persistence of a dateless event.
	ErrMissingOccurredAt = errors.New("event has no occurred_at")

	// ErrNotFound is returned when an event id does not resolve.
	ErrNotFound = errors.New("event not found")

	// ErrInvalidPatch is returned for mutations the contract forbids.
	ErrInvalidPatch = errors.New("invalid patch")
)

// Store handles persistence of events.
type Store struct {
	db *sql.DB
}

// NewStore creates a new SQLite store at the given path.
//
// The database is created if it doesn't exist, and migrations are applied
// automatically.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		occurred_at DATETIME NOT NULL,
		title TEXT NOT NULL,
		dossier_text TEXT NOT NULL,
		ai_report_json TEXT,
		classification TEXT,
		target_type TEXT,
		reasoning TEXT,
		extraction_confidence REAL DEFAULT 0,
		lat REAL,
		lon REAL,
		embedding BLOB,
		status TEXT NOT NULL DEFAULT 'PENDING',
		sources TEXT,
		severity_k INTEGER DEFAULT 1,
		severity_t INTEGER DEFAULT 1,
		severity_e INTEGER DEFAULT 1,
		tie_total INTEGER DEFAULT 0,
		reliability INTEGER DEFAULT 0,
		merged_into TEXT,
		suspect INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_occurred ON events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
	CREATE INDEX IF NOT EXISTS idx_events_merged_into ON events(merged_into);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveEvent persists a new event. Writes are additive: ids are
// content-derived, so re-saving the same report is a no-op. Returns true
// if a new row was inserted.
func (s *Store) SaveEvent(e *Event) (bool, error) {
	if e.OccurredAt.IsZero() {
		return false, ErrMissingOccurredAt
	}
	if e.Status == "" {
		e.Status = StatusPending
	}

	sources, err := json.Marshal(MergeSources(e.Sources))
	if err != nil {
		return false, fmt.Errorf("failed to encode sources: %w", err)
	}

	result, err := s.db.Exec(`
		INSERT INTO events (
			id, occurred_at, title, dossier_text, ai_report_json,
			classification, target_type, reasoning, extraction_confidence,
			lat, lon, embedding, status, sources,
			severity_k, severity_t, severity_e, tie_total, reliability,
			merged_into, suspect
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID, e.OccurredAt.UTC(), e.Title, e.Dossier, e.ReportJSON,
		e.Classification, e.TargetType, e.Reasoning, e.Confidence,
		nullFloat(e.Lat), nullFloat(e.Lon), serializeEmbedding(e.Embedding),
		string(e.Status), string(sources),
		e.SeverityK, e.SeverityT, e.SeverityE, e.TieTotal, e.Reliability,
		nullString(e.MergedInto), boolInt(e.Suspect),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save event: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		logging.Debug("Event already persisted", "id", e.ID)
		return false, nil
	}
	return true, nil
}

// GetEvent retrieves an event by id.
func (s *Store) GetEvent(id string) (*Event, error) {
	row := s.db.QueryRow(selectEvent+" WHERE id = ?", id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// ListEvents retrieves events, newest occurrence first. An empty status
// means all statuses.
func (s *Store) ListEvents(limit int, status Status) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := selectEvent
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY occurred_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// PendingEvents returns all events awaiting fusion, oldest occurrence first
// so masters are discovered in chronological order.
func (s *Store) PendingEvents() ([]Event, error) {
	rows, err := s.db.Query(selectEvent + " WHERE status = 'PENDING' ORDER BY occurred_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsNear returns events whose occurred_at lies within the window around
// t, excluding the given id. This feeds the fusion temporal gate.
func (s *Store) EventsNear(t time.Time, window time.Duration, excludeID string) ([]Event, error) {
	rows, err := s.db.Query(
		selectEvent+" WHERE occurred_at BETWEEN ? AND ? AND id != ? ORDER BY occurred_at ASC",
		t.UTC().Add(-window), t.UTC().Add(window), excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query temporal window: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ResolveMaster follows the merged_into chain from id to the open master.
// For a non-merged event it returns the event itself.
func (s *Store) ResolveMaster(id string) (*Event, error) {
	const maxDepth = 32 // chains are short; this only guards corrupt data
	cur := id
	for i := 0; i < maxDepth; i++ {
		e, err := s.GetEvent(cur)
		if err != nil {
			return nil, err
		}
		if e.Status != StatusMerged || e.MergedInto == "" {
			return e, nil
		}
		cur = e.MergedInto
	}
	return nil, fmt.Errorf("master chain too deep starting at %s", id)
}

// Mutate applies a review patch to an event. If the id resolves to a MERGED
// record the mutation is forwarded to its master; a direct handle to a
// MERGED record is never written through. Returns the id actually mutated.
func (s *Store) Mutate(id string, p Patch) (string, error) {
	target, err := s.ResolveMaster(id)
	if err != nil {
		return "", err
	}

	if p.Status != nil {
		if !p.Status.Valid() || *p.Status == StatusMerged {
			// MERGED is assigned only by the fusion commit.
			return "", fmt.Errorf("%w: status %q", ErrInvalidPatch, *p.Status)
		}
		// Status only ever flows out of PENDING. A reviewed event moved
		// back would re-enter the fusion funnel as a fresh subject.
		if target.Status != StatusPending {
			return "", fmt.Errorf("%w: event is %s, status is final", ErrInvalidPatch, target.Status)
		}
		if _, err := s.db.Exec("UPDATE events SET status = ? WHERE id = ?", string(*p.Status), target.ID); err != nil {
			return "", fmt.Errorf("failed to update status: %w", err)
		}
	}
	if p.Title != nil {
		if _, err := s.db.Exec("UPDATE events SET title = ? WHERE id = ?", *p.Title, target.ID); err != nil {
			return "", fmt.Errorf("failed to update title: %w", err)
		}
	}
	if p.Reliability != nil {
		r := *p.Reliability
		if r < 0 || r > 100 {
			return "", fmt.Errorf("%w: reliability %d", ErrInvalidPatch, r)
		}
		if _, err := s.db.Exec("UPDATE events SET reliability = ? WHERE id = ?", r, target.ID); err != nil {
			return "", fmt.Errorf("failed to update reliability: %w", err)
		}
	}

	if target.ID != id {
		logging.Info("Mutation forwarded to master", "id", id, "master", target.ID)
	}
	return target.ID, nil
}

// CommitMerge applies one cluster merge in a single transaction: the master
// receives the grown dossier, unioned sources and recomputed embedding, and
// every child transitions to MERGED with its master pointer set. The
// master's own status is left untouched.
func (s *Store) CommitMerge(masterID, dossier string, sources []string, embedding []float32, childIDs []string) error {
	sourcesJSON, err := json.Marshal(MergeSources(sources))
	if err != nil {
		return fmt.Errorf("failed to encode sources: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE events SET dossier_text = ?, sources = ?, embedding = ?
		WHERE id = ? AND status != 'MERGED'
	`, dossier, string(sourcesJSON), serializeEmbedding(embedding), masterID)
	if err != nil {
		return fmt.Errorf("failed to enrich master: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("master %s is not open for enrichment", masterID)
	}

	for _, child := range childIDs {
		if child == masterID {
			return fmt.Errorf("cluster lists master %s as its own child", masterID)
		}
		if _, err := tx.Exec(`
			UPDATE events SET status = 'MERGED', merged_into = ? WHERE id = ?
		`, masterID, child); err != nil {
			return fmt.Errorf("failed to merge child %s: %w", child, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}

	logging.Info("Merge committed", "master", masterID, "children", len(childIDs))
	return nil
}

// EventCount returns counts by status for diagnostics.
func (s *Store) EventCount() (map[Status]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM events GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			continue
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectEvent = `
	SELECT id, occurred_at, title, dossier_text, ai_report_json,
	       classification, target_type, reasoning, extraction_confidence,
	       lat, lon, embedding, status, sources,
	       severity_k, severity_t, severity_e, tie_total, reliability,
	       merged_into, suspect, created_at
	FROM events`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scannable) (*Event, error) {
	var e Event
	var report, reasoning, mergedInto, sourcesJSON sql.NullString
	var lat, lon sql.NullFloat64
	var blob []byte
	var suspect int

	err := row.Scan(
		&e.ID, &e.OccurredAt, &e.Title, &e.Dossier, &report,
		&e.Classification, &e.TargetType, &reasoning, &e.Confidence,
		&lat, &lon, &blob, &e.Status, &sourcesJSON,
		&e.SeverityK, &e.SeverityT, &e.SeverityE, &e.TieTotal, &e.Reliability,
		&mergedInto, &suspect, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ReportJSON = report.String
	e.Reasoning = reasoning.String
	e.MergedInto = mergedInto.String
	e.Suspect = suspect != 0
	if lat.Valid {
		v := lat.Float64
		e.Lat = &v
	}
	if lon.Valid {
		v := lon.Float64
		e.Lon = &v
	}
	e.Embedding = deserializeEmbedding(blob)
	if sourcesJSON.String != "" {
		if err := json.Unmarshal([]byte(sourcesJSON.String), &e.Sources); err != nil {
			e.Sources = nil
		}
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			logging.Warn("Skipping unscannable event row", "error", err)
			continue
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func serializeEmbedding(embedding []float32) []byte {
	if embedding == nil {
		return nil
	}
	blob := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		bits := math.Float32bits(v)
		blob[i*4] = byte(bits)
		blob[i*4+1] = byte(bits >> 8)
		blob[i*4+2] = byte(bits >> 16)
		blob[i*4+3] = byte(bits >> 24)
	}
	return blob
}

func deserializeEmbedding(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(blob)/4)
	for i := range embedding {
		bits := uint32(blob[i*4]) |
			uint32(blob[i*4+1])<<8 |
			uint32(blob[i*4+2])<<16 |
			uint32(blob[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
