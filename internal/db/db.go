package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Event type constants — process events
const (
	EventProcessStarted = "process.started"
	EventCircuitOpened  = "circuit.opened"
	EventCircuitHalf    = "circuit.half_open"
	EventCircuitClosed  = "circuit.closed"
)

// Event type constants — relay events
const (
	EventMessageAddressed    = "message.addressed"
	EventCompletionCompleted = "completion.completed"
	EventCompletionFailed    = "completion.failed"
	EventReplySent           = "reply.sent"
	EventReplyFailed         = "reply.failed"
	EventSessionReset        = "session.reset"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without creating it.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("db %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", path+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}
	return db, nil
}

// InitSchema creates the events table. Conversation history is never stored here.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type_id ON events(event_type, id);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(ctx context.Context, db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// Recorder records events under a fixed root event, usually the
// process.started event of the running relay.
type Recorder struct {
	DB     *sql.DB
	RootID *int64
}

// Record logs an event as a child of parentID, or of the recorder root when
// parentID is nil.
func (r *Recorder) Record(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	if parentID == nil {
		parentID = r.RootID
	}
	return LogEvent(ctx, r.DB, parentID, eventType, payload)
}

// Event represents a row from the events table.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	ParentID  *int64         `json:"parent_id,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []*Event       `json:"children,omitempty"`
}

// LatestRoot returns the id of the most recent process.started event.
func LatestRoot(ctx context.Context, db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		EventProcessStarted,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no %s event found", EventProcessStarted)
	}
	return id, err
}

// QuerySubtree returns every event in the subtree rooted at rootID, ordered by id.
func QuerySubtree(ctx context.Context, db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query subtree %d: %w", rootID, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			ev      Event
			parent  sql.NullInt64
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &parent, &ev.EventType, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if parent.Valid {
			p := parent.Int64
			ev.ParentID = &p
		}
		if payload.Valid && strings.TrimSpace(payload.String) != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				ev.Payload = map[string]any{"raw": payload.String}
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// BuildTree links events into a tree and returns the node for rootID, or nil
// when it is not among events.
func BuildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		ev.Children = nil
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if ev.ID == rootID || ev.ParentID == nil {
			continue
		}
		if parent, ok := byID[*ev.ParentID]; ok {
			parent.Children = append(parent.Children, ev)
		}
	}
	return byID[rootID]
}
