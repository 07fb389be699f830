// Package database persists capture-session history: one row per
// session, inserted on start and finalized on end. The event stream
// itself is never stored.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB handles database operations.
type DB struct {
	db *sql.DB
}

// SessionRow is one capture session in the history table.
type SessionRow struct {
	ID            int64     `json:"id"`
	PID           uint32    `json:"pid"`
	ProcessName   string    `json:"process_name"`
	Options       string    `json:"options"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	EventsSent    uint64    `json:"events_sent"`
	EventsDropped uint64    `json:"events_dropped"`
}

// NewDB opens (creating if needed) the history database under dataDir.
func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "capture_history.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initSessionSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %v", err)
	}

	return &DB{db: db}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

func initSessionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS capture_sessions (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		pid            INTEGER NOT NULL,
		process_name   TEXT,
		options        TEXT,            -- JSON capture options
		started_at     DATETIME NOT NULL,
		ended_at       DATETIME,
		reason         TEXT,
		error_detail   TEXT,
		events_sent    INTEGER DEFAULT 0,
		events_dropped INTEGER DEFAULT 0
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create capture_sessions table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_pid ON capture_sessions(pid);",
		"CREATE INDEX IF NOT EXISTS idx_sessions_started ON capture_sessions(started_at);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

// InsertSession records a session that reached Running.
func (d *DB) InsertSession(pid uint32, processName, optionsJSON string, startedAt time.Time) (int64, error) {
	res, err := d.db.Exec(
		`INSERT INTO capture_sessions (pid, process_name, options, started_at) VALUES (?, ?, ?, ?)`,
		pid, processName, optionsJSON, startedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %v", err)
	}
	return res.LastInsertId()
}

// FinishSession finalizes a session row with its outcome.
func (d *DB) FinishSession(id int64, endedAt time.Time, reason, errorDetail string, eventsSent, eventsDropped uint64) error {
	_, err := d.db.Exec(
		`UPDATE capture_sessions SET ended_at = ?, reason = ?, error_detail = ?, events_sent = ?, events_dropped = ? WHERE id = ?`,
		endedAt, reason, errorDetail, eventsSent, eventsDropped, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session %d: %v", id, err)
	}
	return nil
}

// RecentSessions returns the newest sessions first.
func (d *DB) RecentSessions(limit int) ([]SessionRow, error) {
	rows, err := d.db.Query(
		`SELECT id, pid, process_name, options, started_at, ended_at,
		        COALESCE(reason, ''), COALESCE(error_detail, ''),
		        events_sent, events_dropped
		 FROM capture_sessions ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %v", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		// ended_at is NULL while a session is still running. It must be
		// selected bare: wrapping it in an expression loses the declared
		// column type the driver needs to hand back a time.Time.
		var ended sql.NullTime
		if err := rows.Scan(&row.ID, &row.PID, &row.ProcessName, &row.Options,
			&row.StartedAt, &ended, &row.Reason, &row.ErrorDetail,
			&row.EventsSent, &row.EventsDropped); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %v", err)
		}
		if ended.Valid {
			row.EndedAt = ended.Time
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
