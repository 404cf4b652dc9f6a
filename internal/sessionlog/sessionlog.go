// Package sessionlog keeps a local SQLite journal of gateway runs: which
// sessions ran, the fate of every window (uploaded or spooled) and
// notable pipeline events such as drift corrections and framing errors.
// The journal is observability only; window durability lives in the
// persist package.
package sessionlog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bladesense/gateway/internal/persist"
)

// Window status values recorded in the journal.
const (
	StatusUploaded = "uploaded"
	StatusSpooled  = "spooled"
)

type Journal struct {
	*sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			reference         TEXT PRIMARY KEY,
			installation      TEXT,
			node_id           TEXT,
			label             TEXT,
			started_at        TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS windows (
			name              TEXT PRIMARY KEY,
			session           TEXT,
			status            TEXT,
			updated_at        TIMESTAMP,
			FOREIGN KEY(session) REFERENCES sessions(reference)
		);
		CREATE TABLE IF NOT EXISTS events (
			event_id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session           TEXT,
			kind              TEXT,
			detail            TEXT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session) REFERENCES sessions(reference)
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db}, nil
}

// StartSession records the start of a gateway run.
func (j *Journal) StartSession(s persist.Session) error {
	_, err := j.Exec(
		`INSERT INTO sessions (reference, installation, node_id, label, started_at) VALUES (?, ?, ?, ?, ?)`,
		s.Reference, s.Installation, s.NodeID, s.Label, s.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %v", err)
	}
	return nil
}

// RecordWindow upserts a window's status. A window moves from spooled to
// uploaded once the retry flow gets it through.
func (j *Journal) RecordWindow(session, name, status string) error {
	_, err := j.Exec(
		`INSERT INTO windows (name, session, status, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		name, session, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record window: %v", err)
	}
	return nil
}

// RecordEvent appends a pipeline event to the journal.
func (j *Journal) RecordEvent(session, kind, detail string) error {
	_, err := j.Exec(
		`INSERT INTO events (session, kind, detail) VALUES (?, ?, ?)`,
		session, kind, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %v", err)
	}
	return nil
}

// WindowRecord is one row of the windows table.
type WindowRecord struct {
	Name   string
	Status string
}

// Windows returns every window recorded for a session, oldest first.
func (j *Journal) Windows(session string) ([]WindowRecord, error) {
	rows, err := j.Query(
		`SELECT name, status FROM windows WHERE session = ? ORDER BY name`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WindowRecord
	for rows.Next() {
		var r WindowRecord
		if err := rows.Scan(&r.Name, &r.Status); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventCount returns the number of events of one kind for a session.
func (j *Journal) EventCount(session, kind string) (int, error) {
	var n int
	err := j.QueryRow(
		`SELECT COUNT(*) FROM events WHERE session = ? AND kind = ?`, session, kind).Scan(&n)
	return n, err
}
