// Package store persists MAC identity and join/frame history across
// restarts, following the same SQLite-via-database/sql shape as the
// teacher's internal/storage package: a single *sql.DB wrapped in a
// DB type, a one-shot migrate() schema string, and plain Exec/Query
// methods with no ORM in between.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection persisting MAC state.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database at path and runs its
// migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate database: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	-- Node identity: the single row describing this device's LoRa
	-- address and sequence counters, persisted so a process restart
	-- does not need to rejoin with fresh counters.
	CREATE TABLE IF NOT EXISTS node_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		prefix INTEGER NOT NULL,
		node_id INTEGER NOT NULL,
		next_seq INTEGER NOT NULL DEFAULT 0,
		expected_seq INTEGER NOT NULL DEFAULT 0,
		joined INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- History of join attempts and outcomes, for operator diagnosis.
	CREATE TABLE IF NOT EXISTS join_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prefix INTEGER,
		succeeded INTEGER NOT NULL,
		detail TEXT,
		occurred_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Frame-level event log: every DATA/ACK/QUERY exchange, for
	-- replay and debugging of the retransmit/ordering behaviour.
	CREATE TABLE IF NOT EXISTS frame_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		direction TEXT NOT NULL,
		command TEXT NOT NULL,
		seq INTEGER NOT NULL,
		payload_len INTEGER NOT NULL,
		occurred_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// NodeState is the persisted identity and counters for this device.
type NodeState struct {
	Prefix      uint8
	NodeID      uint16
	NextSeq     uint8
	ExpectedSeq uint8
	Joined      bool
}

// LoadNodeState returns the persisted node state, or (nil, nil) if
// the device has never been initialized.
func (db *DB) LoadNodeState() (*NodeState, error) {
	row := db.conn.QueryRow(`SELECT prefix, node_id, next_seq, expected_seq, joined FROM node_state WHERE id = 1`)
	s := &NodeState{}
	var joined int
	err := row.Scan(&s.Prefix, &s.NodeID, &s.NextSeq, &s.ExpectedSeq, &joined)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load node state: %w", err)
	}
	s.Joined = joined != 0
	return s, nil
}

// SaveNodeState upserts the single node_state row.
func (db *DB) SaveNodeState(s NodeState) error {
	joined := 0
	if s.Joined {
		joined = 1
	}
	_, err := db.conn.Exec(`
		INSERT INTO node_state (id, prefix, node_id, next_seq, expected_seq, joined, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prefix = excluded.prefix,
			node_id = excluded.node_id,
			next_seq = excluded.next_seq,
			expected_seq = excluded.expected_seq,
			joined = excluded.joined,
			updated_at = excluded.updated_at
	`, s.Prefix, s.NodeID, s.NextSeq, s.ExpectedSeq, joined, time.Now())
	if err != nil {
		return fmt.Errorf("store: save node state: %w", err)
	}
	return nil
}

// RecordJoin appends a join attempt outcome to the history table.
func (db *DB) RecordJoin(prefix uint8, succeeded bool, detail string) error {
	ok := 0
	if succeeded {
		ok = 1
	}
	_, err := db.conn.Exec(
		`INSERT INTO join_history (prefix, succeeded, detail) VALUES (?, ?, ?)`,
		prefix, ok, detail,
	)
	return err
}

// RecordFrameEvent appends a frame exchange to the event log.
func (db *DB) RecordFrameEvent(direction, command string, seq uint8, payloadLen int) error {
	_, err := db.conn.Exec(
		`INSERT INTO frame_events (direction, command, seq, payload_len) VALUES (?, ?, ?, ?)`,
		direction, command, seq, payloadLen,
	)
	return err
}

// RecentFrameEvent is a row read back from the frame_events table.
type RecentFrameEvent struct {
	Direction  string
	Command    string
	Seq        uint8
	PayloadLen int
	OccurredAt time.Time
}

// RecentFrameEvents returns the most recent limit frame events, newest
// first.
func (db *DB) RecentFrameEvents(limit int) ([]RecentFrameEvent, error) {
	rows, err := db.conn.Query(
		`SELECT direction, command, seq, payload_len, occurred_at FROM frame_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent frame events: %w", err)
	}
	defer rows.Close()

	var events []RecentFrameEvent
	for rows.Next() {
		var e RecentFrameEvent
		if err := rows.Scan(&e.Direction, &e.Command, &e.Seq, &e.PayloadLen, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("store: scan frame event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
