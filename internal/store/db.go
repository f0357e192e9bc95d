// Package store persists sessions, operations, conflicts and audit events
// in SQLite and wraps every write in the transaction manager.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the sql.DB with the sync-core configuration.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database with WAL mode, foreign keys and a single
// writer (SQLite serializes writers anyway; a busy timeout keeps lock
// contention surfacing as SQLITE_BUSY instead of blocking forever).
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=100;"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{db}, nil
}

// Migrate creates the persisted record layout.
func (db *DB) Migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id       TEXT PRIMARY KEY,
    resource_type    TEXT NOT NULL,
    resource_id      TEXT NOT NULL,
    state            TEXT NOT NULL CHECK(state IN ('CREATED','ACTIVE','IDLE','CLOSED')),
    created_at       TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_resource ON sessions(resource_type, resource_id);

CREATE TABLE IF NOT EXISTS participants (
    session_id TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    role       TEXT NOT NULL CHECK(role IN ('editor','viewer')),
    presence   TEXT NOT NULL,
    joined_at  TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, user_id),
    FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);

CREATE TABLE IF NOT EXISTS fields (
    session_id    TEXT NOT NULL,
    field         TEXT NOT NULL,
    kind          TEXT NOT NULL,
    value         TEXT NOT NULL,
    fingerprint   TEXT NOT NULL,
    last_sequence INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, field),
    FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);

CREATE TABLE IF NOT EXISTS operations (
    operation_id     TEXT PRIMARY KEY,
    session_id       TEXT NOT NULL,
    field            TEXT NOT NULL,
    sequence         INTEGER NOT NULL,
    author           TEXT NOT NULL,
    base_fingerprint TEXT NOT NULL,
    payload          TEXT NOT NULL,
    local_counter    INTEGER NOT NULL DEFAULT 0,
    committed_at     TIMESTAMP NOT NULL,
    UNIQUE (session_id, field, sequence),
    FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);

CREATE TABLE IF NOT EXISTS conflicts (
    conflict_id        TEXT PRIMARY KEY,
    session_id         TEXT NOT NULL,
    field              TEXT NOT NULL,
    op_a               TEXT NOT NULL,
    op_b               TEXT NOT NULL,
    resolution_kind    TEXT NOT NULL,
    resolution_payload TEXT,
    created_at         TIMESTAMP NOT NULL,
    resolved_at        TIMESTAMP,
    FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);
CREATE INDEX IF NOT EXISTS idx_conflicts_session ON conflicts(session_id, resolution_kind);

CREATE TABLE IF NOT EXISTS audit_events (
    event_id     TEXT PRIMARY KEY,
    event_type   TEXT NOT NULL,
    resource_ref TEXT,
    user_id      TEXT,
    session_id   TEXT,
    outcome      TEXT NOT NULL CHECK(outcome IN ('success','failure','rejected')),
    detail       TEXT,
    timestamp    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
