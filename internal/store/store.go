// Package store persists crash-resilience state the in-memory pipeline
// would otherwise lose on restart: the per-client dead-letter queue, a
// durable snapshot of each source's discovery ring buffer, and each
// client's recent-scrobbles cache (spec §3 "Recent ring buffer" /
// "Recent scrobbles ring"). None of this is a query layer over history
// (explicitly out of scope, spec §1) — every table here exists purely so
// a restart doesn't re-discover or re-attempt work the pipeline already
// resolved.
//
// It is adapted from the teacher's internal/state package: the same
// WAL/busy_timeout/foreign_keys pragma setup (state.Open) and the same
// schema-versioned, migration-by-ALTER style (state/schema.go), narrowed
// from a desktop player's full library/queue/playlist schema down to the
// three tables the scrobble pipeline actually needs.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const currentSchemaVersion = 1

// Store wraps a SQLite database configured for the pipeline's
// crash-resilience tables.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path, applies
// the teacher's concurrent-access pragmas, and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers that need direct access
// (e.g. a future admin/inspection surface).
func (s *Store) DB() *sql.DB { return s.db }

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS dead_letter_scrobbles (
			id TEXT PRIMARY KEY,
			client_name TEXT NOT NULL,
			source_name TEXT NOT NULL,
			play_json TEXT NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			last_retry INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_dead_letter_client ON dead_letter_scrobbles(client_name);

		CREATE TABLE IF NOT EXISTS source_ring_snapshot (
			source_name TEXT NOT NULL,
			position INTEGER NOT NULL,
			play_json TEXT NOT NULL,
			PRIMARY KEY (source_name, position)
		);

		CREATE TABLE IF NOT EXISTS client_recent_scrobbles_cache (
			client_name TEXT NOT NULL,
			position INTEGER NOT NULL,
			play_json TEXT NOT NULL,
			fetched_at INTEGER NOT NULL,
			PRIMARY KEY (client_name, position)
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, currentSchemaVersion)
	return err
}
