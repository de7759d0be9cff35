package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists records to SQLite.
// Several processes may share one database file.
type SQLiteStore struct {
	*sqlBackend
}

var _ Store = (*SQLiteStore)(nil)

var sqliteDialect = dialect{
	notInstance: `NOT EXISTS (SELECT 1 FROM json_each(event_records.instances) WHERE json_each.value = ?)`,
	instancesArg: func(v []string) (any, error) {
		if v == nil {
			v = []string{}
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	},
	instancesDest: func() (any, func() ([]string, error)) {
		var raw string
		return &raw, func() ([]string, error) {
			var v []string
			if raw == "" {
				return nil, nil
			}
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, err
			}
			if len(v) == 0 {
				return nil, nil
			}
			return v, nil
		}
	},
}

// NewSQLiteStore creates a new SQLite record store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers within the process.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_records (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			listener TEXT NOT NULL,
			callback TEXT NOT NULL,
			status TEXT NOT NULL,
			dispatch_time INTEGER NOT NULL,
			processed_time INTEGER,
			error TEXT NOT NULL DEFAULT '',
			distributed INTEGER NOT NULL,
			can_expire INTEGER NOT NULL,
			locked INTEGER NOT NULL,
			instances TEXT NOT NULL DEFAULT '[]',
			origin TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_event_records_claim
		ON event_records(event_type, distributed, status, dispatch_time)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			held_by TEXT NOT NULL,
			locked INTEGER NOT NULL,
			acquired_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create lock table: %w", err)
	}

	return &SQLiteStore{sqlBackend: &sqlBackend{db: db, d: sqliteDialect, opts: buildOptions(opts)}}, nil
}
