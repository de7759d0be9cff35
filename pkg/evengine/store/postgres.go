package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/lib/pq"
)

// PostgresStore persists records to PostgreSQL, for nodes on separate hosts.
type PostgresStore struct {
	*sqlBackend
}

var _ Store = (*PostgresStore)(nil)

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	notInstance: `NOT (? = ANY(instances))`,
	instancesArg: func(v []string) (any, error) {
		if v == nil {
			v = []string{}
		}
		return pq.Array(v), nil
	},
	instancesDest: func() (any, func() ([]string, error)) {
		var arr pq.StringArray
		return &arr, func() ([]string, error) {
			if len(arr) == 0 {
				return nil, nil
			}
			return []string(arr), nil
		}
	},
}

// postgresSchema creates the tables used by PostgresStore.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS event_records (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload BYTEA NOT NULL,
	listener TEXT NOT NULL,
	callback TEXT NOT NULL,
	status TEXT NOT NULL,
	dispatch_time BIGINT NOT NULL,
	processed_time BIGINT,
	error TEXT NOT NULL DEFAULT '',
	distributed BOOLEAN NOT NULL,
	can_expire BOOLEAN NOT NULL,
	locked BOOLEAN NOT NULL,
	instances TEXT[] NOT NULL DEFAULT '{}',
	origin TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_event_records_claim
	ON event_records(event_type, distributed, status, dispatch_time);
CREATE TABLE IF NOT EXISTS event_lock (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	held_by TEXT NOT NULL,
	locked BOOLEAN NOT NULL,
	acquired_at BIGINT NOT NULL
);
`

// NewPostgresStore wraps an open PostgreSQL handle. Call Migrate to create
// the schema.
func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{sqlBackend: &sqlBackend{db: db, d: postgresDialect, opts: buildOptions(opts)}}
}

// OpenPostgres connects to dsn, verifies the connection and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := NewPostgresStore(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and indexes if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
