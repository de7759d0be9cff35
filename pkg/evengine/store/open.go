package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownDriver indicates Open was given a driver it doesn't know.
var ErrUnknownDriver = errors.New("unknown store driver")

// Open creates a store by driver name: "memory", "sqlite" (dsn is a file
// path) or "postgres" (dsn is a connection string).
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch strings.ToLower(driver) {
	case "memory":
		return NewMemoryStore(opts...), nil
	case "sqlite", "sqlite3":
		if dsn == "" {
			return nil, errors.New("sqlite store needs a file path")
		}
		return NewSQLiteStore(dsn, opts...)
	case "postgres", "postgresql":
		if dsn == "" {
			return nil, errors.New("postgres store needs a connection string")
		}
		return OpenPostgres(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
