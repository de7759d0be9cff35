// Package store persists event records and the advisory lock that elects a
// single catch-up leader among nodes sharing the store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/evengine/pkg/evengine/record"
)

// Store persists event records.
// Implementations must be safe for concurrent use.
type Store interface {
	Locker

	// Save inserts or replaces the record with the same ID.
	Save(ctx context.Context, r *record.Record) error

	// Get loads a record by ID.
	// Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*record.Record, error)

	// Remove deletes the record with r.ID.
	// Returns nil if it doesn't exist.
	Remove(ctx context.Context, r *record.Record) error

	// FindDuplicate reports whether another PENDING or PARTIAL record exists for the
	// same event payload and listener callback. With expireAfter set, only
	// records dispatched within that window count, and older matches are
	// moved to EXPIRED.
	FindDuplicate(ctx context.Context, r *record.Record, expireAfter time.Duration) (bool, error)

	// List returns records claimable under q, oldest dispatch first.
	List(ctx context.Context, q record.Query) ([]*record.Record, error)

	// Count returns the number of records claimable under q.
	Count(ctx context.Context, q record.Query) (int, error)

	// Find returns records matching filter for inspection.
	Find(ctx context.Context, filter *Filter) ([]*record.Record, error)

	// Expire moves stale PENDING and PARTIAL records to EXPIRED using the
	// per-type windows in ttl. Returns the number of records changed.
	Expire(ctx context.Context, ttl map[string]time.Duration) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Locker is the advisory lock shared by all nodes of a store.
type Locker interface {
	// Lock acquires the lock for nodeID. Returns false when another node
	// holds it.
	Lock(ctx context.Context, nodeID string) (bool, error)

	// Unlock releases the lock if nodeID holds it.
	Unlock(ctx context.Context, nodeID string) (bool, error)

	// LockStatus reports the current lock state.
	LockStatus(ctx context.Context) (record.LockStatus, error)
}

// Filter selects records for inspection.
type Filter struct {
	EventType string
	Status    record.Status

	// Limit is the maximum number of results. Zero means no limit.
	Limit int

	// Offset is the number of results to skip.
	Offset int
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("record store closed")
)

// Option configures a store.
type Option func(*options)

type options struct {
	lease time.Duration
	now   func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLockLease lets a node take over a lock held longer than d. Zero keeps
// a held lock until its holder releases it.
func WithLockLease(d time.Duration) Option {
	return func(o *options) {
		o.lease = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLocker replaces the lock of s with l, for example to coordinate through
// Redis while records live in SQL.
func WithLocker(s Store, l Locker) Store {
	return &lockedStore{Store: s, locker: l}
}

type lockedStore struct {
	Store
	locker Locker
}

func (s *lockedStore) Lock(ctx context.Context, nodeID string) (bool, error) {
	return s.locker.Lock(ctx, nodeID)
}

func (s *lockedStore) Unlock(ctx context.Context, nodeID string) (bool, error) {
	return s.locker.Unlock(ctx, nodeID)
}

func (s *lockedStore) LockStatus(ctx context.Context) (record.LockStatus, error) {
	return s.locker.LockStatus(ctx)
}
