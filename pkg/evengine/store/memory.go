package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/evengine/pkg/evengine/record"
)

// MemoryStore is an in-memory record store for testing and single-process
// use. Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record.Record
	lock    record.LockStatus
	closed  bool
	opts    options
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*record.Record),
		opts:    buildOptions(opts),
	}
}

// Lock implements Locker.
func (m *MemoryStore) Lock(_ context.Context, nodeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStoreClosed
	}
	now := m.opts.now()
	if m.lock.Locked && !leaseExpired(m.lock, m.opts.lease, now) {
		return false, nil
	}
	m.lock = record.LockStatus{HeldBy: nodeID, Locked: true, AcquiredAt: now}
	return true, nil
}

// Unlock implements Locker.
func (m *MemoryStore) Unlock(_ context.Context, nodeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStoreClosed
	}
	if !m.lock.Locked || m.lock.HeldBy != nodeID {
		return false, nil
	}
	m.lock.Locked = false
	return true, nil
}

// LockStatus implements Locker.
func (m *MemoryStore) LockStatus(_ context.Context) (record.LockStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return record.LockStatus{}, ErrStoreClosed
	}
	return m.lock, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.records[r.ID] = r.Clone()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// Remove implements Store.
func (m *MemoryStore) Remove(_ context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.records, r.ID)
	return nil
}

// FindDuplicate implements Store.
func (m *MemoryStore) FindDuplicate(_ context.Context, r *record.Record, expireAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStoreClosed
	}

	key := r.Key()
	cutoff := m.opts.now().Add(-expireAfter)
	found := false
	for id, existing := range m.records {
		if id == r.ID || !inFlight(existing.Status) || existing.Key() != key {
			continue
		}
		if expireAfter > 0 && !existing.DispatchTime.After(cutoff) {
			existing.Status = record.StatusExpired
			continue
		}
		found = true
	}
	return found, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, q record.Query) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []*record.Record
	for _, r := range m.records {
		if record.Claimable(r, q) {
			out = append(out, r.Clone())
		}
	}
	sortByDispatch(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context, q record.Query) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for _, r := range m.records {
		if record.Claimable(r, q) {
			n++
		}
	}
	return n, nil
}

// Find implements Store.
func (m *MemoryStore) Find(_ context.Context, filter *Filter) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	if filter == nil {
		filter = &Filter{}
	}
	var out []*record.Record
	for _, r := range m.records {
		if filter.EventType != "" && r.EventType != filter.EventType {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	sortByDispatch(out)
	return paginate(out, filter.Offset, filter.Limit), nil
}

// Expire implements Store.
func (m *MemoryStore) Expire(_ context.Context, ttl map[string]time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	now := m.opts.now()
	n := 0
	for _, r := range m.records {
		if record.Expirable(r, ttl, now) {
			r.Status = record.StatusExpired
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func leaseExpired(l record.LockStatus, lease time.Duration, now time.Time) bool {
	return lease > 0 && now.Sub(l.AcquiredAt) > lease
}

func sortByDispatch(rs []*record.Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].DispatchTime.Equal(rs[j].DispatchTime) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].DispatchTime.Before(rs[j].DispatchTime)
	})
}

func paginate(rs []*record.Record, offset, limit int) []*record.Record {
	if offset > 0 {
		if offset >= len(rs) {
			return nil
		}
		rs = rs[offset:]
	}
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}

// inFlight reports whether a record with status s still awaits processing.
func inFlight(s record.Status) bool {
	return s == record.StatusPending || s == record.StatusPartial
}
