package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/evengine/pkg/evengine/record"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string

	// notInstance is a predicate with one bind parameter that is true when
	// the node is absent from the instances column.
	notInstance string

	instancesArg  func([]string) (any, error)
	instancesDest func() (dest any, decode func() ([]string, error))
}

const recordColumns = `id, event_type, payload, listener, callback, status, dispatch_time,
	processed_time, error, distributed, can_expire, locked, instances, origin`

// sqlBackend implements Store on database/sql. Times are stored as unix
// nanoseconds so range predicates compare numerically.
type sqlBackend struct {
	db     *sql.DB
	d      dialect
	opts   options
	mu     sync.RWMutex
	closed bool
}

// rebind rewrites ? placeholders for the dialect.
func (s *sqlBackend) rebind(query string) string {
	if s.d.placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString(s.d.placeholder(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *sqlBackend) begin() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	return nil
}

func (s *sqlBackend) end() { s.mu.RUnlock() }

// Lock implements Locker.
func (s *sqlBackend) Lock(ctx context.Context, nodeID string) (bool, error) {
	if err := s.begin(); err != nil {
		return false, err
	}
	defer s.end()

	now := s.opts.now()
	stale := int64(math.MinInt64)
	if s.opts.lease > 0 {
		stale = now.Add(-s.opts.lease).UnixNano()
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO event_lock (id, held_by, locked, acquired_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			held_by = excluded.held_by,
			locked = excluded.locked,
			acquired_at = excluded.acquired_at
		WHERE event_lock.locked = ? OR event_lock.acquired_at < ?
	`), nodeID, true, now.UnixNano(), false, stale)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return n == 1, nil
}

// Unlock implements Locker.
func (s *sqlBackend) Unlock(ctx context.Context, nodeID string) (bool, error) {
	if err := s.begin(); err != nil {
		return false, err
	}
	defer s.end()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE event_lock SET locked = ?
		WHERE id = 1 AND held_by = ? AND locked = ?
	`), false, nodeID, true)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return n == 1, nil
}

// LockStatus implements Locker.
func (s *sqlBackend) LockStatus(ctx context.Context) (record.LockStatus, error) {
	if err := s.begin(); err != nil {
		return record.LockStatus{}, err
	}
	defer s.end()

	var (
		st       record.LockStatus
		acquired int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT held_by, locked, acquired_at FROM event_lock WHERE id = 1`).
		Scan(&st.HeldBy, &st.Locked, &acquired)
	if errors.Is(err, sql.ErrNoRows) {
		return record.LockStatus{}, nil
	}
	if err != nil {
		return record.LockStatus{}, fmt.Errorf("load lock: %w", err)
	}
	st.AcquiredAt = time.Unix(0, acquired)
	return st, nil
}

// Save implements Store.
func (s *sqlBackend) Save(ctx context.Context, r *record.Record) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	instances, err := s.d.instancesArg(r.Instances)
	if err != nil {
		return fmt.Errorf("encode instances: %w", err)
	}
	var processed any
	if r.ProcessedTime != nil {
		processed = r.ProcessedTime.UnixNano()
	}
	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO event_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			processed_time = excluded.processed_time,
			error = excluded.error,
			locked = excluded.locked,
			instances = excluded.instances
	`), r.ID, r.EventType, payload, r.Listener, r.Callback, string(r.Status), r.DispatchTime.UnixNano(),
		processed, r.Error, r.Distributed, r.CanExpire, r.Locked, instances, r.Origin)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *sqlBackend) Get(ctx context.Context, id string) (*record.Record, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM event_records WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	recs, err := s.scan(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Remove implements Store.
func (s *sqlBackend) Remove(ctx context.Context, r *record.Record) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM event_records WHERE id = ?`), r.ID); err != nil {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// FindDuplicate implements Store.
func (s *sqlBackend) FindDuplicate(ctx context.Context, r *record.Record, expireAfter time.Duration) (bool, error) {
	if err := s.begin(); err != nil {
		return false, err
	}
	defer s.end()

	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}
	match := `event_type = ? AND payload = ? AND listener = ? AND callback = ? AND status IN (?, ?) AND id <> ?`
	args := []any{r.EventType, payload, r.Listener, r.Callback,
		string(record.StatusPending), string(record.StatusPartial), r.ID}

	if expireAfter > 0 {
		cutoff := s.opts.now().Add(-expireAfter).UnixNano()
		stale := make([]any, 0, len(args)+2)
		stale = append(stale, string(record.StatusExpired))
		stale = append(stale, args...)
		stale = append(stale, cutoff)
		if _, err := s.db.ExecContext(ctx, s.rebind(`UPDATE event_records SET status = ? WHERE `+match+` AND dispatch_time <= ?`),
			stale...); err != nil {
			return false, fmt.Errorf("expire duplicates: %w", err)
		}
		match += ` AND dispatch_time > ?`
		args = append(args, cutoff)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM event_records WHERE `+match), args...).Scan(&n); err != nil {
		return false, fmt.Errorf("find duplicate: %w", err)
	}
	return n > 0, nil
}

// claimWhere renders the claim predicate of q.
func (s *sqlBackend) claimWhere(q record.Query) (string, []any) {
	conds := []string{"distributed = ?", "locked = ?"}
	args := []any{q.Distributed, false}
	if q.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.Distributed {
		conds = append(conds, "status = ?", "origin <> ?", s.d.notInstance)
		args = append(args, string(record.StatusPartial), q.NodeID, q.NodeID)
	} else {
		conds = append(conds, "status = ?", "origin = ?", "dispatch_time < ?")
		args = append(args, string(record.StatusPending), q.NodeID, q.Since.UnixNano())
	}
	if q.ExpireAfter > 0 {
		conds = append(conds, "dispatch_time > ?")
		args = append(args, q.Since.Add(-q.ExpireAfter).UnixNano())
	}
	return strings.Join(conds, " AND "), args
}

// List implements Store.
func (s *sqlBackend) List(ctx context.Context, q record.Query) ([]*record.Record, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	where, args := s.claimWhere(q)
	query := `SELECT ` + recordColumns + ` FROM event_records WHERE ` + where + ` ORDER BY dispatch_time, id`
	if q.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return s.scan(rows)
}

// Count implements Store.
func (s *sqlBackend) Count(ctx context.Context, q record.Query) (int, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	defer s.end()

	where, args := s.claimWhere(q)
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM event_records WHERE `+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Find implements Store.
func (s *sqlBackend) Find(ctx context.Context, filter *Filter) ([]*record.Record, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	if filter == nil {
		filter = &Filter{}
	}
	query := `SELECT ` + recordColumns + ` FROM event_records WHERE 1 = 1`
	var args []any
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY dispatch_time, id`
	switch {
	case filter.Limit > 0:
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	case filter.Offset > 0:
		// SQLite rejects OFFSET without LIMIT.
		query += ` LIMIT ` + strconv.FormatInt(math.MaxInt64, 10)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	return s.scan(rows)
}

// Expire implements Store.
func (s *sqlBackend) Expire(ctx context.Context, ttl map[string]time.Duration) (int, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	defer s.end()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin expire: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := s.opts.now()
	query := s.rebind(`
		UPDATE event_records SET status = ?
		WHERE event_type = ? AND dispatch_time < ? AND status IN (?, ?)
			AND can_expire = ? AND locked = ?
	`)
	total := 0
	for eventType, d := range ttl {
		if d <= 0 {
			continue
		}
		res, err := tx.ExecContext(ctx, query, string(record.StatusExpired), eventType, now.Add(-d).UnixNano(),
			string(record.StatusPending), string(record.StatusPartial), true, false)
		if err != nil {
			return 0, fmt.Errorf("expire %s: %w", eventType, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("expire %s: %w", eventType, err)
		}
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit expire: %w", err)
	}
	return total, nil
}

// Close implements Store.
func (s *sqlBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *sqlBackend) DB() *sql.DB {
	return s.db
}

func (s *sqlBackend) scan(rows *sql.Rows) ([]*record.Record, error) {
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		var (
			r         record.Record
			status    string
			dispatch  int64
			processed sql.NullInt64
		)
		dest, decode := s.d.instancesDest()
		if err := rows.Scan(&r.ID, &r.EventType, &r.Payload, &r.Listener, &r.Callback, &status, &dispatch,
			&processed, &r.Error, &r.Distributed, &r.CanExpire, &r.Locked, dest, &r.Origin); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		instances, err := decode()
		if err != nil {
			return nil, fmt.Errorf("decode instances of %s: %w", r.ID, err)
		}
		r.Status = record.Status(status)
		r.DispatchTime = time.Unix(0, dispatch)
		if processed.Valid {
			t := time.Unix(0, processed.Int64)
			r.ProcessedTime = &t
		}
		r.Instances = instances
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
