package record

import "time"

// Query selects records a node may claim during catch-up.
type Query struct {
	// EventType restricts to one registered event type. Empty matches all.
	EventType string

	// Since is the cutoff time. Non-distributed records must be dispatched
	// before it. With ExpireAfter set, records must be newer than
	// Since minus ExpireAfter.
	Since time.Time

	Distributed bool

	// NodeID is the claiming node.
	NodeID string

	ExpireAfter time.Duration

	// Limit caps the result size. Zero means no limit.
	Limit int
}

// Claimable reports whether r matches q.
//
// Non-distributed records are only claimable by the node that created them,
// and only while PENDING. Distributed records are claimable while PARTIAL by
// any node that neither created nor already processed them.
func Claimable(r *Record, q Query) bool {
	if q.EventType != "" && r.EventType != q.EventType {
		return false
	}
	if r.Distributed != q.Distributed || r.Locked {
		return false
	}
	if q.Distributed {
		if r.Status != StatusPartial || r.Origin == q.NodeID || r.HasInstance(q.NodeID) {
			return false
		}
	} else {
		if r.Status != StatusPending || r.Origin != q.NodeID || !r.DispatchTime.Before(q.Since) {
			return false
		}
	}
	if q.ExpireAfter > 0 && !r.DispatchTime.After(q.Since.Add(-q.ExpireAfter)) {
		return false
	}
	return true
}

// Expirable reports whether r should move to EXPIRED given the per-type
// expiry windows in ttl.
func Expirable(r *Record, ttl map[string]time.Duration, now time.Time) bool {
	d, ok := ttl[r.EventType]
	if !ok || d <= 0 {
		return false
	}
	if r.Status != StatusPending && r.Status != StatusPartial {
		return false
	}
	if !r.CanExpire || r.Locked {
		return false
	}
	return r.DispatchTime.Before(now.Add(-d))
}
