// Package record defines the persisted form of a single listener invocation
// and the state machine it moves through.
package record

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a Record.
type Status string

const (
	// StatusPending is a non-distributed invocation that has not completed.
	StatusPending Status = "PENDING"

	// StatusPartial is a distributed invocation still open for other nodes.
	StatusPartial Status = "PARTIAL"

	// StatusSuccess is a completed invocation.
	StatusSuccess Status = "SUCCESS"

	// StatusFailed is an invocation whose listener returned an error or panicked.
	StatusFailed Status = "FAILED"

	// StatusExpired is a record swept by the expiry pass.
	StatusExpired Status = "EXPIRED"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPartial, StatusSuccess, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Record is one (event, listener callback) invocation.
type Record struct {
	ID            string
	EventType     string
	Payload       []byte
	Listener      string
	Callback      string
	Status        Status
	DispatchTime  time.Time
	ProcessedTime *time.Time
	Error         string
	Distributed   bool
	CanExpire     bool
	Locked        bool
	Instances     []string

	// Origin is the node that created the record.
	Origin string
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = slices.Clone(r.Payload)
	c.Instances = slices.Clone(r.Instances)
	if r.ProcessedTime != nil {
		t := *r.ProcessedTime
		c.ProcessedTime = &t
	}
	return &c
}

// HasInstance reports whether node already processed this record.
func (r *Record) HasInstance(node string) bool {
	return slices.Contains(r.Instances, node)
}

// Key identifies the logical invocation independent of its id, so two records
// for the same payload delivered to the same callback share a key.
func (r *Record) Key() string {
	return Key(r.EventType, r.Payload, r.Listener, r.Callback)
}

// Key builds the logical identity used by duplicate detection.
func Key(eventType string, payload []byte, listener, callback string) string {
	var b strings.Builder
	b.Grow(len(eventType) + len(payload) + len(listener) + len(callback) + 3)
	b.WriteString(eventType)
	b.WriteByte(0)
	b.Write(payload)
	b.WriteByte(0)
	b.WriteString(listener)
	b.WriteByte(0)
	b.WriteString(callback)
	return b.String()
}

// Complete applies the completion transition for node.
//
// The record becomes SUCCESS or FAILED, records node as having processed it
// and is unlocked. Distributed records that are not process-once stay PARTIAL
// so other nodes can still pick them up.
func (r *Record) Complete(node string, err error, processOnce bool, now time.Time) {
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
	} else {
		r.Status = StatusSuccess
		r.Error = ""
	}
	r.ProcessedTime = &now
	if !r.HasInstance(node) {
		r.Instances = append(r.Instances, node)
	}
	if r.Distributed && !processOnce {
		r.Status = StatusPartial
	}
	r.Locked = false
}

var seq atomic.Uint64

// NewID returns a record id built from the event type, the node id and a
// monotonic counter on top of the wall clock in nanoseconds.
func NewID(eventType, node string) string {
	short := eventType
	if i := strings.LastIndexAny(short, "./"); i >= 0 {
		short = short[i+1:]
	}
	return fmt.Sprintf("%s_%s_%d_%d", short, node, time.Now().UnixNano(), seq.Add(1))
}

// LockStatus is the single advisory lock shared by every node of a store.
type LockStatus struct {
	HeldBy     string
	Locked     bool
	AcquiredAt time.Time
}
