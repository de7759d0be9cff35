// Package policy holds per-event-type dispatch policies.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/evengine/pkg/evengine/pool"
)

// ErrDistributedNeedsExpiry rejects a distributed policy without an expiry.
var ErrDistributedNeedsExpiry = errors.New("distributed event type requires a positive expiry")

// Policy controls how events of one type are dispatched.
type Policy struct {
	// Idempotent suppresses a dispatch when an equal pending record exists.
	Idempotent bool

	// Sequenced runs every invocation of the type on one worker, in order.
	Sequenced bool

	// ExpireAfter is how long records stay claimable. Zero never expires.
	ExpireAfter time.Duration

	// Distributed shares records with every node of the store.
	Distributed bool

	// ProcessOnce resolves a distributed record after the first node
	// completes it. Ignored for non-distributed types.
	ProcessOnce bool
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.Distributed && p.ExpireAfter <= 0 {
		return ErrDistributedNeedsExpiry
	}
	if p.ExpireAfter < 0 {
		return fmt.Errorf("negative expiry %s", p.ExpireAfter)
	}
	return nil
}

// Entry is a registered policy and the pool it owns, if sequenced.
type Entry struct {
	EventType string
	Policy    Policy
	Pool      *pool.Pool
}

// Registry maps event types to their policies.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	queueSize int
}

// NewRegistry creates an empty registry. queueSize bounds the queue of each
// sequenced pool.
func NewRegistry(queueSize int) *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		queueSize: queueSize,
	}
}

// Register records the policy for eventType, replacing any earlier one.
// Sequenced policies get a dedicated single-worker pool.
func (r *Registry) Register(eventType string, p Policy) error {
	if eventType == "" {
		return errors.New("event type is required")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("event type %s: %w", eventType, err)
	}
	if !p.Distributed {
		p.ProcessOnce = false
	}

	entry := &Entry{EventType: eventType, Policy: p}
	if p.Sequenced {
		entry.Pool = pool.New("sequenced:"+eventType, 1, r.queueSize)
	}

	r.mu.Lock()
	old := r.entries[eventType]
	r.entries[eventType] = entry
	r.mu.Unlock()

	if old != nil && old.Pool != nil {
		old.Pool.Close()
	}
	return nil
}

// Get returns the entry for eventType.
func (r *Registry) Get(eventType string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[eventType]
	return e, ok
}

// Policy returns the policy for eventType, or the zero policy.
func (r *Registry) Policy(eventType string) Policy {
	if e, ok := r.Get(eventType); ok {
		return e.Policy
	}
	return Policy{}
}

// ExpiryMap returns the expiry of every type that has one.
func (r *Registry) ExpiryMap() map[string]time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := make(map[string]time.Duration)
	for t, e := range r.entries {
		if e.Policy.ExpireAfter > 0 {
			m[t] = e.Policy.ExpireAfter
		}
	}
	return m
}

// Pools returns the sequenced pools.
func (r *Registry) Pools() []*pool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pools []*pool.Pool
	for _, e := range r.entries {
		if e.Pool != nil {
			pools = append(pools, e.Pool)
		}
	}
	return pools
}

// Close shuts down every sequenced pool, waiting for queued work.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, p := range r.Pools() {
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
