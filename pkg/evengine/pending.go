package evengine

import (
	"sync"
	"time"

	"github.com/randalmurphal/evengine/pkg/evengine/record"
)

// pendingIndex tracks in-flight records when the engine is not persistent.
// Records are grouped by record.Key so duplicate detection is a map lookup.
type pendingIndex struct {
	mu    sync.Mutex
	byKey map[string]map[string]*record.Record
}

func newPendingIndex() *pendingIndex {
	return &pendingIndex{byKey: make(map[string]map[string]*record.Record)}
}

func (p *pendingIndex) add(r *record.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := r.Key()
	ids, ok := p.byKey[k]
	if !ok {
		ids = make(map[string]*record.Record)
		p.byKey[k] = ids
	}
	ids[r.ID] = r
}

func (p *pendingIndex) remove(r *record.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := r.Key()
	ids := p.byKey[k]
	delete(ids, r.ID)
	if len(ids) == 0 {
		delete(p.byKey, k)
	}
}

// duplicate reports whether another in-flight record shares r's key. With
// window set, only records dispatched after now-window count.
func (p *pendingIndex) duplicate(r *record.Record, window time.Duration, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, other := range p.byKey[r.Key()] {
		if id == r.ID {
			continue
		}
		if window > 0 && !other.DispatchTime.After(now.Add(-window)) {
			continue
		}
		return true
	}
	return false
}

func (p *pendingIndex) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, ids := range p.byKey {
		n += len(ids)
	}
	return n
}

// gates serializes the duplicate check and record creation of idempotent
// event types within this node.
type gates struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (g *gates) lock(eventType string) func() {
	g.mu.Lock()
	if g.locks == nil {
		g.locks = make(map[string]*sync.Mutex)
	}
	m, ok := g.locks[eventType]
	if !ok {
		m = &sync.Mutex{}
		g.locks[eventType] = m
	}
	g.mu.Unlock()

	m.Lock()
	return m.Unlock
}
