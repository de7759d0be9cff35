// Package poller runs the background catch-up and expiry loop.
//
// Catch-up re-dispatches records this node may claim: its own unfinished
// local records after a restart, and distributed records other nodes
// created. Only the node holding the store lock scans in a given cycle.
// Expiry moves stale records to EXPIRED and runs on the primary node only.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/randalmurphal/evengine/pkg/evengine/observability"
	"github.com/randalmurphal/evengine/pkg/evengine/record"
	"github.com/randalmurphal/evengine/pkg/evengine/store"
)

var (
	// ErrRunning indicates Start was called on a running poller.
	ErrRunning = errors.New("poller already running")

	// ErrNotClaimed is returned by a Dispatcher that cannot run a record on
	// this node. The record stays in the store for other nodes.
	ErrNotClaimed = errors.New("record not claimed")
)

// State is the current phase of the poller.
type State int32

// Poller states.
const (
	StateIdle State = iota
	StateCatchingUp
	StateExpiring
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCatchingUp:
		return "catching-up"
	case StateExpiring:
		return "expiring"
	default:
		return "unknown"
	}
}

// Config controls the poll loop.
type Config struct {
	// Interval is the pause after each full cycle.
	// Default: 2s
	Interval time.Duration

	// PhaseDelay is the pause between catch-up and expiry.
	// Default: 2s
	PhaseDelay time.Duration

	// PageSize is the number of records claimed per store query.
	// Default: 100
	PageSize int

	// Rate caps re-dispatches per second. Zero means unlimited.
	Rate float64
}

// DefaultConfig returns the default poll settings.
func DefaultConfig() Config {
	return Config{
		Interval:   2 * time.Second,
		PhaseDelay: 2 * time.Second,
		PageSize:   100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.PhaseDelay <= 0 {
		c.PhaseDelay = def.PhaseDelay
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	return c
}

// Dispatcher re-runs a claimed record on this node. Any error leaves the
// record in the store; errors wrapping ErrNotClaimed are not logged as
// failures.
type Dispatcher interface {
	Redispatch(ctx context.Context, rec *record.Record) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, rec *record.Record) error

// Redispatch calls f.
func (f DispatchFunc) Redispatch(ctx context.Context, rec *record.Record) error {
	return f(ctx, rec)
}

// Catalog lists the event types to scan with their expiry windows.
// A zero window means records of that type never expire.
type Catalog func() map[string]time.Duration

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Poller) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTracing sets the span manager.
func WithTracing(sm observability.SpanManager) Option {
	return func(p *Poller) {
		if sm != nil {
			p.spans = sm
		}
	}
}

// WithPrimary makes this node run the expiry pass.
func WithPrimary(primary bool) Option {
	return func(p *Poller) { p.primary = primary }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// Poller scans the store for claimable and stale records.
type Poller struct {
	cfg     Config
	store   store.Store
	disp    Dispatcher
	catalog Catalog
	node    string
	primary bool

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	limiter *rate.Limiter
	now     func() time.Time

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a poller for node over st.
func New(st store.Store, d Dispatcher, catalog Catalog, node string, cfg Config, opts ...Option) *Poller {
	cfg = cfg.withDefaults()
	p := &Poller{
		cfg:     cfg,
		store:   st,
		disp:    d,
		catalog: catalog,
		node:    node,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		limiter: rate.NewLimiter(rate.Inf, 1),
		now:     time.Now,
	}
	if cfg.Rate > 0 {
		burst := int(cfg.Rate)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current phase.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Config returns the effective configuration.
func (p *Poller) Config() Config {
	return p.cfg
}

// CatchUp re-dispatches every record this node may claim, one event type
// at a time, while holding the store lock. The startup pass also claims
// this node's own unfinished local records; later passes only look at
// distributed records.
//
// Returns the number of records handed to the dispatcher. If another node
// holds the lock the pass is skipped and 0 is returned.
func (p *Poller) CatchUp(ctx context.Context, startup bool) (claimed int, err error) {
	ctx, span := p.spans.StartCatchUpSpan(ctx, startup)
	defer func() { p.spans.EndSpanWithError(span, err) }()

	ok, err := p.store.Lock(ctx, p.node)
	if err != nil {
		return 0, err
	}
	if !ok {
		if status, serr := p.store.LockStatus(ctx); serr == nil {
			observability.LogLockBusy(p.logger, status.HeldBy)
		}
		return 0, nil
	}
	defer func() {
		if _, uerr := p.store.Unlock(context.WithoutCancel(ctx), p.node); uerr != nil {
			observability.LogStoreError(p.logger, "unlock", "", uerr)
			err = errors.Join(err, uerr)
		}
	}()

	p.state.Store(int32(StateCatchingUp))
	defer p.state.Store(int32(StateIdle))

	since := p.now()
	types := p.catalog()
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)

	modes := []bool{true}
	if startup {
		modes = []bool{false, true}
	}
	for _, distributed := range modes {
		for _, t := range names {
			q := record.Query{
				EventType:   t,
				Since:       since,
				Distributed: distributed,
				NodeID:      p.node,
				ExpireAfter: types[t],
				Limit:       p.cfg.PageSize,
			}
			n, cerr := p.claimAll(ctx, q)
			claimed += n
			if n > 0 {
				p.metrics.RecordClaimed(ctx, t, distributed, n)
				observability.LogCatchUp(p.logger, t, distributed, n)
				p.spans.AddSpanEvent(ctx, "claimed",
					attribute.String("event_type", t),
					attribute.Int("count", n),
				)
			}
			if cerr != nil {
				return claimed, cerr
			}
		}
	}
	return claimed, nil
}

// claimAll pages through q until the store has nothing left to claim.
// A page in which no record could be handed off ends the scan so a record
// that keeps failing is retried next cycle instead of spinning here.
func (p *Poller) claimAll(ctx context.Context, q record.Query) (int, error) {
	total := 0
	for {
		page, err := p.store.List(ctx, q)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}
		moved := 0
		for _, rec := range page {
			if err := p.limiter.Wait(ctx); err != nil {
				return total + moved, err
			}
			if err := p.disp.Redispatch(ctx, rec); err != nil {
				if errors.Is(err, ErrNotClaimed) {
					observability.LogNotClaimed(p.logger, rec.ID, err)
				} else {
					observability.LogStoreError(p.logger, "redispatch", rec.ID, err)
				}
				continue
			}
			moved++
			if err := p.store.Remove(ctx, rec); err != nil {
				// the record would be listed and dispatched again
				return total + moved, err
			}
		}
		total += moved
		if moved == 0 {
			return total, nil
		}
	}
}

// ExpireStale moves stale records to EXPIRED. It is a no-op unless this
// node is primary.
func (p *Poller) ExpireStale(ctx context.Context) (int, error) {
	if !p.primary {
		return 0, nil
	}
	ttl := make(map[string]time.Duration)
	for t, d := range p.catalog() {
		if d > 0 {
			ttl[t] = d
		}
	}
	if len(ttl) == 0 {
		return 0, nil
	}

	p.state.Store(int32(StateExpiring))
	defer p.state.Store(int32(StateIdle))

	n, err := p.store.Expire(ctx, ttl)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.metrics.RecordExpired(ctx, n)
		observability.LogExpired(p.logger, n)
	}
	return n, nil
}

// Run loops until ctx is cancelled: catch-up, PhaseDelay, expiry,
// Interval. Store errors are logged and the loop continues.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if _, err := p.CatchUp(ctx, false); err != nil && ctx.Err() == nil {
			observability.LogStoreError(p.logger, "catch-up", "", err)
		}
		if !sleep(ctx, p.cfg.PhaseDelay) {
			return ctx.Err()
		}
		if _, err := p.ExpireStale(ctx); err != nil && ctx.Err() == nil {
			observability.LogStoreError(p.logger, "expire", "", err)
		}
		if !sleep(ctx, p.cfg.Interval) {
			return ctx.Err()
		}
	}
}

// Start runs the loop in the background until Stop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = p.Run(ctx)
	}(p.done)
	return nil
}

// Stop cancels the loop and waits for the current phase to finish or ctx
// to end. Stopping a poller that isn't running is a no-op.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleep waits for d or until ctx ends. Returns false if ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
