package evengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	everrors "github.com/randalmurphal/evengine/pkg/evengine/errors"
	"github.com/randalmurphal/evengine/pkg/evengine/listener"
	"github.com/randalmurphal/evengine/pkg/evengine/observability"
	"github.com/randalmurphal/evengine/pkg/evengine/policy"
	"github.com/randalmurphal/evengine/pkg/evengine/poller"
	"github.com/randalmurphal/evengine/pkg/evengine/pool"
	"github.com/randalmurphal/evengine/pkg/evengine/record"
	"github.com/randalmurphal/evengine/pkg/evengine/store"
)

const (
	stateNew int32 = iota
	stateRunning
	stateClosed
)

// Engine dispatches events to registered listener callbacks.
//
// Register listeners and event type policies, call Initialize, then Push.
// Registries are read-only once the engine is initialized. Engine is safe
// for concurrent use.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	now     func() time.Time

	rawStore   store.Store
	store      store.Store
	persistent bool

	listeners *listener.Registry
	policies  *policy.Registry

	skipMu  sync.RWMutex
	skipped map[string]error
	regErrs []error

	life     sync.Mutex
	state    atomic.Int32
	stopping chan struct{}

	global    *pool.Pool
	internal  *pool.Pool
	dedicated map[string]*pool.Pool

	pending *pendingIndex
	gates   gates
	poller  *poller.Poller
}

// New creates an engine. Zero fields of cfg take their DefaultConfig
// values.
func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		now:       time.Now,
		listeners: listener.NewRegistry(listener.WithNameFilter(cfg.Listeners)),
		policies:  policy.NewRegistry(cfg.QueueSize),
		skipped:   make(map[string]error),
		stopping:  make(chan struct{}),
		dedicated: make(map[string]*pool.Pool),
		pending:   newPendingIndex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = observability.EnrichLogger(e.logger, cfg.InstanceID)
	return e
}

// EventType returns the event type name of E, as used by
// RegisterEventType and stored on records.
func EventType[E any]() string {
	return listener.TypeNameOf(reflect.TypeFor[E]())
}

// InstanceID returns this node's id.
func (e *Engine) InstanceID() string { return e.cfg.InstanceID }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Persistent reports whether records are kept in the store. It can be
// false after Initialize even if requested, when no store was configured.
func (e *Engine) Persistent() bool { return e.persistent }

// Store returns the retrying store used for records, or nil when not
// persistent.
func (e *Engine) Store() store.Store { return e.store }

// Poller returns the background poller, or nil when not persistent.
func (e *Engine) Poller() *poller.Poller { return e.poller }

// Listeners returns the listener registry.
func (e *Engine) Listeners() *listener.Registry { return e.listeners }

// Policies returns the event type policy registry.
func (e *Engine) Policies() *policy.Registry { return e.policies }

// RegistrationErrors returns every rejected listener, callback and policy
// so far.
func (e *Engine) RegistrationErrors() []error {
	e.skipMu.RLock()
	defer e.skipMu.RUnlock()
	return append([]error(nil), e.regErrs...)
}

// RegisterListener adds a listener. Invalid callbacks are logged and
// skipped; the rest of the listener is still registered. Returns the
// rejections.
func (e *Engine) RegisterListener(reg listener.Registration) []error {
	if e.state.Load() != stateNew {
		return []error{ErrAlreadyInitialized}
	}
	errs := e.listeners.Register(reg)
	for _, err := range errs {
		if errors.Is(err, listener.ErrFiltered) {
			if e.logger != nil {
				e.logger.Debug("listener filtered out", slog.String("error", err.Error()))
			}
			continue
		}
		observability.LogRegistrationError(e.logger, err)
	}
	e.skipMu.Lock()
	e.regErrs = append(e.regErrs, errs...)
	e.skipMu.Unlock()
	return errs
}

// RegisterEventType sets the dispatch policy of eventType. Event types
// with listeners but no policy use the zero Policy.
//
// An invalid policy is logged and returned, and events of that type are
// refused with ErrEventTypeSkipped.
func (e *Engine) RegisterEventType(eventType string, p policy.Policy) error {
	if e.state.Load() != stateNew {
		return ErrAlreadyInitialized
	}
	err := e.policies.Register(eventType, p)

	e.skipMu.Lock()
	defer e.skipMu.Unlock()
	if err != nil {
		observability.LogPolicyRejected(e.logger, eventType, err)
		e.skipped[eventType] = err
		e.regErrs = append(e.regErrs, err)
		return err
	}
	delete(e.skipped, eventType)
	return nil
}

func (e *Engine) skippedErr(eventType string) error {
	e.skipMu.RLock()
	defer e.skipMu.RUnlock()
	if err, ok := e.skipped[eventType]; ok {
		return fmt.Errorf("%w: %s: %w", ErrEventTypeSkipped, eventType, err)
	}
	return nil
}

// Initialize starts the worker pools and, in persistent mode, runs the
// startup catch-up before starting the background poller. Calling it again
// is a no-op.
//
// Persistent mode without a store is downgraded to in-memory mode and
// logged.
func (e *Engine) Initialize(ctx context.Context) error {
	e.life.Lock()
	defer e.life.Unlock()

	switch e.state.Load() {
	case stateRunning:
		return nil
	case stateClosed:
		return ErrEngineClosed
	}

	if e.cfg.Persistent {
		if e.rawStore == nil {
			observability.LogDowngrade(e.logger, "persistent mode requested without a store, using in-memory records")
		} else {
			e.persistent = true
			e.store = store.WithRetry(e.rawStore, e.retryPolicy("dispatch", e.cfg.StoreRetry))
		}
	}

	onPanic := pool.WithPanicHandler(func(name string, err *pool.PanicError) {
		observability.LogTaskPanic(e.logger, name, err)
	})
	e.global = pool.New("global", e.cfg.PoolSize, e.cfg.QueueSize, onPanic)
	e.internal = pool.New("internal", e.cfg.InternalPoolSize, e.cfg.QueueSize, onPanic)
	for _, t := range e.listeners.EventTypes() {
		for _, b := range e.listeners.BindingsFor(t) {
			if b.PoolSize > 0 && e.dedicated[b.Listener] == nil {
				e.dedicated[b.Listener] = pool.New("listener:"+b.Listener, b.PoolSize, e.cfg.QueueSize, onPanic)
			}
		}
	}
	e.state.Store(stateRunning)

	if e.persistent {
		e.poller = poller.New(
			store.WithRetry(e.rawStore, e.retryPolicy("poller", everrors.PollerRetry)),
			poller.DispatchFunc(func(ctx context.Context, rec *record.Record) error {
				_, err := e.Redispatch(ctx, rec)
				return err
			}),
			e.catalog,
			e.cfg.InstanceID,
			e.cfg.Poll,
			poller.WithPrimary(e.cfg.Primary),
			poller.WithLogger(e.logger),
			poller.WithMetrics(e.metrics),
			poller.WithTracing(e.spans),
			poller.WithClock(e.now),
		)
		if _, err := e.poller.CatchUp(ctx, true); err != nil {
			observability.LogStoreError(e.logger, "startup catch-up", "", err)
		}
		if err := e.poller.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}

	if e.logger != nil {
		e.logger.Info("event engine initialized",
			slog.Bool("persistent", e.persistent),
			slog.Bool("primary", e.cfg.Primary),
			slog.Int("event_types", len(e.listeners.EventTypes())),
			slog.Int("registration_errors", len(e.RegistrationErrors())),
		)
	}
	return nil
}

// retryPolicy returns cfg with retries logged under scope.
func (e *Engine) retryPolicy(scope string, cfg everrors.RetryConfig) everrors.RetryConfig {
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		observability.LogStoreRetry(e.logger, scope, attempt, err, wait)
	}
	return cfg
}

// catalog lists every dispatchable event type with its expiry window.
func (e *Engine) catalog() map[string]time.Duration {
	expiry := e.policies.ExpiryMap()
	types := make(map[string]time.Duration)
	for _, t := range e.listeners.EventTypes() {
		if e.skippedErr(t) != nil {
			continue
		}
		types[t] = expiry[t]
	}
	return types
}

// Destroy stops the poller and shuts every pool down. Queued work keeps
// running until it drains or ShutdownGrace passes, whichever is first;
// work still queued after that is abandoned and reported in the error.
// Calling it again is a no-op.
func (e *Engine) Destroy(ctx context.Context) error {
	e.life.Lock()
	defer e.life.Unlock()

	prev := e.state.Swap(stateClosed)
	if prev == stateClosed {
		return nil
	}
	close(e.stopping)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownGrace)
	defer cancel()

	if prev == stateNew {
		return e.policies.Close(ctx)
	}

	var errs []error
	if e.poller != nil {
		if err := e.poller.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop poller: %w", err))
		}
	}
	// scheduling tasks still submit to the invocation pools while draining
	if err := e.internal.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		pools = append([]*pool.Pool{e.global}, e.dedicatedPools()...)
	)
	collect := func(err error) error {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
		return err
	}
	for _, p := range pools {
		g.Go(func() error { return collect(p.Shutdown(ctx)) })
	}
	g.Go(func() error { return collect(e.policies.Close(ctx)) })
	_ = g.Wait()

	if e.logger != nil {
		e.logger.Info("event engine destroyed", slog.Int("shutdown_errors", len(errs)))
	}
	return errors.Join(errs...)
}

func (e *Engine) dedicatedPools() []*pool.Pool {
	pools := make([]*pool.Pool, 0, len(e.dedicated))
	for _, p := range e.dedicated {
		pools = append(pools, p)
	}
	return pools
}

// ready returns an error unless the engine accepts events.
func (e *Engine) ready() error {
	switch e.state.Load() {
	case stateNew:
		return ErrNotInitialized
	case stateClosed:
		return ErrEngineClosed
	}
	return nil
}

// Pending returns the number of in-flight records tracked in memory.
// Always zero in persistent mode.
func (e *Engine) Pending() int {
	return e.pending.len()
}
