// Package listener holds listener registrations and the priority-ordered
// bindings from event types to listener callbacks.
package listener

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"
)

// Sentinel errors for listener registration.
var (
	// ErrNoFactory indicates a listener needs an instance but has no factory.
	ErrNoFactory = errors.New("listener factory required")

	// ErrNoName indicates a listener without a name or an instance to derive one from.
	ErrNoName = errors.New("listener name required")

	// ErrTypeConflict indicates two Go types claim the same event type name.
	ErrTypeConflict = errors.New("event type name already bound to another type")

	// ErrFiltered indicates a listener excluded by the registry name filter.
	ErrFiltered = errors.New("listener excluded by name filter")
)

// RegistrationError describes a rejected listener or callback.
type RegistrationError struct {
	Listener string
	Callback string
	Err      error
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	if e.Callback != "" {
		return fmt.Sprintf("register %s.%s: %v", e.Listener, e.Callback, e.Err)
	}
	return fmt.Sprintf("register %s: %v", e.Listener, e.Err)
}

// Unwrap returns the underlying error.
func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Registration declares one listener and its callbacks.
type Registration struct {
	// Listener names the listener. Defaults to the type name of the instance
	// returned by New.
	Listener string

	// New creates listener instances. Required when any callback is bound to
	// the instance (Method, ByName).
	New func() (any, error)

	// ThreadSafe shares one instance across invocations. Otherwise New is
	// called for every invocation.
	ThreadSafe bool

	// PoolSize gives the listener a dedicated pool of this many workers.
	// Zero uses the event type pool or the global pool.
	PoolSize int

	Callbacks []CallbackSpec
}

// CallbackSpec binds a callback with its dispatch options.
type CallbackSpec struct {
	Callback Callback

	// Priority orders callbacks for the same event type, higher first.
	Priority int

	// DelayNextPriority pauses scheduling before the next, strictly lower
	// priority callback.
	DelayNextPriority time.Duration

	// AddResponseEvent pushes a non-nil callback result as a new event.
	AddResponseEvent bool
}

// Binding is one callback bound to one event type.
type Binding struct {
	Listener          string
	Callback          string
	EventType         string
	Priority          int
	ThreadSafe        bool
	PoolSize          int
	AddResponseEvent  bool
	DelayNextPriority time.Duration

	instance any
	factory  func() (any, error)
	inv      *invoker
}

// Matches reports whether b is the given listener callback.
func (b *Binding) Matches(listener, callback string) bool {
	return b.Listener == listener && b.Callback == callback
}

// HasResult reports whether the callback produces a result value.
func (b *Binding) HasResult() bool {
	return b.inv.hasResult
}

// Invoke runs the callback with event. Void callbacks return a nil result.
func (b *Binding) Invoke(ctx context.Context, event any) (any, error) {
	arg, err := coerce(event, b.inv.arg)
	if err != nil {
		return nil, err
	}
	var inst any
	if b.inv.needsInstance {
		inst = b.instance
		if !b.ThreadSafe {
			if inst, err = b.factory(); err != nil {
				return nil, fmt.Errorf("create listener %s: %w", b.Listener, err)
			}
		}
	}
	v, err := b.inv.call(ctx, inst, arg)
	if !b.inv.hasResult {
		v = nil
	}
	return v, err
}

// Registry maps event type names to their bindings.
// Registration happens before dispatch starts; lookups are safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	bindings  map[string][]*Binding
	types     map[string]reflect.Type
	listeners map[string]struct{}
	patterns  []string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNameFilter only admits listeners whose name matches one of patterns
// (see MatchAny). Other listeners are rejected with ErrFiltered.
func WithNameFilter(patterns []string) RegistryOption {
	return func(r *Registry) {
		r.patterns = slices.Clone(patterns)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		bindings:  make(map[string][]*Binding),
		types:     make(map[string]reflect.Type),
		listeners: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a listener. Invalid callbacks are rejected individually and
// the remaining callbacks are still bound. The returned errors are all
// *RegistrationError.
func (r *Registry) Register(reg Registration) []error {
	var sample any
	if reg.New != nil {
		inst, err := reg.New()
		if err != nil {
			return []error{&RegistrationError{Listener: reg.Listener, Err: fmt.Errorf("create instance: %w", err)}}
		}
		sample = inst
	}

	name := reg.Listener
	if name == "" {
		if sample == nil {
			return []error{&RegistrationError{Listener: "?", Err: ErrNoName}}
		}
		name = TypeName(sample)
	}
	if !MatchAny(r.patterns, name) {
		return []error{&RegistrationError{Listener: name, Err: ErrFiltered}}
	}

	var errs []error
	var added []*Binding
	for _, spec := range reg.Callbacks {
		if spec.Callback.resolve == nil {
			errs = append(errs, &RegistrationError{Listener: name, Err: fmt.Errorf("%w: empty callback", ErrInvalidCallback)})
			continue
		}
		inv, err := spec.Callback.resolve(sample)
		if err != nil {
			errs = append(errs, &RegistrationError{Listener: name, Callback: spec.Callback.name, Err: err})
			continue
		}
		if inv.needsInstance && reg.New == nil {
			errs = append(errs, &RegistrationError{Listener: name, Callback: spec.Callback.name, Err: ErrNoFactory})
			continue
		}
		added = append(added, &Binding{
			Listener:          name,
			Callback:          spec.Callback.name,
			EventType:         TypeNameOf(inv.arg),
			Priority:          spec.Priority,
			ThreadSafe:        reg.ThreadSafe,
			PoolSize:          reg.PoolSize,
			AddResponseEvent:  spec.AddResponseEvent,
			DelayNextPriority: spec.DelayNextPriority,
			instance:          sample,
			factory:           reg.New,
			inv:               inv,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	touched := make(map[string]struct{})
	for _, b := range added {
		base := baseType(b.inv.arg)
		if existing, ok := r.types[b.EventType]; ok && existing != base {
			errs = append(errs, &RegistrationError{
				Listener: name,
				Callback: b.Callback,
				Err:      fmt.Errorf("%w: %s is %s, not %s", ErrTypeConflict, b.EventType, existing, base),
			})
			continue
		}
		r.types[b.EventType] = base
		r.bindings[b.EventType] = append(r.bindings[b.EventType], b)
		r.listeners[name] = struct{}{}
		touched[b.EventType] = struct{}{}
	}
	for t := range touched {
		list := r.bindings[t]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority > list[j].Priority
		})
	}
	return errs
}

// BindingsFor returns the bindings for eventType in dispatch order.
// Returns an empty slice (not an error) when nothing is bound.
func (r *Registry) BindingsFor(eventType string) []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.bindings[eventType])
}

// Lookup returns the Go type registered for eventType.
func (r *Registry) Lookup(eventType string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[eventType]
	return t, ok
}

// Decode materializes a persisted payload as the registered Go type.
func (r *Registry) Decode(eventType string, payload []byte) (any, error) {
	t, ok := r.Lookup(eventType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %s", ErrTypeMismatch, eventType)
	}
	return Decode(t, payload)
}

// EventTypes returns every event type with at least one binding, sorted.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.bindings))
	for t := range r.bindings {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Listeners returns the names of registered listeners, sorted.
func (r *Registry) Listeners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.listeners))
	for n := range r.listeners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
