package evengine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/evengine/pkg/evengine/listener"
	"github.com/randalmurphal/evengine/pkg/evengine/observability"
	"github.com/randalmurphal/evengine/pkg/evengine/policy"
	"github.com/randalmurphal/evengine/pkg/evengine/pool"
	"github.com/randalmurphal/evengine/pkg/evengine/record"
)

// job is one dispatch waiting for its scheduling task.
type job struct {
	eventType string
	event     any
	payload   []byte
	bindings  []*listener.Binding

	// seed is the persisted record being re-dispatched, if any.
	seed *record.Record
}

// Push dispatches event to every listener callback bound to its type and
// returns without waiting. Scheduling runs on the internal pool.
//
// Errors are only returned when the event cannot be dispatched at all: the
// engine isn't running, event is nil or unencodable, its type was skipped,
// or the internal pool rejected the scheduling task (ErrSubmitRejected).
// An event type without listeners yields an empty Dispatch.
func (e *Engine) Push(ctx context.Context, event any) (*Dispatch, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if listener.IsNil(event) {
		return nil, ErrNilEvent
	}
	eventType := listener.TypeName(event)
	if err := e.skippedErr(eventType); err != nil {
		return nil, err
	}
	bindings := e.listeners.BindingsFor(eventType)
	if len(bindings) == 0 {
		return emptyDispatch(eventType), nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncodeEvent, eventType, err)
	}
	return e.submit(ctx, &job{
		eventType: eventType,
		event:     event,
		payload:   payload,
		bindings:  bindings,
	})
}

// PushAndAwaitResults pushes event and waits for every invocation. Results
// are in dispatch order with nil for void callbacks and failures.
func (e *Engine) PushAndAwaitResults(ctx context.Context, event any) ([]any, error) {
	d, err := e.Push(ctx, event)
	if err != nil {
		return nil, err
	}
	return d.Await(ctx)
}

// PushAndAwaitHandles pushes event and waits only until every invocation
// is scheduled, returning their futures in dispatch order.
func (e *Engine) PushAndAwaitHandles(ctx context.Context, event any) ([]*pool.Future[any], error) {
	d, err := e.Push(ctx, event)
	if err != nil {
		return nil, err
	}
	return d.Handles(ctx)
}

// Redispatch re-runs a persisted record on this node. Only the binding
// named by the record's listener and callback runs, the idempotency check
// is skipped, and the record is stored again under a new id with Locked
// set until the invocation completes.
//
// A record whose listener callback is not registered here returns
// ErrNoBinding and is left untouched. A payload that no longer decodes into
// the registered type marks the record FAILED in the store.
func (e *Engine) Redispatch(ctx context.Context, rec *record.Record) (*Dispatch, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNilEvent
	}
	if err := e.skippedErr(rec.EventType); err != nil {
		return nil, err
	}
	bindings := e.listeners.BindingsFor(rec.EventType)
	if !slices.ContainsFunc(bindings, func(b *listener.Binding) bool {
		return b.Matches(rec.Listener, rec.Callback)
	}) {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoBinding, rec.Listener, rec.Callback)
	}
	event, err := e.listeners.Decode(rec.EventType, rec.Payload)
	if err != nil {
		e.markUndecodable(ctx, rec, err)
		return nil, err
	}
	return e.submit(ctx, &job{
		eventType: rec.EventType,
		event:     event,
		payload:   rec.Payload,
		bindings:  bindings,
		seed:      rec.Clone(),
	})
}

func (e *Engine) markUndecodable(ctx context.Context, rec *record.Record, err error) {
	if !e.persistent {
		return
	}
	failed := rec.Clone()
	now := e.now()
	failed.Status = record.StatusFailed
	failed.Error = err.Error()
	failed.ProcessedTime = &now
	failed.Locked = false
	if serr := e.store.Save(ctx, failed); serr != nil {
		observability.LogStoreError(e.logger, "save", rec.ID, serr)
	}
}

// submit hands j to the internal pool. The scheduling task outlives the
// caller, so it keeps ctx values but not its cancellation.
func (e *Engine) submit(ctx context.Context, j *job) (*Dispatch, error) {
	ctx = context.WithoutCancel(ctx)
	f, err := pool.Go(e.internal, func() ([]*pool.Future[any], error) {
		return e.schedule(ctx, j), nil
	})
	if err != nil {
		e.metrics.RecordRejected(ctx, e.internal.Name())
		return nil, rejected(err)
	}
	return &Dispatch{EventType: j.eventType, sched: f}, nil
}

// schedule is the scheduling task. It walks the bindings in priority order,
// records each invocation and submits it to its pool.
func (e *Engine) schedule(ctx context.Context, j *job) []*pool.Future[any] {
	ctx, span := e.spans.StartDispatchSpan(ctx, j.eventType)
	defer e.spans.EndSpanWithError(span, nil)

	entry, _ := e.policies.Get(j.eventType)
	pol := e.policies.Policy(j.eventType)

	var handles []*pool.Future[any]
	for i, b := range j.bindings {
		if j.seed != nil && !b.Matches(j.seed.Listener, j.seed.Callback) {
			continue
		}

		rec := e.newRecord(j, b, pol)
		if !e.track(ctx, rec, pol, j.seed != nil) {
			// a pending duplicate means the whole event was already dispatched
			e.metrics.RecordDuplicate(ctx, j.eventType)
			observability.LogDuplicate(e.logger, j.eventType, b.Listener)
			e.spans.AddSpanEvent(ctx, "duplicate", attribute.String("listener", b.Listener))
			break
		}

		handles = append(handles, e.launch(ctx, e.poolFor(entry, b), b, j.event, rec, pol))

		if j.seed == nil && b.DelayNextPriority > 0 &&
			i+1 < len(j.bindings) && j.bindings[i+1].Priority < b.Priority {
			e.pause(b.DelayNextPriority)
		}
	}

	if j.seed != nil && len(handles) == 0 {
		observability.LogDispatchSkipped(e.logger, j.eventType,
			fmt.Sprintf("no callback %s.%s for record %s", j.seed.Listener, j.seed.Callback, j.seed.ID))
	}
	e.metrics.RecordDispatch(ctx, j.eventType, len(handles))
	return handles
}

func (e *Engine) newRecord(j *job, b *listener.Binding, pol policy.Policy) *record.Record {
	node := e.cfg.InstanceID
	if j.seed != nil {
		rec := j.seed.Clone()
		rec.ID = record.NewID(rec.EventType, node)
		rec.Locked = true
		return rec
	}
	status := record.StatusPending
	if pol.Distributed {
		status = record.StatusPartial
	}
	return &record.Record{
		ID:           record.NewID(j.eventType, node),
		EventType:    j.eventType,
		Payload:      j.payload,
		Listener:     b.Listener,
		Callback:     b.Callback,
		Status:       status,
		DispatchTime: e.now(),
		Distributed:  pol.Distributed,
		CanExpire:    pol.ExpireAfter > 0,
		Origin:       node,
	}
}

// track records rec before its invocation is submitted. It returns false,
// recording nothing, when rec duplicates an in-flight record of an
// idempotent type.
func (e *Engine) track(ctx context.Context, rec *record.Record, pol policy.Policy, seeded bool) bool {
	if pol.Idempotent && !seeded {
		unlock := e.gates.lock(rec.EventType)
		defer unlock()
		if e.isDuplicate(ctx, rec, pol.ExpireAfter) {
			return false
		}
	}
	if !e.persistent {
		e.pending.add(rec)
		return true
	}
	if err := e.store.Save(ctx, rec); err != nil {
		observability.LogStoreError(e.logger, "save", rec.ID, err)
	}
	return true
}

func (e *Engine) isDuplicate(ctx context.Context, rec *record.Record, window time.Duration) bool {
	if !e.persistent {
		return e.pending.duplicate(rec, window, e.now())
	}
	dup, err := e.store.FindDuplicate(ctx, rec, window)
	if err != nil {
		observability.LogStoreError(e.logger, "find-duplicate", rec.ID, err)
		return false
	}
	return dup
}

// poolFor picks the invocation pool: the sequenced pool of the event type,
// then the listener's dedicated pool, then the global pool.
func (e *Engine) poolFor(entry *policy.Entry, b *listener.Binding) *pool.Pool {
	if entry != nil && entry.Pool != nil {
		return entry.Pool
	}
	if p, ok := e.dedicated[b.Listener]; ok {
		return p
	}
	return e.global
}

// launch submits one invocation. A rejected submission fails the record and
// resolves the future with an *InvocationError wrapping ErrSubmitRejected.
func (e *Engine) launch(ctx context.Context, p *pool.Pool, b *listener.Binding, event any, rec *record.Record, pol policy.Policy) *pool.Future[any] {
	f, err := pool.Go(p, func() (any, error) {
		return e.invoke(ctx, b, event, rec, pol)
	})
	if err == nil {
		return f
	}

	e.metrics.RecordRejected(ctx, p.Name())
	ierr := &InvocationError{RecordID: rec.ID, Listener: b.Listener, Callback: b.Callback, Err: rejected(err)}
	observability.LogInvocationFailed(e.logger, rec.ID, b.Listener, b.Callback, ierr.Err)
	e.complete(ctx, rec, pol, ierr.Err)
	return pool.Resolved[any](nil, ierr)
}

// invoke runs on the invocation pool.
func (e *Engine) invoke(ctx context.Context, b *listener.Binding, event any, rec *record.Record, pol policy.Policy) (any, error) {
	ctx, span := e.spans.StartInvocationSpan(ctx, rec.EventType, b.Listener, b.Callback)
	elapsed := observability.TimedOperation()

	result, err := call(ctx, b, event)

	d := elapsed()
	e.metrics.RecordInvocation(ctx, rec.EventType, b.Listener, d, err)
	e.spans.EndSpanWithError(span, err)
	if err != nil {
		observability.LogInvocationFailed(e.logger, rec.ID, b.Listener, b.Callback, err)
	} else {
		observability.LogInvocationComplete(e.logger, rec.ID, b.Listener, observability.Millis(d))
	}

	if err == nil && b.AddResponseEvent && !listener.IsNil(result) {
		if _, perr := e.Push(ctx, result); perr != nil {
			observability.LogDispatchSkipped(e.logger, listener.TypeName(result), "response event: "+perr.Error())
		}
	}

	e.complete(ctx, rec, pol, err)
	if err != nil {
		return nil, &InvocationError{RecordID: rec.ID, Listener: b.Listener, Callback: b.Callback, Err: err}
	}
	return result, nil
}

// call invokes the binding, turning a panic into a *pool.PanicError so the
// record can still be completed.
func call(ctx context.Context, b *listener.Binding, event any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, &pool.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return b.Invoke(ctx, event)
}

// complete applies the completion transition and stores it. In-memory
// records leave the pending index.
func (e *Engine) complete(ctx context.Context, rec *record.Record, pol policy.Policy, err error) {
	rec.Complete(e.cfg.InstanceID, err, pol.ProcessOnce, e.now())
	if !e.persistent {
		e.pending.remove(rec)
		return
	}
	if serr := e.store.Save(ctx, rec); serr != nil {
		observability.LogStoreError(e.logger, "save", rec.ID, serr)
	}
}

// pause delays the scheduling task between priority tiers. Destroy cuts it
// short.
func (e *Engine) pause(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.stopping:
	}
}
