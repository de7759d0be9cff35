/*
Package evengine provides an embeddable event-dispatch engine.

# Overview

An application registers listeners whose callbacks accept a typed event,
then pushes events. The engine routes each event to every callback bound
to its type, in priority order, and runs them on bounded worker pools.

Each invocation is tracked as a record. In persistent mode records live in
a shared store, which gives:
  - Crash recovery: a restarted node re-runs its own unfinished records
  - Fan-out across nodes: distributed event types run on every node
  - Duplicate suppression backed by the store instead of memory

# Basic Usage

	type OrderPlaced struct {
		ID    string `json:"id"`
		Total int    `json:"total"`
	}

	engine := evengine.New(evengine.DefaultConfig())
	engine.RegisterListener(listener.Registration{
		Listener: "billing",
		Callbacks: []listener.CallbackSpec{{
			Callback: listener.Func("charge", func(ctx context.Context, o OrderPlaced) (string, error) {
				return "charged " + o.ID, nil
			}),
			Priority: 10,
		}},
	})
	if err := engine.Initialize(ctx); err != nil {
		log.Fatal(err)
	}
	defer engine.Destroy(context.Background())

	results, err := engine.PushAndAwaitResults(ctx, OrderPlaced{ID: "o-1"})

Push returns as soon as the scheduling task is queued. PushAndAwaitHandles
waits until every invocation has been submitted, and PushAndAwaitResults
waits for all of them to finish.

# Callbacks

Callbacks are built with the listener package:

	listener.Func("name", func(ctx context.Context, e E) (R, error))
	listener.Action("name", func(ctx context.Context, e E) error)
	listener.Method("name", (*Listener).OnEvent)
	listener.ByName("OnEvent")

Method and ByName callbacks need Registration.New. With ThreadSafe set the
instance is shared, otherwise a fresh one is created per invocation.
Callbacks that fail validation are reported by RegisterListener and
skipped; the rest of the listener still registers.

Callbacks of the same event type run from highest to lowest Priority.
DelayNextPriority pauses scheduling before the next strictly lower tier,
and AddResponseEvent pushes a non-nil callback result as a new event.

# Event Type Policies

RegisterEventType attaches a policy.Policy to an event type:

	engine.RegisterEventType(evengine.EventType[OrderPlaced](), policy.Policy{
		Idempotent:  true,
		Distributed: true,
		ExpireAfter: time.Hour,
	})

  - Idempotent drops an event while an equal one is still pending
  - Sequenced runs every invocation of the type on a single worker
  - Distributed shares records with every node; requires ExpireAfter
  - ProcessOnce resolves a distributed record on the first node to finish

An invalid policy is reported and events of that type are refused with
ErrEventTypeSkipped.

# Persistence

	st, err := store.NewSQLiteStore("./events.db")
	cfg := evengine.DefaultConfig()
	cfg.Persistent = true
	engine := evengine.New(cfg, evengine.WithStore(st))

Store backends: store.MemoryStore, store.SQLiteStore, store.PostgresStore.
A store.RedisLocker can replace the store's own lock via store.WithLocker.
Persistent mode without a store falls back to in-memory records.

A background poller re-dispatches records this node may claim while it
holds the store lock, and the primary node expires stale records.

# Observability

	engine := evengine.New(cfg,
		evengine.WithLogger(logger),
		evengine.WithMetrics(nil),
		evengine.WithTracing(nil))

Passing nil to WithMetrics or WithTracing uses the global OTel providers.
Logs carry the node id. Metrics: evengine.dispatches,
evengine.invocations, evengine.invocation.latency_ms, etc. Spans:
evengine.dispatch > evengine.invoke.{callback}.

# Error Handling

Listener failures never surface from Push. They fail the record and
resolve the invocation future with an *InvocationError:

	handles, _ := engine.PushAndAwaitHandles(ctx, event)
	_, err := handles[0].Wait(ctx)
	var invErr *evengine.InvocationError
	if errors.As(err, &invErr) {
		log.Printf("%s.%s failed: %v", invErr.Listener, invErr.Callback, invErr.Err)
	}

Panics are recovered into *pool.PanicError. A full pool yields
ErrSubmitRejected.

# Thread Safety

  - Registration must finish before Initialize
  - Engine IS safe for concurrent use after Initialize
  - Store implementations are safe for concurrent use

# Subpackages

  - listener: Callback binding and the listener registry
  - policy: Event type policies
  - record: Records and their state machine
  - store: Record stores and the advisory lock
  - poller: Catch-up and expiry loop
  - pool: Bounded worker pools and futures
  - config: YAML/JSON configuration with env overrides
  - errors: Error categories and retry
  - observability: Logging, metrics, and tracing helpers
*/
package evengine
