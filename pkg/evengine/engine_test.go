package evengine

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/randalmurphal/evengine/pkg/evengine/config"
	"github.com/randalmurphal/evengine/pkg/evengine/listener"
	"github.com/randalmurphal/evengine/pkg/evengine/policy"
	"github.com/randalmurphal/evengine/pkg/evengine/poller"
	"github.com/randalmurphal/evengine/pkg/evengine/record"
	"github.com/randalmurphal/evengine/pkg/evengine/store"
)

func TestEventType(t *testing.T) {
	assert.Equal(t, "github.com/randalmurphal/evengine/pkg/evengine.orderPlaced", orderType)
	assert.Equal(t, orderType, EventType[*orderPlaced]())
	assert.Equal(t, orderType, listener.TypeName(orderPlaced{}))
}

func TestNew_Defaults(t *testing.T) {
	e := New(Config{})

	cfg := e.Config()
	assert.Equal(t, 50, cfg.PoolSize)
	assert.Equal(t, 50, cfg.InternalPoolSize)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.True(t, strings.HasPrefix(e.InstanceID(), InstancePrefix))
	assert.NotEqual(t, e.InstanceID(), New(Config{}).InstanceID())
}

// TestEngine_Lifecycle tests the errors returned outside the running state.
func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	e := New(testConfig("node-a"), WithLogger(quietLogger()))
	require.Empty(t, e.RegisterListener(single("audit", trackingCallback(newTracker(), "audit"), 0)))

	_, err := e.Push(ctx, orderPlaced{ID: "early"})
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.Initialize(ctx), "second Initialize is a no-op")

	assert.Equal(t, []error{ErrAlreadyInitialized}, e.RegisterListener(single("late", trackingCallback(newTracker(), "late"), 0)))
	assert.ErrorIs(t, e.RegisterEventType(orderType, policy.Policy{}), ErrAlreadyInitialized)

	_, err = e.PushAndAwaitResults(ctx, orderPlaced{ID: "ok"})
	require.NoError(t, err)

	require.NoError(t, e.Destroy(ctx))
	require.NoError(t, e.Destroy(ctx), "second Destroy is a no-op")

	_, err = e.Push(ctx, orderPlaced{ID: "late"})
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.Initialize(ctx), ErrEngineClosed)
}

// TestEngine_DestroyBeforeInitialize tests that an engine that never ran
// still releases sequenced pools.
func TestEngine_DestroyBeforeInitialize(t *testing.T) {
	e := New(testConfig("node-a"), WithLogger(quietLogger()))
	require.NoError(t, e.RegisterEventType(orderType, policy.Policy{Sequenced: true}))

	require.NoError(t, e.Destroy(context.Background()))
	for _, p := range e.Policies().Pools() {
		select {
		case <-p.Done():
		case <-time.After(time.Second):
			t.Fatalf("pool %s still running", p.Name())
		}
	}
}

// TestEngine_DestroyDrainsQueuedWork tests that queued invocations finish
// before Destroy returns.
func TestEngine_DestroyDrainsQueuedWork(t *testing.T) {
	cfg := testConfig("node-a")
	cfg.PoolSize = 1
	var done atomic.Int32
	e := New(cfg, WithLogger(quietLogger()))
	require.Empty(t, e.RegisterListener(single("slow", listener.Action("work", func(context.Context, orderPlaced) error {
		time.Sleep(10 * time.Millisecond)
		done.Add(1)
		return nil
	}), 0)))
	ctx := awaitCtx(t)
	require.NoError(t, e.Initialize(ctx))

	for range 5 {
		_, err := e.PushAndAwaitHandles(ctx, orderPlaced{ID: "d"})
		require.NoError(t, err)
	}
	require.NoError(t, e.Destroy(ctx))
	assert.Equal(t, int32(5), done.Load())
}

// TestEngine_DestroyGraceExceeded tests that Destroy gives up on work
// running past ShutdownGrace.
func TestEngine_DestroyGraceExceeded(t *testing.T) {
	cfg := testConfig("node-a")
	cfg.ShutdownGrace = 50 * time.Millisecond
	release := make(chan struct{})
	defer close(release)

	e := New(cfg, WithLogger(quietLogger()))
	require.Empty(t, e.RegisterListener(single("stuck", listener.Action("hold", func(context.Context, orderPlaced) error {
		<-release
		return nil
	}), 0)))
	ctx := awaitCtx(t)
	require.NoError(t, e.Initialize(ctx))
	_, err := e.PushAndAwaitHandles(ctx, orderPlaced{ID: "stuck"})
	require.NoError(t, err)

	err = e.Destroy(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestEngine_PersistentWithoutStore tests the downgrade to in-memory mode.
func TestEngine_PersistentWithoutStore(t *testing.T) {
	tr := newTracker()
	e := newEngine(t, persistentConfig("node-a"), func(e *Engine) {
		require.Empty(t, e.RegisterListener(single("audit", trackingCallback(tr, "audit"), 0)))
	})

	assert.False(t, e.Persistent())
	assert.Nil(t, e.Store())
	assert.Nil(t, e.Poller())

	results, err := e.PushAndAwaitResults(awaitCtx(t), orderPlaced{ID: "mem"})
	require.NoError(t, err)
	assert.Equal(t, []any{"audit:mem"}, results)
}

// TestEngine_RegistrationErrors tests that bad registrations are collected
// and the rest still registers.
func TestEngine_RegistrationErrors(t *testing.T) {
	cfg := testConfig("node-a")
	cfg.Listeners = []string{"orders.*"}
	e := New(cfg, WithLogger(quietLogger()))

	errs := e.RegisterListener(listener.Registration{
		Listener: "orders.audit",
		Callbacks: []listener.CallbackSpec{
			{Callback: trackingCallback(newTracker(), "good")},
			{Callback: listener.Reflect("bad", func(a, b, c int) {})},
		},
	})
	require.Len(t, errs, 1)
	var rerr *listener.RegistrationError
	require.ErrorAs(t, errs[0], &rerr)
	assert.Equal(t, "bad", rerr.Callback)

	filtered := e.RegisterListener(single("billing.audit", trackingCallback(newTracker(), "billing"), 0))
	require.Len(t, filtered, 1)
	assert.ErrorIs(t, filtered[0], listener.ErrFiltered)

	assert.Error(t, e.RegisterEventType("", policy.Policy{}))
	assert.Len(t, e.RegistrationErrors(), 3)
	assert.Equal(t, []string{"orders.audit"}, e.Listeners().Listeners())
	assert.Len(t, e.Listeners().BindingsFor(orderType), 1)
}

// TestEngine_DedicatedListenerPool tests that a listener with PoolSize gets
// its own pool.
func TestEngine_DedicatedListenerPool(t *testing.T) {
	e := newEngine(t, testConfig("node-a"), func(e *Engine) {
		reg := single("heavy", trackingCallback(newTracker(), "heavy"), 0)
		reg.PoolSize = 2
		require.Empty(t, e.RegisterListener(reg))
		require.Empty(t, e.RegisterListener(single("light", trackingCallback(newTracker(), "light"), 0)))
	})

	p, ok := e.dedicated["heavy"]
	require.True(t, ok)
	assert.Equal(t, "listener:heavy", p.Name())
	assert.Equal(t, 2, p.Size())
	assert.NotContains(t, e.dedicated, "light")

	results, err := e.PushAndAwaitResults(awaitCtx(t), orderPlaced{ID: "p"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

// TestEngine_StartupCatchUp tests that a restarted node re-dispatches its
// own unfinished records.
func TestEngine_StartupCatchUp(t *testing.T) {
	st := memoryStore(t)
	ctx := awaitCtx(t)

	payload, err := json.Marshal(orderPlaced{ID: "left-over"})
	require.NoError(t, err)
	require.NoError(t, st.Save(ctx, &record.Record{
		ID:           "old-1",
		EventType:    orderType,
		Payload:      payload,
		Listener:     "audit",
		Callback:     "audit",
		Status:       record.StatusPending,
		DispatchTime: time.Now().Add(-time.Minute),
		Origin:       "node-a",
	}))
	// another node's local record is never claimed
	require.NoError(t, st.Save(ctx, &record.Record{
		ID:           "foreign-1",
		EventType:    orderType,
		Payload:      payload,
		Listener:     "audit",
		Callback:     "audit",
		Status:       record.StatusPending,
		DispatchTime: time.Now().Add(-time.Minute),
		Origin:       "node-z",
	}))

	tr := newTracker()
	newEngine(t, persistentConfig("node-a"), func(e *Engine) {
		require.Empty(t, e.RegisterListener(single("audit", trackingCallback(tr, "audit"), 0)))
	}, WithStore(st))

	require.Eventually(t, func() bool {
		recs, err := st.Find(ctx, &store.Filter{EventType: orderType, Status: record.StatusSuccess})
		return err == nil && len(recs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"audit"}, tr.snapshot())
	_, err = st.Get(ctx, "old-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	foreign, err := st.Get(ctx, "foreign-1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, foreign.Status)
}

// TestEngine_CatchUpLeavesUnboundRecords tests that a node without the
// record's listener leaves distributed records for the nodes that have it.
func TestEngine_CatchUpLeavesUnboundRecords(t *testing.T) {
	st := memoryStore(t)
	ctx := awaitCtx(t)

	payload, err := json.Marshal(orderPlaced{ID: "for-mail"})
	require.NoError(t, err)
	require.NoError(t, st.Save(ctx, &record.Record{
		ID:           "mail-1",
		EventType:    orderType,
		Payload:      payload,
		Listener:     "mail",
		Callback:     "mail",
		Status:       record.StatusPartial,
		DispatchTime: time.Now().Add(-time.Second),
		Distributed:  true,
		CanExpire:    true,
		Origin:       "node-x",
		Instances:    []string{"node-x"},
	}))

	tr := newTracker()
	e := newEngine(t, persistentConfig("node-b"), func(e *Engine) {
		require.NoError(t, e.RegisterEventType(orderType, policy.Policy{Distributed: true, ExpireAfter: time.Hour}))
		require.Empty(t, e.RegisterListener(single("audit", trackingCallback(tr, "audit"), 0)))
	}, WithStore(st))

	// startup pass plus a few periodic cycles
	time.Sleep(100 * time.Millisecond)

	rec, err := st.Get(ctx, "mail-1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusPartial, rec.Status)
	assert.Equal(t, []string{"node-x"}, rec.Instances)
	assert.Empty(t, tr.snapshot())

	_, err = e.Redispatch(ctx, rec)
	assert.ErrorIs(t, err, ErrNoBinding)
	assert.ErrorIs(t, err, poller.ErrNotClaimed)
}

// TestEngine_DistributedAcrossNodes tests that a distributed event runs on
// every node sharing the store.
func TestEngine_DistributedAcrossNodes(t *testing.T) {
	st := memoryStore(t)
	pol := policy.Policy{Distributed: true, ExpireAfter: time.Hour}

	var onA, onB atomic.Int32
	counting := func(n *atomic.Int32) func(e *Engine) {
		return func(e *Engine) {
			require.NoError(t, e.RegisterEventType(orderType, pol))
			require.Empty(t, e.RegisterListener(single("audit", listener.Action("audit", func(context.Context, orderPlaced) error {
				n.Add(1)
				return nil
			}), 0)))
		}
	}
	a := newEngine(t, persistentConfig("node-a"), counting(&onA), WithStore(st))
	newEngine(t, persistentConfig("node-b"), counting(&onB), WithStore(st))

	ctx := awaitCtx(t)
	_, err := a.PushAndAwaitResults(ctx, orderPlaced{ID: "shared"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), onA.Load())

	require.Eventually(t, func() bool {
		recs, err := st.Find(ctx, &store.Filter{EventType: orderType})
		if err != nil || len(recs) != 1 {
			return false
		}
		r := recs[0]
		return !r.Locked && len(r.Instances) == 2
	}, 5*time.Second, 10*time.Millisecond)

	recs, err := st.Find(ctx, &store.Filter{EventType: orderType})
	require.NoError(t, err)
	rec := recs[0]
	assert.Equal(t, record.StatusPartial, rec.Status)
	assert.Equal(t, "node-a", rec.Origin)
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, rec.Instances)
	assert.Equal(t, int32(1), onB.Load())
	assert.Equal(t, int32(1), onA.Load(), "origin never re-runs its own record")
}

// TestEngine_DistributedProcessOnce tests that a process-once record
// resolves on the first node.
func TestEngine_DistributedProcessOnce(t *testing.T) {
	st := memoryStore(t)
	var runs atomic.Int32
	a := newEngine(t, persistentConfig("node-a"), func(e *Engine) {
		require.NoError(t, e.RegisterEventType(orderType, policy.Policy{Distributed: true, ProcessOnce: true, ExpireAfter: time.Hour}))
		require.Empty(t, e.RegisterListener(single("audit", listener.Action("audit", func(context.Context, orderPlaced) error {
			runs.Add(1)
			return nil
		}), 0)))
	}, WithStore(st))

	ctx := awaitCtx(t)
	_, err := a.PushAndAwaitResults(ctx, orderPlaced{ID: "once"})
	require.NoError(t, err)

	recs, err := st.Find(ctx, &store.Filter{EventType: orderType})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, record.StatusSuccess, recs[0].Status)
	assert.True(t, recs[0].Distributed)
	assert.True(t, recs[0].CanExpire)

	n, err := st.Count(ctx, record.Query{EventType: orderType, Distributed: true, NodeID: "node-b", Since: time.Now(), ExpireAfter: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestEngine_PrimaryExpiresStale tests that only the primary node runs the
// expiry pass.
func TestEngine_PrimaryExpiresStale(t *testing.T) {
	st := memoryStore(t)
	ctx := awaitCtx(t)
	require.NoError(t, st.Save(ctx, &record.Record{
		ID:           "stale-1",
		EventType:    orderType,
		Payload:      []byte(`{"id":"stale"}`),
		Listener:     "audit",
		Callback:     "audit",
		Status:       record.StatusPartial,
		DispatchTime: time.Now().Add(-time.Hour),
		Distributed:  true,
		CanExpire:    true,
		Origin:       "node-z",
		Instances:    []string{"node-z"},
	}))

	setup := func(e *Engine) {
		require.NoError(t, e.RegisterEventType(orderType, policy.Policy{Distributed: true, ExpireAfter: time.Minute}))
		require.Empty(t, e.RegisterListener(single("audit", trackingCallback(newTracker(), "audit"), 0)))
	}

	replica := newEngine(t, persistentConfig("node-b"), setup, WithStore(st))
	n, err := replica.Poller().ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	cfg := persistentConfig("node-a")
	cfg.Primary = true
	newEngine(t, cfg, setup, WithStore(st))

	require.Eventually(t, func() bool {
		rec, err := st.Get(ctx, "stale-1")
		return err == nil && rec.Status == record.StatusExpired
	}, 5*time.Second, 10*time.Millisecond)
}

// TestEngine_Tracing tests that dispatch and invocation spans are emitted.
func TestEngine_Tracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	}()

	e := newEngine(t, testConfig("node-a"), func(e *Engine) {
		require.Empty(t, e.RegisterListener(single("audit", trackingCallback(newTracker(), "audit"), 0)))
	}, WithTracing(nil))

	_, err := e.PushAndAwaitResults(awaitCtx(t), orderPlaced{ID: "traced"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(exporter.GetSpans()) == 2 }, time.Second, 5*time.Millisecond)
	names := make([]string, 0, 2)
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"evengine.dispatch", "evengine.invoke.audit"}, names)
}

func TestConfigFrom(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
listeners: ["orders.*", "billing.audit"]
pool_size: 8
persistent: true
primary: true
instance_id: node-7
shutdown_grace: 3s
lock_lease: 30s
poll:
  interval: 500ms
  page_size: 25
  rate: 12.5
retry:
  max_attempts: 5
  initial: 10ms
`))
	require.NoError(t, err)

	c := ConfigFrom(cfg)
	assert.Equal(t, []string{"orders.*", "billing.audit"}, c.Listeners)
	assert.Equal(t, 8, c.PoolSize)
	assert.Equal(t, 50, c.InternalPoolSize)
	assert.True(t, c.Persistent)
	assert.True(t, c.Primary)
	assert.Equal(t, "node-7", c.InstanceID)
	assert.Equal(t, 3*time.Second, c.ShutdownGrace)
	assert.Equal(t, 30*time.Second, c.LockLease)
	assert.Equal(t, 500*time.Millisecond, c.Poll.Interval)
	assert.Equal(t, 2*time.Second, c.Poll.PhaseDelay)
	assert.Equal(t, 25, c.Poll.PageSize)
	assert.InDelta(t, 12.5, c.Poll.Rate, 0.001)
	assert.Equal(t, 5, c.StoreRetry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, c.StoreRetry.InitialBackoff)
	assert.Len(t, c.StoreOptions(), 1)
}

func TestConfigFrom_Env(t *testing.T) {
	t.Setenv("EVENGINE_POOL_SIZE", "3")
	t.Setenv("EVENGINE_POLL_INTERVAL", "1s")

	c := ConfigFrom(config.New(nil).WithEnv("EVENGINE_", EnvKeys...))
	assert.Equal(t, 3, c.PoolSize)
	assert.Equal(t, time.Second, c.Poll.Interval)
	assert.Equal(t, DefaultConfig().StoreRetry, c.StoreRetry)
	assert.Empty(t, c.StoreOptions())
}
