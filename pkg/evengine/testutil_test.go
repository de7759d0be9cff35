package evengine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/evengine/pkg/evengine/listener"
	"github.com/randalmurphal/evengine/pkg/evengine/poller"
	"github.com/randalmurphal/evengine/pkg/evengine/store"
)

// Test event types used across tests

// orderPlaced is the main test event.
type orderPlaced struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

// orderAudited is produced by response-event callbacks.
type orderAudited struct {
	OrderID string `json:"order_id"`
}

// unencodable can't be marshalled to JSON.
type unencodable struct {
	Ch chan int
}

var orderType = EventType[orderPlaced]()

// quietLogger discards all output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a small in-memory configuration for node.
func testConfig(node string) Config {
	return Config{
		InstanceID:       node,
		PoolSize:         4,
		InternalPoolSize: 4,
		QueueSize:        64,
		ShutdownGrace:    2 * time.Second,
	}
}

// persistentConfig returns a persistent configuration with a fast poll loop.
func persistentConfig(node string) Config {
	cfg := testConfig(node)
	cfg.Persistent = true
	cfg.Poll = poller.Config{
		Interval:   20 * time.Millisecond,
		PhaseDelay: 10 * time.Millisecond,
		PageSize:   10,
	}
	return cfg
}

// newEngine creates an engine, lets setup register listeners and policies,
// then initializes it. The engine is destroyed when the test ends.
func newEngine(t *testing.T, cfg Config, setup func(e *Engine), opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	e := New(cfg, opts...)
	if setup != nil {
		setup(e)
	}
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() {
		_ = e.Destroy(context.Background())
	})
	return e
}

// tracker records callback invocations in order.
type tracker struct {
	mu    sync.Mutex
	calls []string
	times map[string]time.Time
}

func newTracker() *tracker {
	return &tracker{times: make(map[string]time.Time)}
}

func (tr *tracker) record(name string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls = append(tr.calls, name)
	tr.times[name] = time.Now()
}

func (tr *tracker) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.calls...)
}

func (tr *tracker) at(name string) time.Time {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.times[name]
}

// trackingCallback returns a callback that records name and echoes it.
func trackingCallback(tr *tracker, name string) listener.Callback {
	return listener.Func(name, func(_ context.Context, e orderPlaced) (string, error) {
		tr.record(name)
		return name + ":" + e.ID, nil
	})
}

// single registers one listener with one callback.
func single(name string, cb listener.Callback, priority int) listener.Registration {
	return listener.Registration{
		Listener:  name,
		Callbacks: []listener.CallbackSpec{{Callback: cb, Priority: priority}},
	}
}

// memoryStore returns a fresh in-memory store closed at test end.
func memoryStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// awaitCtx bounds waits in tests.
func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
