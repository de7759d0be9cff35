package evengine

import (
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/evengine/pkg/evengine/config"
	everrors "github.com/randalmurphal/evengine/pkg/evengine/errors"
	"github.com/randalmurphal/evengine/pkg/evengine/poller"
	"github.com/randalmurphal/evengine/pkg/evengine/pool"
	"github.com/randalmurphal/evengine/pkg/evengine/store"
)

// InstancePrefix starts every generated instance id.
const InstancePrefix = "INSTANCE_"

// Config configures an Engine.
type Config struct {
	// Listeners restricts registration to listener names matching one of
	// these patterns. "prefix.*" matches by prefix; anything else exactly.
	// Empty admits every listener.
	Listeners []string

	// PoolSize is the number of workers in the global invocation pool.
	// Default: 50
	PoolSize int

	// InternalPoolSize is the number of workers running dispatch
	// scheduling tasks.
	// Default: 50
	InternalPoolSize int

	// QueueSize bounds every pool queue.
	// Default: 10000
	QueueSize int

	// Persistent keeps records in the store. Requires WithStore; without a
	// store the engine falls back to in-memory bookkeeping.
	Persistent bool

	// Primary makes this node run the expiry pass.
	Primary bool

	// InstanceID identifies this node in records and the store lock.
	// Default: "INSTANCE_" + a random UUID
	InstanceID string

	// ShutdownGrace bounds how long Destroy waits for queued work.
	// Default: 10s
	ShutdownGrace time.Duration

	// Poll configures the background catch-up and expiry loop.
	Poll poller.Config

	// StoreRetry retries store calls that fail with a transient error.
	// Default: errors.DefaultRetry
	StoreRetry everrors.RetryConfig

	// LockLease lets a node take over a store lock older than this.
	// Zero keeps the lock until its holder releases it. Applied by
	// StoreOptions.
	LockLease time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:         50,
		InternalPoolSize: 50,
		QueueSize:        pool.DefaultQueueSize,
		ShutdownGrace:    10 * time.Second,
		Poll:             poller.DefaultConfig(),
		StoreRetry:       everrors.DefaultRetry,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.InternalPoolSize <= 0 {
		c.InternalPoolSize = def.InternalPoolSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.StoreRetry.MaxAttempts == 0 {
		c.StoreRetry = def.StoreRetry
	}
	if c.InstanceID == "" {
		c.InstanceID = NewInstanceID()
	}
	return c
}

// StoreOptions returns the store options implied by c.
func (c Config) StoreOptions() []store.Option {
	var opts []store.Option
	if c.LockLease > 0 {
		opts = append(opts, store.WithLockLease(c.LockLease))
	}
	return opts
}

// NewInstanceID returns a fresh node id.
func NewInstanceID() string {
	return InstancePrefix + uuid.NewString()
}

// ConfigFrom reads an engine configuration from cfg, starting from
// DefaultConfig. Recognized keys:
//
//	listeners           list of listener name patterns
//	pool_size           int
//	internal_pool_size  int
//	queue_size          int
//	persistent          bool
//	primary             bool
//	instance_id         string
//	shutdown_grace      duration
//	lock_lease          duration
//	poll.interval       duration
//	poll.phase_delay    duration
//	poll.page_size      int
//	poll.rate           float, re-dispatches per second
//	retry.max_attempts  int
//	retry.initial       duration
//	retry.max           duration
func ConfigFrom(cfg config.Config) Config {
	def := DefaultConfig()
	out := Config{
		Listeners:        cfg.StringSlice("listeners", nil),
		PoolSize:         cfg.Int("pool_size", def.PoolSize),
		InternalPoolSize: cfg.Int("internal_pool_size", def.InternalPoolSize),
		QueueSize:        cfg.Int("queue_size", def.QueueSize),
		Persistent:       cfg.Bool("persistent", false),
		Primary:          cfg.Bool("primary", false),
		InstanceID:       cfg.String("instance_id", ""),
		ShutdownGrace:    cfg.Duration("shutdown_grace", def.ShutdownGrace),
		LockLease:        cfg.Duration("lock_lease", 0),
		Poll: poller.Config{
			Interval:   cfg.Duration("poll.interval", def.Poll.Interval),
			PhaseDelay: cfg.Duration("poll.phase_delay", def.Poll.PhaseDelay),
			PageSize:   cfg.Int("poll.page_size", def.Poll.PageSize),
			Rate:       cfg.Float("poll.rate", 0),
		},
		StoreRetry: def.StoreRetry,
	}
	if cfg.Has("retry") {
		out.StoreRetry = everrors.NewRetryConfig(
			everrors.WithMaxAttempts(cfg.Int("retry.max_attempts", def.StoreRetry.MaxAttempts)),
			everrors.WithInitialBackoff(cfg.Duration("retry.initial", def.StoreRetry.InitialBackoff)),
			everrors.WithMaxBackoff(cfg.Duration("retry.max", def.StoreRetry.MaxBackoff)),
		)
	}
	return out
}

// EnvKeys lists the configuration keys ConfigFrom honours, for use with
// config.Config.WithEnv.
var EnvKeys = []string{
	"listeners", "pool_size", "internal_pool_size", "queue_size",
	"persistent", "primary", "instance_id", "shutdown_grace", "lock_lease",
	"poll.interval", "poll.phase_delay", "poll.page_size", "poll.rate",
}
