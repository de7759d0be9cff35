/*
Package config provides type-safe configuration extraction from map[string]any.

Config wraps a decoded YAML or JSON document and exposes typed accessors
that fall back to a default when a key is missing or has the wrong type.
Dotted keys descend into nested sections:

	cfg, err := config.Load("evengine.yaml")
	if err != nil {
		return err
	}
	interval := cfg.Duration("poll.interval", 2*time.Second)
	workers := cfg.Int("pool_size", 50)

Environment variables can override selected keys:

	cfg = cfg.WithEnv("EVENGINE_", "pool_size", "poll.interval")

Duration accepts strings ("30s", "1h30m"), numbers in seconds, or a
time.Duration. Int accepts floats only without a fractional part.

Config is safe for concurrent reads. The underlying map is never modified.
*/
package config
