package config

import (
	"maps"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is a read-only view over a decoded YAML or JSON document.
//
// Keys may be dotted paths ("poll.interval") that descend into nested maps.
// A literal key containing dots wins over the nested lookup. Every typed
// accessor falls back to its default when the key is missing or the value
// does not convert.
type Config struct {
	data map[string]any
}

// New wraps data. A nil map gives an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = map[string]any{}
	}
	return Config{data: data}
}

func (c Config) lookup(key string) (any, bool) {
	if v, ok := c.data[key]; ok {
		return v, true
	}
	head, rest, dotted := strings.Cut(key, ".")
	if !dotted {
		return nil, false
	}
	section, ok := asMap(c.data[head])
	if !ok {
		return nil, false
	}
	return Config{data: section}.lookup(rest)
}

// get converts the value under key, or returns def.
func get[T any](c Config, key string, def T, conv func(any) (T, bool)) T {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	if out, ok := conv(v); ok {
		return out
	}
	return def
}

func (c Config) String(key, def string) string { return get(c, key, def, toString) }

// Duration reads a duration. Strings go through time.ParseDuration and
// bare numbers count seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	return get(c, key, def, toDuration)
}

// Bool also accepts "true"/"false", "1"/"0" and "yes"/"no" so environment
// overrides work.
func (c Config) Bool(key string, def bool) bool { return get(c, key, def, toBool) }

// Int rejects floats with a fractional part. Numeric strings are parsed.
func (c Config) Int(key string, def int) int { return get(c, key, def, toInt) }

func (c Config) Float(key string, def float64) float64 { return get(c, key, def, toFloat) }

// StringSlice also splits a comma-separated string, dropping blanks.
func (c Config) StringSlice(key string, def []string) []string {
	return get(c, key, def, toStrings)
}

// DurationMap reads a section of per-name durations, such as expiry windows
// keyed by event type. Entries that do not convert are skipped.
func (c Config) DurationMap(key string) map[string]time.Duration {
	section := c.Sub(key)
	if len(section.data) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(section.data))
	for name, raw := range section.data {
		if d, ok := toDuration(raw); ok {
			out[name] = d
		}
	}
	return out
}

// Sub returns the section under key, or an empty Config.
func (c Config) Sub(key string) Config {
	return New(get(c, key, nil, asMap))
}

// Any returns the raw value under key.
func (c Config) Any(key string, def any) any {
	return get(c, key, def, func(v any) (any, bool) { return v, true })
}

func (c Config) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// WithEnv returns a copy where each key is overridden by the variable
// prefix + KEY, dots becoming underscores: WithEnv("EVENGINE_",
// "poll.interval") reads EVENGINE_POLL_INTERVAL. Overrides land under the
// flat dotted key, so they win over nested sections.
func (c Config) WithEnv(prefix string, keys ...string) Config {
	out := maps.Clone(c.data)
	if out == nil {
		out = map[string]any{}
	}
	for _, key := range keys {
		if v, ok := os.LookupEnv(envName(prefix, key)); ok {
			out[key] = v
		}
	}
	return Config{data: out}
}

func envName(prefix, key string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Raw exposes the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any { return c.data }

// asMap accepts both map[string]any and the map[any]any some decoders emit.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = val
		}
		return out, true
	}
	return nil, false
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func toDuration(v any) (time.Duration, bool) {
	switch x := v.(type) {
	case time.Duration:
		return x, true
	case string:
		d, err := time.ParseDuration(x)
		return d, err == nil
	case int:
		return time.Duration(x) * time.Second, true
	case int64:
		return time.Duration(x) * time.Second, true
	case float64:
		return time.Duration(x * float64(time.Second)), true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(x) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), x == float64(int(x))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toStrings(v any) ([]string, bool) {
	switch x := v.(type) {
	case []string:
		return x, true
	case string:
		var out []string
		for _, part := range strings.Split(x, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, true
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
