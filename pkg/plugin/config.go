package plugin

import (
	"fmt"
	"maps"
	"strconv"
)

// Config is a plugin's configuration. Values are JSON-compatible.
type Config map[string]any

// Clone returns a deep copy of nested maps and slices.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Config(t).Clone())
	case Config:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Equal reports whether both configs hold the same top-level keys and
// values as rendered by fmt.
func (c Config) Equal(other Config) bool {
	return maps.EqualFunc(c, other, func(a, b any) bool {
		return fmt.Sprint(a) == fmt.Sprint(b)
	})
}

// GetString returns key as a string, or def if missing.
func (c Config) GetString(key, def string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// GetInt returns key as an int, or def if missing or unparseable.
func (c Config) GetInt(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetBool returns key as a bool, or def if missing or unparseable.
func (c Config) GetBool(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
