package node

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/c360/nodeflow/credentials"
)

// Config is the resolved configuration of one instance. Props and
// Credentials must be treated as read-only.
type Config struct {
	ID          string
	Type        string
	Name        string
	FlowID      string
	Wires       [][]string
	Props       map[string]any
	Credentials credentials.Record
}

// Has reports whether key is set.
func (c Config) Has(key string) bool {
	_, ok := c.Props[key]
	return ok
}

// String returns a string property or def.
func (c Config) String(key, def string) string {
	switch v := c.Props[key].(type) {
	case string:
		return v
	case nil:
		return def
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return def
	}
}

// Bool returns a boolean property or def. The strings "true" and "false"
// are accepted.
func (c Config) Bool(key string, def bool) bool {
	switch v := c.Props[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Float returns a numeric property or def. Numeric strings are accepted;
// empty strings yield def.
func (c Config) Float(key string, def float64) float64 {
	switch v := c.Props[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// Seconds reads a numeric property expressed in seconds.
func (c Config) Seconds(key string, def time.Duration) time.Duration {
	f := c.Float(key, -1)
	if f < 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// Strings returns a list property. A single string is a one element list.
func (c Config) Strings(key string) []string {
	switch v := c.Props[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Credential returns a credential field or "".
func (c Config) Credential(key string) string {
	return c.Credentials[key]
}
