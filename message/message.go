// Package message defines the value that travels along wires between node
// instances.
//
// A Message is a JSON-shaped map. Every message carries a "_msgid" assigned
// when it is first created; clones keep the id so that a message can be
// followed across branches.
package message

import (
	"encoding/json"
	"maps"

	"github.com/google/uuid"
)

// Reserved keys
const (
	KeyID      = "_msgid"
	KeyPayload = "payload"
	KeyTopic   = "topic"
	KeyError   = "error"
)

// Message is the unit of data exchanged between nodes.
type Message map[string]any

// New creates an empty message with a fresh id.
func New() Message {
	return Message{KeyID: NewID()}
}

// WithPayload creates a message carrying payload.
func WithPayload(payload any) Message {
	m := New()
	m[KeyPayload] = payload
	return m
}

// NewID returns a new message id.
func NewID() string {
	return uuid.NewString()
}

// ID returns the message id or "" when unset.
func (m Message) ID() string {
	id, _ := m[KeyID].(string)
	return id
}

// EnsureID assigns an id to m if it has none and returns m.
func (m Message) EnsureID() Message {
	if m.ID() == "" {
		m[KeyID] = NewID()
	}
	return m
}

// Payload returns the payload property.
func (m Message) Payload() any {
	return m[KeyPayload]
}

// Topic returns the topic property or "".
func (m Message) Topic() string {
	t, _ := m[KeyTopic].(string)
	return t
}

// Clone returns a deep copy of m. Maps, slices and byte slices are copied,
// other values are shared.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Message:
		return t.Clone()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

// Get returns the value at a dotted property path such as "payload.temp".
func (m Message) Get(path string) (any, bool) {
	var cur any = map[string]any(m)
	for _, part := range splitPath(path) {
		obj, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set stores value at a dotted property path, creating intermediate objects.
func (m Message) Set(path string, value any) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}
	obj := map[string]any(m)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(obj[part])
		if !ok {
			next = map[string]any{}
			obj[part] = next
		}
		obj = next
	}
	obj[parts[len(parts)-1]] = value
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Message:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		parts = append(parts, path[start:])
	}
	return parts
}
