package flowstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/c360/nodeflow/errors"
)

// TabType is the type of records that describe flow tabs. Tabs group nodes
// through their "z" property and are never instantiated.
const TabType = "tab"

// reserved keys are kept out of Props
var reserved = []string{"id", "type", "z", "name", "wires", "credentials"}

// ConfiguredNode is one record of a flow document.
type ConfiguredNode struct {
	ID          string
	Type        string
	Z           string
	Name        string
	Wires       [][]string
	Credentials map[string]any
	Props       map[string]any
}

// MarshalJSON flattens Props next to the well known fields.
func (n ConfiguredNode) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Props)+6)
	for k, v := range n.Props {
		out[k] = v
	}
	out["id"] = n.ID
	out["type"] = n.Type
	if n.Z != "" {
		out["z"] = n.Z
	}
	if n.Name != "" {
		out["name"] = n.Name
	}
	if n.Wires != nil {
		out["wires"] = n.Wires
	}
	if n.Credentials != nil {
		out["credentials"] = n.Credentials
	}
	return json.Marshal(out)
}

// UnmarshalJSON collects every unknown key into Props.
func (n *ConfiguredNode) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*n = ConfiguredNode{}
	fields := []struct {
		key string
		dst any
	}{
		{"id", &n.ID},
		{"type", &n.Type},
		{"z", &n.Z},
		{"name", &n.Name},
		{"wires", &n.Wires},
		{"credentials", &n.Credentials},
	}
	for _, f := range fields {
		v, ok := raw[f.key]
		if !ok || bytes.Equal(v, []byte("null")) {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return fmt.Errorf("field %q: %w", f.key, err)
		}
	}

	for k, v := range raw {
		if slices.Contains(reserved, k) {
			continue
		}
		if n.Props == nil {
			n.Props = make(map[string]any)
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		n.Props[k] = val
	}
	return nil
}

// IsTab reports whether the record describes a flow tab.
func (n *ConfiguredNode) IsTab() bool {
	return n.Type == TabType
}

// Label names the node for user facing messages.
func (n *ConfiguredNode) Label() string {
	if n.Name != "" {
		return n.Type + ":" + n.Name
	}
	return n.Type + ":" + n.ID
}

// Clone returns a deep copy of the node.
func (n ConfiguredNode) Clone() ConfiguredNode {
	out := n
	if n.Wires != nil {
		out.Wires = make([][]string, len(n.Wires))
		for i, port := range n.Wires {
			out.Wires[i] = slices.Clone(port)
		}
	}
	out.Credentials = deepCopyMap(n.Credentials)
	out.Props = deepCopyMap(n.Props)
	return out
}

// Fingerprint returns a canonical encoding of the node without credentials.
// Two nodes with equal fingerprints have the same id, type, wiring and
// properties.
func (n ConfiguredNode) Fingerprint() string {
	n.Credentials = nil
	b, err := json.Marshal(n)
	if err != nil {
		return ""
	}
	return string(b)
}

// Flows is a complete flow document.
type Flows []ConfiguredNode

// Clone returns a deep copy of the document.
func (f Flows) Clone() Flows {
	if f == nil {
		return nil
	}
	out := make(Flows, len(f))
	for i := range f {
		out[i] = f[i].Clone()
	}
	return out
}

// ByID indexes the document by node id.
func (f Flows) ByID() map[string]*ConfiguredNode {
	out := make(map[string]*ConfiguredNode, len(f))
	for i := range f {
		out[f[i].ID] = &f[i]
	}
	return out
}

// Validate checks structural rules of the document
func (f Flows) Validate() error {
	ids := make(map[string]bool, len(f))
	for i, n := range f {
		if n.ID == "" {
			return errors.WrapInvalid(
				fmt.Errorf("node at index %d has empty id", i),
				"flowstore", "Validate", "node id validation")
		}
		if n.Type == "" {
			return errors.WrapInvalid(
				fmt.Errorf("node '%s' has empty type", n.ID),
				"flowstore", "Validate", "node type validation")
		}
		if ids[n.ID] {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate node id: %s", n.ID),
				"flowstore", "Validate", "duplicate node id")
		}
		ids[n.ID] = true
	}

	for _, n := range f {
		for port, targets := range n.Wires {
			for _, target := range targets {
				if target == "" {
					return errors.WrapInvalid(
						fmt.Errorf("node '%s' port %d has an empty wire target", n.ID, port),
						"flowstore", "Validate", "wire validation")
				}
			}
		}
	}

	return nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopyValue(vv)
		}
		return out
	default:
		return v
	}
}
