// Package registry holds node type metadata and the behavior bound to each
// node type name.
//
// Metadata is grouped in node sets (Descriptor): a set is identified by
// "module/name", belongs to one module and provides one or more node types.
// Sets keep insertion order. Enabling, disabling and removing operate on
// sets; a set whose types have live instances in the active flow cannot be
// disabled or removed.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/nodeflow/credentials"
	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/node"
)

// Descriptor is the metadata of a node set.
type Descriptor struct {
	ID           string
	Module       string
	Name         string
	Version      string
	Types        []string
	MessageTypes []string
	Enabled      bool
	Loaded       bool
	Err          error
}

// SetID builds the id of the node set name of module.
func SetID(module, name string) string {
	return module + "/" + name
}

func (d Descriptor) clone() Descriptor {
	d.Types = slices.Clone(d.Types)
	d.MessageTypes = slices.Clone(d.MessageTypes)
	return d
}

// MarshalJSON renders the node list summary.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	type summary struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Module       string   `json:"module"`
		Version      string   `json:"version,omitempty"`
		Types        []string `json:"types"`
		MessageTypes []string `json:"messageTypes,omitempty"`
		Enabled      bool     `json:"enabled"`
		Loaded       bool     `json:"loaded"`
		Err          string   `json:"err,omitempty"`
	}
	s := summary{
		ID:           d.ID,
		Name:         d.Name,
		Module:       d.Module,
		Version:      d.Version,
		Types:        d.Types,
		MessageTypes: d.MessageTypes,
		Enabled:      d.Enabled,
		Loaded:       d.Loaded,
	}
	if s.Types == nil {
		s.Types = []string{}
	}
	if d.Err != nil {
		s.Err = d.Err.Error()
	}
	return json.Marshal(s)
}

// UsageChecker reports whether a node type has live instances.
type UsageChecker interface {
	TypeInUse(nodeType string) bool
}

// StateStore persists the enabled flag of node sets.
type StateStore interface {
	LoadNodeState(ctx context.Context) (map[string]bool, error)
	SaveNodeState(ctx context.Context, state map[string]bool) error
}

type binding struct {
	setID string
	def   node.Definition
}

// Registry manages node sets and type bindings.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sets     map[string]*Descriptor
	order    []string
	bindings map[string]binding
	owners   map[string]string // node type -> set id, from metadata

	usage  UsageChecker
	state  StateStore
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStateStore persists enabled state through store.
func WithStateStore(store StateStore) Option {
	return func(r *Registry) { r.state = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sets:     make(map[string]*Descriptor),
		bindings: make(map[string]binding),
		owners:   make(map[string]string),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// SetUsageChecker installs the collaborator consulted before disabling or
// removing node sets, normally the flow manager.
func (r *Registry) SetUsageChecker(u UsageChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = u
}

// PersistedState returns the persisted enabled flags, or an empty map when
// no state store is configured or it fails.
func (r *Registry) PersistedState(ctx context.Context) map[string]bool {
	if r.state == nil {
		return map[string]bool{}
	}
	state, err := r.state.LoadNodeState(ctx)
	if err != nil {
		r.logger.Warn("Failed to load node state", "error", err)
		return map[string]bool{}
	}
	return state
}

// AddTypeSet registers set metadata. Adding a set whose id is already known
// is a no-op.
func (r *Registry) AddTypeSet(d Descriptor) error {
	if d.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "AddTypeSet", "set id validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sets[d.ID]; exists {
		return nil
	}

	stored := d.clone()
	r.sets[d.ID] = &stored
	r.order = append(r.order, d.ID)
	for _, t := range stored.Types {
		if _, owned := r.owners[t]; !owned {
			r.owners[t] = d.ID
		}
	}
	return nil
}

// RegisterType binds def to def.Type on behalf of the set setID. Binding a
// type name that already has a behavior fails with DuplicateTypeError.
func (r *Registry) RegisterType(setID string, def node.Definition) error {
	if def.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterType", "type name validation")
	}
	if def.Factory == nil {
		return errors.WrapInvalid(
			fmt.Errorf("type %q has no factory", def.Type), "Registry", "RegisterType", "factory validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bindings[def.Type]; ok {
		return &errors.DuplicateTypeError{Type: def.Type, Existing: existing.setID}
	}

	r.bindings[def.Type] = binding{setID: setID, def: def}
	if _, owned := r.owners[def.Type]; !owned {
		r.owners[def.Type] = setID
	}
	if d, ok := r.sets[setID]; ok && !slices.Contains(d.Types, def.Type) {
		d.Types = append(d.Types, def.Type)
	}
	return nil
}

// SetLoadResult records the outcome of loading a set.
func (r *Registry) SetLoadResult(setID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.sets[setID]; ok {
		d.Loaded = err == nil
		d.Err = err
	}
}

// Resolve returns the definition bound to nodeType, or UnknownTypeError or
// DisabledTypeError when it cannot be instantiated.
func (r *Registry) Resolve(nodeType string) (node.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[nodeType]
	if !ok {
		if setID, owned := r.owners[nodeType]; owned {
			if d := r.sets[setID]; d != nil && d.Err != nil {
				return node.Definition{}, &errors.DisabledTypeError{Type: nodeType, SetID: setID, Cause: d.Err}
			}
		}
		return node.Definition{}, &errors.UnknownTypeError{Type: nodeType}
	}
	if d, ok := r.sets[b.setID]; ok {
		if d.Err != nil {
			return node.Definition{}, &errors.DisabledTypeError{Type: nodeType, SetID: d.ID, Cause: d.Err}
		}
		if !d.Enabled {
			return node.Definition{}, &errors.DisabledTypeError{Type: nodeType, SetID: d.ID}
		}
	}
	return b.def, nil
}

// GetType returns the definition bound to nodeType. It returns false when
// the type is unknown, disabled or in error: the type cannot be instantiated.
func (r *Registry) GetType(nodeType string) (node.Definition, bool) {
	def, err := r.Resolve(nodeType)
	return def, err == nil
}

// CredentialSchema returns the credential schema of nodeType. It is usable
// as a credentials.SchemaLookup.
func (r *Registry) CredentialSchema(nodeType string) (credentials.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[nodeType]
	if !ok || b.def.Credentials == nil {
		return nil, false
	}
	return b.def.Credentials, true
}

// Get returns a copy of the set with id.
func (r *Registry) Get(setID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.sets[setID]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// NodeList returns copies of every set accepted by filter, in insertion
// order. A nil filter accepts all sets.
func (r *Registry) NodeList(filter func(Descriptor) bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		d := r.sets[id].clone()
		if filter == nil || filter(d) {
			out = append(out, d)
		}
	}
	return out
}

// lookupSet resolves a set id or a node type name to its set. Caller holds mu.
func (r *Registry) lookupSet(idOrType string) (*Descriptor, error) {
	if d, ok := r.sets[idOrType]; ok {
		return d, nil
	}
	if setID, ok := r.owners[idOrType]; ok {
		if d, ok := r.sets[setID]; ok {
			return d, nil
		}
	}
	return nil, &errors.UnknownTypeError{Type: idOrType}
}

// typesInUse returns the types of d with live instances. Caller holds mu.
func (r *Registry) typesInUse(d *Descriptor) []string {
	if r.usage == nil {
		return nil
	}
	var used []string
	for _, t := range d.Types {
		if r.usage.TypeInUse(t) {
			used = append(used, t)
		}
	}
	return used
}

// Enable enables the set identified by a set id or one of its type names.
func (r *Registry) Enable(ctx context.Context, idOrType string) (Descriptor, error) {
	return r.setEnabled(ctx, idOrType, true)
}

// Disable disables the set identified by a set id or one of its type names.
// It fails with TypeInUseError while any of the set's types has live
// instances, leaving the set enabled.
func (r *Registry) Disable(ctx context.Context, idOrType string) (Descriptor, error) {
	return r.setEnabled(ctx, idOrType, false)
}

func (r *Registry) setEnabled(ctx context.Context, idOrType string, enabled bool) (Descriptor, error) {
	r.mu.Lock()
	d, err := r.lookupSet(idOrType)
	if err != nil {
		r.mu.Unlock()
		return Descriptor{}, err
	}
	if d.Enabled == enabled {
		out := d.clone()
		r.mu.Unlock()
		return out, nil
	}
	if !enabled {
		if used := r.typesInUse(d); len(used) > 0 {
			r.mu.Unlock()
			return Descriptor{}, &errors.TypeInUseError{SetID: d.ID, Types: used}
		}
	}
	d.Enabled = enabled
	state := r.stateSnapshot()
	out := d.clone()
	r.mu.Unlock()

	if err := r.saveState(ctx, state); err != nil {
		r.mu.Lock()
		if cur, ok := r.sets[out.ID]; ok {
			cur.Enabled = !enabled
		}
		r.mu.Unlock()
		return Descriptor{}, errors.Wrap(err, "Registry", "setEnabled", "persist node state")
	}

	r.logger.Info("Node set state changed", "set", out.ID, "enabled", enabled)
	return out, nil
}

// RemoveModule removes every set of module and unbinds their types. It fails
// with TypeInUseError if any of those types has live instances.
func (r *Registry) RemoveModule(ctx context.Context, module string) ([]Descriptor, error) {
	r.mu.Lock()

	var targets []*Descriptor
	for _, id := range r.order {
		if d := r.sets[id]; d.Module == module {
			targets = append(targets, d)
		}
	}
	if len(targets) == 0 {
		r.mu.Unlock()
		return nil, errors.WrapInvalid(
			fmt.Errorf("module %q not found", module), "Registry", "RemoveModule", "module lookup")
	}
	for _, d := range targets {
		if used := r.typesInUse(d); len(used) > 0 {
			r.mu.Unlock()
			return nil, &errors.TypeInUseError{SetID: d.ID, Types: used}
		}
	}

	removed := make([]Descriptor, 0, len(targets))
	for _, d := range targets {
		for _, t := range d.Types {
			if b, ok := r.bindings[t]; ok && b.setID == d.ID {
				delete(r.bindings, t)
			}
			if r.owners[t] == d.ID {
				delete(r.owners, t)
			}
		}
		delete(r.sets, d.ID)
		removed = append(removed, d.clone())
	}
	r.order = slices.DeleteFunc(r.order, func(id string) bool {
		_, ok := r.sets[id]
		return !ok
	})
	state := r.stateSnapshot()
	r.mu.Unlock()

	if err := r.saveState(ctx, state); err != nil {
		r.logger.Warn("Failed to persist node state after module removal", "module", module, "error", err)
	}
	r.logger.Info("Removed module", "module", module, "sets", len(removed))
	return removed, nil
}

// stateSnapshot returns the enabled flag of every set. Caller holds mu.
func (r *Registry) stateSnapshot() map[string]bool {
	state := make(map[string]bool, len(r.sets))
	for id, d := range r.sets {
		state[id] = d.Enabled
	}
	return state
}

func (r *Registry) saveState(ctx context.Context, state map[string]bool) error {
	if r.state == nil {
		return nil
	}
	return r.state.SaveNodeState(ctx, state)
}
