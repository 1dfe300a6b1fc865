// Package loader translates the statically linked node modules of the host
// application into registry entries.
package loader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/node"
	"github.com/c360/nodeflow/registry"
)

// NodeSet is a named group of node types shipped together.
type NodeSet struct {
	Name         string
	Definitions  []node.Definition
	MessageTypes []string
	// Register is an optional one-time hook run before the definitions are
	// bound. A failing hook puts the whole set in error.
	Register func(ctx context.Context, reg *registry.Registry, setID string) error
}

// Module is a unit of node sets, e.g. the built-in nodes.
type Module struct {
	Name    string
	Version string
	Sets    []NodeSet
}

// Result is the settled outcome of loading one set.
type Result struct {
	ID    string
	Types []string
	Err   error
}

// OK reports whether the set loaded.
func (r Result) OK() bool { return r.Err == nil }

// Loader loads modules into a registry.
type Loader struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a loader for reg.
func New(reg *registry.Registry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{registry: reg, logger: logger.With("component", "loader")}
}

// Load registers every set of modules. Failures are recorded on the set's
// descriptor and in the returned results; they never fail the load as a
// whole. Sets that are already registered are reported as they stand.
func (l *Loader) Load(ctx context.Context, modules ...Module) []Result {
	state := l.registry.PersistedState(ctx)

	var results []Result
	for _, mod := range modules {
		for _, set := range mod.Sets {
			res := l.loadSet(ctx, mod, set, state)
			if res.Err != nil {
				l.logger.Warn("Failed to load node set", "set", res.ID, "error", res.Err)
			} else {
				l.logger.Debug("Loaded node set", "set", res.ID, "types", res.Types)
			}
			results = append(results, res)
		}
	}

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	l.logger.Info("Node sets loaded", "total", len(results), "failed", failed)
	return results
}

func (l *Loader) loadSet(ctx context.Context, mod Module, set NodeSet, state map[string]bool) Result {
	id := registry.SetID(mod.Name, set.Name)

	if existing, ok := l.registry.Get(id); ok {
		return Result{ID: id, Types: existing.Types, Err: existing.Err}
	}

	types := make([]string, 0, len(set.Definitions))
	for _, def := range set.Definitions {
		types = append(types, def.Type)
	}

	enabled := true
	if persisted, ok := state[id]; ok {
		enabled = persisted
	}

	desc := registry.Descriptor{
		ID:           id,
		Module:       mod.Name,
		Name:         set.Name,
		Version:      mod.Version,
		Types:        types,
		MessageTypes: set.MessageTypes,
		Enabled:      enabled,
	}
	if err := l.registry.AddTypeSet(desc); err != nil {
		return Result{ID: id, Types: types, Err: &errors.TypeLoadError{SetID: id, Err: err}}
	}

	err := l.bind(ctx, id, set)
	l.registry.SetLoadResult(id, err)
	return Result{ID: id, Types: types, Err: err}
}

func (l *Loader) bind(ctx context.Context, id string, set NodeSet) error {
	if set.Register != nil {
		if err := runHook(ctx, l.registry, id, set.Register); err != nil {
			return &errors.TypeLoadError{SetID: id, Err: err}
		}
	}

	var errs []error
	for _, def := range set.Definitions {
		if err := l.registry.RegisterType(id, def); err != nil {
			errs = append(errs, &errors.TypeLoadError{SetID: id, Type: def.Type, Err: err})
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

func runHook(ctx context.Context, reg *registry.Registry, id string,
	hook func(context.Context, *registry.Registry, string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("register hook panicked: %v", r)
		}
	}()
	return hook(ctx, reg, id)
}
